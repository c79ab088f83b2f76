package proactive

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// AdaptiveConfig tunes the per-chat interaction score and its effect on
// proactive behavior.
type AdaptiveConfig struct {
	// Enabled turns adaptive scaling on. Disabled means every chat behaves
	// like the "friendly" bucket.
	Enabled bool `yaml:"enabled"`

	// ScoreMin and ScoreMax bound the interaction score.
	ScoreMin float64 `yaml:"score_min"`
	ScoreMax float64 `yaml:"score_max"`

	// InitialScore is assigned to newly observed chats.
	InitialScore float64 `yaml:"initial_score"`

	// IncreaseOnSuccess is the base award for a successful proactive attempt.
	IncreaseOnSuccess float64 `yaml:"increase_on_success"`

	// DecreaseOnFail is subtracted per failed attempt.
	DecreaseOnFail float64 `yaml:"decrease_on_fail"`

	// QuickReplyBonus is added when a reply lands within QuickReplyWindow.
	QuickReplyBonus  float64       `yaml:"quick_reply_bonus"`
	QuickReplyWindow time.Duration `yaml:"quick_reply_window"`

	// MultiUserBonus is added when at least two distinct users replied.
	MultiUserBonus float64 `yaml:"multi_user_bonus"`

	// StreakBonus is added from the StreakLength-th consecutive success on.
	StreakBonus  float64 `yaml:"streak_bonus"`
	StreakLength int     `yaml:"streak_length"`

	// RevivalBonus is added when the score was below RevivalThreshold before
	// the success, rewarding a turned-around chat.
	RevivalBonus     float64 `yaml:"revival_bonus"`
	RevivalThreshold float64 `yaml:"revival_threshold"`

	// DecayRate is subtracted once per day of total inactivity.
	DecayRate float64 `yaml:"decay_rate"`
}

// DefaultAdaptiveConfig returns the adaptive scoring defaults.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:           true,
		ScoreMin:          0,
		ScoreMax:          100,
		InitialScore:      50,
		IncreaseOnSuccess: 15,
		DecreaseOnFail:    10,
		QuickReplyBonus:   5,
		QuickReplyWindow:  30 * time.Second,
		MultiUserBonus:    10,
		StreakBonus:       5,
		StreakLength:      3,
		RevivalBonus:      10,
		RevivalThreshold:  30,
		DecayRate:         5,
	}
}

// Normalize clamps out-of-range values in place.
func (c *AdaptiveConfig) Normalize(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.ScoreMax <= c.ScoreMin {
		logger.Warn("adaptive score bounds inverted, using defaults", "min", c.ScoreMin, "max", c.ScoreMax)
		c.ScoreMin, c.ScoreMax = 0, 100
	}
	if c.InitialScore < c.ScoreMin || c.InitialScore > c.ScoreMax {
		c.InitialScore = (c.ScoreMin + c.ScoreMax) / 2
	}
	if c.StreakLength < 1 {
		c.StreakLength = 3
	}
	if c.QuickReplyWindow <= 0 {
		c.QuickReplyWindow = 30 * time.Second
	}
}

// Params are the adaptive multipliers derived from the interaction score.
type Params struct {
	Label              string
	ProbMultiplier     float64
	SilenceMultiplier  float64
	CooldownMultiplier float64
	MaxFailures        int
}

// ParamsFor buckets the interaction score. baseMaxFailures is the configured
// failure budget before bucket adjustment.
func ParamsFor(score float64, baseMaxFailures int) Params {
	switch {
	case score >= 80:
		mf := baseMaxFailures + 1
		if mf > 3 {
			mf = 3
		}
		return Params{Label: "hot", ProbMultiplier: 1.8, SilenceMultiplier: 0.5, CooldownMultiplier: 0.33, MaxFailures: mf}
	case score >= 60:
		return Params{Label: "friendly", ProbMultiplier: 1.0, SilenceMultiplier: 1.0, CooldownMultiplier: 1.0, MaxFailures: baseMaxFailures}
	case score >= 40:
		mf := baseMaxFailures - 1
		if mf < 1 {
			mf = 1
		}
		return Params{Label: "cool", ProbMultiplier: 0.5, SilenceMultiplier: 1.5, CooldownMultiplier: 1.5, MaxFailures: mf}
	case score >= 20:
		return Params{Label: "cold", ProbMultiplier: 0.25, SilenceMultiplier: 3.0, CooldownMultiplier: 2.0, MaxFailures: 1}
	default:
		return Params{Label: "dead", ProbMultiplier: 0.1, SilenceMultiplier: 6.0, CooldownMultiplier: 4.0, MaxFailures: 1}
	}
}

// effectiveMaxFailures samples the failure threshold for one retry round.
// With perturbation 0 the configured maximum is returned unchanged; otherwise
// a Beta(1, 1+5·perturbation) draw is scaled onto [1, maxFailures], skewing
// toward earlier cooldown entry as perturbation grows. The randomization
// keeps cooldown timing unpredictable to the group.
func effectiveMaxFailures(maxFailures int, perturbation float64, src rand.Source) int {
	if maxFailures <= 1 {
		return 1
	}
	if perturbation <= 0 {
		return maxFailures
	}
	if perturbation > 1 {
		perturbation = 1
	}
	beta := distuv.Beta{Alpha: 1, Beta: 1 + 5*perturbation, Src: src}
	x := beta.Rand()
	n := int(math.Round(1 + x*float64(maxFailures-1)))
	if n < 1 {
		n = 1
	}
	if n > maxFailures {
		n = maxFailures
	}
	return n
}
