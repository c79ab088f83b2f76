package proactive

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Tier is the complaint escalation level.
type Tier int

const (
	TierNone Tier = iota
	TierLight
	TierMedium
	TierStrong
)

func (t Tier) String() string {
	switch t {
	case TierLight:
		return "light"
	case TierMedium:
		return "medium"
	case TierStrong:
		return "strong"
	default:
		return "none"
	}
}

// ComplaintConfig tunes the escalating mood cues injected into proactive
// prompts as accumulated failures grow.
type ComplaintConfig struct {
	// Enabled turns complaint cues on.
	Enabled bool `yaml:"enabled"`

	// TriggerThreshold is the minimum total failure count before any tier
	// is considered.
	TriggerThreshold int `yaml:"trigger_threshold"`

	// Tier entry levels, strictly ascending.
	LevelLight  int `yaml:"level_light"`
	LevelMedium int `yaml:"level_medium"`
	LevelStrong int `yaml:"level_strong"`

	// Per-tier emission probabilities.
	ProbabilityLight  float64 `yaml:"probability_light"`
	ProbabilityMedium float64 `yaml:"probability_medium"`
	ProbabilityStrong float64 `yaml:"probability_strong"`

	// MaxAccumulation caps total_proactive_failures.
	MaxAccumulation int `yaml:"max_accumulation"`

	// DecayOnSuccess is subtracted from the total on any successful attempt.
	DecayOnSuccess int `yaml:"decay_on_success"`

	// DecayNoFailureThreshold and DecayAmount implement time decay: after
	// that long without a failure, the total drops by the amount.
	DecayNoFailureThreshold time.Duration `yaml:"decay_no_failure_threshold"`
	DecayAmount             int           `yaml:"decay_amount"`

	// Priority makes the complaint cue replace the base proactive prompt
	// instead of appending to it.
	Priority bool `yaml:"priority"`
}

// DefaultComplaintConfig returns complaint ladder defaults.
func DefaultComplaintConfig() ComplaintConfig {
	return ComplaintConfig{
		Enabled:                 true,
		TriggerThreshold:        3,
		LevelLight:              3,
		LevelMedium:             6,
		LevelStrong:             10,
		ProbabilityLight:        0.3,
		ProbabilityMedium:       0.5,
		ProbabilityStrong:       0.8,
		MaxAccumulation:         20,
		DecayOnSuccess:          2,
		DecayNoFailureThreshold: 24 * time.Hour,
		DecayAmount:             1,
		Priority:                false,
	}
}

// Normalize clamps and reorders out-of-range values in place.
func (c *ComplaintConfig) Normalize(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.LevelLight > c.LevelMedium {
		logger.Warn("complaint levels light/medium inverted, swapping", "light", c.LevelLight, "medium", c.LevelMedium)
		c.LevelLight, c.LevelMedium = c.LevelMedium, c.LevelLight
	}
	if c.LevelMedium > c.LevelStrong {
		logger.Warn("complaint levels medium/strong inverted, swapping", "medium", c.LevelMedium, "strong", c.LevelStrong)
		c.LevelMedium, c.LevelStrong = c.LevelStrong, c.LevelMedium
		if c.LevelLight > c.LevelMedium {
			c.LevelLight, c.LevelMedium = c.LevelMedium, c.LevelLight
		}
	}
	if c.MaxAccumulation < 1 {
		c.MaxAccumulation = 20
	}
	if c.DecayOnSuccess < 0 {
		c.DecayOnSuccess = 0
	}
	if c.DecayAmount < 0 {
		c.DecayAmount = 0
	}
}

// TierFor returns the tier for an accumulated failure count.
func (c *ComplaintConfig) TierFor(total int) Tier {
	if !c.Enabled || total < c.TriggerThreshold {
		return TierNone
	}
	switch {
	case total >= c.LevelStrong:
		return TierStrong
	case total >= c.LevelMedium:
		return TierMedium
	case total >= c.LevelLight:
		return TierLight
	default:
		return TierNone
	}
}

// Cue rolls the tier probability and, on a hit, returns the mood cue text
// plus whether it should replace the base prompt.
func (c *ComplaintConfig) Cue(total int, rng *rand.Rand) (text string, priority bool, ok bool) {
	tier := c.TierFor(total)
	if tier == TierNone {
		return "", false, false
	}
	var p float64
	switch tier {
	case TierLight:
		p = c.ProbabilityLight
	case TierMedium:
		p = c.ProbabilityMedium
	default:
		p = c.ProbabilityStrong
	}
	if rng.Float64() >= p {
		return "", false, false
	}
	switch tier {
	case TierLight:
		text = fmt.Sprintf("You have started conversations %d times without anyone responding. Let a hint of mild dejection show, naturally.", total)
	case TierMedium:
		text = fmt.Sprintf("You have spoken up %d times and been ignored every time. Sound noticeably deflated about it, but stay friendly.", total)
	default:
		text = fmt.Sprintf("You have been ignored %d times in a row. Openly (but playfully) complain about being left on read before saying anything else.", total)
	}
	return text, c.Priority, true
}
