// Package attention tracks how much focus the bot currently holds for each
// user in each chat. Scores decay over time, spill over to bystanders in an
// active conversation, and are suppressed by fatigue and cooldown mechanics.
package attention

import (
	"log/slog"
	"time"
)

// Config holds every attention-related knob.
type Config struct {
	// Enabled turns the attention mechanism on.
	Enabled bool `yaml:"enabled"`

	// IncreasedProbability is the ceiling the reply probability is pulled
	// toward for a high-attention user.
	IncreasedProbability float64 `yaml:"increased_probability"`

	// DecreasedProbability is the floor for a low-attention user.
	DecreasedProbability float64 `yaml:"decreased_probability"`

	// MaxTrackedUsers caps tracked profiles per chat; lowest attention is
	// evicted first.
	MaxTrackedUsers int `yaml:"max_tracked_users"`

	// AttentionHalfLife and EmotionHalfLife drive the lazy exponential decay.
	AttentionHalfLife time.Duration `yaml:"attention_half_life"`
	EmotionHalfLife   time.Duration `yaml:"emotion_half_life"`

	// BoostStep is added to attention on each replied interaction.
	BoostStep float64 `yaml:"boost_step"`

	// DecreaseStep is subtracted from every other tracked user when one user
	// receives a reply.
	DecreaseStep float64 `yaml:"decrease_step"`

	// EmotionBoostStep is the neutral per-reply emotion bump.
	EmotionBoostStep float64 `yaml:"emotion_boost_step"`

	// NoReplyDecreaseStep is subtracted when the judge AI declines to reply.
	NoReplyDecreaseStep float64 `yaml:"no_reply_decrease_step"`

	// NoReplyMinThreshold gates the no-reply decrement: attention below it is
	// left alone.
	NoReplyMinThreshold float64 `yaml:"no_reply_min_threshold"`

	// Emotion configures sentiment detection.
	Emotion EmotionConfig `yaml:"emotion"`

	// Spillover configures bystander probability spillover.
	Spillover SpilloverConfig `yaml:"spillover"`

	// Cooldown configures the attention-suppression cooldown set.
	Cooldown CooldownConfig `yaml:"cooldown"`

	// Fatigue configures the consecutive-reply fatigue mechanic.
	Fatigue FatigueConfig `yaml:"fatigue"`
}

// EmotionConfig configures keyword sentiment detection.
type EmotionConfig struct {
	Enabled          bool     `yaml:"enabled"`
	PositiveKeywords []string `yaml:"positive_keywords"`
	NegativeKeywords []string `yaml:"negative_keywords"`

	// EnableNegation checks a window before each keyword hit for negation
	// words; a negated hit is discarded.
	EnableNegation     bool     `yaml:"enable_negation"`
	NegationWords      []string `yaml:"negation_words"`
	NegationCheckRange int      `yaml:"negation_check_range"`

	// PositiveBoost and NegativeDecrease adjust emotion on detected polarity,
	// on top of the neutral bump.
	PositiveBoost    float64 `yaml:"positive_boost"`
	NegativeDecrease float64 `yaml:"negative_decrease"`
}

// SpilloverConfig configures attention spillover to bystanders.
type SpilloverConfig struct {
	Enabled bool `yaml:"enabled"`

	// Ratio scales how much of the chat activity reaches a bystander.
	Ratio float64 `yaml:"ratio"`

	// DecayHalfLife decays the chat activity score.
	DecayHalfLife time.Duration `yaml:"decay_half_life"`

	// MinTrigger is the minimum attention a reply must reach before it
	// updates the chat activity.
	MinTrigger float64 `yaml:"min_trigger"`
}

// CooldownConfig configures the user cooldown set.
type CooldownConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxDuration auto-releases entries after this long.
	MaxDuration time.Duration `yaml:"max_duration"`

	// TriggerThreshold: a no-reply decrement from above this attention level
	// puts the user on cooldown.
	TriggerThreshold float64 `yaml:"trigger_threshold"`

	// AttentionDecrease is the extra decrement applied on cooldown entry.
	AttentionDecrease float64 `yaml:"attention_decrease"`
}

// FatigueConfig configures consecutive-reply fatigue.
type FatigueConfig struct {
	Enabled bool `yaml:"enabled"`

	// ResetThreshold is the break length that resets a reply streak.
	// Minimum one minute.
	ResetThreshold time.Duration `yaml:"reset_threshold"`

	// ThresholdLight/Medium/Heavy are the streak lengths that trigger each
	// fatigue level. Must be strictly ascending; violations are auto-swapped.
	ThresholdLight  int `yaml:"threshold_light"`
	ThresholdMedium int `yaml:"threshold_medium"`
	ThresholdHeavy  int `yaml:"threshold_heavy"`

	// DecreaseLight/Medium/Heavy are the probability penalties per level,
	// each in [0, 1] and ascending; violations are auto-swapped.
	DecreaseLight  float64 `yaml:"decrease_light"`
	DecreaseMedium float64 `yaml:"decrease_medium"`
	DecreaseHeavy  float64 `yaml:"decrease_heavy"`

	// ClosingProbability is the chance the judge prompt suggests winding the
	// conversation down at heavy fatigue.
	ClosingProbability float64 `yaml:"closing_probability"`
}

// DefaultConfig returns the attention defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		IncreasedProbability: 0.8,
		DecreasedProbability: 0.02,
		MaxTrackedUsers:      10,
		AttentionHalfLife:    10 * time.Minute,
		EmotionHalfLife:      30 * time.Minute,
		BoostStep:            0.3,
		DecreaseStep:         0.05,
		EmotionBoostStep:     0.05,
		NoReplyDecreaseStep:  0.15,
		NoReplyMinThreshold:  0.1,
		Emotion: EmotionConfig{
			Enabled:            false,
			EnableNegation:     true,
			NegationWords:      []string{"不", "没", "别", "not", "no", "never"},
			NegationCheckRange: 4,
			PositiveBoost:      0.1,
			NegativeDecrease:   0.15,
		},
		Spillover: SpilloverConfig{
			Enabled:       true,
			Ratio:         0.3,
			DecayHalfLife: 5 * time.Minute,
			MinTrigger:    0.4,
		},
		Cooldown: CooldownConfig{
			Enabled:           true,
			MaxDuration:       30 * time.Minute,
			TriggerThreshold:  0.5,
			AttentionDecrease: 0.1,
		},
		Fatigue: FatigueConfig{
			Enabled:            true,
			ResetThreshold:     5 * time.Minute,
			ThresholdLight:     4,
			ThresholdMedium:    6,
			ThresholdHeavy:     8,
			DecreaseLight:      0.1,
			DecreaseMedium:     0.25,
			DecreaseHeavy:      0.45,
			ClosingProbability: 0.6,
		},
	}
}

// Normalize clamps out-of-range values and auto-swaps inverted thresholds,
// logging one warning per correction.
func (c *Config) Normalize(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.AttentionHalfLife <= 0 {
		c.AttentionHalfLife = 10 * time.Minute
	}
	if c.EmotionHalfLife <= 0 {
		c.EmotionHalfLife = 30 * time.Minute
	}
	if c.MaxTrackedUsers <= 0 {
		c.MaxTrackedUsers = 10
	}

	f := &c.Fatigue
	if f.ResetThreshold < time.Minute {
		logger.Warn("fatigue reset_threshold below minimum, using 1m", "configured", f.ResetThreshold)
		f.ResetThreshold = time.Minute
	}
	if f.ThresholdLight > f.ThresholdMedium {
		logger.Warn("fatigue thresholds light/medium inverted, swapping")
		f.ThresholdLight, f.ThresholdMedium = f.ThresholdMedium, f.ThresholdLight
	}
	if f.ThresholdMedium > f.ThresholdHeavy {
		logger.Warn("fatigue thresholds medium/heavy inverted, swapping")
		f.ThresholdMedium, f.ThresholdHeavy = f.ThresholdHeavy, f.ThresholdMedium
	}
	if f.ThresholdLight > f.ThresholdMedium {
		f.ThresholdLight, f.ThresholdMedium = f.ThresholdMedium, f.ThresholdLight
	}
	for _, p := range []*float64{&f.DecreaseLight, &f.DecreaseMedium, &f.DecreaseHeavy} {
		if *p < 0 {
			*p = 0
		}
		if *p > 1 {
			*p = 1
		}
	}
	if f.DecreaseLight > f.DecreaseMedium {
		logger.Warn("fatigue decreases light/medium inverted, swapping")
		f.DecreaseLight, f.DecreaseMedium = f.DecreaseMedium, f.DecreaseLight
	}
	if f.DecreaseMedium > f.DecreaseHeavy {
		logger.Warn("fatigue decreases medium/heavy inverted, swapping")
		f.DecreaseMedium, f.DecreaseHeavy = f.DecreaseHeavy, f.DecreaseMedium
	}
	if f.DecreaseLight > f.DecreaseMedium {
		f.DecreaseLight, f.DecreaseMedium = f.DecreaseMedium, f.DecreaseLight
	}

	if c.Emotion.NegationCheckRange <= 0 {
		c.Emotion.NegationCheckRange = 4
	}
	if c.Cooldown.MaxDuration <= 0 {
		c.Cooldown.MaxDuration = 30 * time.Minute
	}
	if c.Spillover.DecayHalfLife <= 0 {
		c.Spillover.DecayHalfLife = 5 * time.Minute
	}
}

// FatigueLevel names the fatigue tiers.
type FatigueLevel int

const (
	FatigueNone FatigueLevel = iota
	FatigueLight
	FatigueMedium
	FatigueHeavy
)

// String returns the tier name for prompts and logs.
func (l FatigueLevel) String() string {
	switch l {
	case FatigueLight:
		return "light"
	case FatigueMedium:
		return "medium"
	case FatigueHeavy:
		return "heavy"
	default:
		return "none"
	}
}

// LevelFor maps a reply streak length to its fatigue level.
func (f FatigueConfig) LevelFor(consecutiveReplies int) FatigueLevel {
	if !f.Enabled {
		return FatigueNone
	}
	switch {
	case consecutiveReplies >= f.ThresholdHeavy:
		return FatigueHeavy
	case consecutiveReplies >= f.ThresholdMedium:
		return FatigueMedium
	case consecutiveReplies >= f.ThresholdLight:
		return FatigueLight
	default:
		return FatigueNone
	}
}

// DecreaseFor returns the probability penalty for a fatigue level.
func (f FatigueConfig) DecreaseFor(level FatigueLevel) float64 {
	switch level {
	case FatigueLight:
		return f.DecreaseLight
	case FatigueMedium:
		return f.DecreaseMedium
	case FatigueHeavy:
		return f.DecreaseHeavy
	default:
		return 0
	}
}
