// Package proactive implements bot-initiated conversation: a background
// scheduler that watches per-chat silence and activity, an adaptive
// interaction score that scales how pushy the bot is allowed to be, a
// failure/complaint escalation ladder, and the persisted per-chat state
// machine driving all of it.
package proactive

import (
	"log/slog"
	"time"

	"github.com/jholhewres/chime/pkg/chime/humanize"
)

// FocusConfig controls attention-focus hints injected into proactive prompts.
type FocusConfig struct {
	// Enabled turns focus hints on.
	Enabled bool `yaml:"enabled"`

	// TopN is how many top-attention users are candidates.
	TopN int `yaml:"top_n"`

	// MaxSelectedUsers caps how many users one prompt mentions.
	MaxSelectedUsers int `yaml:"max_selected_users"`

	// RankWeights is the weighted-random table as "rank:weight" pairs,
	// e.g. "1:55,2:25,3:12,4:8".
	RankWeights string `yaml:"rank_weights"`

	// FocusLastUserProbability is the chance of hinting the model to continue
	// with the previously focused user.
	FocusLastUserProbability float64 `yaml:"focus_last_user_probability"`
}

// Config is the full proactive-chat configuration.
type Config struct {
	// Enabled turns the scheduler on.
	Enabled bool `yaml:"enabled"`

	// EnabledGroups is the chat-id whitelist. Empty means proactive chat is
	// off everywhere; it is strictly opt-in.
	EnabledGroups []string `yaml:"enabled_groups"`

	// Prompt is the base system prompt for proactive generation.
	Prompt string `yaml:"prompt"`

	// SilenceThreshold is the minimum quiet time since the last bot reply
	// before a trigger is considered. Scaled by the adaptive multiplier.
	SilenceThreshold time.Duration `yaml:"silence_threshold"`

	// Probability is the base trigger probability per tick.
	Probability float64 `yaml:"probability"`

	// CheckInterval is the scheduler tick period.
	CheckInterval time.Duration `yaml:"check_interval"`

	// RequireUserActivity gates triggers on recent user messages.
	RequireUserActivity bool `yaml:"require_user_activity"`

	// MinUserMessages is the activity floor within UserActivityWindow.
	MinUserMessages int `yaml:"min_user_messages"`

	// UserActivityWindow is the activity lookback window.
	UserActivityWindow time.Duration `yaml:"user_activity_window"`

	// MaxConsecutiveFailures is the base failure budget before cooldown.
	// The effective per-round threshold is randomized; see adaptive.go.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	// FailureSequenceProbability controls whether a failed attempt counts
	// toward the consecutive-failure budget: -1 always, 0 never, (0,1] is a
	// Bernoulli draw. Out-of-range values are clamped to -1 at load.
	FailureSequenceProbability float64 `yaml:"failure_sequence_probability"`

	// FailureThresholdPerturbation in [0,1] widens the Beta randomization of
	// the effective failure threshold. 0 means no randomization.
	FailureThresholdPerturbation float64 `yaml:"failure_threshold_perturbation"`

	// CooldownDuration is the base suppression window after too many failures.
	// Scaled by the adaptive multiplier.
	CooldownDuration time.Duration `yaml:"cooldown_duration"`

	// TempBoostProbability is the additive reply-probability boost active
	// right after a proactive send.
	TempBoostProbability float64 `yaml:"temp_boost_probability"`

	// TempBoostDuration is how long the boost (and the outcome window) lasts.
	TempBoostDuration time.Duration `yaml:"temp_boost_duration"`

	// Quiet hours: proactive triggers are fully suppressed inside the window,
	// with a fade at the edges.
	QuietEnabled           bool   `yaml:"quiet_enabled"`
	QuietStart             string `yaml:"quiet_start"`
	QuietEnd               string `yaml:"quiet_end"`
	QuietTransitionMinutes int    `yaml:"quiet_transition_minutes"`

	// DynamicPeriods scales the trigger probability by time of day.
	DynamicPeriods humanize.TimePeriodConfig `yaml:"dynamic_periods"`

	Focus     FocusConfig     `yaml:"focus"`
	Adaptive  AdaptiveConfig  `yaml:"adaptive"`
	Complaint ComplaintConfig `yaml:"complaint"`
}

// DefaultConfig returns proactive-chat defaults. Disabled by default; the
// whitelist makes it opt-in per chat anyway.
func DefaultConfig() Config {
	return Config{
		Enabled:                      false,
		Prompt:                       "The group has been quiet for a while. Start a natural, casual conversation that fits the recent mood. Keep it short.",
		SilenceThreshold:             10 * time.Minute,
		Probability:                  0.3,
		CheckInterval:                time.Minute,
		RequireUserActivity:          true,
		MinUserMessages:              3,
		UserActivityWindow:           30 * time.Minute,
		MaxConsecutiveFailures:       3,
		FailureSequenceProbability:   -1,
		FailureThresholdPerturbation: 0.3,
		CooldownDuration:             2 * time.Hour,
		TempBoostProbability:         0.3,
		TempBoostDuration:            3 * time.Minute,
		QuietEnabled:                 true,
		QuietStart:                   "00:30",
		QuietEnd:                     "07:30",
		QuietTransitionMinutes:       30,
		Focus: FocusConfig{
			Enabled:                  true,
			TopN:                     4,
			MaxSelectedUsers:         2,
			RankWeights:              "1:55,2:25,3:12,4:8",
			FocusLastUserProbability: 0.4,
		},
		Adaptive:  DefaultAdaptiveConfig(),
		Complaint: DefaultComplaintConfig(),
	}
}

// Normalize clamps out-of-range values in place, logging one warning per
// correction.
func (c *Config) Normalize(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.CheckInterval < 10*time.Second {
		logger.Warn("proactive check_interval too small, using 10s", "value", c.CheckInterval)
		c.CheckInterval = 10 * time.Second
	}
	if c.Probability < 0 || c.Probability > 1 {
		logger.Warn("proactive probability out of range, clamping", "value", c.Probability)
		c.Probability = clampf(c.Probability, 0, 1)
	}
	p := c.FailureSequenceProbability
	if p != -1 && (p < 0 || p > 1) {
		logger.Warn("failure_sequence_probability outside {-1, 0, (0,1]}, treating as -1", "value", p)
		c.FailureSequenceProbability = -1
	}
	if c.FailureThresholdPerturbation < 0 || c.FailureThresholdPerturbation > 1 {
		logger.Warn("failure_threshold_perturbation out of [0,1], clamping", "value", c.FailureThresholdPerturbation)
		c.FailureThresholdPerturbation = clampf(c.FailureThresholdPerturbation, 0, 1)
	}
	if c.MaxConsecutiveFailures < 1 {
		logger.Warn("max_consecutive_failures below 1, using 1", "value", c.MaxConsecutiveFailures)
		c.MaxConsecutiveFailures = 1
	}
	if c.MinUserMessages < 1 {
		c.MinUserMessages = 1
	}
	if c.TempBoostProbability < 0 || c.TempBoostProbability > 1 {
		logger.Warn("temp_boost_probability out of range, clamping", "value", c.TempBoostProbability)
		c.TempBoostProbability = clampf(c.TempBoostProbability, 0, 1)
	}
	if c.TempBoostDuration <= 0 {
		c.TempBoostDuration = 3 * time.Minute
	}
	c.Adaptive.Normalize(logger)
	c.Complaint.Normalize(logger)
}

// Whitelisted reports whether a chat id may receive proactive messages.
func (c *Config) Whitelisted(chatID string) bool {
	for _, id := range c.EnabledGroups {
		if id == chatID {
			return true
		}
	}
	return false
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
