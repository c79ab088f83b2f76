// Package humanize – frequency.go maintains the per-chat base reply
// probability. Right after the bot replies, the base is raised so an ongoing
// exchange keeps flowing, then decays linearly back to the configured initial
// value. The time-of-day factor is folded in here so the probability pipeline
// receives a single, already-adjusted base.
package humanize

import (
	"sync"
	"time"
)

// FrequencyConfig configures the reply frequency tuner.
type FrequencyConfig struct {
	// InitialProbability is the resting base probability for a chat.
	InitialProbability float64 `yaml:"initial_probability"`

	// AfterReplyProbability is the elevated base right after a bot reply.
	AfterReplyProbability float64 `yaml:"after_reply_probability"`

	// ProbabilityDuration is how long the elevated base takes to decay back.
	ProbabilityDuration time.Duration `yaml:"probability_duration"`
}

// DefaultFrequencyConfig returns the frequency tuner defaults.
func DefaultFrequencyConfig() FrequencyConfig {
	return FrequencyConfig{
		InitialProbability:    0.05,
		AfterReplyProbability: 0.4,
		ProbabilityDuration:   5 * time.Minute,
	}
}

// FrequencyTuner tracks the last bot reply per chat and computes the decaying
// base probability.
type FrequencyTuner struct {
	cfg     FrequencyConfig
	periods *TimePeriodManager // optional reply-time factor; may be nil

	mu        sync.Mutex
	lastReply map[string]time.Time
	now       func() time.Time
}

// NewFrequencyTuner builds a tuner. periods may be nil to disable the
// time-of-day factor.
func NewFrequencyTuner(cfg FrequencyConfig, periods *TimePeriodManager) *FrequencyTuner {
	if cfg.InitialProbability < 0 {
		cfg.InitialProbability = 0
	}
	if cfg.AfterReplyProbability < cfg.InitialProbability {
		cfg.AfterReplyProbability = cfg.InitialProbability
	}
	if cfg.ProbabilityDuration <= 0 {
		cfg.ProbabilityDuration = 5 * time.Minute
	}
	return &FrequencyTuner{
		cfg:       cfg,
		periods:   periods,
		lastReply: make(map[string]time.Time),
		now:       time.Now,
	}
}

// RecordReply notes that the bot just replied in the chat.
func (t *FrequencyTuner) RecordReply(chat string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastReply[chat] = t.now()
}

// BaseProbability returns the current base probability for a chat: the
// after-reply boost decayed linearly over ProbabilityDuration, multiplied by
// the reply-time period factor when configured.
func (t *FrequencyTuner) BaseProbability(chat string) float64 {
	t.mu.Lock()
	last, ok := t.lastReply[chat]
	now := t.now()
	t.mu.Unlock()

	p := t.cfg.InitialProbability
	if ok {
		elapsed := now.Sub(last)
		if elapsed < t.cfg.ProbabilityDuration {
			frac := 1 - elapsed.Seconds()/t.cfg.ProbabilityDuration.Seconds()
			p = t.cfg.InitialProbability + (t.cfg.AfterReplyProbability-t.cfg.InitialProbability)*frac
		}
	}
	if t.periods != nil {
		p *= t.periods.FactorAt(now)
	}
	return clampf(p, 0, 1)
}

// LastReply returns the last recorded bot reply time for a chat.
func (t *FrequencyTuner) LastReply(chat string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastReply[chat]
	return last, ok
}
