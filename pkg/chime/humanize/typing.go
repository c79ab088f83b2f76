// Package humanize – typing.go simulates human typing latency before a reply
// is sent. The delay scales with message length and is jittered so the bot
// does not answer every message after an identical pause.
package humanize

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// TypingConfig configures the typing delay simulation.
type TypingConfig struct {
	// Enabled turns the delay on.
	Enabled bool `yaml:"enabled"`

	// CharsPerSecond is the simulated typing speed.
	CharsPerSecond float64 `yaml:"chars_per_second"`

	// MinDelay and MaxDelay bound the final sleep.
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`

	// RandomFactor jitters the computed delay by ±factor (0.3 = ±30%).
	RandomFactor float64 `yaml:"random_factor"`
}

// DefaultTypingConfig returns the typing simulation defaults.
func DefaultTypingConfig() TypingConfig {
	return TypingConfig{
		Enabled:        false,
		CharsPerSecond: 6,
		MinDelay:       800 * time.Millisecond,
		MaxDelay:       8 * time.Second,
		RandomFactor:   0.3,
	}
}

// TypingSim computes and performs typing delays.
type TypingSim struct {
	cfg TypingConfig
	rng *rand.Rand
}

// NewTypingSim builds a simulator. rng may be nil for the global source.
func NewTypingSim(cfg TypingConfig, rng *rand.Rand) *TypingSim {
	if cfg.CharsPerSecond <= 0 {
		cfg.CharsPerSecond = 6
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MinDelay, cfg.MaxDelay = cfg.MaxDelay, cfg.MinDelay
	}
	return &TypingSim{cfg: cfg, rng: rng}
}

// DelayFor returns the delay for a reply, or zero when no delay applies.
// Messages of three characters or fewer, and messages carrying structural
// tokens like code fences, go out immediately.
func (s *TypingSim) DelayFor(text string) time.Duration {
	if s == nil || !s.cfg.Enabled {
		return 0
	}
	runes := []rune(text)
	if len(runes) <= 3 {
		return 0
	}
	if strings.Contains(text, "```") || strings.Contains(text, "\n\n") {
		return 0
	}

	base := float64(len(runes)) / s.cfg.CharsPerSecond
	jitter := 1.0
	if s.cfg.RandomFactor > 0 {
		r := rand.Float64
		if s.rng != nil {
			r = s.rng.Float64
		}
		jitter = 1 + (r()*2-1)*s.cfg.RandomFactor
	}
	d := time.Duration(base * jitter * float64(time.Second))
	if d < s.cfg.MinDelay {
		d = s.cfg.MinDelay
	}
	if d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}
	return d
}

// Wait sleeps for the computed delay. The sleep is short and bounded by
// MaxDelay, so it ignores ctx cancellation mid-sleep only when the remaining
// time is already elapsed; callers pass ctx for shutdown responsiveness.
func (s *TypingSim) Wait(ctx context.Context, text string) {
	d := s.DelayFor(text)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
