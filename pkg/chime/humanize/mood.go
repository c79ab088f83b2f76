// Package humanize – mood.go tracks a per-chat mood value that drifts back to
// neutral over time. The current mood is rendered as a short prompt hint so
// consecutive replies stay emotionally consistent.
package humanize

import (
	"math"
	"sync"
	"time"
)

// MoodConfig configures the mood tracker.
type MoodConfig struct {
	// Enabled turns mood injection on.
	Enabled bool `yaml:"enabled"`

	// HalfLife is how long mood takes to decay to half its value.
	HalfLife time.Duration `yaml:"half_life"`

	// PositiveStep and NegativeStep are the per-event adjustments.
	PositiveStep float64 `yaml:"positive_step"`
	NegativeStep float64 `yaml:"negative_step"`
}

// DefaultMoodConfig returns mood tracking defaults.
func DefaultMoodConfig() MoodConfig {
	return MoodConfig{
		Enabled:      false,
		HalfLife:     45 * time.Minute,
		PositiveStep: 0.15,
		NegativeStep: 0.2,
	}
}

// moodState is the stored value plus its last update time; the value is only
// meaningful after decay is applied for the elapsed time.
type moodState struct {
	value     float64
	updatedAt time.Time
}

// MoodTracker keeps one mood value per chat, in [-1, 1].
type MoodTracker struct {
	cfg   MoodConfig
	mu    sync.Mutex
	moods map[string]*moodState
	now   func() time.Time
}

// NewMoodTracker builds a tracker.
func NewMoodTracker(cfg MoodConfig) *MoodTracker {
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 45 * time.Minute
	}
	return &MoodTracker{cfg: cfg, moods: make(map[string]*moodState), now: time.Now}
}

// Enabled reports whether mood injection is active.
func (m *MoodTracker) Enabled() bool { return m != nil && m.cfg.Enabled }

// decayLocked applies half-life decay in place.
func (m *MoodTracker) decayLocked(s *moodState) {
	elapsed := m.now().Sub(s.updatedAt)
	if elapsed <= 0 {
		return
	}
	s.value *= math.Pow(0.5, elapsed.Seconds()/m.cfg.HalfLife.Seconds())
	s.updatedAt = m.now()
}

// Current returns the decayed mood for a chat.
func (m *MoodTracker) Current(chat string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.moods[chat]
	if !ok {
		return 0
	}
	m.decayLocked(s)
	return s.value
}

// Adjust shifts the chat mood by delta, clamped to [-1, 1].
func (m *MoodTracker) Adjust(chat string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.moods[chat]
	if !ok {
		s = &moodState{updatedAt: m.now()}
		m.moods[chat] = s
	}
	m.decayLocked(s)
	s.value = clampf(s.value+delta, -1, 1)
}

// RecordPositive nudges mood up (engaged conversation, positive sentiment).
func (m *MoodTracker) RecordPositive(chat string) { m.Adjust(chat, m.cfg.PositiveStep) }

// RecordNegative nudges mood down (ignored proactive attempt, complaints).
func (m *MoodTracker) RecordNegative(chat string) { m.Adjust(chat, -m.cfg.NegativeStep) }

// PromptHint renders the current mood as a one-line prompt injection, or ""
// when mood is near neutral or the tracker is disabled.
func (m *MoodTracker) PromptHint(chat string) string {
	if !m.Enabled() {
		return ""
	}
	v := m.Current(chat)
	switch {
	case v >= 0.6:
		return "Current mood: cheerful and talkative."
	case v >= 0.2:
		return "Current mood: upbeat."
	case v > -0.2:
		return ""
	case v > -0.6:
		return "Current mood: a bit flat; keep replies low-key."
	default:
		return "Current mood: dejected; reply briefly and without enthusiasm."
	}
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
