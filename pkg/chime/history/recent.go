// Package history – recent.go keeps the per-chat ring of recently sent
// replies, shared by the normal and proactive paths for send-time duplicate
// suppression.
package history

import (
	"strings"
	"sync"
	"time"
)

// RecentRepliesHardCap bounds the ring regardless of configuration.
const RecentRepliesHardCap = 100

// DuplicateConfig configures duplicate suppression.
type DuplicateConfig struct {
	// Enabled turns the duplicate filter on.
	Enabled bool `yaml:"enabled"`

	// CheckCount is how many recent replies are compared; hard cap 50.
	CheckCount int `yaml:"check_count"`

	// TimeLimitEnabled restricts comparison to a recency window.
	TimeLimitEnabled bool `yaml:"time_limit_enabled"`

	// TimeLimit is that window, clamped to [60s, 7200s].
	TimeLimit time.Duration `yaml:"time_limit"`
}

// DefaultDuplicateConfig returns duplicate filter defaults.
func DefaultDuplicateConfig() DuplicateConfig {
	return DuplicateConfig{
		Enabled:          true,
		CheckCount:       5,
		TimeLimitEnabled: true,
		TimeLimit:        10 * time.Minute,
	}
}

type recentEntry struct {
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

// RecentReplies is the per-chat reply ring. Ring length is capped at
// min(2×CheckCount, 100).
type RecentReplies struct {
	cfg DuplicateConfig

	mu    sync.Mutex
	rings map[string][]recentEntry

	now func() time.Time
}

// NewRecentReplies builds the ring store, clamping config.
func NewRecentReplies(cfg DuplicateConfig) *RecentReplies {
	if cfg.CheckCount <= 0 {
		cfg.CheckCount = 5
	}
	if cfg.CheckCount > 50 {
		cfg.CheckCount = 50
	}
	if cfg.TimeLimit < 60*time.Second {
		cfg.TimeLimit = 60 * time.Second
	}
	if cfg.TimeLimit > 7200*time.Second {
		cfg.TimeLimit = 7200 * time.Second
	}
	return &RecentReplies{
		cfg:   cfg,
		rings: make(map[string][]recentEntry),
		now:   time.Now,
	}
}

func (r *RecentReplies) cap() int {
	c := 2 * r.cfg.CheckCount
	if c > RecentRepliesHardCap {
		c = RecentRepliesHardCap
	}
	return c
}

// Record appends a sent reply to the chat's ring.
func (r *RecentReplies) Record(chat, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := append(r.rings[chat], recentEntry{
		Content:   content,
		Timestamp: float64(r.now().UnixNano()) / 1e9,
	})
	if max := r.cap(); len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	r.rings[chat] = ring
}

// IsDuplicate reports whether content matches any of the last CheckCount
// replies, optionally restricted to the time window.
func (r *RecentReplies) IsDuplicate(chat, content string) bool {
	if !r.cfg.Enabled {
		return false
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ring := r.rings[chat]
	start := len(ring) - r.cfg.CheckCount
	if start < 0 {
		start = 0
	}
	nowSec := float64(r.now().UnixNano()) / 1e9
	for _, e := range ring[start:] {
		if r.cfg.TimeLimitEnabled && nowSec-e.Timestamp > r.cfg.TimeLimit.Seconds() {
			continue
		}
		if e.Content == content {
			return true
		}
	}
	return false
}

// Len returns the ring length for a chat.
func (r *RecentReplies) Len(chat string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rings[chat])
}

// Reset clears one chat's ring, or everything when chat is empty.
func (r *RecentReplies) Reset(chat string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if chat == "" {
		r.rings = make(map[string][]recentEntry)
		return
	}
	delete(r.rings, chat)
}
