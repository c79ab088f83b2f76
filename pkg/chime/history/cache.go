// Package history owns the message pipeline state: the pending cache of
// not-yet-promoted user messages, the custom JSON history shadow, promotion
// into the host's official conversation, and the recent-reply ring used for
// duplicate suppression.
package history

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Hard limits that configuration cannot raise.
const (
	PendingCacheHardCap = 50
	PendingTTLHardCap   = 7200 * time.Second
)

// CachedMessage is one tentatively-cached user message. A minimal entry
// (ProbabilityFiltered=true) records only enough for later context; a full
// entry carries the complete metadata snapshot. Timestamps are unix seconds.
type CachedMessage struct {
	Role             string  `json:"role"`
	Content          string  `json:"content"`
	Timestamp        float64 `json:"timestamp"`         // when the entry was cached
	MessageTimestamp float64 `json:"message_timestamp"` // platform message time
	MessageID        string  `json:"message_id"`
	SenderID         string  `json:"sender_id"`
	SenderName       string  `json:"sender_name"`

	MentionInfo []string `json:"mention_info,omitempty"`
	PokeInfo    string   `json:"poke_info,omitempty"`
	ImageURLs   []string `json:"image_urls,omitempty"`

	IsAtMessage       bool `json:"is_at_message"`
	HasTriggerKeyword bool `json:"has_trigger_keyword"`

	// ProbabilityFiltered marks minimal entries from probability-gated
	// messages that never reached full processing.
	ProbabilityFiltered bool `json:"probability_filtered,omitempty"`
}

// Clone returns a deep copy, safe to hold across suspension points while the
// shared cache rotates underneath.
func (m *CachedMessage) Clone() *CachedMessage {
	c := *m
	if m.MentionInfo != nil {
		c.MentionInfo = append([]string(nil), m.MentionInfo...)
	}
	if m.ImageURLs != nil {
		c.ImageURLs = append([]string(nil), m.ImageURLs...)
	}
	return &c
}

// CacheConfig bounds the pending cache.
type CacheConfig struct {
	// MaxCount caps entries per chat; hard limit 50.
	MaxCount int `yaml:"max_count"`

	// TTL purges entries older than this on every append; hard cap 2h.
	TTL time.Duration `yaml:"ttl"`
}

// DefaultCacheConfig returns the pending cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxCount: 20, TTL: 30 * time.Minute}
}

// PendingCache holds the per-chat FIFO of tentatively-cached messages.
type PendingCache struct {
	cfg    CacheConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]*CachedMessage // chat key -> entries

	now func() time.Time
}

// NewPendingCache builds a cache, clamping config to the hard limits.
func NewPendingCache(cfg CacheConfig, logger *slog.Logger) *PendingCache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxCount <= 0 || cfg.MaxCount > PendingCacheHardCap {
		cfg.MaxCount = PendingCacheHardCap
	}
	if cfg.TTL <= 0 || cfg.TTL > PendingTTLHardCap {
		cfg.TTL = PendingTTLHardCap
	}
	return &PendingCache{
		cfg:     cfg,
		logger:  logger.With("component", "pending_cache"),
		pending: make(map[string][]*CachedMessage),
		now:     time.Now,
	}
}

// Append adds a message to a chat's pending list. Expired entries are purged
// first; when the cap would be exceeded, entries are sorted by message
// timestamp and the oldest dropped.
func (c *PendingCache) Append(chat string, msg *CachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.purgeLocked(chat)
	entries = append(entries, msg)
	if len(entries) > c.cfg.MaxCount {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].MessageTimestamp < entries[j].MessageTimestamp
		})
		entries = entries[len(entries)-c.cfg.MaxCount:]
	}
	c.pending[chat] = entries
}

// purgeLocked drops entries older than the TTL. Must hold c.mu.
func (c *PendingCache) purgeLocked(chat string) []*CachedMessage {
	cutoff := float64(c.now().Add(-c.cfg.TTL).UnixNano()) / 1e9
	entries := c.pending[chat]
	kept := entries[:0]
	for _, e := range entries {
		if e.Timestamp >= cutoff {
			kept = append(kept, e)
		}
	}
	c.pending[chat] = kept
	return kept
}

// Snapshot returns deep copies of all pending entries for a chat, sorted by
// message timestamp.
func (c *PendingCache) Snapshot(chat string) []*CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.purgeLocked(chat)
	out := make([]*CachedMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MessageTimestamp < out[j].MessageTimestamp
	})
	return out
}

// CollectBefore returns copies of entries with MessageTimestamp strictly
// before ts whose message id passes the filter, sorted by timestamp. The
// entries stay in the cache; use RemoveThrough after a successful promotion.
func (c *PendingCache) CollectBefore(chat string, ts float64, include func(messageID string) bool) []*CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*CachedMessage
	for _, e := range c.purgeLocked(chat) {
		if e.MessageTimestamp < ts && (include == nil || include(e.MessageID)) {
			out = append(out, e.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MessageTimestamp < out[j].MessageTimestamp
	})
	return out
}

// RemoveThrough deletes entries with MessageTimestamp <= ts whose id passes
// the filter. Returns the number removed.
func (c *PendingCache) RemoveThrough(chat string, ts float64, include func(messageID string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.pending[chat]
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if e.MessageTimestamp <= ts && (include == nil || include(e.MessageID)) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	c.pending[chat] = kept
	return removed
}

// Len returns the pending count for a chat.
func (c *PendingCache) Len(chat string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[chat])
}

// Clear drops all pending entries for a chat; empty chat clears everything.
func (c *PendingCache) Clear(chat string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chat == "" {
		c.pending = make(map[string][]*CachedMessage)
		return
	}
	delete(c.pending, chat)
}
