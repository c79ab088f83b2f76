// Package attention – cooldown.go implements the set of users whose attention
// growth is suppressed. Entries expire after the configured maximum duration
// or are released explicitly when the bot replies to the user again.
package attention

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const cooldownFileName = "cooldown_data.json"

// CooldownEntry records why and when a user entered cooldown.
// Timestamps are unix seconds, matching the on-disk schema.
type CooldownEntry struct {
	StartTime float64 `json:"start_time"`
	Reason    string  `json:"reason"`
	UserName  string  `json:"user_name"`
}

// CooldownManager owns the cooldown set. All mutation happens under its own
// lock; the attention tracker may query it while holding the tracker lock,
// which is safe because the cooldown manager never calls back into the
// tracker.
type CooldownManager struct {
	cfg     CooldownConfig
	dataDir string
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]CooldownEntry // key: chat + "|" + user

	now func() time.Time
}

// NewCooldownManager builds a manager and loads persisted entries.
func NewCooldownManager(cfg CooldownConfig, dataDir string, logger *slog.Logger) *CooldownManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &CooldownManager{
		cfg:     cfg,
		dataDir: dataDir,
		logger:  logger.With("component", "cooldown"),
		entries: make(map[string]CooldownEntry),
		now:     time.Now,
	}
	if err := m.load(); err != nil {
		m.logger.Warn("failed to load cooldown data, starting empty", "error", err)
	}
	return m
}

func cooldownKey(chat, user string) string { return chat + "|" + user }

// Add puts a user on cooldown. A user already on cooldown keeps the original
// start time.
func (m *CooldownManager) Add(chat, user, userName, reason string) {
	if !m.cfg.Enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cooldownKey(chat, user)
	if _, exists := m.entries[key]; exists {
		return
	}
	m.entries[key] = CooldownEntry{
		StartTime: float64(m.now().UnixNano()) / 1e9,
		Reason:    reason,
		UserName:  userName,
	}
	m.logger.Debug("user entered cooldown", "chat", chat, "user", user, "reason", reason)
}

// Contains reports whether the user is currently on cooldown. Expired entries
// are dropped lazily here.
func (m *CooldownManager) Contains(chat, user string) bool {
	if !m.cfg.Enabled {
		return false
	}
	key := cooldownKey(chat, user)

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	age := m.now().Sub(time.Unix(0, int64(entry.StartTime*1e9)))
	if age >= m.cfg.MaxDuration {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		m.logger.Debug("cooldown expired", "chat", chat, "user", user)
		return false
	}
	return true
}

// Release removes a user from cooldown (e.g. the bot replied to them).
func (m *CooldownManager) Release(chat, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, cooldownKey(chat, user))
}

// Len returns the number of entries, expired or not.
func (m *CooldownManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Reset clears all entries for one chat. An empty chat clears everything.
func (m *CooldownManager) Reset(chat string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chat == "" {
		m.entries = make(map[string]CooldownEntry)
		return
	}
	prefix := chat + "|"
	for key := range m.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(m.entries, key)
		}
	}
}

// Save writes the cooldown set to disk.
func (m *CooldownManager) Save() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.entries, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal cooldown data: %w", err)
	}
	path := filepath.Join(m.dataDir, cooldownFileName)
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cooldown data: %w", err)
	}
	return nil
}

func (m *CooldownManager) load() error {
	path := filepath.Join(m.dataDir, cooldownFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	entries := make(map[string]CooldownEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse cooldown data: %w", err)
	}
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	return nil
}
