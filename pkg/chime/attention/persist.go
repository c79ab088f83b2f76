// Package attention – persist.go handles the attention_data.json shadow and
// the autosave loop. Write failures are logged and retried on the next tick;
// the in-memory state always wins.
package attention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	attentionFileName = "attention_data.json"

	// DefaultAutosaveInterval matches the plugin's attention autosave cadence.
	DefaultAutosaveInterval = 60 * time.Second
)

// attentionFile is the on-disk shape of attention_data.json.
type attentionFile struct {
	Profiles map[string]map[string]*UserProfile `json:"profiles"`
	Activity map[string]*ChatActivity           `json:"activity"`
}

// Save writes all attention state to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	file := attentionFile{Profiles: t.profiles, Activity: t.activity}
	data, err := json.MarshalIndent(file, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal attention data: %w", err)
	}
	if err := os.MkdirAll(t.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(t.dataDir, attentionFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write attention data: %w", err)
	}
	return nil
}

// load reads attention state from disk. Entries that fail to decode are
// replaced with fresh profiles rather than failing the whole load.
func (t *Tracker) load() error {
	path := filepath.Join(t.dataDir, attentionFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file attentionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse attention data: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if file.Profiles != nil {
		for chat, users := range file.Profiles {
			for id, p := range users {
				if p == nil {
					delete(users, id)
					continue
				}
				p.AttentionScore = clamp(p.AttentionScore, 0, 1)
				p.Emotion = clamp(p.Emotion, -1, 1)
			}
			if len(users) == 0 {
				delete(file.Profiles, chat)
			}
		}
		t.profiles = file.Profiles
	}
	if file.Activity != nil {
		t.activity = file.Activity
	}
	return nil
}

// StartAutosave begins the periodic save loop. The cooldown manager is saved
// on the same tick so both files stay roughly in sync.
func (t *Tracker) StartAutosave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultAutosaveInterval
	}
	saveCtx, cancel := context.WithCancel(ctx)
	t.autosaveCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.Save(); err != nil {
					t.logger.Warn("attention autosave failed", "error", err)
				}
				if err := t.cooldown.Save(); err != nil {
					t.logger.Warn("cooldown autosave failed", "error", err)
				}
			case <-saveCtx.Done():
				return
			}
		}
	}()
}

// StopAutosave cancels the autosave loop and performs one final save.
func (t *Tracker) StopAutosave() {
	if t.autosaveCancel != nil {
		t.autosaveCancel()
	}
	if err := t.Save(); err != nil {
		t.logger.Warn("final attention save failed", "error", err)
	}
	if err := t.cooldown.Save(); err != nil {
		t.logger.Warn("final cooldown save failed", "error", err)
	}
}
