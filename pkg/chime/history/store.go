// Package history – store.go implements the dual-store persistence: a custom
// JSON shadow under chat_history/ and the transactional promotion of cached
// messages into the host's official conversation.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jholhewres/chime/pkg/chime/host"
)

// OfficialHistoryCap bounds the official conversation after promotion.
const OfficialHistoryCap = 150

// StoredMessage is one row of the custom JSON history shadow.
type StoredMessage struct {
	Role       string   `json:"role"`
	Content    string   `json:"content"`
	SenderID   string   `json:"sender_id,omitempty"`
	SenderName string   `json:"sender_name,omitempty"`
	Timestamp  float64  `json:"timestamp"`
	Proactive  bool     `json:"proactive,omitempty"`
	ImageURLs  []string `json:"image_urls,omitempty"`
}

// Store owns the on-disk shadow files, one per chat.
type Store struct {
	dataDir string
	logger  *slog.Logger

	// mu serializes load-modify-save cycles per process. Shadow files are
	// small; a single lock is simpler than per-chat locking and the write
	// path is already serialized per chat by the decision pipeline.
	mu sync.Mutex
}

// NewStore builds a history store rooted at dataDir.
func NewStore(dataDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dataDir: dataDir, logger: logger.With("component", "history")}
}

func (s *Store) chatPath(chat host.ChatKey) string {
	return filepath.Join(s.dataDir, "chat_history", chat.Platform, string(chat.Kind), chat.ChatID+".json")
}

// Append adds one message to a chat's shadow file. Failures are returned but
// never fatal: the in-memory pipeline continues and the next append retries.
func (s *Store) Append(chat host.ChatKey, msg StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.loadLocked(chat)
	if err != nil {
		s.logger.Warn("history shadow unreadable, starting fresh", "chat", chat.String(), "error", err)
		msgs = nil
	}
	msgs = append(msgs, msg)
	if len(msgs) > OfficialHistoryCap {
		msgs = msgs[len(msgs)-OfficialHistoryCap:]
	}
	return s.saveLocked(chat, msgs)
}

// Recent returns the last n shadow messages in chronological order.
// n <= 0 returns everything.
func (s *Store) Recent(chat host.ChatKey, n int) []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.loadLocked(chat)
	if err != nil {
		return nil
	}
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs
}

// Reset deletes a chat's shadow file.
func (s *Store) Reset(chat host.ChatKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.chatPath(chat))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ResetAll deletes every shadow file across all platforms and chats.
func (s *Store) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.RemoveAll(filepath.Join(s.dataDir, "chat_history"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) loadLocked(chat host.ChatKey) ([]StoredMessage, error) {
	data, err := os.ReadFile(s.chatPath(chat))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []StoredMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse history shadow: %w", err)
	}
	return msgs, nil
}

func (s *Store) saveLocked(chat host.ChatKey, msgs []StoredMessage) error {
	path := s.chatPath(chat)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// ContentHash returns the dedup key for a conversation entry: a SHA-256 of
// the role plus the canonical JSON serialization of the content, so
// multimodal lists hash stably.
func ContentHash(role string, content any) string {
	data, err := json.Marshal(content)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", content))
	}
	sum := sha256.Sum256(append([]byte(role+"\x00"), data...))
	return hex.EncodeToString(sum[:])
}

// renderUserContent produces the official-history content for a cached user
// message: plain text with a sender prefix, or a multimodal list when images
// are attached.
func renderUserContent(m *CachedMessage) any {
	text := m.Content
	if m.SenderName != "" {
		text = fmt.Sprintf("%s(ID:%s): %s", m.SenderName, m.SenderID, m.Content)
	}
	if len(m.ImageURLs) == 0 {
		return text
	}
	parts := []host.ContentPart{{Type: "text", Text: text}}
	for _, u := range m.ImageURLs {
		parts = append(parts, host.ContentPart{Type: "image_url", ImageURL: &host.ImageRef{URL: u}})
	}
	return parts
}

// PromoteToOfficial moves a batch of cached messages plus the current user
// message (and optionally the bot reply) into the host's official
// conversation. The batch is timestamp-sorted, deduplicated by content hash
// against the existing history, and the result truncated to the cap. An
// empty botReply skips the assistant row but still persists the user rows
// (duplicate-block case). On any failure the cache is untouched and the error
// returned; callers retain entries for the next attempt.
func (s *Store) PromoteToOfficial(
	ctx context.Context,
	cm host.ConversationManager,
	sessionID string,
	cached []*CachedMessage,
	current *CachedMessage,
	botReply string,
	proactive bool,
) error {
	if cm == nil {
		return fmt.Errorf("promote: %w", host.ErrNoConversation)
	}
	convID, err := cm.CurrentConversationID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("promote: current conversation: %w", err)
	}
	if convID == "" {
		convID, err = cm.NewConversation(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("promote: new conversation: %w", err)
		}
	}
	hist, err := cm.Conversation(ctx, sessionID, convID)
	if err != nil {
		return fmt.Errorf("promote: read conversation: %w", err)
	}

	seen := make(map[string]struct{}, len(hist))
	for _, e := range hist {
		seen[ContentHash(e.Role, e.Content)] = struct{}{}
	}

	batch := make([]*CachedMessage, 0, len(cached)+1)
	batch = append(batch, cached...)
	if current != nil {
		batch = append(batch, current)
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].MessageTimestamp < batch[j].MessageTimestamp
	})

	for _, m := range batch {
		content := renderUserContent(m)
		h := ContentHash(host.RoleUser, content)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hist = append(hist, host.ConversationEntry{Role: host.RoleUser, Content: content, Proactive: proactive})
	}

	if botReply != "" {
		h := ContentHash(host.RoleAssistant, botReply)
		if _, dup := seen[h]; !dup {
			hist = append(hist, host.ConversationEntry{Role: host.RoleAssistant, Content: botReply})
		}
	}

	if len(hist) > OfficialHistoryCap {
		hist = hist[len(hist)-OfficialHistoryCap:]
	}
	if err := cm.UpdateConversation(ctx, sessionID, convID, hist); err != nil {
		return fmt.Errorf("promote: update conversation: %w", err)
	}
	return nil
}
