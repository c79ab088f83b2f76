package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/jholhewres/chime/pkg/chime/host"
)

// fakeConversations is an in-memory host.ConversationManager.
type fakeConversations struct {
	current map[string]string
	convs   map[string][]host.ConversationEntry
	nextID  int

	failUpdate bool
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		current: make(map[string]string),
		convs:   make(map[string][]host.ConversationEntry),
	}
}

func (f *fakeConversations) CurrentConversationID(_ context.Context, sessionID string) (string, error) {
	return f.current[sessionID], nil
}

func (f *fakeConversations) Conversation(_ context.Context, _, conversationID string) ([]host.ConversationEntry, error) {
	return append([]host.ConversationEntry(nil), f.convs[conversationID]...), nil
}

func (f *fakeConversations) NewConversation(_ context.Context, sessionID string) (string, error) {
	f.nextID++
	id := fmt.Sprintf("conv-%d", f.nextID)
	f.current[sessionID] = id
	f.convs[id] = nil
	return id, nil
}

func (f *fakeConversations) UpdateConversation(_ context.Context, _, conversationID string, history []host.ConversationEntry) error {
	if f.failUpdate {
		return fmt.Errorf("backend write failed")
	}
	f.convs[conversationID] = append([]host.ConversationEntry(nil), history...)
	return nil
}

func testChat() host.ChatKey {
	return host.ChatKey{Platform: "qq", PlatformID: "qq-1", Kind: host.KindGroup, ChatID: "12345"}
}

func TestStore_AppendRecentTruncate(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	chat := testChat()
	for i := 0; i < OfficialHistoryCap+10; i++ {
		err := s.Append(chat, StoredMessage{
			Role:      "user",
			Content:   fmt.Sprintf("m%d", i),
			Timestamp: float64(1000 + i),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got := s.Recent(chat, 0)
	if len(got) != OfficialHistoryCap {
		t.Fatalf("shadow len = %d, want %d", len(got), OfficialHistoryCap)
	}
	if got[0].Content != "m10" {
		t.Errorf("oldest kept = %s, want m10", got[0].Content)
	}

	last3 := s.Recent(chat, 3)
	if len(last3) != 3 || last3[2].Content != fmt.Sprintf("m%d", OfficialHistoryCap+9) {
		t.Errorf("Recent(3) wrong tail: %+v", last3)
	}
}

func TestStore_Reset(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	chat := testChat()
	if err := s.Append(chat, StoredMessage{Role: "user", Content: "hi", Timestamp: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Reset(chat); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := s.Recent(chat, 0); len(got) != 0 {
		t.Errorf("Recent after reset = %d entries, want 0", len(got))
	}
	// Resetting a missing file is not an error.
	if err := s.Reset(chat); err != nil {
		t.Errorf("second Reset: %v", err)
	}
}

func TestStore_ResetAll(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	chats := []host.ChatKey{
		{Platform: "qq", PlatformID: "qq-1", Kind: host.KindGroup, ChatID: "a"},
		{Platform: "telegram", PlatformID: "tg-1", Kind: host.KindGroup, ChatID: "b"},
	}
	for _, chat := range chats {
		if err := s.Append(chat, StoredMessage{Role: "user", Content: "hi", Timestamp: 1}); err != nil {
			t.Fatalf("Append(%s): %v", chat.String(), err)
		}
	}
	if err := s.ResetAll(); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	for _, chat := range chats {
		if got := s.Recent(chat, 0); len(got) != 0 {
			t.Errorf("Recent(%s) after ResetAll = %d entries, want 0", chat.String(), len(got))
		}
	}
	// An already-empty store resets cleanly.
	if err := s.ResetAll(); err != nil {
		t.Errorf("second ResetAll: %v", err)
	}
}

func TestContentHash_StableAcrossShapes(t *testing.T) {
	t.Parallel()

	a := ContentHash(host.RoleUser, "hello")
	b := ContentHash(host.RoleUser, "hello")
	if a != b {
		t.Error("same input hashed differently")
	}
	if ContentHash(host.RoleAssistant, "hello") == a {
		t.Error("role must participate in the hash")
	}
	parts := []host.ContentPart{{Type: "text", Text: "hello"}}
	if ContentHash(host.RoleUser, parts) == a {
		t.Error("multimodal content must hash differently from plain text")
	}
}

func TestPromoteToOfficial_OrderDedupeTruncate(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	cm := newFakeConversations()
	ctx := context.Background()

	cached := []*CachedMessage{
		{Role: "user", Content: "second", SenderID: "u2", SenderName: "Bo", MessageTimestamp: 20},
		{Role: "user", Content: "first", SenderID: "u1", SenderName: "An", MessageTimestamp: 10},
	}
	current := &CachedMessage{Role: "user", Content: "trigger", SenderID: "u3", SenderName: "Cy", MessageTimestamp: 30}

	if err := s.PromoteToOfficial(ctx, cm, "sess", cached, current, "a reply", false); err != nil {
		t.Fatalf("PromoteToOfficial: %v", err)
	}

	convID := cm.current["sess"]
	hist := cm.convs[convID]
	if len(hist) != 4 {
		t.Fatalf("history len = %d, want 4", len(hist))
	}
	wantOrder := []string{"An(ID:u1): first", "Bo(ID:u2): second", "Cy(ID:u3): trigger"}
	for i, want := range wantOrder {
		if hist[i].Content != want {
			t.Errorf("hist[%d] = %v, want %q", i, hist[i].Content, want)
		}
	}
	if hist[3].Role != host.RoleAssistant || hist[3].Content != "a reply" {
		t.Errorf("last entry = %+v, want assistant reply", hist[3])
	}

	// Promoting the same batch again must not duplicate anything.
	if err := s.PromoteToOfficial(ctx, cm, "sess", cached, current, "a reply", false); err != nil {
		t.Fatalf("second PromoteToOfficial: %v", err)
	}
	if got := len(cm.convs[convID]); got != 4 {
		t.Errorf("history after re-promotion = %d entries, want 4", got)
	}
}

func TestPromoteToOfficial_EmptyReplySkipsAssistantRow(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	cm := newFakeConversations()
	ctx := context.Background()

	current := &CachedMessage{Role: "user", Content: "hello", SenderID: "u1", SenderName: "An", MessageTimestamp: 5}
	if err := s.PromoteToOfficial(ctx, cm, "sess", nil, current, "", false); err != nil {
		t.Fatalf("PromoteToOfficial: %v", err)
	}
	hist := cm.convs[cm.current["sess"]]
	if len(hist) != 1 {
		t.Fatalf("history len = %d, want 1 (user row only)", len(hist))
	}
	if hist[0].Role != host.RoleUser {
		t.Errorf("role = %s, want user", hist[0].Role)
	}
}

func TestPromoteToOfficial_ProactiveFlag(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	cm := newFakeConversations()
	ctx := context.Background()

	current := &CachedMessage{Role: "user", Content: "ping", SenderID: "u1", MessageTimestamp: 5}
	if err := s.PromoteToOfficial(ctx, cm, "sess", nil, current, "hey", true); err != nil {
		t.Fatalf("PromoteToOfficial: %v", err)
	}
	hist := cm.convs[cm.current["sess"]]
	if !hist[0].Proactive {
		t.Error("user row missing proactive flag")
	}
}

func TestPromoteToOfficial_Truncation(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	cm := newFakeConversations()
	ctx := context.Background()

	convID, err := cm.NewConversation(ctx, "sess")
	if err != nil {
		t.Fatal(err)
	}
	var existing []host.ConversationEntry
	for i := 0; i < OfficialHistoryCap; i++ {
		existing = append(existing, host.ConversationEntry{
			Role:    host.RoleUser,
			Content: fmt.Sprintf("old-%d", i),
		})
	}
	cm.convs[convID] = existing

	current := &CachedMessage{Role: "user", Content: "newest", SenderID: "u1", MessageTimestamp: 99}
	if err := s.PromoteToOfficial(ctx, cm, "sess", nil, current, "reply", false); err != nil {
		t.Fatalf("PromoteToOfficial: %v", err)
	}
	hist := cm.convs[convID]
	if len(hist) != OfficialHistoryCap {
		t.Fatalf("history len = %d, want cap %d", len(hist), OfficialHistoryCap)
	}
	if hist[0].Content == "old-0" {
		t.Error("truncation should drop the oldest rows")
	}
	if hist[len(hist)-1].Content != "reply" {
		t.Errorf("tail = %v, want reply", hist[len(hist)-1].Content)
	}
}

func TestPromoteToOfficial_BackendFailure(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	cm := newFakeConversations()
	cm.failUpdate = true
	ctx := context.Background()

	current := &CachedMessage{Role: "user", Content: "hi", SenderID: "u1", MessageTimestamp: 1}
	if err := s.PromoteToOfficial(ctx, cm, "sess", nil, current, "reply", false); err == nil {
		t.Fatal("expected error when the backend update fails")
	}
}

func TestPromoteToOfficial_MultimodalContent(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	cm := newFakeConversations()
	ctx := context.Background()

	current := &CachedMessage{
		Role:             "user",
		Content:          "look",
		SenderID:         "u1",
		SenderName:       "An",
		MessageTimestamp: 1,
		ImageURLs:        []string{"https://img.example/a.png"},
	}
	if err := s.PromoteToOfficial(ctx, cm, "sess", nil, current, "", false); err != nil {
		t.Fatalf("PromoteToOfficial: %v", err)
	}
	hist := cm.convs[cm.current["sess"]]
	parts, ok := hist[0].Content.([]host.ContentPart)
	if !ok {
		t.Fatalf("content type = %T, want []host.ContentPart", hist[0].Content)
	}
	if len(parts) != 2 || parts[1].ImageURL == nil {
		t.Errorf("multimodal parts wrong: %+v", parts)
	}
}
