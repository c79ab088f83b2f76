package history

import (
	"strings"
	"testing"
)

func TestLimitHistory(t *testing.T) {
	t.Parallel()

	msgs := make([]ContextMessage, 10)
	for i := range msgs {
		msgs[i] = ContextMessage{Text: string(rune('a' + i)), Timestamp: float64(i)}
	}

	if got := LimitHistory(msgs, 0); got != nil {
		t.Errorf("MaxMessages=0 should return nil, got %d entries", len(got))
	}
	if got := LimitHistory(msgs, 3); len(got) != 3 || got[0].Text != "h" {
		t.Errorf("MaxMessages=3 should keep the newest 3, got %+v", got)
	}
	if got := LimitHistory(msgs, -1); len(got) != 10 {
		t.Errorf("MaxMessages=-1 should keep all under the hard cap, got %d", len(got))
	}

	big := make([]ContextMessage, ContextHardCap+20)
	if got := LimitHistory(big, -1); len(got) != ContextHardCap {
		t.Errorf("hard cap not applied: got %d", len(got))
	}
}

func TestFormatContextForAI_Stable(t *testing.T) {
	t.Parallel()

	msgs := []ContextMessage{
		{Role: "user", Text: "hello", SenderID: "u1", SenderName: "An", Timestamp: 1700000000},
		{Role: "assistant", Text: "hi there", SenderName: "bot", Timestamp: 1700000010, IsBot: true},
	}
	current := ContextMessage{Role: "user", Text: "are you there", SenderID: "u2", SenderName: "Bo", Timestamp: 1700000020}
	opts := ContextOptions{IncludeTimestamp: true, IncludeSenderInfo: true, MaxMessages: -1}

	a := FormatContextForAI(msgs, current, opts)
	b := FormatContextForAI(msgs, current, opts)
	if a != b {
		t.Fatal("formatting is not deterministic")
	}

	if !strings.Contains(a, "=== RECENT CONVERSATION ===") {
		t.Error("missing history header")
	}
	if !strings.Contains(a, currentDelimiter) {
		t.Error("missing current-message delimiter")
	}
	if !strings.Contains(a, "An(ID:u1): hello") {
		t.Errorf("missing sender-tagged line in:\n%s", a)
	}
	if !strings.Contains(a, selfReplyMarker) {
		t.Error("bot line missing self-reply marker")
	}
	// Current message comes after the delimiter.
	if strings.Index(a, currentDelimiter) > strings.Index(a, "are you there") {
		t.Error("current message must follow the delimiter")
	}
}

func TestFormatContextForAI_NoHistory(t *testing.T) {
	t.Parallel()

	current := ContextMessage{Role: "user", Text: "hi", SenderID: "u1"}
	out := FormatContextForAI(nil, current, ContextOptions{MaxMessages: -1})
	if strings.Contains(out, "RECENT CONVERSATION") {
		t.Error("empty history should omit the history header")
	}
	if !strings.HasPrefix(out, currentDelimiter) {
		t.Errorf("output should start with the delimiter:\n%s", out)
	}
}

func TestMergeChronological(t *testing.T) {
	t.Parallel()

	a := []ContextMessage{
		{Text: "one", SenderID: "u1", Timestamp: 10},
		{Text: "three", SenderID: "u1", Timestamp: 30},
	}
	b := []ContextMessage{
		{Text: "two", SenderID: "u2", Timestamp: 20},
		// Duplicate of "one" at second resolution.
		{Text: "one", SenderID: "u1", Timestamp: 10.4},
	}
	got := MergeChronological(a, b)
	if len(got) != 3 {
		t.Fatalf("merged len = %d, want 3 (duplicate dropped)", len(got))
	}
	want := []string{"one", "two", "three"}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("merged[%d] = %s, want %s", i, got[i].Text, w)
		}
	}
}

func TestFromStored_BotName(t *testing.T) {
	t.Parallel()

	got := FromStored([]StoredMessage{
		{Role: "assistant", Content: "yo", Timestamp: 5},
		{Role: "user", Content: "hi", SenderID: "u1", SenderName: "An", Timestamp: 6},
	}, "chime")
	if !got[0].IsBot || got[0].SenderName != "chime" {
		t.Errorf("assistant row = %+v, want bot with default name", got[0])
	}
	if got[1].IsBot {
		t.Error("user row marked as bot")
	}
}
