// Package history – context.go formats conversation history into the prompt
// block handed to the judge AI and the reply path. The output is stable:
// identical inputs always produce an identical string.
package history

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ContextHardCap is the absolute maximum of history entries ever formatted,
// regardless of configuration.
const ContextHardCap = 500

// selfReplyMarker warns the model off repeating its own previous output.
const selfReplyMarker = "⚠️ DO NOT REPEAT — this is your own previous reply"

// currentDelimiter introduces the current message block.
const currentDelimiter = "=== CURRENT NEW MESSAGE — prioritize its content ==="

// ContextMessage is one history line ready for formatting.
type ContextMessage struct {
	Role       string
	Text       string
	SenderID   string
	SenderName string
	Timestamp  float64 // unix seconds
	IsBot      bool
}

// ContextOptions controls the formatted output.
type ContextOptions struct {
	// IncludeTimestamp prefixes each line with the message time.
	IncludeTimestamp bool

	// IncludeSenderInfo tags each line with "name(ID:uid)".
	IncludeSenderInfo bool

	// MaxMessages limits history entries: -1 means the hard cap, 0 means no
	// history at all, positive values take the most recent N.
	MaxMessages int
}

// LimitHistory applies the MaxMessages semantics and the hard cap, keeping
// the most recent entries.
func LimitHistory(msgs []ContextMessage, maxMessages int) []ContextMessage {
	limit := maxMessages
	switch {
	case limit == 0:
		return nil
	case limit < 0 || limit > ContextHardCap:
		limit = ContextHardCap
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// FormatContextForAI renders history plus the current message into one prompt
// block. History is emitted in the given (chronological) order; bot messages
// carry the self-reply warning; the current message follows a delimiter block.
func FormatContextForAI(msgs []ContextMessage, current ContextMessage, opts ContextOptions) string {
	var b strings.Builder

	msgs = LimitHistory(msgs, opts.MaxMessages)
	if len(msgs) > 0 {
		b.WriteString("=== RECENT CONVERSATION ===\n")
		for _, m := range msgs {
			writeContextLine(&b, m, opts)
		}
		b.WriteString("\n")
	}

	b.WriteString(currentDelimiter)
	b.WriteString("\n")
	writeContextLine(&b, current, opts)
	return b.String()
}

func writeContextLine(b *strings.Builder, m ContextMessage, opts ContextOptions) {
	if opts.IncludeTimestamp && m.Timestamp > 0 {
		ts := time.Unix(int64(m.Timestamp), 0).UTC().Format("2006-01-02 15:04:05")
		fmt.Fprintf(b, "[%s] ", ts)
	}
	switch {
	case m.IsBot:
		fmt.Fprintf(b, "%s: %s [%s]\n", botLabel(m), m.Text, selfReplyMarker)
	case opts.IncludeSenderInfo && m.SenderID != "":
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(b, "%s(ID:%s): %s\n", name, m.SenderID, m.Text)
	default:
		fmt.Fprintf(b, "%s\n", m.Text)
	}
}

func botLabel(m ContextMessage) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return "you"
}

// FromStored converts shadow rows into context messages.
func FromStored(msgs []StoredMessage, botName string) []ContextMessage {
	out := make([]ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := ContextMessage{
			Role:       m.Role,
			Text:       m.Content,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Timestamp:  m.Timestamp,
			IsBot:      m.Role == "assistant",
		}
		if cm.IsBot && cm.SenderName == "" {
			cm.SenderName = botName
		}
		out = append(out, cm)
	}
	return out
}

// FromCached converts pending cache entries into context messages.
func FromCached(msgs []*CachedMessage) []ContextMessage {
	out := make([]ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ContextMessage{
			Role:       m.Role,
			Text:       m.Content,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Timestamp:  m.MessageTimestamp,
		})
	}
	return out
}

// MergeChronological merges two context slices, deduplicating by
// (text, sender, second-resolution timestamp) and sorting by time.
func MergeChronological(a, b []ContextMessage) []ContextMessage {
	type key struct {
		text   string
		sender string
		sec    int64
	}
	seen := make(map[key]struct{}, len(a)+len(b))
	var out []ContextMessage
	for _, list := range [][]ContextMessage{a, b} {
		for _, m := range list {
			k := key{m.Text, m.SenderID, int64(m.Timestamp)}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
