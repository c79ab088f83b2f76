// Package host – event.go defines the inbound event shape and the message
// chain segments the core inspects. Segments mirror the host framework's
// component model (text, mention, image, reply, poke) without depending on any
// platform SDK.
package host

import (
	"strings"
	"time"
)

// SegmentType identifies the kind of one message chain segment.
type SegmentType string

const (
	SegText    SegmentType = "text"
	SegMention SegmentType = "mention"
	SegImage   SegmentType = "image"
	SegReply   SegmentType = "reply"
	SegPoke    SegmentType = "poke"
)

// Segment is one component of a message chain. Only the fields relevant to
// its Type are populated.
type Segment struct {
	Type SegmentType `json:"type"`

	// Text content (SegText).
	Text string `json:"text,omitempty"`

	// Target user of a mention or poke (SegMention, SegPoke).
	TargetID string `json:"target_id,omitempty"`

	// All marks a group-wide mention (SegMention).
	All bool `json:"all,omitempty"`

	// URL of an image (SegImage).
	URL string `json:"url,omitempty"`

	// ReplyToID references the quoted message (SegReply).
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// GroupMessageEvent is the inbound event delivered for each group message.
// Handlers receive a snapshot; the host may reuse buffers after the handler
// returns, so anything retained must be copied.
type GroupMessageEvent struct {
	// MessageID is the platform message identifier.
	MessageID string

	// SenderID and SenderName identify the author.
	SenderID   string
	SenderName string

	// SelfID is the bot's own user id on this platform.
	SelfID string

	// Chat identifies the conversation.
	Chat ChatKey

	// UnifiedOrigin is the host's opaque session origin used for sending.
	UnifiedOrigin string

	// Chain is the parsed message content.
	Chain []Segment

	// IsPokeNotify marks a native poke notification rather than a message.
	IsPokeNotify bool

	// PokeTargetID is the user being poked (only for poke notifications).
	PokeTargetID string

	// Timestamp is the platform wall-clock time of the message.
	Timestamp time.Time

	// RawNative carries the platform-native event for adapters that need it.
	RawNative any
}

// SessionID returns the host session identifier for this chat.
func (e *GroupMessageEvent) SessionID() string {
	return e.Chat.String()
}

// PlainText concatenates all text segments.
func (e *GroupMessageEvent) PlainText() string {
	var b strings.Builder
	for _, s := range e.Chain {
		if s.Type == SegText {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// MentionsUser reports whether the chain mentions the given user id.
func (e *GroupMessageEvent) MentionsUser(userID string) bool {
	for _, s := range e.Chain {
		if s.Type == SegMention && !s.All && s.TargetID == userID {
			return true
		}
	}
	return false
}

// MentionsBot reports whether the bot itself is mentioned.
func (e *GroupMessageEvent) MentionsBot() bool {
	return e.MentionsUser(e.SelfID)
}

// MentionsAll reports whether the chain carries a group-wide mention.
func (e *GroupMessageEvent) MentionsAll() bool {
	for _, s := range e.Chain {
		if s.Type == SegMention && s.All {
			return true
		}
	}
	return false
}

// MentionedUsers returns the ids of all explicitly mentioned users.
func (e *GroupMessageEvent) MentionedUsers() []string {
	var ids []string
	for _, s := range e.Chain {
		if s.Type == SegMention && !s.All && s.TargetID != "" {
			ids = append(ids, s.TargetID)
		}
	}
	return ids
}

// ImageURLs returns the URLs of all image segments.
func (e *GroupMessageEvent) ImageURLs() []string {
	var urls []string
	for _, s := range e.Chain {
		if s.Type == SegImage && s.URL != "" {
			urls = append(urls, s.URL)
		}
	}
	return urls
}

// HasText reports whether any non-empty text segment exists.
func (e *GroupMessageEvent) HasText() bool {
	for _, s := range e.Chain {
		if s.Type == SegText && strings.TrimSpace(s.Text) != "" {
			return true
		}
	}
	return false
}

// ImagesOnly reports whether the chain consists solely of image segments.
func (e *GroupMessageEvent) ImagesOnly() bool {
	if len(e.Chain) == 0 {
		return false
	}
	sawImage := false
	for _, s := range e.Chain {
		switch s.Type {
		case SegImage:
			sawImage = true
		case SegText:
			if strings.TrimSpace(s.Text) != "" {
				return false
			}
		case SegMention, SegReply:
			// mentions and quotes do not make a message textual
		default:
			return false
		}
	}
	return sawImage
}

// TextChain builds a chain holding a single text segment.
func TextChain(text string) []Segment {
	return []Segment{{Type: SegText, Text: text}}
}

// ChainText extracts the displayed text from an outbound chain.
func ChainText(chain []Segment) string {
	var b strings.Builder
	for _, s := range chain {
		if s.Type == SegText {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}
