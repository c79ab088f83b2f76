// Package host defines the boundary contracts between the chime core and the
// chatbot host framework. The core never talks to a messaging platform or an
// LLM endpoint directly; it goes through the interfaces declared here, which
// the host (or the simulator) implements.
package host

import (
	"context"
	"fmt"
)

// ChatKind distinguishes group chats from direct chats.
type ChatKind string

const (
	KindGroup   ChatKind = "group"
	KindPrivate ChatKind = "private"
)

// ChatKey identifies one conversation across the whole process. It is the
// primary sharding key for every per-chat state map.
type ChatKey struct {
	// Platform is the stable platform name (e.g. "qq", "telegram").
	// Used for sharding and on-disk paths.
	Platform string `json:"platform"`

	// PlatformID is the adapter instance identifier used when sending.
	// Captured from the first observed message so multi-adapter deployments
	// route proactive sends through the right adapter.
	PlatformID string `json:"platform_id"`

	// Kind is group or private.
	Kind ChatKind `json:"kind"`

	// ChatID is the group or DM identifier on the platform.
	ChatID string `json:"chat_id"`
}

// String renders the key as "platform:kind:chatid". PlatformID is deliberately
// excluded so the key stays stable when an adapter is reconfigured.
func (k ChatKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Platform, k.Kind, k.ChatID)
}

// SameChat reports whether two keys address the same conversation, ignoring
// the adapter instance.
func (k ChatKey) SameChat(other ChatKey) bool {
	return k.Platform == other.Platform && k.Kind == other.Kind && k.ChatID == other.ChatID
}

// Role names for conversation entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ContentPart is one element of a multimodal content list.
// Exactly one of Text or ImageURL is set.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef wraps an image URL the way the host serializes it.
type ImageRef struct {
	URL string `json:"url"`
}

// ConversationEntry is one row of the host's official conversation history.
// Content is either a plain string or a multimodal []ContentPart.
type ConversationEntry struct {
	Role    string `json:"role"`
	Content any    `json:"content"`

	// Proactive marks entries synthesized by the proactive scheduler, so
	// future reads can distinguish them from organic user messages.
	Proactive bool `json:"proactive,omitempty"`
}

// ProviderRequest is the input to a chat completion call.
type ProviderRequest struct {
	// Prompt is the user-turn prompt text.
	Prompt string

	// SessionID identifies the host session the call belongs to.
	SessionID string

	// Contexts is the prior conversation passed to the model.
	Contexts []ConversationEntry

	// SystemPrompt is the composed system prompt (persona + injections).
	SystemPrompt string

	// ImageURLs are multimodal image inputs for the current turn.
	ImageURLs []string

	// Tools exposes the host's tool registry, or nil.
	Tools ToolManager
}

// ProviderResponse is the result of a chat completion call.
type ProviderResponse struct {
	CompletionText string
}

// Provider is the LLM chat endpoint contract.
type Provider interface {
	// TextChat performs one completion. Implementations must honor ctx
	// cancellation; the core applies per-call timeouts.
	TextChat(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)

	// ID returns the provider identifier used in config references.
	ID() string
}

// ConversationManager is the host's official conversation store.
//
// The original host API drifted through several update-method names
// (update_conversation, update_conversation_history, ...). This contract pins
// a single UpdateConversation; interface drift is a compile error here, so no
// runtime fallback chain is kept.
type ConversationManager interface {
	// CurrentConversationID returns the active conversation for a session,
	// or empty when none exists yet.
	CurrentConversationID(ctx context.Context, sessionID string) (string, error)

	// Conversation returns the decoded history of a conversation.
	Conversation(ctx context.Context, sessionID, conversationID string) ([]ConversationEntry, error)

	// NewConversation creates a conversation and returns its ID.
	NewConversation(ctx context.Context, sessionID string) (string, error)

	// UpdateConversation replaces the history of a conversation.
	UpdateConversation(ctx context.Context, sessionID, conversationID string, history []ConversationEntry) error
}

// HistoryItem is one row from the host's raw message history.
type HistoryItem struct {
	ID         string
	Content    []Segment
	SenderID   string
	SenderName string
	CreatedAt  int64 // unix seconds
}

// MessageHistoryManager exposes the host's raw per-platform message log.
type MessageHistoryManager interface {
	Get(ctx context.Context, platformID, chatID string, page, pageSize int) ([]HistoryItem, error)
	Insert(ctx context.Context, platformID, chatID string, content []Segment, senderID, senderName string) error
}

// ToolSpec describes one callable tool for prompt enumeration.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolManager exposes the host's registered LLM tools.
type ToolManager interface {
	FuncList() []ToolSpec
}

// Persona is the host persona applied to a session.
type Persona struct {
	Name   string
	Prompt string
}

// PersonaManager resolves personas. Each call returns the latest mapping;
// callers must not cache results across messages, or persona switches are
// missed.
type PersonaManager interface {
	DefaultPersona(ctx context.Context) (*Persona, error)
	SessionPersona(ctx context.Context, sessionID string) (*Persona, error)
}

// PlatformClient is the adapter-level client for one platform instance.
type PlatformClient interface {
	// SendMessage delivers a message chain to the unified session origin.
	SendMessage(ctx context.Context, unifiedOrigin string, chain []Segment) error

	// SendPoke performs a native poke toward a user, where supported.
	SendPoke(ctx context.Context, chatID, userID string) error
}

// MemoryHit is one retrieved long-term memory.
type MemoryHit struct {
	Content    string
	Importance int     // 1..5
	CreatedAt  int64   // unix seconds
	Score      float64 // retrieval relevance
}

// MemoryEngine is the long-term memory plugin contract ("livingmemory" mode).
type MemoryEngine interface {
	SearchMemories(ctx context.Context, query string, k int, sessionID, personaID string) ([]MemoryHit, error)
}

// MemoryToolHandler is the legacy memory contract: a single tool invocation
// that returns formatted memory text.
type MemoryToolHandler interface {
	Recall(ctx context.Context, query, sessionID string) (string, error)
}

// Context aggregates everything the core consumes from the host. One instance
// is handed to the plugin at initialization.
type Context interface {
	// UsingProvider returns the currently selected chat provider.
	UsingProvider() Provider

	// ProviderByID returns a specific provider (judge AI, image captioning),
	// or nil if not configured.
	ProviderByID(id string) Provider

	ConversationManager() ConversationManager
	MessageHistoryManager() MessageHistoryManager

	// LLMToolManager returns the tool registry, or nil when tools are off.
	LLMToolManager() ToolManager

	PersonaManager() PersonaManager

	// PlatformInst returns the adapter client for a platform instance.
	PlatformInst(platformID string) (PlatformClient, error)

	// MemoryEngine returns the long-term memory engine, or nil.
	MemoryEngine() MemoryEngine

	// MemoryToolHandler returns the legacy memory handler, or nil.
	MemoryToolHandler() MemoryToolHandler
}

// Errors shared across host implementations.
var (
	ErrNoProvider        = fmt.Errorf("no chat provider configured")
	ErrNoConversation    = fmt.Errorf("conversation not found")
	ErrPlatformNotFound  = fmt.Errorf("platform adapter not found")
	ErrPokeNotSupported  = fmt.Errorf("poke not supported by this platform")
	ErrMemoryUnavailable = fmt.Errorf("memory provider unavailable")
)
