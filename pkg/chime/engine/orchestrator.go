// Package engine – orchestrator.go assembles the final prompt (history,
// memory, tools, mood), invokes the chat provider, and runs the outbound
// transformations: typo injection, typing delay, output filter, duplicate
// suppression, send.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/chime/pkg/chime/attention"
	"github.com/jholhewres/chime/pkg/chime/history"
	"github.com/jholhewres/chime/pkg/chime/host"
	"github.com/jholhewres/chime/pkg/chime/humanize"
	"github.com/jholhewres/chime/pkg/chime/proactive"
)

// memoryMarker makes memory injection idempotent: a prompt already carrying
// the section is never injected twice.
const memoryMarker = "=== BACKGROUND INFO ==="

// toolsMarker introduces the tool enumeration block.
const toolsMarker = "=== AVAILABLE TOOLS ==="

// ReplyResult is the outcome of one reply generation.
type ReplyResult struct {
	// Text is the final (filtered) text, also when the send was suppressed.
	Text string

	// SaveText is the save-side filtered text persisted to history.
	SaveText string

	// Sent is false when the duplicate filter or an empty completion
	// suppressed the outbound message.
	Sent bool
}

// Orchestrator owns prompt assembly and the outbound transformation chain.
type Orchestrator struct {
	cfg    *Config
	hostC  host.Context
	store  *history.Store
	cache  *history.PendingCache
	recent *history.RecentReplies

	mood         *humanize.MoodTracker
	typo         *humanize.TypoGen
	typing       *humanize.TypingSim
	outputFilter *humanize.ContentFilter
	saveFilter   *humanize.ContentFilter

	attn   *attention.Tracker
	logger *slog.Logger
	rng    *rand.Rand

	// originMu guards the per-chat unified send origins, captured from
	// organic traffic so proactive sends can route correctly.
	originMu sync.Mutex
	origins  map[string]string

	now func() time.Time
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(
	cfg *Config,
	hostC host.Context,
	store *history.Store,
	cache *history.PendingCache,
	recent *history.RecentReplies,
	mood *humanize.MoodTracker,
	attn *attention.Tracker,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Orchestrator{
		cfg:          cfg,
		hostC:        hostC,
		store:        store,
		cache:        cache,
		recent:       recent,
		mood:         mood,
		typo:         humanize.NewTypoGen(cfg.Typo, rng),
		typing:       humanize.NewTypingSim(cfg.Typing, rng),
		outputFilter: humanize.NewContentFilter(cfg.OutputFilter, logger),
		saveFilter:   humanize.NewContentFilter(cfg.SaveFilter, logger),
		attn:         attn,
		logger:       logger.With("component", "orchestrator"),
		rng:          rng,
		origins:      make(map[string]string),
		now:          time.Now,
	}
}

func (o *Orchestrator) unix() float64 { return float64(o.now().UnixNano()) / 1e9 }

// NoteOrigin records the unified send origin for a chat, from organic traffic.
func (o *Orchestrator) NoteOrigin(chat host.ChatKey, origin string) {
	if origin == "" {
		return
	}
	o.originMu.Lock()
	o.origins[chat.String()] = origin
	o.originMu.Unlock()
}

func (o *Orchestrator) originFor(chat host.ChatKey) string {
	o.originMu.Lock()
	defer o.originMu.Unlock()
	return o.origins[chat.String()]
}

// AssembleContext merges the shadow store with the pending cache into the
// formatted prompt block for a current message.
func (o *Orchestrator) AssembleContext(chat host.ChatKey, current history.ContextMessage) string {
	stored := history.FromStored(o.store.Recent(chat, history.ContextHardCap), "")
	cached := history.FromCached(o.cache.Snapshot(chat.String()))
	merged := history.MergeChronological(stored, cached)
	return history.FormatContextForAI(merged, current, history.ContextOptions{
		IncludeTimestamp:  o.cfg.Context.IncludeTimestamp,
		IncludeSenderInfo: o.cfg.Context.IncludeSenderInfo,
		MaxMessages:       o.cfg.Context.MaxMessages,
	})
}

// systemPrompt composes persona, memory, tools, and mood into the system
// prompt for one call.
func (o *Orchestrator) systemPrompt(ctx context.Context, chat host.ChatKey, sessionID, query string) string {
	var b strings.Builder

	var personaID string
	if pm := o.hostC.PersonaManager(); pm != nil {
		persona, err := pm.SessionPersona(ctx, sessionID)
		if err != nil || persona == nil {
			persona, err = pm.DefaultPersona(ctx)
		}
		if err == nil && persona != nil {
			personaID = persona.Name
			if persona.Prompt != "" {
				b.WriteString(persona.Prompt)
			}
		}
	}

	if mem := o.recallMemories(ctx, sessionID, personaID, query); mem != "" && !strings.Contains(b.String(), memoryMarker) {
		b.WriteString("\n\n")
		b.WriteString(memoryMarker)
		b.WriteString("\n")
		b.WriteString(mem)
	}

	if tm := o.hostC.LLMToolManager(); tm != nil {
		if tools := tm.FuncList(); len(tools) > 0 {
			b.WriteString("\n\n")
			b.WriteString(toolsMarker)
			for _, t := range tools {
				fmt.Fprintf(&b, "\n- %s: %s", t.Name, t.Description)
			}
		}
	}

	if hint := o.mood.PromptHint(chat.String()); hint != "" {
		b.WriteString("\n\n")
		b.WriteString(hint)
	}
	return b.String()
}

// recallMemories queries the configured memory provider: the engine contract
// when present, else the legacy tool handler. Session and persona IDs are
// passed on every call so persona switches are honored. Failures skip
// injection.
func (o *Orchestrator) recallMemories(ctx context.Context, sessionID, personaID, query string) string {
	if query == "" {
		return ""
	}
	if eng := o.hostC.MemoryEngine(); eng != nil {
		hits, err := eng.SearchMemories(ctx, query, 5, sessionID, personaID)
		if err != nil {
			o.logger.Debug("memory search failed, skipping injection", "error", err)
			return ""
		}
		if len(hits) == 0 {
			return ""
		}
		var b strings.Builder
		for _, h := range hits {
			stars := h.Importance
			if stars < 1 {
				stars = 1
			}
			if stars > 5 {
				stars = 5
			}
			ts := time.Unix(h.CreatedAt, 0).UTC().Format("2006-01-02")
			fmt.Fprintf(&b, "[%s] %s (%s)\n", strings.Repeat("★", stars), h.Content, ts)
		}
		return b.String()
	}
	if h := o.hostC.MemoryToolHandler(); h != nil {
		text, err := h.Recall(ctx, query, sessionID)
		if err != nil {
			o.logger.Debug("legacy memory recall failed, skipping injection", "error", err)
			return ""
		}
		return text
	}
	return ""
}

// GenerateReply runs the reply path for one organic message: prompt assembly,
// provider call, typo, typing delay, output filter, duplicate suppression,
// send. The returned result carries the final text even when suppressed, so
// outcome bookkeeping still runs.
func (o *Orchestrator) GenerateReply(ctx context.Context, ev *host.GroupMessageEvent, cached *history.CachedMessage) (*ReplyResult, error) {
	chat := ev.Chat
	sessionID := ev.SessionID()

	current := history.ContextMessage{
		Role:       host.RoleUser,
		Text:       cached.Content,
		SenderID:   cached.SenderID,
		SenderName: cached.SenderName,
		Timestamp:  cached.MessageTimestamp,
	}
	prompt := o.AssembleContext(chat, current)

	provider := o.hostC.UsingProvider()
	if provider == nil {
		return nil, host.ErrNoProvider
	}
	resp, err := provider.TextChat(ctx, &host.ProviderRequest{
		Prompt:       prompt,
		SessionID:    sessionID,
		SystemPrompt: o.systemPrompt(ctx, chat, sessionID, cached.Content),
		ImageURLs:    cached.ImageURLs,
		Tools:        o.hostC.LLMToolManager(),
	})
	if err != nil {
		return nil, fmt.Errorf("reply generation: %w", err)
	}

	return o.transformAndSend(ctx, chat, ev.UnifiedOrigin, resp.CompletionText)
}

// transformAndSend runs the outbound chain shared by the organic and
// proactive paths.
func (o *Orchestrator) transformAndSend(ctx context.Context, chat host.ChatKey, origin, raw string) (*ReplyResult, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return &ReplyResult{}, nil
	}

	text = o.typo.Apply(text)
	o.typing.Wait(ctx, text)

	text = o.outputFilter.Apply(text)
	if text == "" {
		o.logger.Debug("output filter emptied the reply, suppressing send", "chat", chat.String())
		return &ReplyResult{}, nil
	}

	res := &ReplyResult{Text: text, SaveText: o.saveFilter.Apply(text)}
	if o.recent.IsDuplicate(chat.String(), text) {
		// Suppressed send still counts as an attempted reply downstream.
		o.logger.Debug("duplicate reply suppressed", "chat", chat.String())
		return res, nil
	}

	client, err := o.hostC.PlatformInst(chat.PlatformID)
	if err != nil {
		return res, fmt.Errorf("send reply: %w", err)
	}
	if err := client.SendMessage(ctx, origin, host.TextChain(text)); err != nil {
		return res, fmt.Errorf("send reply: %w", err)
	}
	res.Sent = true
	return res, nil
}

// GenerateProactive implements proactive.Generator: one scheduler-initiated
// message, sent and promoted with the proactive marker.
func (o *Orchestrator) GenerateProactive(ctx context.Context, req *proactive.GenerateRequest) (*proactive.GenerateResult, error) {
	chat := req.Chat
	sessionID := chat.String()
	origin := o.originFor(chat)
	if origin == "" {
		return nil, fmt.Errorf("proactive: no send origin known for %s yet", sessionID)
	}

	now := o.unix()
	current := history.ContextMessage{
		Role:      host.RoleSystem,
		Text:      req.SystemPrompt,
		Timestamp: now,
	}
	prompt := o.AssembleContext(chat, current)

	provider := o.hostC.UsingProvider()
	if provider == nil {
		return nil, host.ErrNoProvider
	}
	system := o.systemPrompt(ctx, chat, sessionID, "")
	if system != "" {
		system += "\n\n"
	}
	system += req.SystemPrompt

	resp, err := provider.TextChat(ctx, &host.ProviderRequest{
		Prompt:       prompt,
		SessionID:    sessionID,
		SystemPrompt: system,
		Tools:        o.hostC.LLMToolManager(),
	})
	if err != nil {
		return nil, fmt.Errorf("proactive generation: %w", err)
	}

	res, err := o.transformAndSend(ctx, chat, origin, resp.CompletionText)
	if err != nil {
		return nil, err
	}
	if res.Text == "" {
		return nil, fmt.Errorf("proactive generation: empty completion")
	}

	if res.Sent {
		o.recent.Record(sessionID, res.Text)
		if err := o.store.Append(chat, history.StoredMessage{
			Role:      host.RoleAssistant,
			Content:   res.SaveText,
			Timestamp: o.unix(),
			Proactive: true,
		}); err != nil {
			o.logger.Warn("proactive shadow save failed", "chat", sessionID, "error", err)
		}

		// Promote the pending backlog plus a synthetic trigger row, keeping
		// the proactive marker on the user-role entry.
		cached := o.cache.CollectBefore(sessionID, now, nil)
		trigger := &history.CachedMessage{
			Role:             host.RoleUser,
			Content:          req.SystemPrompt,
			Timestamp:        now,
			MessageTimestamp: now,
		}
		if err := o.store.PromoteToOfficial(ctx, o.hostC.ConversationManager(), sessionID,
			cached, trigger, res.SaveText, true); err != nil {
			o.logger.Warn("proactive promotion failed, cache retained", "chat", sessionID, "error", err)
		} else {
			o.cache.RemoveThrough(sessionID, now, nil)
		}
	}

	return &proactive.GenerateResult{Content: res.Text, Sent: res.Sent}, nil
}
