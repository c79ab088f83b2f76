// Package engine – decision.go is the single entry point per inbound group
// message: the ordered filter chain, the probability gate, the judge call,
// and the dispatch into the reply path. Handlers never propagate errors to
// the host; everything is logged and swallowed.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/chime/pkg/chime/attention"
	"github.com/jholhewres/chime/pkg/chime/history"
	"github.com/jholhewres/chime/pkg/chime/host"
	"github.com/jholhewres/chime/pkg/chime/humanize"
)

// commandMarkTTL is how long a message-id stays marked as a command across
// handlers.
const commandMarkTTL = 10 * time.Second

// pokeBoostWindow is how long a poke toward the bot keeps boosting the same
// user's reply probability.
const pokeBoostWindow = 2 * time.Minute

// pokeSpoofMarker is the literal text some clients render for pokes; a message
// consisting solely of it is a spoof, not a real poke.
const pokeSpoofMarker = "[戳一戳]"

// decisionHistoryCap bounds the per-chat yes/no history fed to the judge.
const decisionHistoryCap = 10

// Engine runs the decision pipeline.
type Engine struct {
	cfg    *Config
	hostC  host.Context
	logger *slog.Logger

	calc         *Calculator
	judge        *Judge
	orch         *Orchestrator
	attn         *attention.Tracker
	cooldown     *attention.CooldownManager
	cache        *history.PendingCache
	store        *history.Store
	recent       *history.RecentReplies
	freq         *humanize.FrequencyTuner
	mood         *humanize.MoodTracker
	replyPeriods *humanize.TimePeriodManager
	handle       ProactiveHandle // may be nil
	audit        *AuditLog       // may be nil

	rng *rand.Rand

	mu          sync.Mutex
	commandMsgs map[string]time.Time // message-id -> marked at
	processing  map[string]struct{}  // message-ids currently in the reply path
	chatBusy    map[string]bool      // chat -> a handler holds the reply path
	decisions   map[string][]string  // chat -> recent judge outcomes
	lastPoke    map[string]time.Time // chat|user -> last poke toward the bot

	now func() time.Time
}

// NewEngine wires the pipeline. handle and audit may be nil.
func NewEngine(
	cfg *Config,
	hostC host.Context,
	calc *Calculator,
	judge *Judge,
	orch *Orchestrator,
	attn *attention.Tracker,
	cooldown *attention.CooldownManager,
	cache *history.PendingCache,
	store *history.Store,
	recent *history.RecentReplies,
	freq *humanize.FrequencyTuner,
	mood *humanize.MoodTracker,
	replyPeriods *humanize.TimePeriodManager,
	handle ProactiveHandle,
	audit *AuditLog,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:          cfg,
		hostC:        hostC,
		logger:       logger.With("component", "decision"),
		calc:         calc,
		judge:        judge,
		orch:         orch,
		attn:         attn,
		cooldown:     cooldown,
		cache:        cache,
		store:        store,
		recent:       recent,
		freq:         freq,
		mood:         mood,
		replyPeriods: replyPeriods,
		handle:       handle,
		audit:        audit,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		commandMsgs:  make(map[string]time.Time),
		processing:   make(map[string]struct{}),
		chatBusy:     make(map[string]bool),
		decisions:    make(map[string][]string),
		lastPoke:     make(map[string]time.Time),
		now:          time.Now,
	}
}

func (e *Engine) unix() float64 { return float64(e.now().UnixNano()) / 1e9 }

// trigger carries the message's trigger classification through the pipeline.
type trigger struct {
	isAt           bool
	keyword        string
	emptyAtMention bool
}

func (t trigger) any() bool { return t.isAt || t.keyword != "" }

func (t trigger) tag() string {
	switch {
	case t.isAt:
		return "[at]"
	case t.keyword != "":
		return "[keyword:" + t.keyword + "]"
	}
	return ""
}

// HandleGroupMessage runs the full pipeline for one inbound message. It never
// returns an error: failures are logged and the handler exits quietly so one
// bad message cannot crash the host.
func (e *Engine) HandleGroupMessage(ctx context.Context, ev *host.GroupMessageEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("decision pipeline panicked", "chat", ev.Chat.String(), "panic", r)
		}
	}()

	// Global gate.
	if !e.cfg.Core.Enabled || ev.Chat.Kind != host.KindGroup || !e.cfg.Core.GroupAllowed(ev.Chat.ChatID) {
		return
	}
	chat := ev.Chat.String()
	text := strings.TrimSpace(ev.PlainText())

	e.orch.NoteOrigin(ev.Chat, ev.UnifiedOrigin)

	// Command detection: mark and stand down.
	if e.isCommand(text) {
		e.markCommand(ev.MessageID)
		return
	}

	// @all filter.
	if e.cfg.Mention.IgnoreAtAll && ev.MentionsAll() {
		return
	}

	// Sender blacklist.
	if e.cfg.UserFilter.Enabled && contains(e.cfg.UserFilter.BlacklistUserIDs, ev.SenderID) {
		return
	}

	// Poke-spoof filter.
	if text == pokeSpoofMarker {
		return
	}

	// @-others filter.
	if e.cfg.Mention.IgnoreAtOthers && e.mentionsOthersBlocked(ev) {
		return
	}

	// Native poke notifications are handled fully here.
	if ev.IsPokeNotify {
		e.handlePoke(ctx, ev)
		return
	}

	// Blacklist keywords end the pipeline silently.
	if matchesAny(text, e.cfg.Keywords.BlacklistKeywords) {
		return
	}

	// Trigger classification.
	trig := trigger{
		isAt:    ev.MentionsBot(),
		keyword: firstMatch(text, e.cfg.Keywords.TriggerKeywords),
	}
	trig.emptyAtMention = trig.isAt && !ev.HasText()

	// Organic traffic feeds the proactive state machine.
	if e.handle != nil {
		e.handle.NoteUserMessage(ev.Chat, ev.SenderID)
	}

	// Probability gate: triggers bypass it.
	var prob ProbabilityResult
	if !trig.any() {
		prob = e.calc.Compute(ProbabilityInput{
			Chat:         ev.Chat,
			UserID:       ev.SenderID,
			MessageText:  text,
			Base:         e.freq.BaseProbability(chat),
			PokeFromUser: e.pokedRecently(chat, ev.SenderID),
		})
		if e.cfg.Core.DebugMode {
			e.logger.Debug("probability composed", "chat", chat, "user", ev.SenderID, "trail", prob.Trail())
		}
		if e.rng.Float64() >= prob.Value {
			e.cache.Append(chat, &history.CachedMessage{
				Role:                host.RoleUser,
				Content:             text,
				Timestamp:           e.unix(),
				MessageTimestamp:    float64(ev.Timestamp.Unix()),
				MessageID:           ev.MessageID,
				SenderID:            ev.SenderID,
				SenderName:          ev.SenderName,
				ProbabilityFiltered: true,
			})
			e.attn.RecordInteraction(chat, ev.SenderID, ev.SenderName)
			e.auditDecision(ev, text, "probability", prob, false)
			return
		}
	} else {
		prob = e.calc.Compute(ProbabilityInput{
			Chat:        ev.Chat,
			UserID:      ev.SenderID,
			MessageText: text,
			Base:        e.freq.BaseProbability(chat),
		})
	}

	// Content processing: images and the full cache entry.
	cached, ok := e.processContent(ctx, ev, text, trig)
	if !ok {
		e.attn.RecordInteraction(chat, ev.SenderID, ev.SenderName)
		return
	}
	e.cache.Append(chat, cached)
	snapshot := cached.Clone()

	// Judge, unless the trigger forces a reply.
	forced := trig.isAt || (trig.keyword != "" && !e.cfg.Keywords.SmartMode)
	if !forced {
		verdict := e.judgeDecision(ctx, ev, snapshot, trig, prob.Fatigue)
		if !verdict.Reply {
			e.saveUserMessage(snapshot, ev.Chat)
			if !verdict.Err {
				e.attn.DecreaseOnNoReply(chat, ev.SenderID)
				e.recordDecision(chat, "no")
				e.auditDecision(ev, text, "judge_no", prob, false)
			} else {
				e.auditDecision(ev, text, "judge_error", prob, false)
			}
			return
		}
		e.recordDecision(chat, "yes")
	}

	// Concurrency gate.
	if !e.acquireChat(chat, ev.Chat) {
		e.logger.Warn("concurrent wait expired, proceeding anyway", "chat", chat)
	}
	e.markProcessing(ev.MessageID)
	defer func() {
		e.releaseChat(chat)
		e.clearProcessing(ev.MessageID)
	}()

	res, err := e.orch.GenerateReply(ctx, ev, snapshot)
	if err != nil {
		e.logger.Warn("reply generation failed", "chat", chat, "error", err)
		e.saveUserMessage(snapshot, ev.Chat)
		return
	}
	if res.Text == "" {
		e.saveUserMessage(snapshot, ev.Chat)
		return
	}

	e.PostSend(ctx, ev, snapshot, res, trig)
	e.auditDecision(ev, text, "replied", prob, res.Sent)
}

// judgeDecision formats the context and runs the judge with the per-message
// hints.
func (e *Engine) judgeDecision(ctx context.Context, ev *host.GroupMessageEvent, snapshot *history.CachedMessage, trig trigger, fatigue attention.FatigueLevel) Verdict {
	chat := ev.Chat.String()
	current := history.ContextMessage{
		Role:       host.RoleUser,
		Text:       snapshot.Content,
		SenderID:   snapshot.SenderID,
		SenderName: snapshot.SenderName,
		Timestamp:  snapshot.MessageTimestamp,
	}
	formatted := e.orch.AssembleContext(ev.Chat, current)

	hints := JudgeHints{
		TriggerTag:     trig.tag(),
		EmptyAtMention: trig.emptyAtMention,
		Fatigue:        fatigue,
	}
	if fatigue >= attention.FatigueHeavy &&
		e.rng.Float64() < e.cfg.Attention.Fatigue.ClosingProbability {
		hints.SuggestClosing = true
	}
	if e.replyPeriods != nil && e.replyPeriods.Active() {
		hints.PeriodLabel = e.replyPeriods.CurrentLabel(e.now())
	}
	if e.cfg.Humanize.Enabled && e.cfg.Humanize.IncludeDecisionHistory {
		hints.PriorDecisions = e.recentDecisions(chat)
	}
	return e.judge.ShouldReply(ctx, formatted, ev.SessionID(), hints)
}

// processContent handles images and builds the full cache entry. Returns
// false when the message carries nothing usable (image-only with no
// captioning service).
func (e *Engine) processContent(ctx context.Context, ev *host.GroupMessageEvent, text string, trig trigger) (*history.CachedMessage, bool) {
	images := ev.ImageURLs()
	content := text

	if len(images) > 0 {
		caption := e.captionImages(ctx, ev, images, trig)
		if caption == "" {
			caption = e.awaitPlatformCaption(ctx, ev, text)
		}
		switch {
		case caption != "":
			if content != "" {
				content += " "
			}
			content += "[image: " + caption + "]"
			images = nil
		case ev.ImagesOnly():
			// No caption service for an image-only message: nothing to cache.
			return nil, false
		default:
			// Mixed message keeps its text; images ride along for multimodal
			// providers.
		}
	}
	if content == "" && len(images) == 0 {
		if !trig.isAt {
			return nil, false
		}
		// A bare @-mention still deserves a greeting.
		content = "[mentioned you]"
	}

	return &history.CachedMessage{
		Role:              host.RoleUser,
		Content:           content,
		Timestamp:         e.unix(),
		MessageTimestamp:  float64(ev.Timestamp.Unix()),
		MessageID:         ev.MessageID,
		SenderID:          ev.SenderID,
		SenderName:        ev.SenderName,
		MentionInfo:       ev.MentionedUsers(),
		ImageURLs:         images,
		IsAtMessage:       trig.isAt,
		HasTriggerKeyword: trig.keyword != "",
	}, true
}

// captionImages asks the configured image provider for a short description.
// Returns "" when captioning is off, out of scope, or failed.
func (e *Engine) captionImages(ctx context.Context, ev *host.GroupMessageEvent, images []string, trig trigger) string {
	if !e.cfg.Image.Enabled {
		return ""
	}
	if e.cfg.Image.Scope == "mention_only" && !trig.isAt {
		return ""
	}
	provider := e.hostC.UsingProvider()
	if e.cfg.Image.ProviderID != "" {
		if p := e.hostC.ProviderByID(e.cfg.Image.ProviderID); p != nil {
			provider = p
		}
	}
	if provider == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Image.Timeout)
	defer cancel()
	resp, err := provider.TextChat(ctx, &host.ProviderRequest{
		Prompt:    e.cfg.Image.Prompt,
		SessionID: ev.SessionID(),
		ImageURLs: images,
	})
	if err != nil {
		e.logger.Debug("image caption failed, falling back to text", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.CompletionText)
}

// awaitPlatformCaption polls the host's raw message log for an image
// description the platform attaches asynchronously. The first
// CaptionFastChecks polls run at a quarter of the retry interval; polling
// stops at CaptionMaxWait and the caller falls back to text-only.
func (e *Engine) awaitPlatformCaption(ctx context.Context, ev *host.GroupMessageEvent, original string) string {
	cfg := e.cfg.Image
	hm := e.hostC.MessageHistoryManager()
	if hm == nil || cfg.CaptionMaxWait <= 0 || cfg.CaptionRetryInterval <= 0 {
		return ""
	}
	fast := cfg.CaptionRetryInterval / 4
	if fast <= 0 {
		fast = cfg.CaptionRetryInterval
	}
	deadline := e.now().Add(cfg.CaptionMaxWait)
	for checks := 0; ; checks++ {
		if caption := e.platformCaption(ctx, hm, ev, original); caption != "" {
			return caption
		}
		interval := cfg.CaptionRetryInterval
		if checks < cfg.CaptionFastChecks {
			interval = fast
		}
		if e.now().Add(interval).After(deadline) {
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(interval):
		}
	}
}

// platformCaption looks the message up in the raw log and returns any text the
// platform added beyond what the message originally carried.
func (e *Engine) platformCaption(ctx context.Context, hm host.MessageHistoryManager, ev *host.GroupMessageEvent, original string) string {
	items, err := hm.Get(ctx, ev.Chat.PlatformID, ev.Chat.ChatID, 1, 20)
	if err != nil {
		e.logger.Debug("platform history poll failed", "chat", ev.Chat.String(), "error", err)
		return ""
	}
	for _, item := range items {
		if item.ID != ev.MessageID {
			continue
		}
		stored := strings.TrimSpace(host.ChainText(item.Content))
		if stored == "" || stored == original {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(stored, original))
	}
	return ""
}

// handlePoke classifies a native poke notification and reacts: skip, reverse
// poke, or record the poke for the probability boost.
func (e *Engine) handlePoke(ctx context.Context, ev *host.GroupMessageEvent) {
	cfg := e.cfg.Poke
	if cfg.MessageMode == "ignore" || !cfg.PokeAllowed(ev.Chat.ChatID) {
		return
	}
	towardBot := ev.PokeTargetID == ev.SelfID
	if cfg.MessageMode == "bot_only" && !towardBot {
		return
	}
	if !towardBot {
		return
	}
	if e.rng.Float64() < cfg.BotSkipProbability {
		return
	}

	e.mu.Lock()
	e.lastPoke[ev.Chat.String()+"|"+ev.SenderID] = e.now()
	e.mu.Unlock()

	if e.rng.Float64() < cfg.ReverseOnPokeProbability {
		client, err := e.hostC.PlatformInst(ev.Chat.PlatformID)
		if err == nil {
			if err := client.SendPoke(ctx, ev.Chat.ChatID, ev.SenderID); err != nil {
				e.logger.Debug("reverse poke failed", "error", err)
			}
		}
	}
}

// pokedRecently reports whether the user poked the bot inside the boost
// window, consuming expired entries.
func (e *Engine) pokedRecently(chat, user string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := chat + "|" + user
	at, ok := e.lastPoke[key]
	if !ok {
		return false
	}
	if e.now().Sub(at) > pokeBoostWindow {
		delete(e.lastPoke, key)
		return false
	}
	return true
}

// isCommand checks the three command-detection mechanisms.
func (e *Engine) isCommand(text string) bool {
	cfg := e.cfg.Commands
	if !cfg.EnableFilter || text == "" {
		return false
	}
	for _, prefix := range cfg.Prefixes {
		if prefix != "" && strings.HasPrefix(text, prefix) {
			return true
		}
	}
	if cfg.EnableFullDetection {
		for _, cmd := range cfg.FullCommands {
			if cmd != "" && text == cmd {
				return true
			}
		}
	}
	if cfg.EnablePrefixMatch {
		for _, p := range cfg.PrefixMatchList {
			if p != "" && strings.HasPrefix(text, p) {
				return true
			}
		}
	}
	return false
}

// mentionsOthersBlocked applies the @-others policy.
func (e *Engine) mentionsOthersBlocked(ev *host.GroupMessageEvent) bool {
	others := false
	for _, id := range ev.MentionedUsers() {
		if id != ev.SelfID {
			others = true
			break
		}
	}
	if !others {
		return false
	}
	if e.cfg.Mention.AtOthersMode == "strict" {
		return true
	}
	// allow_with_bot: other mentions pass only when the bot is mentioned too.
	return !ev.MentionsBot()
}

// IsCommandMessage reports whether a message-id was marked as a command within
// the TTL; other handlers consult this.
func (e *Engine) IsCommandMessage(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.commandMsgs[messageID]
	if !ok {
		return false
	}
	if e.now().Sub(at) > commandMarkTTL {
		delete(e.commandMsgs, messageID)
		return false
	}
	return true
}

func (e *Engine) markCommand(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for id, at := range e.commandMsgs {
		if now.Sub(at) > commandMarkTTL {
			delete(e.commandMsgs, id)
		}
	}
	e.commandMsgs[messageID] = now
}

func (e *Engine) markProcessing(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processing[messageID] = struct{}{}
}

func (e *Engine) clearProcessing(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.processing, messageID)
}

func (e *Engine) isProcessingID(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.processing[messageID]
	return ok
}

// acquireChat waits for the chat to be free of other reply handlers and any
// in-flight proactive generation, bounded by the configured loop budget.
// Returns false when the budget expired (the caller proceeds regardless).
func (e *Engine) acquireChat(chat string, key host.ChatKey) bool {
	for i := 0; i < e.cfg.Concurrent.WaitMaxLoops; i++ {
		e.mu.Lock()
		busy := e.chatBusy[chat]
		if !busy {
			e.chatBusy[chat] = true
		}
		e.mu.Unlock()
		if !busy {
			if e.handle == nil || !e.handle.IsProcessing(key) {
				return true
			}
			e.releaseChat(chat)
		}
		time.Sleep(e.cfg.Concurrent.WaitInterval)
	}
	e.mu.Lock()
	e.chatBusy[chat] = true
	e.mu.Unlock()
	return false
}

func (e *Engine) releaseChat(chat string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.chatBusy, chat)
}

// saveUserMessage persists a user message to the shadow store so continuity
// survives a no-reply decision.
func (e *Engine) saveUserMessage(m *history.CachedMessage, chat host.ChatKey) {
	if err := e.store.Append(chat, history.StoredMessage{
		Role:       host.RoleUser,
		Content:    m.Content,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Timestamp:  m.MessageTimestamp,
		ImageURLs:  m.ImageURLs,
	}); err != nil {
		e.logger.Warn("shadow save failed", "chat", chat.String(), "error", err)
	}
}

func (e *Engine) recordDecision(chat, outcome string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := append(e.decisions[chat], outcome)
	if len(list) > decisionHistoryCap {
		list = list[len(list)-decisionHistoryCap:]
	}
	e.decisions[chat] = list
}

func (e *Engine) recentDecisions(chat string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.decisions[chat]...)
}

func (e *Engine) auditDecision(ev *host.GroupMessageEvent, text, stage string, prob ProbabilityResult, replied bool) {
	if e.audit == nil {
		return
	}
	e.audit.Log(DecisionRecord{
		Chat:        ev.Chat.String(),
		UserID:      ev.SenderID,
		MessageText: text,
		Stage:       stage,
		Probability: prob.Value,
		Trail:       prob.Trail(),
		Replied:     replied,
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func firstMatch(text string, keywords []string) string {
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}
