package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/chime/pkg/chime/attention"
	"github.com/jholhewres/chime/pkg/chime/history"
	"github.com/jholhewres/chime/pkg/chime/host"
	"github.com/jholhewres/chime/pkg/chime/humanize"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider returns canned completions in order, repeating the last
// one, and records every request it saw.
type scriptedProvider struct {
	id      string
	replies []string
	err     error

	mu    sync.Mutex
	calls []*host.ProviderRequest
}

func (p *scriptedProvider) TextChat(_ context.Context, req *host.ProviderRequest) (*host.ProviderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return nil, p.err
	}
	var reply string
	if len(p.replies) > 0 {
		reply = p.replies[0]
		if len(p.replies) > 1 {
			p.replies = p.replies[1:]
		}
	}
	return &host.ProviderResponse{CompletionText: reply}, nil
}

func (p *scriptedProvider) ID() string { return p.id }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) call(i int) *host.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

// fakeConvo is an in-memory ConversationManager.
type fakeConvo struct {
	mu        sync.Mutex
	histories map[string][]host.ConversationEntry
	current   map[string]string
	nextID    int
}

func newFakeConvo() *fakeConvo {
	return &fakeConvo{
		histories: make(map[string][]host.ConversationEntry),
		current:   make(map[string]string),
	}
}

func (c *fakeConvo) CurrentConversationID(_ context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[sessionID], nil
}

func (c *fakeConvo) Conversation(_ context.Context, sessionID, conversationID string) ([]host.ConversationEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]host.ConversationEntry(nil), c.histories[sessionID+"/"+conversationID]...), nil
}

func (c *fakeConvo) NewConversation(_ context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("conv-%d", c.nextID)
	c.current[sessionID] = id
	return id, nil
}

func (c *fakeConvo) UpdateConversation(_ context.Context, sessionID, conversationID string, hist []host.ConversationEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histories[sessionID+"/"+conversationID] = append([]host.ConversationEntry(nil), hist...)
	return nil
}

func (c *fakeConvo) currentHistory(sessionID string) []host.ConversationEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]host.ConversationEntry(nil), c.histories[sessionID+"/"+c.current[sessionID]]...)
}

// fakePlatform records outbound messages and pokes.
type fakePlatform struct {
	mu      sync.Mutex
	sent    []string
	pokes   []string
	sendErr error
}

func (p *fakePlatform) SendMessage(_ context.Context, _ string, chain []host.Segment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, host.ChainText(chain))
	return nil
}

func (p *fakePlatform) SendPoke(_ context.Context, chatID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pokes = append(p.pokes, chatID+"|"+userID)
	return nil
}

func (p *fakePlatform) sentMessages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// fakeHistory serves the platform's raw message log, optionally hiding its
// items for the first revealAfter polls.
type fakeHistory struct {
	mu          sync.Mutex
	items       []host.HistoryItem
	revealAfter int
	gets        int
}

func (f *fakeHistory) Get(_ context.Context, _, _ string, _, _ int) ([]host.HistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.gets <= f.revealAfter {
		return nil, nil
	}
	return append([]host.HistoryItem(nil), f.items...), nil
}

func (f *fakeHistory) Insert(context.Context, string, string, []host.Segment, string, string) error {
	return nil
}

func (f *fakeHistory) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

// fakeHost aggregates the fakes behind host.Context.
type fakeHost struct {
	provider  host.Provider
	providers map[string]host.Provider
	convo     *fakeConvo
	platform  *fakePlatform
	personas  host.PersonaManager
	memory    host.MemoryEngine
	history   *fakeHistory
}

func (h *fakeHost) UsingProvider() host.Provider { return h.provider }

func (h *fakeHost) ProviderByID(id string) host.Provider { return h.providers[id] }

func (h *fakeHost) ConversationManager() host.ConversationManager { return h.convo }

func (h *fakeHost) MessageHistoryManager() host.MessageHistoryManager {
	if h.history == nil {
		return nil
	}
	return h.history
}

func (h *fakeHost) LLMToolManager() host.ToolManager { return nil }

func (h *fakeHost) PersonaManager() host.PersonaManager { return h.personas }

func (h *fakeHost) PlatformInst(string) (host.PlatformClient, error) {
	if h.platform == nil {
		return nil, host.ErrPlatformNotFound
	}
	return h.platform, nil
}

func (h *fakeHost) MemoryEngine() host.MemoryEngine { return h.memory }

func (h *fakeHost) MemoryToolHandler() host.MemoryToolHandler { return nil }

// stubHandle is a ProactiveHandle with a fixed boost and no in-flight work.
type stubHandle struct{ boost float64 }

func (s stubHandle) BoostValue(host.ChatKey) float64        { return s.boost }
func (s stubHandle) NoteUserMessage(host.ChatKey, string)   {}
func (s stubHandle) NoteBotReply(host.ChatKey)              {}
func (s stubHandle) IsProcessing(host.ChatKey) bool         { return false }

// testRig holds one fully wired engine with fakes at every boundary.
type testRig struct {
	engine   *Engine
	cfg      *Config
	hostC    *fakeHost
	provider *scriptedProvider
	platform *fakePlatform
	convo    *fakeConvo
	store    *history.Store
	cache    *history.PendingCache
	recent   *history.RecentReplies
	attn     *attention.Tracker
	cooldown *attention.CooldownManager
}

// newTestRig builds an engine with every stochastic mechanism disabled so the
// pipeline is deterministic; mutate adjusts the config before wiring.
func newTestRig(t *testing.T, mutate func(*Config)) *testRig {
	t.Helper()
	logger := testLogger()

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Audit.Enabled = false
	cfg.Typo.Enabled = false
	cfg.Typing.Enabled = false
	cfg.Attention.Enabled = false
	cfg.HardLimit.Enabled = false
	cfg.Frequency.InitialProbability = 0
	cfg.Frequency.AfterReplyProbability = 0
	cfg.Concurrent.WaitMaxLoops = 3
	cfg.Concurrent.WaitInterval = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.Normalize(logger)

	provider := &scriptedProvider{id: "main"}
	convo := newFakeConvo()
	platform := &fakePlatform{}
	hostC := &fakeHost{
		provider:  provider,
		providers: map[string]host.Provider{},
		convo:     convo,
		platform:  platform,
	}

	cooldown := attention.NewCooldownManager(cfg.Attention.Cooldown, cfg.DataDir, logger)
	attn := attention.NewTracker(cfg.Attention, cooldown, cfg.DataDir, logger)
	store := history.NewStore(cfg.DataDir, logger)
	cache := history.NewPendingCache(cfg.Cache, logger)
	recent := history.NewRecentReplies(cfg.Duplicate)
	replyPeriods := humanize.NewTimePeriodManager(cfg.ReplyPeriods, logger)
	freq := humanize.NewFrequencyTuner(cfg.Frequency, replyPeriods)
	mood := humanize.NewMoodTracker(cfg.Mood)

	orch := NewOrchestrator(&cfg, hostC, store, cache, recent, mood, attn, logger)
	calc := NewCalculator(&cfg, attn, cooldown, nil)
	judge := NewJudge(cfg.Judge, hostC, logger)
	engine := NewEngine(&cfg, hostC, calc, judge, orch, attn, cooldown, cache, store,
		recent, freq, mood, replyPeriods, nil, nil, logger)

	return &testRig{
		engine:   engine,
		cfg:      &cfg,
		hostC:    hostC,
		provider: provider,
		platform: platform,
		convo:    convo,
		store:    store,
		cache:    cache,
		recent:   recent,
		attn:     attn,
		cooldown: cooldown,
	}
}

var testChat = host.ChatKey{Platform: "qq", PlatformID: "qq-1", Kind: host.KindGroup, ChatID: "g1"}

// textEvent builds a plain text group message.
func textEvent(id, sender, text string) *host.GroupMessageEvent {
	return &host.GroupMessageEvent{
		MessageID:     id,
		SenderID:      sender,
		SenderName:    "user-" + sender,
		SelfID:        "bot",
		Chat:          testChat,
		UnifiedOrigin: "origin-g1",
		Chain:         host.TextChain(text),
		Timestamp:     time.Now(),
	}
}

// mentionEvent builds a message that @-mentions the bot, optionally with text.
func mentionEvent(id, sender, text string) *host.GroupMessageEvent {
	ev := textEvent(id, sender, text)
	ev.Chain = append([]host.Segment{{Type: host.SegMention, TargetID: "bot"}}, ev.Chain...)
	return ev
}

// imageEvent builds a message carrying image segments, optionally with text.
func imageEvent(id, sender, text string, urls ...string) *host.GroupMessageEvent {
	ev := textEvent(id, sender, text)
	if text == "" {
		ev.Chain = nil
	}
	for _, u := range urls {
		ev.Chain = append(ev.Chain, host.Segment{Type: host.SegImage, URL: u})
	}
	return ev
}
