// Package engine – plugin.go is the lifecycle shell: it constructs every
// subsystem from one Config, starts the background tasks on Initialize, and
// flushes state on Terminate. It also carries the two reset commands and the
// restart-notice replay.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jholhewres/chime/pkg/chime/attention"
	"github.com/jholhewres/chime/pkg/chime/history"
	"github.com/jholhewres/chime/pkg/chime/host"
	"github.com/jholhewres/chime/pkg/chime/humanize"
	"github.com/jholhewres/chime/pkg/chime/proactive"
)

// attentionAutosaveInterval is fixed by the persistence contract.
const attentionAutosaveInterval = 60 * time.Second

// noticeFileName holds the pending restart notice.
const noticeFileName = "restart_notice.json"

// Plugin bundles the whole decision core behind the host's lifecycle hooks.
type Plugin struct {
	cfg    Config
	hostC  host.Context
	logger *slog.Logger

	Engine    *Engine
	Orch      *Orchestrator
	Attn      *attention.Tracker
	Cooldown  *attention.CooldownManager
	Store     *history.Store
	Cache     *history.PendingCache
	Recent    *history.RecentReplies
	Freq      *humanize.FrequencyTuner
	Mood      *humanize.MoodTracker
	States    *proactive.StateStore
	Scheduler *proactive.Scheduler
	Audit     *AuditLog

	cancel context.CancelFunc
}

// NewPlugin wires every subsystem. The config must already be normalized
// (Load does this).
func NewPlugin(cfg Config, hostC host.Context, logger *slog.Logger) (*Plugin, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
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

	states := proactive.NewStateStore(cfg.Proactive, cfg.DataDir, logger)
	scheduler := proactive.NewScheduler(cfg.Proactive, states, attn, orch, logger)

	var audit *AuditLog
	if cfg.Audit.Enabled {
		path := cfg.Audit.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "decision_audit.db")
		}
		var err error
		audit, err = NewAuditLog(path, cfg.Audit.RetentionDays, logger)
		if err != nil {
			logger.Warn("audit log unavailable, continuing without it", "error", err)
			audit = nil
		}
	}

	calc := NewCalculator(&cfg, attn, cooldown, scheduler)
	judge := NewJudge(cfg.Judge, hostC, logger)
	engine := NewEngine(&cfg, hostC, calc, judge, orch, attn, cooldown, cache, store,
		recent, freq, mood, replyPeriods, scheduler, audit, logger)

	return &Plugin{
		cfg:       cfg,
		hostC:     hostC,
		logger:    logger.With("component", "plugin"),
		Engine:    engine,
		Orch:      orch,
		Attn:      attn,
		Cooldown:  cooldown,
		Store:     store,
		Cache:     cache,
		Recent:    recent,
		Freq:      freq,
		Mood:      mood,
		States:    states,
		Scheduler: scheduler,
		Audit:     audit,
	}, nil
}

// Initialize starts the background tasks: attention autosave and the
// proactive scheduler.
func (p *Plugin) Initialize(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.Attn.StartAutosave(ctx, attentionAutosaveInterval)
	if p.cfg.Proactive.Enabled {
		if err := p.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start proactive scheduler: %w", err)
		}
	}
	p.logger.Info("chime initialized", "data_dir", p.cfg.DataDir,
		"proactive", p.cfg.Proactive.Enabled, "attention", p.cfg.Attention.Enabled)
	return nil
}

// Terminate stops the background tasks and flushes every store. Safe to call
// after a failed Initialize.
func (p *Plugin) Terminate() {
	if p.cancel != nil {
		p.cancel()
	}
	p.Scheduler.Stop()
	p.Attn.StopAutosave()
	if err := p.Attn.Save(); err != nil {
		p.logger.Warn("attention save on terminate failed", "error", err)
	}
	if err := p.Cooldown.Save(); err != nil {
		p.logger.Warn("cooldown save on terminate failed", "error", err)
	}
	if err := p.Audit.Close(); err != nil {
		p.logger.Warn("audit close failed", "error", err)
	}
	p.logger.Info("chime terminated")
}

// OnGroupMessage is the inbound hook; it must never fail the host.
func (p *Plugin) OnGroupMessage(ctx context.Context, ev *host.GroupMessageEvent) {
	p.Engine.HandleGroupMessage(ctx, ev)
}

// restartNotice is the persisted pending notice replayed once after restart.
type restartNotice struct {
	Chat   host.ChatKey `json:"chat"`
	Origin string       `json:"origin"`
	Text   string       `json:"text"`
}

func (p *Plugin) noticePath() string {
	return filepath.Join(p.cfg.DataDir, noticeFileName)
}

// SaveRestartNotice persists a one-shot notice to deliver after the next
// platform load.
func (p *Plugin) SaveRestartNotice(chat host.ChatKey, origin, text string) error {
	data, err := json.MarshalIndent(restartNotice{Chat: chat, Origin: origin, Text: text}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal restart notice: %w", err)
	}
	if err := os.WriteFile(p.noticePath(), data, 0o644); err != nil {
		return fmt.Errorf("write restart notice: %w", err)
	}
	return nil
}

// OnPlatformLoaded replays the pending restart notice once, then removes it.
func (p *Plugin) OnPlatformLoaded(ctx context.Context) {
	data, err := os.ReadFile(p.noticePath())
	if err != nil {
		return
	}
	var notice restartNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		p.logger.Warn("restart notice unreadable, dropping", "error", err)
		_ = os.Remove(p.noticePath())
		return
	}
	_ = os.Remove(p.noticePath())

	client, err := p.hostC.PlatformInst(notice.Chat.PlatformID)
	if err != nil {
		p.logger.Warn("restart notice undeliverable", "error", err)
		return
	}
	if err := client.SendMessage(ctx, notice.Origin, host.TextChain(notice.Text)); err != nil {
		p.logger.Warn("restart notice send failed", "error", err)
		return
	}
	p.logger.Info("restart notice replayed", "chat", notice.Chat.String())
}

// ResetChat clears every per-chat state for one chat. Gated by the combined
// reset allowlists; the returned line is the user-visible acknowledgement.
func (p *Plugin) ResetChat(requesterID string, chat host.ChatKey) string {
	if !contains(p.cfg.Reset.AllowedUserIDs, requesterID) &&
		!contains(p.cfg.Reset.HereAllowedUserIDs, requesterID) {
		return "You are not allowed to reset this chat."
	}
	key := chat.String()
	p.Attn.Reset(key)
	p.Cooldown.Reset(key)
	p.Cache.Clear(key)
	p.Recent.Reset(key)
	p.States.Reset(chat)
	if err := p.Store.Reset(chat); err != nil {
		p.logger.Warn("history reset failed", "chat", key, "error", err)
		return "Chat state reset, but history cleanup failed. (This message is not part of the conversation.)"
	}
	p.logger.Info("chat state reset", "chat", key, "by", requesterID)
	return "Chat state reset. (This message is not part of the conversation.)"
}

// ResetAllChats clears every per-chat state everywhere. Gated by the global
// allowlist only.
func (p *Plugin) ResetAllChats(requesterID string) string {
	if !contains(p.cfg.Reset.AllowedUserIDs, requesterID) {
		return "You are not allowed to reset all chats."
	}
	p.Attn.Reset("")
	p.Cooldown.Reset("")
	p.Cache.Clear("")
	p.Recent.Reset("")
	p.States.Reset(host.ChatKey{})
	if err := p.Store.ResetAll(); err != nil {
		p.logger.Warn("history reset failed", "error", err)
		return "All chat state reset, but history cleanup failed. (This message is not part of the conversation.)"
	}
	p.logger.Info("all chat state reset", "by", requesterID)
	return "All chat state reset. (This message is not part of the conversation.)"
}
