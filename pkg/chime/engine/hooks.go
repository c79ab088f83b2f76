// Package engine – hooks.go is the post-send bookkeeping that fires after a
// reply went out (or was duplicate-suppressed): history persistence, cache
// promotion, attention and frequency updates, proactive outcome notes, and
// the optional poke-after-reply.
package engine

import (
	"context"
	"time"

	"github.com/jholhewres/chime/pkg/chime/history"
	"github.com/jholhewres/chime/pkg/chime/host"
)

// PostSend completes one reply: persists the bot message, promotes the safe
// slice of the pending cache into the official conversation, and updates
// every tracker that cares about a reply having happened. A suppressed send
// still runs the bookkeeping — the attempt counts — but skips the assistant
// row in official history.
func (e *Engine) PostSend(ctx context.Context, ev *host.GroupMessageEvent, snapshot *history.CachedMessage, res *ReplyResult, trig trigger) {
	chat := ev.Chat.String()

	// User message first, then the bot reply, so the shadow file stays
	// chronological.
	e.saveUserMessage(snapshot, ev.Chat)
	if res.Sent {
		if err := e.store.Append(ev.Chat, history.StoredMessage{
			Role:      host.RoleAssistant,
			Content:   res.SaveText,
			SenderID:  ev.SelfID,
			Timestamp: e.unix(),
		}); err != nil {
			e.logger.Warn("bot reply shadow save failed", "chat", chat, "error", err)
		}
		e.recent.Record(chat, res.Text)
	}

	// Promotion: everything strictly older than the current message whose id
	// is not mid-flight elsewhere. An active proactive generation holds the
	// cache; wait briefly rather than race it.
	e.waitForProactive(ev.Chat)
	include := func(id string) bool { return id == "" || !e.isProcessingID(id) || id == ev.MessageID }
	cached := e.cache.CollectBefore(chat, snapshot.MessageTimestamp, include)

	botReply := ""
	if res.Sent {
		botReply = res.SaveText
	}
	if err := e.store.PromoteToOfficial(ctx, e.hostC.ConversationManager(), ev.SessionID(),
		cached, snapshot, botReply, false); err != nil {
		e.logger.Warn("promotion failed, cache retained", "chat", chat, "error", err)
	} else {
		e.cache.RemoveThrough(chat, snapshot.MessageTimestamp, include)
	}

	// Tracker updates.
	profile, _ := e.attn.RecordRepliedUser(chat, ev.SenderID, ev.SenderName, snapshot.Content, trig.any())
	e.freq.RecordReply(chat)
	e.mood.RecordPositive(chat)
	if e.handle != nil {
		e.handle.NoteBotReply(ev.Chat)
	}

	if e.cfg.Core.DebugMode {
		e.logger.Debug("reply recorded",
			"chat", chat, "user", ev.SenderID,
			"attention", profile.AttentionScore, "streak", profile.ConsecutiveReplies,
			"sent", res.Sent)
	}

	e.maybePokeAfterReply(ctx, ev)
}

// waitForProactive blocks (bounded) while a proactive generation holds the
// chat's cache.
func (e *Engine) waitForProactive(chat host.ChatKey) {
	if e.handle == nil {
		return
	}
	for i := 0; i < e.cfg.Concurrent.WaitMaxLoops; i++ {
		if !e.handle.IsProcessing(chat) {
			return
		}
		time.Sleep(e.cfg.Concurrent.WaitInterval)
	}
	e.logger.Warn("proactive generation still in flight after wait budget, promoting anyway",
		"chat", chat.String())
}

// maybePokeAfterReply occasionally pokes the user the bot just replied to.
func (e *Engine) maybePokeAfterReply(ctx context.Context, ev *host.GroupMessageEvent) {
	cfg := e.cfg.Poke
	if !cfg.EnableAfterReply || !cfg.PokeAllowed(ev.Chat.ChatID) {
		return
	}
	if e.rng.Float64() >= cfg.AfterReplyProbability {
		return
	}
	client, err := e.hostC.PlatformInst(ev.Chat.PlatformID)
	if err != nil {
		return
	}
	go func() {
		timer := time.NewTimer(cfg.AfterReplyDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if err := client.SendPoke(ctx, ev.Chat.ChatID, ev.SenderID); err != nil {
			e.logger.Debug("poke after reply failed", "error", err)
		}
	}()
}
