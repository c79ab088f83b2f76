// Package engine – judge.go asks a model whether the bot should join the
// conversation. The judge call is cheap and bounded; any failure counts as
// "no reply" but is tagged as an error so downstream bookkeeping is skipped.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/chime/pkg/chime/attention"
	"github.com/jholhewres/chime/pkg/chime/host"
)

// Verdict is the judge outcome.
type Verdict struct {
	// Reply is true when the judge decided the bot should answer.
	Reply bool

	// Err marks a judge failure (timeout, empty or unparseable output).
	// Attention decrement and humanize statistics must be suppressed.
	Err bool

	// Raw is the trimmed model output, kept for decision history.
	Raw string
}

// JudgeHints carries the optional prompt decorations of one decision.
type JudgeHints struct {
	// TriggerTag names the trigger: "[at]", "[keyword:xxx]", or "".
	TriggerTag string

	// EmptyAtMention marks a bare @bot with no text.
	EmptyAtMention bool

	// Fatigue is the sender's current fatigue level.
	Fatigue attention.FatigueLevel

	// SuggestClosing asks the model to consider winding the exchange down.
	SuggestClosing bool

	// PeriodLabel is the current time-period name, or "".
	PeriodLabel string

	// PriorDecisions lists recent yes/no outcomes for humanize mode.
	PriorDecisions []string
}

// Judge wraps the yes/no decision call.
type Judge struct {
	cfg    JudgeConfig
	hostC  host.Context
	logger *slog.Logger
}

// NewJudge builds a judge bound to the host context.
func NewJudge(cfg JudgeConfig, hostC host.Context, logger *slog.Logger) *Judge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Judge{cfg: cfg, hostC: hostC, logger: logger.With("component", "judge")}
}

func (j *Judge) provider() host.Provider {
	if j.cfg.ProviderID != "" {
		if p := j.hostC.ProviderByID(j.cfg.ProviderID); p != nil {
			return p
		}
		j.logger.Warn("judge provider not found, falling back to chat provider", "id", j.cfg.ProviderID)
	}
	return j.hostC.UsingProvider()
}

// ShouldReply runs one judge decision over the formatted context block.
func (j *Judge) ShouldReply(ctx context.Context, formattedContext, sessionID string, hints JudgeHints) Verdict {
	p := j.provider()
	if p == nil {
		j.logger.Warn("no provider available for judge decision")
		return Verdict{Err: true}
	}

	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	resp, err := p.TextChat(ctx, &host.ProviderRequest{
		Prompt:       formattedContext,
		SessionID:    sessionID,
		SystemPrompt: j.decisionPrompt(hints),
	})
	if err != nil {
		j.logger.Warn("judge call failed", "error", err)
		return Verdict{Err: true}
	}

	raw := strings.TrimSpace(resp.CompletionText)
	if raw == "" {
		return Verdict{Err: true}
	}
	return Verdict{Reply: parseYesNo(raw), Raw: raw}
}

// decisionPrompt assembles the judge system prompt from the configured mode
// and the per-message hints.
func (j *Judge) decisionPrompt(hints JudgeHints) string {
	var b strings.Builder
	if j.cfg.PromptMode == "custom" && j.cfg.ExtraPrompt != "" {
		b.WriteString(j.cfg.ExtraPrompt)
	} else {
		b.WriteString("You observe a group chat. Decide whether the bot should reply to the current message. " +
			"Answer with exactly \"yes\" or \"no\" on the first line, nothing else.")
		if j.cfg.ExtraPrompt != "" {
			b.WriteString("\n")
			b.WriteString(j.cfg.ExtraPrompt)
		}
	}
	if hints.TriggerTag != "" {
		fmt.Fprintf(&b, "\nTrigger: %s", hints.TriggerTag)
	}
	if hints.EmptyAtMention {
		b.WriteString("\nThe user just pinged you without content — a brief greeting is appropriate; lean toward yes.")
	}
	if hints.Fatigue > attention.FatigueNone {
		fmt.Fprintf(&b, "\nYou have replied to this user many times in a row (fatigue: %s).", hints.Fatigue)
	}
	if hints.SuggestClosing {
		b.WriteString(" Consider winding the conversation down.")
	}
	if hints.PeriodLabel != "" {
		fmt.Fprintf(&b, "\nTime of day: %s.", hints.PeriodLabel)
	}
	if len(hints.PriorDecisions) > 0 {
		fmt.Fprintf(&b, "\nYour recent decisions in this chat: %s.", strings.Join(hints.PriorDecisions, ", "))
	}
	return b.String()
}

// parseYesNo interprets the model output. The first line wins; anything that
// is not a recognizable yes counts as no.
func parseYesNo(raw string) bool {
	line := raw
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.ToLower(strings.TrimSpace(strings.Trim(line, ".!。！\"'`")))
	switch line {
	case "yes", "y", "reply", "是", "回复", "要":
		return true
	}
	return strings.HasPrefix(line, "yes") || strings.HasPrefix(line, "是")
}
