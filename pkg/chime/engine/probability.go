// Package engine – probability.go composes the effective reply probability.
// Each step transforms the output of the previous one; the composition is pure
// apart from the lazy decay applied inside the attention tracker reads.
package engine

import (
	"fmt"
	"strings"

	"github.com/jholhewres/chime/pkg/chime/attention"
	"github.com/jholhewres/chime/pkg/chime/host"
)

// ProactiveHandle is the thin interface the engine uses to talk to the
// proactive scheduler, breaking the scheduler→engine→scheduler cycle.
type ProactiveHandle interface {
	// BoostValue returns the active temp probability boost for a chat, or 0.
	BoostValue(chat host.ChatKey) float64

	// NoteUserMessage records organic user traffic for activity and outcome
	// tracking.
	NoteUserMessage(chat host.ChatKey, userID string)

	// NoteBotReply records an organic bot reply; during a boost window it
	// marks the active attempt successful.
	NoteBotReply(chat host.ChatKey)

	// IsProcessing reports whether a proactive generation is in flight.
	IsProcessing(chat host.ChatKey) bool
}

// ProbabilityInput is everything one composition run needs.
type ProbabilityInput struct {
	Chat        host.ChatKey
	UserID      string
	MessageText string

	// Base is the frequency-tuned base probability for the chat.
	Base float64

	// PokeFromUser marks that this user recently poked the bot.
	PokeFromUser bool
}

// ProbabilityResult is the composed probability plus the debug trail.
type ProbabilityResult struct {
	Value float64

	// Fatigue is the user's current fatigue level, surfaced so the judge
	// prompt can hint at winding down.
	Fatigue attention.FatigueLevel

	// Steps records each composition step for debug logging.
	Steps []string
}

// Calculator composes the reply probability from the configured mechanisms.
type Calculator struct {
	cfg      *Config
	attn     *attention.Tracker
	cooldown *attention.CooldownManager
	handle   ProactiveHandle // may be nil
}

// NewCalculator wires the calculator. handle may be nil when the proactive
// scheduler is disabled.
func NewCalculator(cfg *Config, attn *attention.Tracker, cooldown *attention.CooldownManager, handle ProactiveHandle) *Calculator {
	return &Calculator{cfg: cfg, attn: attn, cooldown: cooldown, handle: handle}
}

// Compute runs the full composition pipeline and returns p in [0,1].
func (c *Calculator) Compute(in ProbabilityInput) ProbabilityResult {
	chat := in.Chat.String()
	res := ProbabilityResult{Value: in.Base}
	res.step("base", res.Value)

	profile, hasProfile := c.attentionProfile(chat, in.UserID)

	// Attention adjustment. A user on cooldown skips this step entirely and
	// keeps the base probability (cooldown wins over spillover too).
	if c.cfg.Attention.Enabled {
		onCooldown := c.cooldown != nil && c.cooldown.Contains(chat, in.UserID)
		switch {
		case onCooldown:
			res.step("cooldown", res.Value)
		case hasProfile && profile.AttentionScore > 0.1:
			inc := c.cfg.Attention.IncreasedProbability
			dec := c.cfg.Attention.DecreasedProbability
			p := res.Value + (inc-res.Value)*profile.AttentionScore*(1+0.3*profile.Emotion)
			res.Value = minf(0.98, maxf(dec, p))
			res.step("attention", res.Value)
		case hasProfile:
			res.Value = maxf(c.cfg.Attention.DecreasedProbability, res.Value*0.8)
			res.step("attention_low", res.Value)
		}

		if in.PokeFromUser && !onCooldown {
			res.Value += c.cfg.Poke.BoostReference *
				(0.5 + 0.5*profile.Emotion*0.7 + 0.3 + 0.7*profile.AttentionScore*0.3)
			res.step("poke_boost", res.Value)
		}

		// Spillover reaches only users without a profile yet.
		if !hasProfile && c.cfg.Attention.Spillover.Enabled {
			if act, ok := c.attn.Activity(chat); ok && act.ActivityScore >= c.cfg.Attention.Spillover.MinTrigger {
				inc := c.cfg.Attention.IncreasedProbability
				res.Value += act.ActivityScore * c.cfg.Attention.Spillover.Ratio * (inc - res.Value)
				res.step("spillover", res.Value)
			}
		}
	}

	// Humanize interest boost.
	if c.cfg.Humanize.Enabled && matchesAny(in.MessageText, c.cfg.Humanize.InterestKeywords) {
		res.Value += c.cfg.Humanize.InterestBoostProbability
		res.step("interest", res.Value)
	}

	// Fatigue penalty; allowed to push below the attention floor.
	if c.cfg.Attention.Fatigue.Enabled && hasProfile {
		level := c.cfg.Attention.Fatigue.LevelFor(profile.ConsecutiveReplies)
		res.Fatigue = level
		if level > attention.FatigueNone {
			res.Value -= c.cfg.Attention.Fatigue.DecreaseFor(level)
			res.step("fatigue_"+level.String(), res.Value)
		}
	}

	// Temp boost from an active proactive attempt.
	if c.handle != nil {
		if boost := c.handle.BoostValue(in.Chat); boost > 0 {
			res.Value += boost
			res.step("proactive_boost", res.Value)
		}
	}

	if c.cfg.HardLimit.Enabled {
		res.Value = clampf(res.Value, c.cfg.HardLimit.Min, c.cfg.HardLimit.Max)
		res.step("hard_limit", res.Value)
	}
	res.Value = clampf(res.Value, 0, 1)
	return res
}

func (c *Calculator) attentionProfile(chat, user string) (attention.UserProfile, bool) {
	if c.attn == nil {
		return attention.UserProfile{}, false
	}
	return c.attn.Profile(chat, user)
}

func (r *ProbabilityResult) step(name string, v float64) {
	r.Steps = append(r.Steps, fmt.Sprintf("%s=%.4f", name, v))
}

// Trail renders the composition steps for debug logs.
func (r *ProbabilityResult) Trail() string {
	return strings.Join(r.Steps, " -> ")
}

func matchesAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
