// Package attention – tracker.go is the multi-user attention and emotion
// tracker. Scores decay lazily: the stored value is only meaningful combined
// with the elapsed time since last_interaction, so every read or write first
// applies the half-life decay.
package attention

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// UserProfile is the per-(chat, user) attention state. Timestamps are unix
// seconds (float) to match the on-disk schema.
type UserProfile struct {
	UserID             string  `json:"user_id"`
	UserName           string  `json:"user_name"`
	AttentionScore     float64 `json:"attention_score"`
	Emotion            float64 `json:"emotion"`
	LastInteraction    float64 `json:"last_interaction"`
	InteractionCount   int64   `json:"interaction_count"`
	ConsecutiveReplies int     `json:"consecutive_replies"`
	LastReplyTime      float64 `json:"last_reply_time"`
}

// ChatActivity is the per-chat spillover state. ActivityScore never exceeds
// PeakAttention at the moment of write.
type ChatActivity struct {
	ActivityScore float64 `json:"activity_score"`
	LastBotReply  float64 `json:"last_bot_reply"`
	PeakUserID    string  `json:"peak_user_id"`
	PeakUserName  string  `json:"peak_user_name"`
	PeakAttention float64 `json:"peak_attention"`
	UpdatedAt     float64 `json:"updated_at"`
}

// fatigueBlock suppresses attention growth until the reply streak resets.
// In-memory only; never persisted.
type fatigueBlock struct {
	blockedAt time.Time
	level     FatigueLevel
}

// cleanup thresholds for stale profiles.
const (
	staleAttention = 0.05
	staleIdle      = 30 * time.Minute
)

// Tracker owns all attention state. One async-safe instance per process.
type Tracker struct {
	cfg      Config
	cooldown *CooldownManager
	dataDir  string
	logger   *slog.Logger

	mu       sync.Mutex
	profiles map[string]map[string]*UserProfile // chat -> user -> profile
	activity map[string]*ChatActivity
	blocks   map[string]fatigueBlock // chat|user

	now func() time.Time

	autosaveCancel context.CancelFunc
}

// NewTracker builds a tracker and loads persisted attention data.
// The cooldown manager is consulted for increment suppression; the tracker
// only ever calls into it, never the reverse, so lock ordering is acyclic.
func NewTracker(cfg Config, cooldown *CooldownManager, dataDir string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:      cfg,
		cooldown: cooldown,
		dataDir:  dataDir,
		logger:   logger.With("component", "attention"),
		profiles: make(map[string]map[string]*UserProfile),
		activity: make(map[string]*ChatActivity),
		blocks:   make(map[string]fatigueBlock),
		now:      time.Now,
	}
	if err := t.load(); err != nil {
		t.logger.Warn("failed to load attention data, starting empty", "error", err)
	}
	return t
}

func (t *Tracker) unix() float64 { return float64(t.now().UnixNano()) / 1e9 }

// decayLocked applies half-life decay to a profile in place and stamps
// last_interaction. Must hold t.mu.
func (t *Tracker) decayLocked(p *UserProfile) {
	nowSec := t.unix()
	elapsed := nowSec - p.LastInteraction
	if elapsed <= 0 {
		return
	}
	p.AttentionScore *= math.Pow(0.5, elapsed/t.cfg.AttentionHalfLife.Seconds())
	p.Emotion *= math.Pow(0.5, elapsed/t.cfg.EmotionHalfLife.Seconds())
	p.LastInteraction = nowSec
}

func (t *Tracker) profileLocked(chat, user string) *UserProfile {
	users, ok := t.profiles[chat]
	if !ok {
		users = make(map[string]*UserProfile)
		t.profiles[chat] = users
	}
	p, ok := users[user]
	if !ok {
		p = &UserProfile{UserID: user, LastInteraction: t.unix()}
		users[p.UserID] = p
	}
	return p
}

// Profile returns a decayed copy of a user's profile.
func (t *Tracker) Profile(chat, user string) (UserProfile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.profiles[chat]
	if !ok {
		return UserProfile{}, false
	}
	p, ok := users[user]
	if !ok {
		return UserProfile{}, false
	}
	t.decayLocked(p)
	return *p, true
}

// RecordRepliedUser runs the full reply-side bookkeeping for one user.
// triggered marks a reply forced by an @-mention or keyword; a triggered
// reply releases any cooldown and fatigue block before the streak is counted.
// Returns the updated profile copy and the fatigue level after this reply.
func (t *Tracker) RecordRepliedUser(chat, user, userName, messageText string, triggered bool) (UserProfile, FatigueLevel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	blockKey := chat + "|" + user
	if triggered {
		t.cooldown.Release(chat, user)
		delete(t.blocks, blockKey)
	}

	p := t.profileLocked(chat, user)
	t.decayLocked(p)
	if userName != "" {
		p.UserName = userName
	}
	nowSec := t.unix()

	if triggered {
		p.ConsecutiveReplies = 0
	}

	_, blocked := t.blocks[blockKey]
	suppressed := blocked || t.cooldown.Contains(chat, user)
	if !suppressed {
		p.AttentionScore = math.Min(1, p.AttentionScore+t.cfg.BoostStep)
	}

	// Emotion: neutral bump plus detected polarity adjustment.
	delta := t.cfg.EmotionBoostStep
	switch DetectSentiment(messageText, t.cfg.Emotion) {
	case Positive:
		delta += t.cfg.Emotion.PositiveBoost
	case Negative:
		delta -= t.cfg.Emotion.NegativeDecrease
	}
	p.Emotion = clamp(p.Emotion+delta, -1, 1)

	// Every other tracked user in the chat loses a little attention.
	for id, other := range t.profiles[chat] {
		if id == user {
			continue
		}
		t.decayLocked(other)
		other.AttentionScore = math.Max(0, other.AttentionScore-t.cfg.DecreaseStep)
	}

	// Consecutive-reply streak.
	if p.LastReplyTime > 0 && nowSec-p.LastReplyTime < t.cfg.Fatigue.ResetThreshold.Seconds() {
		p.ConsecutiveReplies++
	} else {
		p.ConsecutiveReplies = 1
		delete(t.blocks, blockKey)
	}

	level := t.cfg.Fatigue.LevelFor(p.ConsecutiveReplies)
	if level > FatigueNone {
		if existing, ok := t.blocks[blockKey]; !ok || level > existing.level {
			t.blocks[blockKey] = fatigueBlock{blockedAt: t.now(), level: level}
			t.logger.Debug("fatigue block set", "chat", chat, "user", user, "level", level.String())
		}
	}

	p.InteractionCount++
	p.LastInteraction = nowSec
	p.LastReplyTime = nowSec

	// Spillover: a strong reply marks the whole chat as active.
	if t.cfg.Spillover.Enabled && p.AttentionScore >= t.cfg.Spillover.MinTrigger {
		t.activity[chat] = &ChatActivity{
			ActivityScore: p.AttentionScore,
			LastBotReply:  nowSec,
			PeakUserID:    user,
			PeakUserName:  p.UserName,
			PeakAttention: p.AttentionScore,
			UpdatedAt:     nowSec,
		}
	}

	t.evictLocked(chat)
	t.cleanupLocked(chat)

	return *p, level
}

// RecordInteraction updates timestamps and the counter without any score
// change; used when the message reached the pipeline but no reply happened.
func (t *Tracker) RecordInteraction(chat, user, userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.profileLocked(chat, user)
	t.decayLocked(p)
	if userName != "" {
		p.UserName = userName
	}
	p.InteractionCount++
	p.LastInteraction = t.unix()
}

// DecreaseOnNoReply applies the judge-AI no-reply decrement. When the user's
// attention was above the cooldown trigger threshold before the decrement,
// the user also enters cooldown with an extra decrease.
func (t *Tracker) DecreaseOnNoReply(chat, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.profiles[chat]
	if !ok {
		return
	}
	p, ok := users[user]
	if !ok {
		return
	}
	t.decayLocked(p)
	if p.AttentionScore <= t.cfg.NoReplyMinThreshold {
		return
	}
	if t.cfg.Cooldown.Enabled && p.AttentionScore > t.cfg.Cooldown.TriggerThreshold {
		t.cooldown.Add(chat, user, p.UserName, "attention decreased from above threshold")
		p.AttentionScore = math.Max(0, p.AttentionScore-t.cfg.Cooldown.AttentionDecrease)
	}
	p.AttentionScore = math.Max(0, p.AttentionScore-t.cfg.NoReplyDecreaseStep)
}

// Activity returns the decayed spillover activity score for a chat.
func (t *Tracker) Activity(chat string) (ChatActivity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.activity[chat]
	if !ok {
		return ChatActivity{}, false
	}
	elapsed := t.unix() - a.UpdatedAt
	if elapsed > 0 {
		a.ActivityScore *= math.Pow(0.5, elapsed/t.cfg.Spillover.DecayHalfLife.Seconds())
		a.UpdatedAt = t.unix()
	}
	return *a, true
}

// FatigueState returns the user's fatigue level and whether the block is
// active. The block auto-releases once the reset threshold has elapsed.
func (t *Tracker) FatigueState(chat, user string) (FatigueLevel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := chat + "|" + user
	b, ok := t.blocks[key]
	if !ok {
		return FatigueNone, false
	}
	if t.now().Sub(b.blockedAt) >= t.cfg.Fatigue.ResetThreshold {
		delete(t.blocks, key)
		return FatigueNone, false
	}
	return b.level, true
}

// ResetConsecutiveReplies clears a user's streak and fatigue block.
func (t *Tracker) ResetConsecutiveReplies(chat, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocks, chat+"|"+user)
	if users, ok := t.profiles[chat]; ok {
		if p, ok := users[user]; ok {
			p.ConsecutiveReplies = 0
		}
	}
}

// TopUsers returns up to n decayed profiles sorted by attention, highest
// first. Used by the proactive scheduler's attention-focus selection.
func (t *Tracker) TopUsers(chat string, n int) []UserProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.profiles[chat]
	if !ok {
		return nil
	}
	out := make([]UserProfile, 0, len(users))
	for _, p := range users {
		t.decayLocked(p)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttentionScore > out[j].AttentionScore })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Reset drops all state for one chat; an empty chat drops everything.
func (t *Tracker) Reset(chat string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if chat == "" {
		t.profiles = make(map[string]map[string]*UserProfile)
		t.activity = make(map[string]*ChatActivity)
		t.blocks = make(map[string]fatigueBlock)
		return
	}
	delete(t.profiles, chat)
	delete(t.activity, chat)
	prefix := chat + "|"
	for key := range t.blocks {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(t.blocks, key)
		}
	}
}

// evictLocked enforces the per-chat tracked-user cap: lowest attention first,
// oldest interaction as the tie break.
func (t *Tracker) evictLocked(chat string) {
	users := t.profiles[chat]
	if len(users) <= t.cfg.MaxTrackedUsers {
		return
	}
	type cand struct {
		id string
		p  *UserProfile
	}
	cands := make([]cand, 0, len(users))
	for id, p := range users {
		cands = append(cands, cand{id, p})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].p.AttentionScore != cands[j].p.AttentionScore {
			return cands[i].p.AttentionScore < cands[j].p.AttentionScore
		}
		return cands[i].p.LastInteraction < cands[j].p.LastInteraction
	})
	for _, c := range cands[:len(users)-t.cfg.MaxTrackedUsers] {
		delete(users, c.id)
		delete(t.blocks, chat+"|"+c.id)
	}
}

// cleanupLocked drops profiles that decayed to irrelevance.
func (t *Tracker) cleanupLocked(chat string) {
	nowSec := t.unix()
	for id, p := range t.profiles[chat] {
		if p.AttentionScore < staleAttention && nowSec-p.LastInteraction > staleIdle.Seconds() {
			delete(t.profiles[chat], id)
			delete(t.blocks, chat+"|"+id)
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
