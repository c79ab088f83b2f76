package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	randv2 "math/rand/v2"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/chime/pkg/chime/attention"
	"github.com/jholhewres/chime/pkg/chime/host"
	"github.com/jholhewres/chime/pkg/chime/humanize"
)

// GenerateRequest asks the reply pipeline for one proactive message.
type GenerateRequest struct {
	Chat host.ChatKey

	// SystemPrompt is the fully assembled proactive prompt, including retry
	// context, complaint cues, and attention-focus hints.
	SystemPrompt string

	// AttemptNumber is 1-based within the current retry round.
	AttemptNumber int

	// Retry marks attempts after the first in a round.
	Retry bool
}

// GenerateResult is the outcome of one proactive generation.
type GenerateResult struct {
	// Content is the generated text, recorded for retry context even when
	// the send was suppressed.
	Content string

	// Sent is false when the duplicate filter (or an empty completion)
	// suppressed the outbound message. The attempt still counts toward
	// outcome tracking.
	Sent bool
}

// Generator produces and sends a proactive message. Implemented by the reply
// orchestrator; the scheduler never imports it directly.
type Generator interface {
	GenerateProactive(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
}

// Scheduler is the singleton background loop that initiates conversations.
type Scheduler struct {
	cfg     Config
	states  *StateStore
	attn    *attention.Tracker
	gen     Generator
	logger  *slog.Logger
	periods *humanize.TimePeriodManager
	quiet   *humanize.TimePeriodManager

	cron    *cron.Cron
	rng     *rand.Rand
	betaSrc randv2.Source

	rankWeights []float64

	procMu     sync.Mutex
	processing map[string]bool

	now func() time.Time
}

// NewScheduler wires the scheduler. attn may be nil when the attention
// mechanism is disabled; gen must not be nil.
func NewScheduler(cfg Config, states *StateStore, attn *attention.Tracker, gen Generator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proactive")

	s := &Scheduler{
		cfg:         cfg,
		states:      states,
		attn:        attn,
		gen:         gen,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		betaSrc:     randv2.NewPCG(uint64(time.Now().UnixNano()), uint64(time.Now().UnixNano())>>1),
		rankWeights: parseRankWeights(cfg.Focus.RankWeights),
		processing:  make(map[string]bool),
		now:         time.Now,
	}
	s.periods = humanize.NewTimePeriodManager(cfg.DynamicPeriods, logger)
	if cfg.QuietEnabled {
		s.quiet = humanize.NewQuietHours(cfg.QuietStart, cfg.QuietEnd, cfg.QuietTransitionMinutes, false, logger)
	}
	return s
}

func (s *Scheduler) unix() float64 { return float64(s.now().UnixNano()) / 1e9 }

// Start launches the tick, maintenance, and autosave jobs. Idempotent per
// instance; Stop must be called on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.CheckInterval), func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	if _, err := c.AddFunc("@every 1h", s.maintenance); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	if _, err := c.AddFunc("@every 5m", func() {
		if err := s.states.Save(); err != nil {
			s.logger.Warn("proactive autosave failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule autosave: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("proactive scheduler started", "check_interval", s.cfg.CheckInterval)
	return nil
}

// Stop halts the jobs and flushes state.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	if err := s.states.Save(); err != nil {
		s.logger.Warn("proactive state save on stop failed", "error", err)
	}
}

// tick evaluates every known chat once.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	for _, chat := range s.states.Known() {
		s.evaluate(ctx, chat)
	}
}

// evaluate runs the precondition chain for one chat, or advances an active
// attempt's outcome.
func (s *Scheduler) evaluate(ctx context.Context, chat host.ChatKey) {
	now := s.unix()
	st, ok := s.states.Get(chat)
	if !ok {
		return
	}
	params := s.adaptiveParams(st)

	// An active attempt skips the precondition pass: either the boost window
	// is still open (keep waiting for a reply) or it expired without one,
	// which is a failure and, short of cooldown, an immediate retry.
	if st.ProactiveActive {
		if st.Boost.ActiveAt(now) {
			return
		}
		s.recordFailure(chat, params)
		if st, ok = s.states.Get(chat); ok && !st.IsInCooldown {
			s.trigger(ctx, chat, params)
		}
		return
	}

	if !s.cfg.Whitelisted(chat.ChatID) {
		return
	}
	if st.IsInCooldown {
		if st.CooldownUntil > now {
			return
		}
		s.states.update(chat, func(st *State) {
			st.IsInCooldown = false
			st.CooldownUntil = 0
		})
	}
	silence := s.cfg.SilenceThreshold.Seconds() * params.SilenceMultiplier
	if now-st.LastBotReplyTime < silence {
		return
	}
	if s.cfg.RequireUserActivity && !s.activeEnough(chat, now) {
		return
	}

	p := s.cfg.Probability
	if s.periods != nil && s.periods.Active() {
		p *= s.periods.FactorAt(s.now())
	}
	p *= params.ProbMultiplier
	p = clampf(p, 0, 0.9)
	if s.quiet != nil && s.quiet.Active() {
		p *= s.quiet.FactorAt(s.now())
	}
	if s.rng.Float64() >= p {
		return
	}
	s.trigger(ctx, chat, params)
}

// adaptiveParams buckets the chat; with adaptive scoring disabled every chat
// behaves like the neutral bucket.
func (s *Scheduler) adaptiveParams(st State) Params {
	if !s.cfg.Adaptive.Enabled {
		return ParamsFor(70, s.cfg.MaxConsecutiveFailures)
	}
	return ParamsFor(st.InteractionScore, s.cfg.MaxConsecutiveFailures)
}

// activeEnough checks the user-activity precondition.
func (s *Scheduler) activeEnough(chat host.ChatKey, now float64) bool {
	cutoff := now - s.cfg.UserActivityWindow.Seconds()
	count := 0
	s.states.update(chat, func(st *State) {
		kept := st.userMsgTimes[:0]
		for _, ts := range st.userMsgTimes {
			if ts >= cutoff {
				kept = append(kept, ts)
			}
		}
		st.userMsgTimes = kept
		count = len(kept)
	})
	return count >= s.cfg.MinUserMessages
}

// trigger runs one proactive generation attempt.
func (s *Scheduler) trigger(ctx context.Context, chat host.ChatKey, params Params) {
	key := chat.String()
	if !s.setProcessing(key) {
		return
	}
	defer s.clearProcessing(key)

	var (
		prompt  string
		attempt int
	)
	s.states.update(chat, func(st *State) {
		if st.ConsecutiveFailures == 0 || st.CurrentEffectiveMaxFailures == 0 {
			st.CurrentEffectiveMaxFailures = effectiveMaxFailures(
				params.MaxFailures, s.cfg.FailureThresholdPerturbation, s.betaSrc)
		}
		prompt = s.buildPrompt(chat, st)
		attempt = st.ProactiveAttemptsCount + 1
	})

	res, err := s.gen.GenerateProactive(ctx, &GenerateRequest{
		Chat:          chat,
		SystemPrompt:  prompt,
		AttemptNumber: attempt,
		Retry:         attempt > 1,
	})
	if err != nil {
		// Generation errors are not outcomes: neither success nor failure is
		// recorded and the next tick retries from the preconditions.
		s.logger.Warn("proactive generation failed", "chat", key, "error", err)
		return
	}

	now := s.unix()
	s.states.update(chat, func(st *State) {
		st.ProactiveAttemptsCount++
		st.ProactiveActive = true
		st.ProactiveOutcomeRecorded = false
		st.LastProactiveContent = res.Content
		st.LastBotReplyTime = now
		st.attemptStart = now
		st.repliedUsers = make(map[string]struct{})
		st.Boost = TempBoost{
			BoostValue:           s.cfg.TempBoostProbability,
			BoostUntil:           now + s.cfg.TempBoostDuration.Seconds(),
			TriggeredByProactive: true,
		}
	})
	s.logger.Info("proactive message attempted",
		"chat", key, "attempt", attempt, "sent", res.Sent, "bucket", params.Label)
}

// buildPrompt assembles the proactive system prompt: base (or a
// priority complaint replacing it), retry context, and attention-focus hints.
// Must hold the state lock via StateStore.update.
func (s *Scheduler) buildPrompt(chat host.ChatKey, st *State) string {
	base := s.cfg.Prompt

	cue, priority, ok := s.cfg.Complaint.Cue(st.TotalProactiveFailures, s.rng)
	if ok && priority {
		base = cue
		cue = ""
	}

	var b strings.Builder
	if st.ProactiveAttemptsCount > 0 && st.LastProactiveContent != "" {
		fmt.Fprintf(&b, "You already tried to start a conversation with: %q — nobody responded. Say something different this time.\n", st.LastProactiveContent)
		if cue != "" {
			b.WriteString(cue)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	} else if cue != "" {
		b.WriteString(cue)
		b.WriteString("\n\n")
	}
	b.WriteString(base)

	if focus := s.focusHint(chat, st); focus != "" {
		b.WriteString("\n\n")
		b.WriteString(focus)
	}
	return b.String()
}

// focusHint selects top-attention users by weighted rank and renders the
// focus block. Updates the state's last-focused user.
func (s *Scheduler) focusHint(chat host.ChatKey, st *State) string {
	if !s.cfg.Focus.Enabled || s.attn == nil {
		return ""
	}
	top := s.attn.TopUsers(chat.String(), s.cfg.Focus.TopN)
	if len(top) == 0 {
		return ""
	}

	picked := s.pickWeighted(len(top), s.cfg.Focus.MaxSelectedUsers)
	if len(picked) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Users who engaged with you recently, in case you want to address someone directly:")
	for _, idx := range picked {
		u := top[idx]
		fmt.Fprintf(&b, " %s(ID:%s)", u.UserName, u.UserID)
	}
	if st.LastAttentionUserID != "" && s.rng.Float64() < s.cfg.Focus.FocusLastUserProbability {
		fmt.Fprintf(&b, ". You were last talking with %s(ID:%s); continuing with them is natural.",
			st.LastAttentionUserName, st.LastAttentionUserID)
	}
	first := top[picked[0]]
	st.LastAttentionUserID = first.UserID
	st.LastAttentionUserName = first.UserName
	return b.String()
}

// pickWeighted draws up to k distinct indexes from [0,n) using the rank
// weight table; ranks beyond the table get weight 1.
func (s *Scheduler) pickWeighted(n, k int) []int {
	if k <= 0 || n <= 0 {
		return nil
	}
	if k > n {
		k = n
	}
	weights := make([]float64, n)
	for i := range weights {
		if i < len(s.rankWeights) {
			weights[i] = s.rankWeights[i]
		} else {
			weights[i] = 1
		}
	}
	var out []int
	for len(out) < k {
		total := 0.0
		for _, w := range weights {
			total += w
		}
		if total <= 0 {
			break
		}
		draw := s.rng.Float64() * total
		for i, w := range weights {
			if w <= 0 {
				continue
			}
			draw -= w
			if draw < 0 {
				out = append(out, i)
				weights[i] = 0
				break
			}
		}
	}
	return out
}

// parseRankWeights parses "1:55,2:25,3:12,4:8" into a rank-indexed slice.
// Malformed pairs are skipped.
func parseRankWeights(raw string) []float64 {
	var out []float64
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		rank, err1 := strconv.Atoi(parts[0])
		weight, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil || rank < 1 || weight < 0 {
			continue
		}
		for len(out) < rank {
			out = append(out, 0)
		}
		out[rank-1] = weight
	}
	return out
}

// countsTowardSequence applies the failure-sequence probability semantics:
// negative means always, zero never, otherwise a Bernoulli draw.
func (s *Scheduler) countsTowardSequence() bool {
	p := s.cfg.FailureSequenceProbability
	switch {
	case p < 0:
		return true
	case p == 0:
		return false
	default:
		return s.rng.Float64() < p
	}
}

// recordFailure records one expired attempt. Idempotent per attempt via the
// outcome-recorded flag.
func (s *Scheduler) recordFailure(chat host.ChatKey, params Params) {
	now := s.unix()
	s.states.update(chat, func(st *State) {
		if !st.ProactiveActive || st.ProactiveOutcomeRecorded {
			return
		}
		st.ProactiveOutcomeRecorded = true
		st.ProactiveActive = false
		st.Boost = TempBoost{}

		if s.countsTowardSequence() {
			st.ConsecutiveFailures++
		}
		st.TotalProactiveFailures++
		if st.TotalProactiveFailures > s.cfg.Complaint.MaxAccumulation {
			st.TotalProactiveFailures = s.cfg.Complaint.MaxAccumulation
		}
		st.LastFailureTime = now
		st.FailedInteractions++
		st.ConsecutiveSuccesses = 0
		if s.cfg.Adaptive.Enabled {
			st.InteractionScore = clampf(st.InteractionScore-s.cfg.Adaptive.DecreaseOnFail,
				s.cfg.Adaptive.ScoreMin, s.cfg.Adaptive.ScoreMax)
		}

		if st.CurrentEffectiveMaxFailures > 0 && st.ConsecutiveFailures >= st.CurrentEffectiveMaxFailures {
			dur := s.cfg.CooldownDuration.Seconds() * params.CooldownMultiplier
			st.enterCooldownLocked(now + dur)
			s.logger.Info("proactive cooldown entered",
				"chat", chat.String(), "until", st.CooldownUntil, "total_failures", st.TotalProactiveFailures)
		}
	})
}

// markSuccessLocked applies the success scoring. Caller holds the state lock.
func (s *Scheduler) markSuccessLocked(st *State, now float64) {
	st.ProactiveOutcomeRecorded = true
	st.ProactiveActive = false

	prior := st.InteractionScore
	award := s.cfg.Adaptive.IncreaseOnSuccess
	if st.attemptStart > 0 && now-st.attemptStart <= s.cfg.Adaptive.QuickReplyWindow.Seconds() {
		award += s.cfg.Adaptive.QuickReplyBonus
	}
	if len(st.repliedUsers) >= 2 {
		award += s.cfg.Adaptive.MultiUserBonus
	}
	if st.ConsecutiveSuccesses+1 >= s.cfg.Adaptive.StreakLength {
		award += s.cfg.Adaptive.StreakBonus
	}
	if prior < s.cfg.Adaptive.RevivalThreshold {
		award += s.cfg.Adaptive.RevivalBonus
	}
	if s.cfg.Adaptive.Enabled {
		st.InteractionScore = clampf(prior+award, s.cfg.Adaptive.ScoreMin, s.cfg.Adaptive.ScoreMax)
	}

	st.TotalProactiveFailures -= s.cfg.Complaint.DecayOnSuccess
	if st.TotalProactiveFailures < 0 {
		st.TotalProactiveFailures = 0
	}
	st.ConsecutiveSuccesses++
	st.SuccessfulInteractions++
	st.LastSuccessTime = now
	st.ConsecutiveFailures = 0
	st.CurrentEffectiveMaxFailures = 0
	st.ProactiveAttemptsCount = 0
	st.LastProactiveContent = ""
	st.Boost = TempBoost{}
	st.repliedUsers = make(map[string]struct{})
}

// NoteUserMessage records organic user traffic: the activity window, the
// last-user-message time, and — while an attempt is active — the replied-user
// set driving the multi-user bonus.
func (s *Scheduler) NoteUserMessage(chat host.ChatKey, userID string) {
	now := s.unix()
	s.states.update(chat, func(st *State) {
		st.LastUserMessageTime = now
		st.userMsgTimes = append(st.userMsgTimes, now)
		if st.ProactiveActive {
			st.repliedUsers[userID] = struct{}{}
		}
	})
}

// NoteBotReply records an organic bot reply. Any bot reply resets the
// consecutive-failure streak; a reply during an active attempt's boost window
// marks the attempt successful (first outcome wins).
func (s *Scheduler) NoteBotReply(chat host.ChatKey) {
	now := s.unix()
	s.states.update(chat, func(st *State) {
		st.LastBotReplyTime = now
		if st.ProactiveActive && !st.ProactiveOutcomeRecorded && st.Boost.ActiveAt(now) {
			s.markSuccessLocked(st, now)
			s.logger.Info("proactive attempt succeeded",
				"chat", chat.String(), "score", st.InteractionScore)
			return
		}
		st.ConsecutiveFailures = 0
	})
}

// BoostValue returns the additive probability boost currently active for a
// chat, or 0.
func (s *Scheduler) BoostValue(chat host.ChatKey) float64 {
	st, ok := s.states.Get(chat)
	if !ok {
		return 0
	}
	if st.Boost.ActiveAt(s.unix()) {
		return st.Boost.BoostValue
	}
	return 0
}

// IsProcessing reports whether a proactive generation is in flight for the
// chat. The organic promotion path waits on this.
func (s *Scheduler) IsProcessing(chat host.ChatKey) bool {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	return s.processing[chat.String()]
}

func (s *Scheduler) setProcessing(key string) bool {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if s.processing[key] {
		return false
	}
	s.processing[key] = true
	return true
}

func (s *Scheduler) clearProcessing(key string) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	delete(s.processing, key)
}

// maintenance applies the hourly decay passes: interaction-score decay after
// a full day of silence and complaint-total decay after a stretch without
// failures.
func (s *Scheduler) maintenance() {
	now := s.unix()
	const day = 24 * 60 * 60.0

	s.states.mu.Lock()
	defer s.states.mu.Unlock()
	for _, st := range s.states.states {
		lastTraffic := st.LastUserMessageTime
		if st.LastBotReplyTime > lastTraffic {
			lastTraffic = st.LastBotReplyTime
		}
		if s.cfg.Adaptive.Enabled && lastTraffic > 0 &&
			now-lastTraffic >= day && now-st.LastScoreDecayTime >= day {
			st.InteractionScore = clampf(st.InteractionScore-s.cfg.Adaptive.DecayRate,
				s.cfg.Adaptive.ScoreMin, s.cfg.Adaptive.ScoreMax)
			st.LastScoreDecayTime = now
		}

		threshold := s.cfg.Complaint.DecayNoFailureThreshold.Seconds()
		if threshold > 0 && st.TotalProactiveFailures > 0 &&
			now-st.LastFailureTime >= threshold && now-st.LastComplaintDecayTime >= threshold {
			st.TotalProactiveFailures -= s.cfg.Complaint.DecayAmount
			if st.TotalProactiveFailures < 0 {
				st.TotalProactiveFailures = 0
			}
			st.LastComplaintDecayTime = now
		}
	}
}
