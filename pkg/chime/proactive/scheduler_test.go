package proactive

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

// zeroSource makes every Float64 draw 0, so probability gates always pass.
type zeroSource struct{}

func (zeroSource) Int63() int64 { return 0 }
func (zeroSource) Seed(int64)   {}

type fakeGen struct {
	calls   int
	reqs    []*GenerateRequest
	content string
	sent    bool
	err     error
}

func (g *fakeGen) GenerateProactive(_ context.Context, req *GenerateRequest) (*GenerateResult, error) {
	g.calls++
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	return &GenerateResult{Content: g.content, Sent: g.sent}, nil
}

func newTestScheduler(t *testing.T, mutate func(*Config)) (*Scheduler, *fakeGen, *time.Time) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.EnabledGroups = []string{"42"}
	cfg.RequireUserActivity = false
	cfg.QuietEnabled = false
	cfg.FailureThresholdPerturbation = 0
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.Normalize(nil)

	states := NewStateStore(cfg, t.TempDir(), nil)
	gen := &fakeGen{content: "so what's everyone working on today?", sent: true}
	s := NewScheduler(cfg, states, nil, gen, nil)
	s.rng = rand.New(zeroSource{})

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	s.now = clock
	states.now = clock
	return s, gen, &now
}

func TestScheduler_SuccessInWarmGroup(t *testing.T) {
	t.Parallel()

	s, gen, now := newTestScheduler(t, func(c *Config) {
		c.SilenceThreshold = 600 * time.Second
		c.Probability = 0.3
	})
	chat := stateChat()
	start := float64(now.Unix())
	s.states.update(chat, func(st *State) {
		st.InteractionScore = 70
		st.LastBotReplyTime = start - 700
		st.TotalProactiveFailures = 1
	})

	s.evaluate(context.Background(), chat)
	if gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", gen.calls)
	}
	st, _ := s.states.Get(chat)
	if !st.ProactiveActive || st.ProactiveOutcomeRecorded {
		t.Fatal("attempt not marked active")
	}
	if !st.Boost.ActiveAt(start + 1) {
		t.Fatal("temp boost not activated")
	}
	if got := s.BoostValue(chat); got != s.cfg.TempBoostProbability {
		t.Errorf("BoostValue = %v, want %v", got, s.cfg.TempBoostProbability)
	}

	// Two distinct users answer quickly, then the bot replies.
	s.NoteUserMessage(chat, "u1")
	s.NoteUserMessage(chat, "u2")
	s.NoteBotReply(chat)

	st, _ = s.states.Get(chat)
	if st.InteractionScore != 100 {
		t.Errorf("score = %v, want 70+15+5(quick)+10(multi) = 100", st.InteractionScore)
	}
	if st.TotalProactiveFailures != 0 {
		t.Errorf("total failures = %d, want decayed to 0", st.TotalProactiveFailures)
	}
	if st.ConsecutiveSuccesses != 1 {
		t.Errorf("consecutive successes = %d, want 1", st.ConsecutiveSuccesses)
	}
	if st.IsInCooldown {
		t.Error("success must not enter cooldown")
	}
	if st.ProactiveActive || !st.ProactiveOutcomeRecorded {
		t.Error("outcome not recorded as done")
	}
	if st.ProactiveAttemptsCount != 0 || st.LastProactiveContent != "" {
		t.Error("retry round not reset after success")
	}

	// A second bot reply after the outcome must not double-award.
	s.NoteBotReply(chat)
	st, _ = s.states.Get(chat)
	if st.ConsecutiveSuccesses != 1 {
		t.Errorf("outcome recorded twice: successes = %d", st.ConsecutiveSuccesses)
	}
}

func TestScheduler_CooldownAfterRepeatedSilence(t *testing.T) {
	t.Parallel()

	s, gen, now := newTestScheduler(t, func(c *Config) {
		c.Adaptive.Enabled = false
		c.MaxConsecutiveFailures = 3
		c.CooldownDuration = 2 * time.Hour
		c.FailureSequenceProbability = -1
		c.TempBoostDuration = 3 * time.Minute
	})
	chat := stateChat()
	s.states.update(chat, func(st *State) {
		st.LastBotReplyTime = float64(now.Unix()) - 3600
	})
	ctx := context.Background()

	s.evaluate(ctx, chat) // first trigger
	if gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", gen.calls)
	}

	// Each boost window expires without a reply; the scheduler records the
	// failure and immediately retries until the third failure.
	*now = now.Add(4 * time.Minute)
	s.evaluate(ctx, chat) // failure 1 + retry
	if gen.calls != 2 {
		t.Fatalf("generator calls after failure 1 = %d, want 2", gen.calls)
	}
	if !gen.reqs[1].Retry || gen.reqs[1].AttemptNumber != 2 {
		t.Errorf("second request not marked retry: %+v", gen.reqs[1])
	}

	*now = now.Add(4 * time.Minute)
	s.evaluate(ctx, chat) // failure 2 + retry
	*now = now.Add(4 * time.Minute)
	s.evaluate(ctx, chat) // failure 3 -> cooldown, no retry

	if gen.calls != 3 {
		t.Fatalf("generator calls = %d, want 3 (no retry after cooldown)", gen.calls)
	}
	st, _ := s.states.Get(chat)
	if !st.IsInCooldown {
		t.Fatal("cooldown not entered after third failure")
	}
	wantUntil := float64(now.Unix()) + (2 * time.Hour).Seconds()
	if st.CooldownUntil != wantUntil {
		t.Errorf("cooldown_until = %v, want %v", st.CooldownUntil, wantUntil)
	}
	if st.TotalProactiveFailures != 3 {
		t.Errorf("total failures = %d, want 3 (preserved)", st.TotalProactiveFailures)
	}
	if st.ProactiveAttemptsCount != 0 || st.LastProactiveContent != "" {
		t.Error("retry round not cleared on cooldown entry")
	}
	if st.Boost.ActiveAt(float64(now.Unix())) {
		t.Error("temp boost survived cooldown entry")
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want reset on cooldown entry", st.ConsecutiveFailures)
	}

	// Suppressed while cooling down.
	*now = now.Add(time.Minute)
	s.evaluate(ctx, chat)
	if gen.calls != 3 {
		t.Error("trigger fired during cooldown")
	}

	// Released after the window.
	*now = now.Add(3 * time.Hour)
	s.evaluate(ctx, chat)
	if gen.calls != 4 {
		t.Errorf("generator calls = %d, want 4 after cooldown release", gen.calls)
	}
}

func TestScheduler_GenerationErrorIsNotAnOutcome(t *testing.T) {
	t.Parallel()

	s, gen, now := newTestScheduler(t, nil)
	gen.err = fmt.Errorf("provider timeout")
	chat := stateChat()
	s.states.update(chat, func(st *State) {
		st.LastBotReplyTime = float64(now.Unix()) - 3600
	})

	s.evaluate(context.Background(), chat)
	st, _ := s.states.Get(chat)
	if st.ProactiveActive || st.ProactiveAttemptsCount != 0 {
		t.Error("failed generation must not start an attempt")
	}
	if st.TotalProactiveFailures != 0 || st.ConsecutiveFailures != 0 {
		t.Error("failed generation must not count as a proactive failure")
	}
}

func TestScheduler_WhitelistGate(t *testing.T) {
	t.Parallel()

	s, gen, now := newTestScheduler(t, nil)
	other := stateChat()
	other.ChatID = "not-listed"
	s.states.update(other, func(st *State) {
		st.LastBotReplyTime = float64(now.Unix()) - 3600
	})

	s.evaluate(context.Background(), other)
	if gen.calls != 0 {
		t.Error("trigger fired for a non-whitelisted chat")
	}
}

func TestScheduler_SilenceGate(t *testing.T) {
	t.Parallel()

	s, gen, now := newTestScheduler(t, func(c *Config) {
		c.SilenceThreshold = 10 * time.Minute
	})
	chat := stateChat()
	s.states.update(chat, func(st *State) {
		st.LastBotReplyTime = float64(now.Unix()) - 60
	})

	s.evaluate(context.Background(), chat)
	if gen.calls != 0 {
		t.Error("trigger fired before the silence threshold")
	}
}

func TestScheduler_ActivityGate(t *testing.T) {
	t.Parallel()

	s, gen, now := newTestScheduler(t, func(c *Config) {
		c.RequireUserActivity = true
		c.MinUserMessages = 2
		c.UserActivityWindow = 10 * time.Minute
	})
	chat := stateChat()
	s.states.update(chat, func(st *State) {
		st.LastBotReplyTime = float64(now.Unix()) - 3600
	})
	ctx := context.Background()

	s.evaluate(ctx, chat)
	if gen.calls != 0 {
		t.Fatal("trigger fired without user activity")
	}

	s.NoteUserMessage(chat, "u1")
	s.NoteUserMessage(chat, "u2")
	s.evaluate(ctx, chat)
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1 once activity floor met", gen.calls)
	}
}

func TestScheduler_UserReplyAloneIsNotSuccess(t *testing.T) {
	t.Parallel()

	s, gen, now := newTestScheduler(t, nil)
	chat := stateChat()
	s.states.update(chat, func(st *State) {
		st.LastBotReplyTime = float64(now.Unix()) - 3600
	})
	s.evaluate(context.Background(), chat)
	if gen.calls != 1 {
		t.Fatal("trigger did not fire")
	}

	// A user answering only tracks the replied set; success needs the
	// decision engine to actually reply.
	s.NoteUserMessage(chat, "u1")
	st, _ := s.states.Get(chat)
	if st.ProactiveOutcomeRecorded {
		t.Error("user message alone recorded an outcome")
	}
	if !st.ProactiveActive {
		t.Error("attempt deactivated by a user message")
	}
}

func TestScheduler_Maintenance_ScoreAndComplaintDecay(t *testing.T) {
	t.Parallel()

	s, _, now := newTestScheduler(t, func(c *Config) {
		c.Adaptive.DecayRate = 5
		c.Complaint.DecayNoFailureThreshold = 24 * time.Hour
		c.Complaint.DecayAmount = 1
	})
	chat := stateChat()
	start := float64(now.Unix())
	s.states.update(chat, func(st *State) {
		st.InteractionScore = 50
		st.LastUserMessageTime = start
		st.TotalProactiveFailures = 4
		st.LastFailureTime = start
	})

	// Not yet a day: nothing decays.
	*now = now.Add(12 * time.Hour)
	s.maintenance()
	st, _ := s.states.Get(chat)
	if st.InteractionScore != 50 || st.TotalProactiveFailures != 4 {
		t.Fatal("decay applied too early")
	}

	*now = now.Add(13 * time.Hour)
	s.maintenance()
	st, _ = s.states.Get(chat)
	if st.InteractionScore != 45 {
		t.Errorf("score = %v, want 45 after a day of silence", st.InteractionScore)
	}
	if st.TotalProactiveFailures != 3 {
		t.Errorf("total failures = %d, want 3 after time decay", st.TotalProactiveFailures)
	}

	// Running again within the same day must not decay twice.
	*now = now.Add(time.Hour)
	s.maintenance()
	st, _ = s.states.Get(chat)
	if st.InteractionScore != 45 || st.TotalProactiveFailures != 3 {
		t.Error("decay applied twice within one threshold period")
	}
}
