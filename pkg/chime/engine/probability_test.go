package engine

import (
	"math"
	"strings"
	"testing"

	"github.com/jholhewres/chime/pkg/chime/attention"
)

// newCalc builds a calculator over a fresh tracker and cooldown set.
func newCalc(t *testing.T, handle ProactiveHandle, mutate func(*Config)) (*Calculator, *Config, *attention.Tracker, *attention.CooldownManager) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HardLimit.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.Normalize(testLogger())
	cooldown := attention.NewCooldownManager(cfg.Attention.Cooldown, cfg.DataDir, testLogger())
	attn := attention.NewTracker(cfg.Attention, cooldown, cfg.DataDir, testLogger())
	return NewCalculator(&cfg, attn, cooldown, handle), &cfg, attn, cooldown
}

func TestComputeBasePassthrough(t *testing.T) {
	t.Parallel()
	calc, _, _, _ := newCalc(t, nil, func(c *Config) {
		c.Attention.Enabled = false
		c.Humanize.Enabled = false
	})

	res := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "u1", Base: 0.3})
	if res.Value != 0.3 {
		t.Fatalf("Value = %v, want base 0.3 untouched", res.Value)
	}
	if res.Fatigue != attention.FatigueNone {
		t.Fatalf("Fatigue = %v, want none for stranger", res.Fatigue)
	}
}

func TestComputeAttentionRaisesProbability(t *testing.T) {
	t.Parallel()
	calc, cfg, attn, _ := newCalc(t, nil, nil)
	chat := testChat.String()

	attn.RecordRepliedUser(chat, "u1", "alice", "hello", false)
	attn.RecordRepliedUser(chat, "u1", "alice", "hello again", false)
	profile, ok := attn.Profile(chat, "u1")
	if !ok || profile.AttentionScore <= 0.1 {
		t.Fatalf("profile = %+v ok=%v, want attention above threshold", profile, ok)
	}

	base := 0.05
	res := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "u1", Base: base})

	raw := base + (cfg.Attention.IncreasedProbability-base)*profile.AttentionScore*(1+0.3*profile.Emotion)
	want := math.Min(0.98, math.Max(cfg.Attention.DecreasedProbability, raw))
	if math.Abs(res.Value-want) > 1e-3 {
		t.Fatalf("Value = %v, want ~%v (profile %+v)", res.Value, want, profile)
	}
	if res.Value <= base {
		t.Fatalf("Value = %v, want above base %v for attended user", res.Value, base)
	}
}

func TestComputeCooldownKeepsBase(t *testing.T) {
	t.Parallel()
	calc, _, attn, cooldown := newCalc(t, nil, nil)
	chat := testChat.String()

	attn.RecordRepliedUser(chat, "u1", "alice", "hi", false)
	cooldown.Add(chat, "u1", "alice", "test")
	if !cooldown.Contains(chat, "u1") {
		t.Fatal("cooldown entry missing")
	}

	// Cooldown skips attention, poke boost, and spillover alike.
	res := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "u1", Base: 0.2, PokeFromUser: true})
	if res.Value != 0.2 {
		t.Fatalf("Value = %v, want base 0.2 for cooldown user", res.Value)
	}
	if !strings.Contains(res.Trail(), "cooldown") {
		t.Fatalf("Trail = %q, want cooldown step", res.Trail())
	}
}

func TestComputePokeBoostForStranger(t *testing.T) {
	t.Parallel()
	calc, cfg, _, _ := newCalc(t, nil, nil)

	base := 0.1
	res := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "new", Base: base, PokeFromUser: true})

	// Zero profile: boost collapses to reference * (0.5 + 0.3).
	want := base + cfg.Poke.BoostReference*0.8
	if math.Abs(res.Value-want) > 1e-9 {
		t.Fatalf("Value = %v, want %v", res.Value, want)
	}
	if !strings.Contains(res.Trail(), "poke_boost") {
		t.Fatalf("Trail = %q, want poke_boost step", res.Trail())
	}
}

func TestComputeSpilloverReachesOnlyStrangers(t *testing.T) {
	t.Parallel()
	calc, cfg, attn, _ := newCalc(t, nil, nil)
	chat := testChat.String()

	// Two replies push the speaker past the spillover trigger.
	attn.RecordRepliedUser(chat, "talker", "bob", "hey", false)
	attn.RecordRepliedUser(chat, "talker", "bob", "hey again", false)
	act, ok := attn.Activity(chat)
	if !ok || act.ActivityScore < cfg.Attention.Spillover.MinTrigger {
		t.Fatalf("activity = %+v ok=%v, want score >= %v", act, ok, cfg.Attention.Spillover.MinTrigger)
	}

	base := 0.05
	stranger := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "lurker", Base: base})
	if stranger.Value <= base {
		t.Fatalf("stranger Value = %v, want spillover above base %v", stranger.Value, base)
	}
	if !strings.Contains(stranger.Trail(), "spillover") {
		t.Fatalf("stranger Trail = %q, want spillover step", stranger.Trail())
	}

	known := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "talker", Base: base})
	if strings.Contains(known.Trail(), "spillover") {
		t.Fatalf("known-user Trail = %q, spillover must not apply", known.Trail())
	}
}

func TestComputeFatiguePenalty(t *testing.T) {
	t.Parallel()
	calc, cfg, attn, _ := newCalc(t, nil, nil)
	chat := testChat.String()

	for i := 0; i < cfg.Attention.Fatigue.ThresholdHeavy; i++ {
		attn.RecordRepliedUser(chat, "u1", "alice", "more", false)
	}

	res := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "u1", Base: 0.05})
	if res.Fatigue != attention.FatigueHeavy {
		t.Fatalf("Fatigue = %v, want heavy after %d consecutive replies",
			res.Fatigue, cfg.Attention.Fatigue.ThresholdHeavy)
	}
	if !strings.Contains(res.Trail(), "fatigue_heavy") {
		t.Fatalf("Trail = %q, want fatigue_heavy step", res.Trail())
	}
}

func TestComputeInterestBoost(t *testing.T) {
	t.Parallel()
	calc, _, _, _ := newCalc(t, nil, func(c *Config) {
		c.Attention.Enabled = false
		c.Humanize.Enabled = true
		c.Humanize.InterestKeywords = []string{"cats"}
		c.Humanize.InterestBoostProbability = 0.15
	})

	res := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "u1", MessageText: "I love Cats", Base: 0.1})
	if math.Abs(res.Value-0.25) > 1e-9 {
		t.Fatalf("Value = %v, want 0.25 with interest boost", res.Value)
	}

	res = calc.Compute(ProbabilityInput{Chat: testChat, UserID: "u1", MessageText: "I love dogs", Base: 0.1})
	if res.Value != 0.1 {
		t.Fatalf("Value = %v, want base without keyword match", res.Value)
	}
}

func TestComputeProactiveBoost(t *testing.T) {
	t.Parallel()
	calc, _, _, _ := newCalc(t, stubHandle{boost: 0.25}, func(c *Config) {
		c.Attention.Enabled = false
	})

	res := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "u1", Base: 0.1})
	if math.Abs(res.Value-0.35) > 1e-9 {
		t.Fatalf("Value = %v, want 0.35 with proactive boost", res.Value)
	}
	if !strings.Contains(res.Trail(), "proactive_boost") {
		t.Fatalf("Trail = %q, want proactive_boost step", res.Trail())
	}
}

func TestComputeHardLimitClamp(t *testing.T) {
	t.Parallel()
	calc, _, _, _ := newCalc(t, nil, func(c *Config) {
		c.Attention.Enabled = false
		c.HardLimit = HardLimitConfig{Enabled: true, Min: 0.2, Max: 0.4}
	})

	if res := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "u1", Base: 0.9}); res.Value != 0.4 {
		t.Fatalf("Value = %v, want max clamp 0.4", res.Value)
	}
	if res := calc.Compute(ProbabilityInput{Chat: testChat, UserID: "u1", Base: 0.001}); res.Value != 0.2 {
		t.Fatalf("Value = %v, want min clamp 0.2", res.Value)
	}
}
