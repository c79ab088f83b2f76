package attention

import (
	"log/slog"
	"testing"
	"time"
)

func newTestTracker(t *testing.T, mutate func(*Config)) (*Tracker, *CooldownManager) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AttentionHalfLife = 10 * time.Minute
	cfg.EmotionHalfLife = 30 * time.Minute
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.Normalize(slog.Default())
	dir := t.TempDir()
	cd := NewCooldownManager(cfg.Cooldown, dir, slog.Default())
	return NewTracker(cfg, cd, dir, slog.Default()), cd
}

func TestRecordRepliedUser_BoostAndClamp(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, func(c *Config) { c.BoostStep = 0.3 })
	p, _ := tr.RecordRepliedUser("chat", "u1", "Alice", "hello", false)
	if p.AttentionScore != 0.3 {
		t.Errorf("attention = %v, want 0.3", p.AttentionScore)
	}
	if p.ConsecutiveReplies != 1 {
		t.Errorf("consecutive = %d, want 1", p.ConsecutiveReplies)
	}

	for i := 0; i < 10; i++ {
		p, _ = tr.RecordRepliedUser("chat", "u1", "Alice", "hello", false)
	}
	if p.AttentionScore > 1 {
		t.Errorf("attention %v exceeds 1", p.AttentionScore)
	}
}

func TestRecordRepliedUser_DecrementsOthers(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, func(c *Config) {
		c.BoostStep = 0.5
		c.DecreaseStep = 0.1
	})
	tr.RecordRepliedUser("chat", "u1", "Alice", "hi", false)
	tr.RecordRepliedUser("chat", "u2", "Bob", "hi", false)

	p1, ok := tr.Profile("chat", "u1")
	if !ok {
		t.Fatal("u1 profile missing")
	}
	if p1.AttentionScore >= 0.5 {
		t.Errorf("u1 attention %v should have been decremented below 0.5", p1.AttentionScore)
	}
}

func TestRecordRepliedUser_CooldownSuppressesIncrement(t *testing.T) {
	t.Parallel()

	tr, cd := newTestTracker(t, nil)
	cd.Add("chat", "u1", "Alice", "test")

	p, _ := tr.RecordRepliedUser("chat", "u1", "Alice", "hi", false)
	if p.AttentionScore != 0 {
		t.Errorf("cooldown user attention = %v, want 0", p.AttentionScore)
	}
	if p.InteractionCount != 1 {
		t.Errorf("interaction count = %d, want 1 (interaction still recorded)", p.InteractionCount)
	}
}

func TestRecordRepliedUser_TriggeredReleasesCooldown(t *testing.T) {
	t.Parallel()

	tr, cd := newTestTracker(t, func(c *Config) { c.BoostStep = 0.3 })
	cd.Add("chat", "u1", "Alice", "test")

	p, _ := tr.RecordRepliedUser("chat", "u1", "Alice", "@bot hi", true)
	if cd.Contains("chat", "u1") {
		t.Error("triggered reply should release cooldown")
	}
	if p.AttentionScore != 0.3 {
		t.Errorf("attention = %v, want 0.3 after release", p.AttentionScore)
	}
	if p.ConsecutiveReplies != 1 {
		t.Errorf("consecutive = %d, want 1 after reset", p.ConsecutiveReplies)
	}
}

func TestFatigue_BlockOnThreshold(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, func(c *Config) {
		c.Fatigue.ThresholdLight = 2
		c.Fatigue.ThresholdMedium = 4
		c.Fatigue.ThresholdHeavy = 6
		c.Fatigue.ResetThreshold = 10 * time.Minute
	})

	var level FatigueLevel
	for i := 0; i < 6; i++ {
		_, level = tr.RecordRepliedUser("chat", "u1", "Alice", "hi", false)
	}
	if level != FatigueHeavy {
		t.Errorf("level = %v, want heavy", level)
	}
	got, blocked := tr.FatigueState("chat", "u1")
	if !blocked || got != FatigueHeavy {
		t.Errorf("FatigueState = (%v, %v), want (heavy, true)", got, blocked)
	}

	// Blocked user no longer gains attention.
	before, _ := tr.Profile("chat", "u1")
	after, _ := tr.RecordRepliedUser("chat", "u1", "Alice", "hi", false)
	if after.AttentionScore > before.AttentionScore+1e-9 {
		t.Errorf("blocked user attention rose from %v to %v", before.AttentionScore, after.AttentionScore)
	}

	// Reset releases the block.
	tr.ResetConsecutiveReplies("chat", "u1")
	if _, blocked := tr.FatigueState("chat", "u1"); blocked {
		t.Error("block should be released after reset")
	}
}

func TestDecreaseOnNoReply_CooldownEntry(t *testing.T) {
	t.Parallel()

	tr, cd := newTestTracker(t, func(c *Config) {
		c.BoostStep = 0.7
		c.Cooldown.TriggerThreshold = 0.5
		c.NoReplyDecreaseStep = 0.15
		c.NoReplyMinThreshold = 0.1
	})
	tr.RecordRepliedUser("chat", "u1", "Alice", "hi", false)

	tr.DecreaseOnNoReply("chat", "u1")
	if !cd.Contains("chat", "u1") {
		t.Error("no-reply decrement from above threshold should trigger cooldown")
	}
	p, _ := tr.Profile("chat", "u1")
	if p.AttentionScore >= 0.7 {
		t.Errorf("attention %v should have decreased", p.AttentionScore)
	}
}

func TestDecreaseOnNoReply_BelowThresholdUntouched(t *testing.T) {
	t.Parallel()

	tr, cd := newTestTracker(t, func(c *Config) {
		c.BoostStep = 0.05
		c.NoReplyMinThreshold = 0.1
	})
	tr.RecordRepliedUser("chat", "u1", "Alice", "hi", false)
	p0, _ := tr.Profile("chat", "u1")

	tr.DecreaseOnNoReply("chat", "u1")
	p1, _ := tr.Profile("chat", "u1")
	if p1.AttentionScore < p0.AttentionScore-1e-9 {
		t.Errorf("attention below threshold decreased: %v -> %v", p0.AttentionScore, p1.AttentionScore)
	}
	if cd.Contains("chat", "u1") {
		t.Error("cooldown should not trigger below threshold")
	}
}

func TestSpillover_ActivityUpdated(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, func(c *Config) {
		c.BoostStep = 0.6
		c.Spillover.MinTrigger = 0.4
	})
	tr.RecordRepliedUser("chat", "u1", "Alice", "hi", false)

	a, ok := tr.Activity("chat")
	if !ok {
		t.Fatal("activity should exist after strong reply")
	}
	if a.PeakUserID != "u1" {
		t.Errorf("peak user = %q, want u1", a.PeakUserID)
	}
	if a.ActivityScore > a.PeakAttention {
		t.Errorf("activity %v exceeds peak %v", a.ActivityScore, a.PeakAttention)
	}
}

func TestEviction_LowestAttentionFirst(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, func(c *Config) {
		c.MaxTrackedUsers = 2
		c.BoostStep = 0.3
		c.DecreaseStep = 0
	})
	tr.RecordRepliedUser("chat", "u1", "A", "hi", false)
	tr.RecordRepliedUser("chat", "u2", "B", "hi", false)
	tr.RecordRepliedUser("chat", "u2", "B", "hi", false) // u2 now highest
	tr.RecordRepliedUser("chat", "u3", "C", "hi", false) // forces eviction

	if _, ok := tr.Profile("chat", "u2"); !ok {
		t.Error("u2 (highest attention) should survive eviction")
	}
	top := tr.TopUsers("chat", 0)
	if len(top) != 2 {
		t.Errorf("tracked users = %d, want 2", len(top))
	}
}

func TestLazyDecay_HalvesAtHalfLife(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, func(c *Config) {
		c.BoostStep = 0.8
		c.AttentionHalfLife = 10 * time.Minute
	})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	tr.RecordRepliedUser("chat", "u1", "A", "hi", false)
	now = base.Add(10 * time.Minute)
	p, _ := tr.Profile("chat", "u1")
	if p.AttentionScore < 0.39 || p.AttentionScore > 0.41 {
		t.Errorf("attention after one half-life = %v, want ~0.4", p.AttentionScore)
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Normalize(slog.Default())
	dir := t.TempDir()
	cd := NewCooldownManager(cfg.Cooldown, dir, slog.Default())
	tr := NewTracker(cfg, cd, dir, slog.Default())

	tr.RecordRepliedUser("chat", "u1", "Alice", "hi", false)
	if err := tr.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	tr2 := NewTracker(cfg, cd, dir, slog.Default())
	p, ok := tr2.Profile("chat", "u1")
	if !ok {
		t.Fatal("profile lost on reload")
	}
	if p.UserName != "Alice" {
		t.Errorf("user name = %q, want Alice", p.UserName)
	}
	if p.AttentionScore < 0 || p.AttentionScore > 1 {
		t.Errorf("reloaded attention %v out of range", p.AttentionScore)
	}
}
