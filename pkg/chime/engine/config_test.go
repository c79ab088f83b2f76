package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v, want defaults without error", err)
	}
	if !cfg.Core.Enabled || cfg.Judge.PromptMode != "standard" {
		t.Fatalf("cfg = %+v, want defaults", cfg.Core)
	}
	if cfg.Judge.Timeout != 20*time.Second {
		t.Fatalf("judge timeout = %v, want 20s default", cfg.Judge.Timeout)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
core:
  enabled: true
  enabled_groups: ["123"]
keywords:
  trigger_keywords: ["bot"]
  smart_mode: true
hard_limit:
  enabled: true
  min: 0.05
  max: 0.9
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Core.EnabledGroups) != 1 || cfg.Core.EnabledGroups[0] != "123" {
		t.Fatalf("enabled_groups = %v", cfg.Core.EnabledGroups)
	}
	if !cfg.Keywords.SmartMode || len(cfg.Keywords.TriggerKeywords) != 1 {
		t.Fatalf("keywords = %+v", cfg.Keywords)
	}
	if cfg.HardLimit.Min != 0.05 || cfg.HardLimit.Max != 0.9 {
		t.Fatalf("hard_limit = %+v", cfg.HardLimit)
	}
	// Untouched sections keep their defaults.
	if cfg.Poke.MessageMode != "bot_only" {
		t.Fatalf("poke mode = %q, want default", cfg.Poke.MessageMode)
	}
}

func TestNormalizeCorrectsBadValues(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Judge.PromptMode = "weird"
	cfg.Mention.AtOthersMode = "nonsense"
	cfg.Poke.MessageMode = "sometimes"
	cfg.Image.Scope = "everything"
	cfg.HardLimit = HardLimitConfig{Enabled: true, Min: 0.9, Max: 0.1}
	cfg.Concurrent.WaitMaxLoops = -1

	cfg.Normalize(testLogger())

	if cfg.Judge.PromptMode != "standard" {
		t.Errorf("prompt_mode = %q, want standard", cfg.Judge.PromptMode)
	}
	if cfg.Mention.AtOthersMode != "allow_with_bot" {
		t.Errorf("at_others_mode = %q, want allow_with_bot", cfg.Mention.AtOthersMode)
	}
	if cfg.Poke.MessageMode != "bot_only" {
		t.Errorf("message_mode = %q, want bot_only", cfg.Poke.MessageMode)
	}
	if cfg.Image.Scope != "mention_only" {
		t.Errorf("image scope = %q, want mention_only", cfg.Image.Scope)
	}
	if cfg.HardLimit.Min != 0.1 || cfg.HardLimit.Max != 0.9 {
		t.Errorf("hard_limit = %+v, want inverted bounds swapped", cfg.HardLimit)
	}
	if cfg.Concurrent.WaitMaxLoops != 20 {
		t.Errorf("wait_max_loops = %d, want default restored", cfg.Concurrent.WaitMaxLoops)
	}
}

func TestGroupAllowed(t *testing.T) {
	t.Parallel()
	open := CoreConfig{}
	if !open.GroupAllowed("anything") {
		t.Error("empty allowlist must allow every group")
	}
	restricted := CoreConfig{EnabledGroups: []string{"g1", "g2"}}
	if !restricted.GroupAllowed("g2") || restricted.GroupAllowed("g3") {
		t.Error("allowlist must gate exactly its members")
	}
}
