// Package engine is the decision core: the per-message pipeline that decides
// whether the bot replies, the probability calculator, the judge AI, the reply
// orchestrator, and the plugin lifecycle that wires everything together.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/chime/pkg/chime/attention"
	"github.com/jholhewres/chime/pkg/chime/history"
	"github.com/jholhewres/chime/pkg/chime/humanize"
	"github.com/jholhewres/chime/pkg/chime/proactive"
)

// CoreConfig is the plugin-wide gate.
type CoreConfig struct {
	// Enabled turns the whole plugin on.
	Enabled bool `yaml:"enabled"`

	// EnabledGroups limits the plugin to these chat ids. Empty means every
	// group chat is handled.
	EnabledGroups []string `yaml:"enabled_groups"`

	// DebugMode logs the full probability composition per message.
	DebugMode bool `yaml:"debug_mode"`
}

// JudgeConfig configures the yes/no decision call.
type JudgeConfig struct {
	// ProviderID selects a dedicated judge provider; empty uses the chat
	// provider.
	ProviderID string `yaml:"provider_id"`

	// Timeout bounds the judge call.
	Timeout time.Duration `yaml:"timeout"`

	// ExtraPrompt is appended to the decision prompt verbatim.
	ExtraPrompt string `yaml:"extra_prompt"`

	// PromptMode selects "standard" or "custom"; custom uses ExtraPrompt as
	// the whole instruction block.
	PromptMode string `yaml:"prompt_mode"`
}

// ContextConfig shapes the formatted history block.
type ContextConfig struct {
	IncludeTimestamp  bool `yaml:"include_timestamp"`
	IncludeSenderInfo bool `yaml:"include_sender_info"`

	// MaxMessages limits history entries: -1 unlimited (hard cap 500),
	// 0 none, positive N most recent.
	MaxMessages int `yaml:"max_messages"`
}

// ImageConfig controls image-to-text handling for cached messages.
type ImageConfig struct {
	Enabled bool `yaml:"enabled"`

	// Scope is "mention_only" or "all".
	Scope string `yaml:"scope"`

	// ProviderID selects the captioning provider; empty uses the chat
	// provider.
	ProviderID string `yaml:"provider_id"`

	Prompt  string        `yaml:"prompt"`
	Timeout time.Duration `yaml:"timeout"`

	// Platform-supplied caption polling.
	CaptionMaxWait       time.Duration `yaml:"caption_max_wait"`
	CaptionRetryInterval time.Duration `yaml:"caption_retry_interval"`
	CaptionFastChecks    int           `yaml:"caption_fast_checks"`
}

// KeywordConfig configures trigger and blacklist keywords.
type KeywordConfig struct {
	TriggerKeywords   []string `yaml:"trigger_keywords"`
	BlacklistKeywords []string `yaml:"blacklist_keywords"`

	// SmartMode keeps the judge AI in the loop for keyword-only triggers
	// instead of forcing a reply.
	SmartMode bool `yaml:"smart_mode"`
}

// CommandConfig configures the command-message filter.
type CommandConfig struct {
	EnableFilter bool     `yaml:"enable_filter"`
	Prefixes     []string `yaml:"prefixes"`

	EnableFullDetection bool     `yaml:"enable_full_detection"`
	FullCommands        []string `yaml:"full_commands"`

	EnablePrefixMatch bool     `yaml:"enable_prefix_match"`
	PrefixMatchList   []string `yaml:"prefix_match_list"`
}

// UserFilterConfig blacklists senders.
type UserFilterConfig struct {
	Enabled          bool     `yaml:"enabled"`
	BlacklistUserIDs []string `yaml:"blacklist_user_ids"`
}

// MentionConfig configures @-mention filtering.
type MentionConfig struct {
	// IgnoreAtOthers skips messages mentioning non-bot users.
	IgnoreAtOthers bool `yaml:"ignore_at_others"`

	// AtOthersMode is "strict" (any other mention skips) or "allow_with_bot"
	// (other mentions allowed when the bot is also mentioned).
	AtOthersMode string `yaml:"at_others_mode"`

	// IgnoreAtAll skips group-wide mentions.
	IgnoreAtAll bool `yaml:"ignore_at_all"`
}

// PokeConfig configures poke-notification handling.
type PokeConfig struct {
	// MessageMode is "ignore", "bot_only", or "all".
	MessageMode string `yaml:"message_mode"`

	// BotSkipProbability randomly drops pokes aimed at the bot.
	BotSkipProbability float64 `yaml:"bot_skip_probability"`

	// BoostReference scales the probability boost for a poke from the same
	// user (see the probability pipeline).
	BoostReference float64 `yaml:"boost_reference"`

	// ReverseOnPokeProbability is the chance of poking back instead of
	// processing the poke as a message.
	ReverseOnPokeProbability float64 `yaml:"reverse_on_poke_probability"`

	// Poke-after-reply: occasionally poke the user the bot just replied to.
	EnableAfterReply      bool          `yaml:"enable_after_reply"`
	AfterReplyProbability float64       `yaml:"after_reply_probability"`
	AfterReplyDelay       time.Duration `yaml:"after_reply_delay"`

	// EnabledGroups limits poke handling; empty means everywhere.
	EnabledGroups []string `yaml:"enabled_groups"`
}

// HumanizeConfig is the humanize-mode switch plus interest keywords.
type HumanizeConfig struct {
	Enabled bool `yaml:"enabled"`

	// InterestKeywords boost the reply probability when matched.
	InterestKeywords         []string `yaml:"interest_keywords"`
	InterestBoostProbability float64  `yaml:"interest_boost_probability"`

	// IncludeDecisionHistory feeds recent yes/no decisions to the judge.
	IncludeDecisionHistory bool `yaml:"include_decision_history"`
}

// HardLimitConfig is the final probability clamp.
type HardLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
}

// ResetConfig holds the reset-command allowlists.
type ResetConfig struct {
	// AllowedUserIDs may reset every chat's state.
	AllowedUserIDs []string `yaml:"allowed_user_ids"`

	// HereAllowedUserIDs may reset the current chat only.
	HereAllowedUserIDs []string `yaml:"here_allowed_user_ids"`
}

// ProviderConfig configures the built-in OpenAI-compatible provider.
type ProviderConfig struct {
	// APIKey is the literal key; usually left empty so the keyring/env chain
	// resolves it.
	APIKey string `yaml:"api_key"`

	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
}

// AuditConfig configures the SQLite decision audit log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path overrides the default <data_dir>/decision_audit.db.
	Path string `yaml:"path"`

	// RetentionDays prunes older rows.
	RetentionDays int `yaml:"retention_days"`
}

// ConcurrencyConfig bounds the per-chat wait gate.
type ConcurrencyConfig struct {
	WaitMaxLoops int           `yaml:"wait_max_loops"`
	WaitInterval time.Duration `yaml:"wait_interval"`
}

// Config aggregates every section. Subpackages own their leaf config types;
// this struct only composes them.
type Config struct {
	// DataDir roots all persisted state.
	DataDir string `yaml:"data_dir"`

	Core       CoreConfig       `yaml:"core"`
	Judge      JudgeConfig      `yaml:"judge"`
	Context    ContextConfig    `yaml:"context"`
	Image      ImageConfig      `yaml:"image"`
	Keywords   KeywordConfig    `yaml:"keywords"`
	Commands   CommandConfig    `yaml:"commands"`
	UserFilter UserFilterConfig `yaml:"user_filter"`
	Mention    MentionConfig    `yaml:"mention"`
	Poke       PokeConfig       `yaml:"poke"`
	Humanize   HumanizeConfig   `yaml:"humanize"`
	HardLimit  HardLimitConfig  `yaml:"hard_limit"`
	Reset      ResetConfig      `yaml:"reset"`
	Provider   ProviderConfig   `yaml:"provider"`
	Audit      AuditConfig      `yaml:"audit"`
	Concurrent ConcurrencyConfig `yaml:"concurrency"`

	Attention    attention.Config         `yaml:"attention"`
	Cache        history.CacheConfig      `yaml:"cache"`
	Duplicate    history.DuplicateConfig  `yaml:"duplicate"`
	Typo         humanize.TypoConfig      `yaml:"typo"`
	Typing       humanize.TypingConfig    `yaml:"typing"`
	Mood         humanize.MoodConfig      `yaml:"mood"`
	Frequency    humanize.FrequencyConfig `yaml:"frequency"`
	ReplyPeriods humanize.TimePeriodConfig `yaml:"reply_periods"`
	OutputFilter humanize.FilterConfig    `yaml:"output_filter"`
	SaveFilter   humanize.FilterConfig    `yaml:"save_filter"`
	Proactive    proactive.Config         `yaml:"proactive"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir: "data/chime",
		Core: CoreConfig{
			Enabled: true,
		},
		Judge: JudgeConfig{
			Timeout:    20 * time.Second,
			PromptMode: "standard",
		},
		Context: ContextConfig{
			IncludeTimestamp:  true,
			IncludeSenderInfo: true,
			MaxMessages:       30,
		},
		Image: ImageConfig{
			Enabled:              false,
			Scope:                "mention_only",
			Prompt:               "Describe this image in one short sentence.",
			Timeout:              30 * time.Second,
			CaptionMaxWait:       8 * time.Second,
			CaptionRetryInterval: 500 * time.Millisecond,
			CaptionFastChecks:    4,
		},
		Keywords: KeywordConfig{
			SmartMode: false,
		},
		Commands: CommandConfig{
			EnableFilter: true,
			Prefixes:     []string{"/", "!", "#"},
		},
		Mention: MentionConfig{
			IgnoreAtOthers: true,
			AtOthersMode:   "allow_with_bot",
			IgnoreAtAll:    true,
		},
		Poke: PokeConfig{
			MessageMode:              "bot_only",
			BotSkipProbability:       0.2,
			BoostReference:           0.3,
			ReverseOnPokeProbability: 0.3,
			AfterReplyProbability:    0.1,
			AfterReplyDelay:          2 * time.Second,
		},
		Humanize: HumanizeConfig{
			InterestBoostProbability: 0.15,
		},
		HardLimit: HardLimitConfig{
			Enabled: true,
			Min:     0.01,
			Max:     0.95,
		},
		Provider: ProviderConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Timeout:     60 * time.Second,
			Temperature: 0.8,
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Concurrent: ConcurrencyConfig{
			WaitMaxLoops: 20,
			WaitInterval: 500 * time.Millisecond,
		},
		Attention:    attention.DefaultConfig(),
		Cache:        history.DefaultCacheConfig(),
		Duplicate:    history.DefaultDuplicateConfig(),
		Typo:         humanize.DefaultTypoConfig(),
		Typing:       humanize.DefaultTypingConfig(),
		Mood:         humanize.DefaultMoodConfig(),
		Frequency:    humanize.DefaultFrequencyConfig(),
		ReplyPeriods: humanize.DefaultTimePeriodConfig(),
		Proactive:    proactive.DefaultConfig(),
	}
}

// Load reads a YAML config file over the defaults and normalizes the result.
// A missing file returns pure defaults without error.
func Load(path string, logger *slog.Logger) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.Normalize(logger)
	return cfg, nil
}

// Normalize clamps out-of-range values across every section, logging one
// warning per correction, and cascades into the subpackage configs.
func (c *Config) Normalize(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.DataDir == "" {
		c.DataDir = "data/chime"
	}
	if c.Judge.Timeout <= 0 {
		c.Judge.Timeout = 20 * time.Second
	}
	if c.Judge.PromptMode != "standard" && c.Judge.PromptMode != "custom" {
		if c.Judge.PromptMode != "" {
			logger.Warn("unknown judge prompt_mode, using standard", "mode", c.Judge.PromptMode)
		}
		c.Judge.PromptMode = "standard"
	}
	switch c.Mention.AtOthersMode {
	case "strict", "allow_with_bot":
	default:
		if c.Mention.AtOthersMode != "" {
			logger.Warn("unknown at_others_mode, using allow_with_bot", "mode", c.Mention.AtOthersMode)
		}
		c.Mention.AtOthersMode = "allow_with_bot"
	}
	switch c.Poke.MessageMode {
	case "ignore", "bot_only", "all":
	default:
		if c.Poke.MessageMode != "" {
			logger.Warn("unknown poke message_mode, using bot_only", "mode", c.Poke.MessageMode)
		}
		c.Poke.MessageMode = "bot_only"
	}
	switch c.Image.Scope {
	case "mention_only", "all":
	default:
		c.Image.Scope = "mention_only"
	}
	if c.Image.CaptionMaxWait < 0 {
		c.Image.CaptionMaxWait = 0
	}
	if c.Image.CaptionMaxWait > 0 && c.Image.CaptionRetryInterval <= 0 {
		logger.Warn("image caption_retry_interval must be positive, using 500ms")
		c.Image.CaptionRetryInterval = 500 * time.Millisecond
	}
	if c.Image.CaptionFastChecks < 0 {
		c.Image.CaptionFastChecks = 0
	}
	if c.HardLimit.Min < 0 {
		c.HardLimit.Min = 0
	}
	if c.HardLimit.Max > 1 || c.HardLimit.Max <= 0 {
		c.HardLimit.Max = 1
	}
	if c.HardLimit.Min > c.HardLimit.Max {
		logger.Warn("probability hard limits inverted, swapping", "min", c.HardLimit.Min, "max", c.HardLimit.Max)
		c.HardLimit.Min, c.HardLimit.Max = c.HardLimit.Max, c.HardLimit.Min
	}
	if c.Concurrent.WaitMaxLoops <= 0 {
		c.Concurrent.WaitMaxLoops = 20
	}
	if c.Concurrent.WaitInterval <= 0 {
		c.Concurrent.WaitInterval = 500 * time.Millisecond
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 30
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = 60 * time.Second
	}

	c.Attention.Normalize(logger)
	c.Proactive.Normalize(logger)
}

// GroupAllowed reports whether the plugin handles a chat id.
func (c *CoreConfig) GroupAllowed(chatID string) bool {
	if len(c.EnabledGroups) == 0 {
		return true
	}
	for _, id := range c.EnabledGroups {
		if id == chatID {
			return true
		}
	}
	return false
}

// PokeAllowed reports whether poke handling is active for a chat id.
func (c *PokeConfig) PokeAllowed(chatID string) bool {
	if len(c.EnabledGroups) == 0 {
		return true
	}
	for _, id := range c.EnabledGroups {
		if id == chatID {
			return true
		}
	}
	return false
}
