// Package humanize contains the leaf transformers that make the bot's output
// feel less mechanical: content filtering, typo injection, typing delays,
// mood tracking, adaptive reply frequency, and time-of-day factors.
package humanize

import (
	"log/slog"
	"strings"
)

// Rule marker tokens. A rule is "<start>*<end>" with the special markers
// "{{>" (start of text) and ">}}" (end of text).
const (
	ruleSep         = "*"
	ruleHeadMarker  = "{{>"
	ruleTailMarker  = ">}}"
	maxFilterPasses = 50
)

// FilterRuleKind classifies a parsed rule.
type FilterRuleKind int

const (
	// RuleRange erases from a start substring through an end substring.
	RuleRange FilterRuleKind = iota
	// RuleHead erases from the beginning of the text through an end substring.
	RuleHead
	// RuleTail erases from a start substring to the end of the text.
	RuleTail
)

// FilterRule is one parsed erasure rule.
type FilterRule struct {
	Kind  FilterRuleKind
	Start string
	End   string
	raw   string
}

// ContentFilter applies a fixed list of erasure rules to outgoing or
// to-be-saved text. Applying a filter twice yields the same result as once.
type ContentFilter struct {
	rules  []FilterRule
	logger *slog.Logger
}

// FilterConfig configures one content filter instance.
type FilterConfig struct {
	// Enabled turns the filter on.
	Enabled bool `yaml:"enabled"`

	// Rules holds raw rule strings, e.g. "<think>*</think>" or "{{>*]".
	Rules []string `yaml:"rules"`
}

// NewContentFilter parses the configured rules. Malformed rules are skipped
// with a single warning each; a filter with zero valid rules is a no-op.
func NewContentFilter(cfg FilterConfig, logger *slog.Logger) *ContentFilter {
	if logger == nil {
		logger = slog.Default()
	}
	f := &ContentFilter{logger: logger.With("component", "content_filter")}
	if !cfg.Enabled {
		return f
	}
	for _, raw := range cfg.Rules {
		rule, ok := parseFilterRule(raw)
		if !ok {
			f.logger.Warn("ignoring malformed filter rule", "rule", raw)
			continue
		}
		f.rules = append(f.rules, rule)
	}
	return f
}

// parseFilterRule splits a raw rule on the first "*" and classifies it.
func parseFilterRule(raw string) (FilterRule, bool) {
	idx := strings.Index(raw, ruleSep)
	if idx < 0 {
		return FilterRule{}, false
	}
	start, end := raw[:idx], raw[idx+1:]
	switch {
	case start == ruleHeadMarker && end != "":
		return FilterRule{Kind: RuleHead, End: end, raw: raw}, true
	case end == ruleTailMarker && start != "":
		return FilterRule{Kind: RuleTail, Start: start, raw: raw}, true
	case start != "" && end != "":
		return FilterRule{Kind: RuleRange, Start: start, End: end, raw: raw}, true
	}
	return FilterRule{}, false
}

// Apply runs every rule against the text and returns the filtered result.
// Range rules are applied repeatedly until no match remains, so multiple
// occurrences are all erased.
func (f *ContentFilter) Apply(text string) string {
	if f == nil || len(f.rules) == 0 || text == "" {
		return text
	}
	for _, rule := range f.rules {
		text = applyRule(text, rule)
	}
	return strings.TrimSpace(text)
}

// Active reports whether any rule is loaded.
func (f *ContentFilter) Active() bool {
	return f != nil && len(f.rules) > 0
}

func applyRule(text string, rule FilterRule) string {
	switch rule.Kind {
	case RuleHead:
		if idx := strings.Index(text, rule.End); idx >= 0 {
			return text[idx+len(rule.End):]
		}
	case RuleTail:
		if idx := strings.Index(text, rule.Start); idx >= 0 {
			return text[:idx]
		}
	case RuleRange:
		for pass := 0; pass < maxFilterPasses; pass++ {
			s := strings.Index(text, rule.Start)
			if s < 0 {
				break
			}
			e := strings.Index(text[s+len(rule.Start):], rule.End)
			if e < 0 {
				break
			}
			end := s + len(rule.Start) + e + len(rule.End)
			text = text[:s] + text[end:]
		}
	}
	return text
}
