// Package humanize – typo.go injects occasional homophone typos into outgoing
// text, so replies read like a person typing fast rather than a model.
package humanize

import (
	"math/rand"
	"strings"
	"unicode"
)

// TypoConfig configures typo injection.
type TypoConfig struct {
	// Enabled turns typo injection on.
	Enabled bool `yaml:"enabled"`

	// Probability is the chance a given reply gets typos at all.
	Probability float64 `yaml:"probability"`

	// MinCount and MaxCount bound how many replacements one reply receives.
	MinCount int `yaml:"min_count"`
	MaxCount int `yaml:"max_count"`

	// MinLength is the minimum rune length before a reply is eligible.
	MinLength int `yaml:"min_length"`

	// MinHanChars is the minimum number of CJK characters required; short or
	// mostly-ASCII replies are left alone.
	MinHanChars int `yaml:"min_han_chars"`

	// Homophones maps a character to its substitution candidates.
	Homophones map[string][]string `yaml:"homophones"`
}

// DefaultTypoConfig returns typo injection defaults (disabled, with a small
// starter homophone set).
func DefaultTypoConfig() TypoConfig {
	return TypoConfig{
		Enabled:     false,
		Probability: 0.15,
		MinCount:    1,
		MaxCount:    2,
		MinLength:   8,
		MinHanChars: 4,
		Homophones: map[string][]string{
			"的": {"得", "地"},
			"在": {"再"},
			"吗": {"嘛"},
			"啊": {"阿"},
			"做": {"作"},
		},
	}
}

// TypoGen injects homophone typos. The zero value is inert.
type TypoGen struct {
	cfg TypoConfig
	rng *rand.Rand
}

// NewTypoGen builds a generator. rng may be nil, in which case the global
// source is used (tests pass a seeded source for determinism).
func NewTypoGen(cfg TypoConfig, rng *rand.Rand) *TypoGen {
	if cfg.MinCount < 0 {
		cfg.MinCount = 0
	}
	if cfg.MaxCount < cfg.MinCount {
		cfg.MaxCount = cfg.MinCount
	}
	return &TypoGen{cfg: cfg, rng: rng}
}

func (g *TypoGen) float64() float64 {
	if g.rng != nil {
		return g.rng.Float64()
	}
	return rand.Float64()
}

func (g *TypoGen) intn(n int) int {
	if g.rng != nil {
		return g.rng.Intn(n)
	}
	return rand.Intn(n)
}

// Apply maybe injects typos into text and returns the result. Text below the
// length or CJK thresholds, or containing structural tokens (code fences,
// URLs), is returned unchanged.
func (g *TypoGen) Apply(text string) string {
	if g == nil || !g.cfg.Enabled || text == "" {
		return text
	}
	if strings.Contains(text, "```") || strings.Contains(text, "http://") || strings.Contains(text, "https://") {
		return text
	}
	runes := []rune(text)
	if len(runes) < g.cfg.MinLength || countHan(runes) < g.cfg.MinHanChars {
		return text
	}
	if g.float64() >= g.cfg.Probability {
		return text
	}

	// Collect replaceable positions.
	var positions []int
	for i, r := range runes {
		if _, ok := g.cfg.Homophones[string(r)]; ok {
			positions = append(positions, i)
		}
	}
	if len(positions) == 0 {
		return text
	}

	count := g.cfg.MinCount
	if span := g.cfg.MaxCount - g.cfg.MinCount; span > 0 {
		count += g.intn(span + 1)
	}
	if count > len(positions) {
		count = len(positions)
	}

	for n := 0; n < count; n++ {
		idx := positions[g.intn(len(positions))]
		alts := g.cfg.Homophones[string(runes[idx])]
		if len(alts) == 0 {
			continue
		}
		runes[idx] = []rune(alts[g.intn(len(alts))])[0]
	}
	return string(runes)
}

func countHan(runes []rune) int {
	n := 0
	for _, r := range runes {
		if unicode.Is(unicode.Han, r) {
			n++
		}
	}
	return n
}
