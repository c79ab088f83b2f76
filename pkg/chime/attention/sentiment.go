// Package attention – sentiment.go implements keyword-based sentiment
// detection with a negation window. It is intentionally shallow: the goal is
// a cheap polarity signal for emotion adjustment, not NLP.
package attention

import "strings"

// Polarity is the detected message sentiment.
type Polarity int

const (
	Negative Polarity = -1
	Neutral  Polarity = 0
	Positive Polarity = 1
)

// DetectSentiment scans text for configured positive and negative keywords.
// Each hit is discarded when a negation word appears within the configured
// number of runes before it. The majority polarity wins; ties are neutral.
func DetectSentiment(text string, cfg EmotionConfig) Polarity {
	if !cfg.Enabled || text == "" {
		return Neutral
	}
	runes := []rune(text)
	pos := countHits(runes, cfg.PositiveKeywords, cfg)
	neg := countHits(runes, cfg.NegativeKeywords, cfg)
	switch {
	case pos > neg:
		return Positive
	case neg > pos:
		return Negative
	default:
		return Neutral
	}
}

func countHits(runes []rune, keywords []string, cfg EmotionConfig) int {
	text := string(runes)
	hits := 0
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		offset := 0
		for {
			idx := strings.Index(text[offset:], kw)
			if idx < 0 {
				break
			}
			byteStart := offset + idx
			if !negated(runes, len([]rune(text[:byteStart])), cfg) {
				hits++
			}
			offset = byteStart + len(kw)
		}
	}
	return hits
}

// negated checks the rune window before position start for a negation word.
func negated(runes []rune, start int, cfg EmotionConfig) bool {
	if !cfg.EnableNegation || cfg.NegationCheckRange <= 0 {
		return false
	}
	lo := start - cfg.NegationCheckRange
	if lo < 0 {
		lo = 0
	}
	window := string(runes[lo:start])
	for _, n := range cfg.NegationWords {
		if n != "" && strings.Contains(window, n) {
			return true
		}
	}
	return false
}
