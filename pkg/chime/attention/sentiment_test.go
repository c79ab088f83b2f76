package attention

import "testing"

func sentimentCfg() EmotionConfig {
	return EmotionConfig{
		Enabled:            true,
		PositiveKeywords:   []string{"喜欢", "love", "great"},
		NegativeKeywords:   []string{"讨厌", "hate", "awful"},
		EnableNegation:     true,
		NegationWords:      []string{"不", "don't", "not"},
		NegationCheckRange: 6,
	}
}

func TestDetectSentiment(t *testing.T) {
	t.Parallel()

	cfg := sentimentCfg()
	tests := []struct {
		name string
		text string
		want Polarity
	}{
		{"positive hit", "I love this bot", Positive},
		{"negative hit", "this is awful", Negative},
		{"negated positive discarded", "我不喜欢这个", Neutral},
		{"negated english positive", "i don't love it", Neutral},
		{"majority wins", "love love hate", Positive},
		{"tie is neutral", "love hate", Neutral},
		{"no keywords", "just a message", Neutral},
		{"empty", "", Neutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DetectSentiment(tt.text, cfg); got != tt.want {
				t.Errorf("DetectSentiment(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestDetectSentiment_NegationOutOfRange(t *testing.T) {
	t.Parallel()

	cfg := sentimentCfg()
	cfg.NegationCheckRange = 2
	// The negation word sits more than two runes before the keyword, so the
	// hit stands.
	if got := DetectSentiment("not really truly love", cfg); got != Positive {
		t.Errorf("out-of-range negation should not discard hit, got %v", got)
	}
}

func TestDetectSentiment_Disabled(t *testing.T) {
	t.Parallel()

	cfg := sentimentCfg()
	cfg.Enabled = false
	if got := DetectSentiment("I love this", cfg); got != Neutral {
		t.Errorf("disabled detection = %v, want neutral", got)
	}
}
