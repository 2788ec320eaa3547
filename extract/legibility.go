package extract

import (
	"strings"
	"unicode"
)

// LegibilityConfig holds the heuristic thresholds for judging whether a
// text sample is real text or extraction garbage. The defaults were tuned
// against scanned book pages; treat them as corpus-dependent policy, not
// universal constants.
type LegibilityConfig struct {
	// MinWords is the minimum token count for a page to count as text at all.
	MinWords int `json:"min_words" yaml:"min_words"`

	// MinAvgWordLen / MaxAvgWordLen bound the plausible natural-language
	// band for average token length. Shattered extractions ("t h e g o b")
	// fall below; run-together extractions blow past the ceiling.
	MinAvgWordLen float64 `json:"min_avg_word_length" yaml:"min_avg_word_length"`
	MaxAvgWordLen float64 `json:"max_avg_word_length" yaml:"max_avg_word_length"`

	// MaxRepeatedRun is the longest tolerated run of one repeated character,
	// a typical corruption signature ("....." separators, "aaaaa" garbage).
	MaxRepeatedRun int `json:"max_repeated_run" yaml:"max_repeated_run"`

	// MaxSymbolRatio caps the fraction of runes that are neither letters,
	// digits, whitespace, nor common punctuation.
	MaxSymbolRatio float64 `json:"max_symbol_ratio" yaml:"max_symbol_ratio"`
}

// DefaultLegibilityConfig returns the thresholds used when none are configured.
func DefaultLegibilityConfig() LegibilityConfig {
	return LegibilityConfig{
		MinWords:       3,
		MinAvgWordLen:  2.0,
		MaxAvgWordLen:  12.0,
		MaxRepeatedRun: 4,
		MaxSymbolRatio: 0.4,
	}
}

// Classifier judges text legibility. Pure: no side effects, no external
// calls, same verdict for the same input and thresholds.
type Classifier struct {
	cfg LegibilityConfig
}

// NewClassifier creates a classifier, filling zero thresholds with defaults.
func NewClassifier(cfg LegibilityConfig) *Classifier {
	def := DefaultLegibilityConfig()
	if cfg.MinWords == 0 {
		cfg.MinWords = def.MinWords
	}
	if cfg.MinAvgWordLen == 0 {
		cfg.MinAvgWordLen = def.MinAvgWordLen
	}
	if cfg.MaxAvgWordLen == 0 {
		cfg.MaxAvgWordLen = def.MaxAvgWordLen
	}
	if cfg.MaxRepeatedRun == 0 {
		cfg.MaxRepeatedRun = def.MaxRepeatedRun
	}
	if cfg.MaxSymbolRatio == 0 {
		cfg.MaxSymbolRatio = def.MaxSymbolRatio
	}
	return &Classifier{cfg: cfg}
}

// Legible reports whether the text looks like real extracted prose rather
// than extraction garbage.
func (c *Classifier) Legible(text string) bool {
	words := strings.Fields(text)
	if len(words) < c.cfg.MinWords {
		return false
	}

	avg := avgWordLen(words)
	if avg < c.cfg.MinAvgWordLen || avg > c.cfg.MaxAvgWordLen {
		return false
	}

	if longestRun(text) > c.cfg.MaxRepeatedRun {
		return false
	}

	if symbolRatio(text) > c.cfg.MaxSymbolRatio {
		return false
	}

	return true
}

// Score grades legibility in [0,1] for the audit trail. 1.0 is clean prose;
// each violated signal subtracts a fixed penalty. The pass/fail decision is
// Legible; Score exists so operators can see how close a page was.
func (c *Classifier) Score(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	score := 1.0
	if len(words) < c.cfg.MinWords {
		score -= 0.4
	}
	if avg := avgWordLen(words); avg < c.cfg.MinAvgWordLen || avg > c.cfg.MaxAvgWordLen {
		score -= 0.3
	}
	if longestRun(text) > c.cfg.MaxRepeatedRun {
		score -= 0.2
	}
	if symbolRatio(text) > c.cfg.MaxSymbolRatio {
		score -= 0.4
	}

	if score < 0 {
		return 0
	}
	return score
}

func avgWordLen(words []string) float64 {
	total := 0
	for _, w := range words {
		total += len([]rune(w))
	}
	return float64(total) / float64(len(words))
}

// longestRun returns the longest run of a single repeated non-space rune.
func longestRun(s string) int {
	longest, current := 0, 0
	var last rune
	for _, r := range s {
		if unicode.IsSpace(r) {
			current = 0
			last = 0
			continue
		}
		if r == last {
			current++
		} else {
			current = 1
			last = r
		}
		if current > longest {
			longest = current
		}
	}
	return longest
}

// symbolRatio is the fraction of non-space runes that are neither letters,
// digits, nor common sentence punctuation.
func symbolRatio(s string) float64 {
	total, symbols := 0, 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		switch r {
		case '.', ',', ';', ':', '!', '?', '\'', '"', '-', '(', ')':
			continue
		}
		symbols++
	}
	if total == 0 {
		return 0
	}
	return float64(symbols) / float64(total)
}
