// Package quality compares source text against produced markup as a proxy
// for content-loss detection.
package quality

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/foliopress/folio/markup"
)

// DefaultTolerance is the relative word-count deviation allowed before a
// scope is flagged. Boundary inclusive: deviation == tolerance passes.
const DefaultTolerance = 0.15

// Scope identifies what a verdict covers.
type Scope string

const (
	ScopePage    Scope = "page"
	ScopeSection Scope = "section"
)

// Verdict is the validation outcome for one scope. Never mutated after
// creation.
type Verdict struct {
	Scope       Scope          `json:"scope"`
	ScopeID     string         `json:"scope_id"`
	SourceWords int            `json:"source_words"`
	MarkupWords int            `json:"markup_words"`
	Deviation   float64        `json:"deviation"`
	Pass        bool           `json:"pass"`
	// FrequencyDiff maps word -> (markup count - source count); only
	// materialized on failure to avoid needless computation on the
	// common-case pass.
	FrequencyDiff map[string]int `json:"frequency_diff,omitempty"`
}

// Gate validates markup against its source text.
type Gate struct {
	tolerance float64
}

// NewGate creates a gate with the given tolerance. A tolerance of 0 uses
// DefaultTolerance.
func NewGate(tolerance float64) *Gate {
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	return &Gate{tolerance: tolerance}
}

// Validate compares the word counts of the source text and the markup's
// visible-text rendering.
func (g *Gate) Validate(sourceText, markupText string, scope Scope, scopeID string) Verdict {
	srcWords := Tokenize(sourceText)
	outWords := Tokenize(markup.StripTags(markupText))

	srcCount := len(srcWords)
	outCount := len(outWords)

	denom := srcCount
	if denom < 1 {
		denom = 1
	}
	deviation := abs(srcCount-outCount) / float64(denom)

	v := Verdict{
		Scope:       scope,
		ScopeID:     scopeID,
		SourceWords: srcCount,
		MarkupWords: outCount,
		Deviation:   deviation,
		Pass:        deviation <= g.tolerance,
	}

	if !v.Pass {
		v.FrequencyDiff = frequencyDiff(srcWords, outWords)
	}
	return v
}

// String renders the verdict for logs and reports.
func (v Verdict) String() string {
	status := "pass"
	if !v.Pass {
		status = "FAIL"
	}
	return fmt.Sprintf("%s %s: source=%d markup=%d deviation=%.3f [%s]",
		v.Scope, v.ScopeID, v.SourceWords, v.MarkupWords, v.Deviation, status)
}

// Tokenize splits text into comparison words: lowercased, punctuation
// stripped, empty tokens dropped.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// frequencyDiff returns the word-frequency multiset difference
// (markup count minus source count), omitting words with zero delta.
func frequencyDiff(src, out []string) map[string]int {
	diff := make(map[string]int)
	for _, w := range src {
		diff[w]--
	}
	for _, w := range out {
		diff[w]++
	}
	for w, d := range diff {
		if d == 0 {
			delete(diff, w)
		}
	}
	return diff
}

// TopDivergentWords returns up to n words with the largest absolute
// frequency delta, for report rendering.
func (v Verdict) TopDivergentWords(n int) []string {
	type wd struct {
		word  string
		delta int
	}
	all := make([]wd, 0, len(v.FrequencyDiff))
	for w, d := range v.FrequencyDiff {
		all = append(all, wd{w, d})
	}
	sort.Slice(all, func(i, j int) bool {
		ai, aj := all[i].delta, all[j].delta
		if ai < 0 {
			ai = -ai
		}
		if aj < 0 {
			aj = -aj
		}
		if ai != aj {
			return ai > aj
		}
		return all[i].word < all[j].word
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]string, 0, n)
	for _, e := range all[:n] {
		out = append(out, fmt.Sprintf("%s(%+d)", e.word, e.delta))
	}
	return out
}

func abs(n int) float64 {
	if n < 0 {
		return float64(-n)
	}
	return float64(n)
}
