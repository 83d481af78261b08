// Package transcript shapes the text that flows between the session
// controller and the outside world: it builds the system prompt handed to
// the AI gateway and redacts forbidden terms from published transcripts.
//
// Redaction is fuzzy. Reply text comes from a speech model, so a forbidden
// term can surface under a close spelling; matching combines Double
// Metaphone phonetic codes with Jaro-Winkler string similarity so near
// spellings are caught without a hand-maintained variant list.
package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// defaultSimilarity is the minimum Jaro-Winkler score at which a
	// phonetically-matched token is treated as the forbidden term.
	defaultSimilarity = 0.84

	// redactionMark replaces each redacted token.
	redactionMark = "***"
)

// FilterOption is a functional option for configuring a [Filter].
type FilterOption func(*Filter)

// WithSimilarity sets the minimum Jaro-Winkler score for fuzzy matches.
// Default: 0.84.
func WithSimilarity(threshold float64) FilterOption {
	return func(f *Filter) {
		f.similarity = threshold
	}
}

// Filter redacts forbidden terms from transcript text. It is read-only after
// construction and safe for concurrent use.
type Filter struct {
	terms      []term
	similarity float64
}

// term is a forbidden word with its precomputed phonetic codes.
type term struct {
	word    string
	primary string
	second  string
}

// NewFilter builds a filter over the given forbidden words. Blank entries
// are ignored; with no usable words [Filter.Redact] passes text through
// unchanged.
func NewFilter(words []string, opts ...FilterOption) *Filter {
	f := &Filter{similarity: defaultSimilarity}
	for _, o := range opts {
		o(f)
	}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		p, s := matchr.DoubleMetaphone(w)
		f.terms = append(f.terms, term{word: w, primary: p, second: s})
	}
	return f
}

// Redact replaces every token of text that matches a forbidden term with a
// redaction mark. Surrounding punctuation and whitespace are preserved so
// streamed deltas re-concatenate cleanly.
func (f *Filter) Redact(text string) string {
	if len(f.terms) == 0 || text == "" {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))

	runes := []rune(text)
	for i := 0; i < len(runes); {
		if !isWordRune(runes[i]) {
			b.WriteRune(runes[i])
			i++
			continue
		}
		j := i
		for j < len(runes) && isWordRune(runes[j]) {
			j++
		}
		word := string(runes[i:j])
		if f.matches(word) {
			b.WriteString(redactionMark)
		} else {
			b.WriteString(word)
		}
		i = j
	}
	return b.String()
}

// matches reports whether word is, or sounds like, a forbidden term.
func (f *Filter) matches(word string) bool {
	lower := strings.ToLower(word)
	p, s := matchr.DoubleMetaphone(lower)

	for _, t := range f.terms {
		if lower == t.word {
			return true
		}
		if !codesOverlap(p, s, t) {
			continue
		}
		if matchr.JaroWinkler(lower, t.word, true) >= f.similarity {
			return true
		}
	}
	return false
}

// codesOverlap reports whether any phonetic code of the input matches any
// code of the term. Empty codes never match.
func codesOverlap(p, s string, t term) bool {
	for _, a := range []string{p, s} {
		if a == "" {
			continue
		}
		if a == t.primary || (t.second != "" && a == t.second) {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
}
