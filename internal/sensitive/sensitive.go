// Package sensitive implements the sensitive-word filter (spec.md §4.7,
// component C7): a compiled matcher over contains/exact/regex word lists,
// and a message-tree walker that extracts user-authored text from both the
// Anthropic-shaped and OpenAI-shaped request bodies.
//
// Grounded on the teacher's security/security.go (compiled word-list matcher
// with a fixed detection order) and policy/opa.go's request-tree walker
// pattern for locating user content inside nested JSON payloads.
package sensitive

import (
	"regexp"
	"strings"
)

// Kind is how a blocked word was configured to match.
type Kind string

const (
	KindContains Kind = "contains"
	KindExact    Kind = "exact"
	KindRegex    Kind = "regex"
)

// Word is one configured sensitive-word entry (spec.md §3 "Sensitive word").
type Word struct {
	Pattern string
	Kind    Kind
}

// Match describes why a message was blocked.
type Match struct {
	Pattern string
	Kind    Kind
	Excerpt string
}

// Matcher is a compiled, immutable snapshot of the sensitive-word list.
// Detection order is fixed: contains, then exact, then regex (spec.md §4.7).
type Matcher struct {
	contains []string // already-lowercased substrings
	exact    map[string]struct{}
	regexes  []*regexp.Regexp
}

// Compile builds a Matcher from the configured word list. Invalid regex
// patterns are skipped rather than failing the whole compile, matching the
// teacher's tolerant config-reload behavior.
func Compile(words []Word) *Matcher {
	m := &Matcher{exact: make(map[string]struct{})}
	for _, w := range words {
		switch w.Kind {
		case KindContains:
			m.contains = append(m.contains, strings.ToLower(w.Pattern))
		case KindExact:
			m.exact[strings.ToLower(w.Pattern)] = struct{}{}
		case KindRegex:
			if re, err := regexp.Compile(w.Pattern); err == nil {
				m.regexes = append(m.regexes, re)
			}
		}
	}
	return m
}

// Check scans text against the compiled word list in the fixed detection
// order (contains -> exact -> regex) and returns the first match, if any.
func (m *Matcher) Check(text string) (Match, bool) {
	lower := strings.ToLower(text)

	for _, sub := range m.contains {
		if strings.Contains(lower, sub) {
			return Match{Pattern: sub, Kind: KindContains, Excerpt: excerpt(text, sub)}, true
		}
	}
	if _, ok := m.exact[strings.TrimSpace(lower)]; ok {
		return Match{Pattern: strings.TrimSpace(lower), Kind: KindExact, Excerpt: text}, true
	}
	for _, re := range m.regexes {
		if loc := re.FindStringIndex(text); loc != nil {
			return Match{Pattern: re.String(), Kind: KindRegex, Excerpt: text[loc[0]:loc[1]]}, true
		}
	}
	return Match{}, false
}

func excerpt(text, sub string) string {
	idx := strings.Index(strings.ToLower(text), sub)
	if idx < 0 {
		return text
	}
	start := idx
	if start > 20 {
		start = idx - 20
	} else {
		start = 0
	}
	end := idx + len(sub) + 20
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}

// CheckAny scans every string in texts in order and returns the first match.
func (m *Matcher) CheckAny(texts []string) (Match, bool) {
	for _, t := range texts {
		if match, ok := m.Check(t); ok {
			return match, true
		}
	}
	return Match{}, false
}
