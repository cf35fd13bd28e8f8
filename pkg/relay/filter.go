// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits on presentation-layer filter input. Anything beyond these is
// rejected with ErrBadFilterInput before it reaches storage.
const (
	maxTerms      = 100
	maxTermLength = 256
)

// Filter is one user's keyword/exception configuration. A listener holds an
// immutable snapshot of it for its whole lifetime; changing the lists takes
// effect only through a session restart.
type Filter struct {
	Keywords   []string
	Exceptions []string
}

// Matches reports whether text should be forwarded: at least one keyword is
// a case-insensitive substring of text and no exception is. Empty text never
// matches, and an empty keyword list matches nothing.
func (f Filter) Matches(text string) bool {
	if text == "" || len(f.Keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)

	found := false
	for _, kw := range f.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	for _, ex := range f.Exceptions {
		if strings.Contains(lower, strings.ToLower(ex)) {
			return false
		}
	}
	return true
}

// ParseTermList parses a comma-separated term list submitted by a user.
// Terms are trimmed and empties dropped. Returns ErrBadFilterInput when the
// input yields no terms, exceeds the term count limit, or contains an
// overlong term.
func ParseTermList(raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		term := strings.TrimSpace(p)
		if term == "" {
			continue
		}
		if utf8.RuneCountInString(term) > maxTermLength {
			return nil, fmt.Errorf("%w: term longer than %d characters", ErrBadFilterInput, maxTermLength)
		}
		terms = append(terms, term)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: no terms found", ErrBadFilterInput)
	}
	if len(terms) > maxTerms {
		return nil, fmt.Errorf("%w: more than %d terms", ErrBadFilterInput, maxTerms)
	}
	return terms, nil
}
