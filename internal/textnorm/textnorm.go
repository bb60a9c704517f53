// Package textnorm holds the text normalization shared by every comparison
// site in the pipeline: dictionary keys, candidate display names and raw
// source tokens all pass through the same fold, so "Pépinière", "pepiniere"
// and " PEPINIERE " land on one key.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Clean trims surrounding whitespace. It is the only normalization applied
// to values before they are persisted; Fold is reserved for comparisons.
func Clean(s string) string {
	return strings.TrimSpace(s)
}

// Fold converts a value to its comparison form: trimmed, lower-cased and
// with diacritical marks removed. Reference labels in the source system are
// French, so accent-insensitivity matters ("Tôle" == "tole").
func Fold(s string) string {
	return stripDiacritics(strings.ToLower(strings.TrimSpace(s)))
}

// stripDiacritics decomposes to NFD and drops combining marks (unicode.Mn),
// turning 'é' into 'e' and leaving everything else alone.
func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Splitter breaks a multi-valued raw field into candidate tokens.
//
// A nil separator makes Split the identity: one trimmed token per value.
// Tokens are trimmed, empties dropped, and duplicates within one value
// removed on their folded form (resolving the same token twice per record
// is wasted work, not an error). Order of first occurrence is preserved.
type Splitter struct {
	sep *regexp.Regexp
}

// NewSplitter compiles pattern into a Splitter. An empty pattern yields the
// identity splitter. A malformed pattern is a configuration fault and is
// returned as an error rather than deferred to the first Split call.
func NewSplitter(pattern string) (*Splitter, error) {
	if pattern == "" {
		return &Splitter{}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &Splitter{sep: re}, nil
}

// Split returns the non-empty trimmed tokens of raw, deduplicated within
// this one value. Returns nil when raw is blank.
func (s *Splitter) Split(raw string) []string {
	raw = Clean(raw)
	if raw == "" {
		return nil
	}
	if s == nil || s.sep == nil {
		return []string{raw}
	}

	parts := s.sep.Split(raw, -1)
	tokens := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = Clean(p)
		if p == "" {
			continue
		}
		key := Fold(p)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tokens = append(tokens, p)
	}
	return tokens
}
