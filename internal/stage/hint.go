package stage

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxHintLength bounds the operator hint in characters.
const MaxHintLength = 500

var (
	ErrHintTooLong    = errors.New("HINT too long (max 500 chars)")
	ErrHintSuspicious = errors.New("HINT contains suspicious pattern")
)

var (
	suspiciousHintRe = regexp.MustCompile(`(?i)ignore.*(previous|all).*instructions|disregard.*above|</(system|user|data)>`)
	dataCloseRe      = regexp.MustCompile(`(?i)</data>`)
)

// ValidateHint rejects hints that are too long or look like prompt injection.
func ValidateHint(hint string) error {
	if utf8.RuneCountInString(hint) > MaxHintLength {
		return ErrHintTooLong
	}
	if suspiciousHintRe.MatchString(hint) {
		return ErrHintSuspicious
	}
	return nil
}

// WrapUntrusted fences content that did not come from the operator so the
// model treats it as data. Closing tags inside content are escaped.
func WrapUntrusted(source, content string) string {
	escaped := dataCloseRe.ReplaceAllLiteralString(content, `<\/data>`)
	return `<data source="` + source + `">` + "\n" + escaped + "\n</data>"
}

// HeadLines keeps at most n lines of s.
func HeadLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
