// Package stringutil provides common string utility functions.
package stringutil

import "strings"

// Truncate returns at most max runes of s. Cutting on rune boundaries keeps
// multi-byte text valid when it lands in logs or client frames.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Excerpt trims surrounding whitespace and truncates s to at most max runes,
// marking the cut with an ellipsis.
func Excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
