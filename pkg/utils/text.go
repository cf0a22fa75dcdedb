// Package utils provides shared utilities for text and logging.
package utils

// Truncate returns s cut to maxLen runes, with "..." appended if truncated.
// Multi-byte names (MÜLLER^JÖRG) are never split mid-rune. If maxLen is 0 or
// negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
