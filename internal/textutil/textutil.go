// Package textutil holds small string helpers shared by the log lines of the
// relay packages.
package textutil

import "unicode/utf8"

// Truncate shortens s to at most n runes and marks the cut with "...".
// It never splits a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "..."
		}
		count++
	}
	return s
}
