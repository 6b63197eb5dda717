// Package sanitize turns identifiers into strings safe to use as file names
// and store keys.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	nonKeyRegex          = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	multiUnderscoreRegex = regexp.MustCompile(`_+`)
)

// ForKey turns an arbitrary identifier such as a probe selector or chip name
// into a single path component, keeping case and dots.
func ForKey(s string) string {
	s = nonKeyRegex.ReplaceAllString(s, "_")
	s = multiUnderscoreRegex.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_.")
	if s == "" {
		return "default"
	}
	return s
}
