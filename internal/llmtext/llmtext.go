// Package llmtext holds small helpers for cleaning up model output.
package llmtext

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	leadingFence  = regexp.MustCompile("^```[a-zA-Z]*[ \\t]*\\n?")
	trailingFence = regexp.MustCompile("\\n?```\\s*$")
	embeddedFence = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n(.*?)\\n?```")
)

// StripFences trims s and removes a markdown code fence wrapping it. When
// the text does not start with a fence but contains one, the first fenced
// block is returned.
func StripFences(s string) string {
	cleaned := strings.TrimSpace(s)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = leadingFence.ReplaceAllString(cleaned, "")
		cleaned = trailingFence.ReplaceAllString(cleaned, "")
		return strings.TrimSpace(cleaned)
	}
	if m := embeddedFence.FindStringSubmatch(cleaned); m != nil {
		return strings.TrimSpace(m[1])
	}
	return cleaned
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
