package logutil

import (
	"fmt"
	"strings"
)

// SanitizeForLog flattens a string that came from outside the process (registry
// tags, subprocess output) onto one line so it cannot forge extra log entries.
// Newlines and tabs become spaces and remaining control characters are dropped.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			// drop
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate caps s at max bytes, keeping the tail, which is where subprocess
// failures usually print their reason. A marker with the number of dropped
// bytes is prepended.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	dropped := len(s) - max
	return fmt.Sprintf("...[%d bytes truncated]...", dropped) + s[dropped:]
}

// OneLine sanitizes and truncates in one step, for log lines that embed
// captured output.
func OneLine(s string, max int) string {
	return Truncate(SanitizeForLog(strings.TrimSpace(s)), max)
}
