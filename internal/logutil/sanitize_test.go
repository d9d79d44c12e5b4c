package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"line1\nline2", "line1 line2"},
		{"a\r\nb", "a  b"},
		{"tab\there", "tab here"},
		{"bell\x07gone", "bellgone"},
		{"del\x7fgone", "delgone"},
		{"ünïcode", "ünïcode"},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate kept = %q", got)
	}
	if got := Truncate("anything", 0); got != "anything" {
		t.Errorf("Truncate with max 0 = %q", got)
	}

	got := Truncate("0123456789", 4)
	if !strings.HasSuffix(got, "6789") {
		t.Errorf("Truncate should keep the tail, got %q", got)
	}
	if !strings.Contains(got, "[6 bytes truncated]") {
		t.Errorf("Truncate marker missing, got %q", got)
	}
}

func TestOneLine(t *testing.T) {
	got := OneLine("  Linux host 6.1\n", 100)
	if got != "Linux host 6.1" {
		t.Errorf("OneLine = %q", got)
	}
}
