package engine

import (
	"strings"
	"testing"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Order Details", "orderdetails"},
		{"123abc", "t_123abc"},
		{"customers", "customers"},
		{"_hidden", "_hidden"},
		{"weird!@#chars", "weirdchars"},
		{"", "t_"},
		{"!!!", "t_"},
		{"MiXeD_Case", "mixed_case"},
	}
	for _, tt := range tests {
		if got := SanitizeIdentifier(tt.input); got != tt.want {
			t.Fatalf("SanitizeIdentifier(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSanitizeIdentifierTruncatesTo64(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := SanitizeIdentifier(long)
	if len(got) != 64 {
		t.Fatalf("len = %d, want 64", len(got))
	}
}
