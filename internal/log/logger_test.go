package log

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetLevelAppliesToNewLoggers(t *testing.T) {
	SetLevel("error")
	t.Cleanup(func() { SetLevel("info") })

	if got := WithComponent("test").GetLevel(); got != zerolog.ErrorLevel {
		t.Fatalf("expected error level, got %v", got)
	}
}
