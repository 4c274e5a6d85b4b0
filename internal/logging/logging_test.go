package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("warn", &buf)

	logger.Debugf("sync debug account=%s", "alice")
	logger.Infof("sync info account=%s", "alice")
	logger.Warnf("sync warn account=%s", "alice")
	logger.Errorf("sync error account=%s", "alice")

	out := buf.String()
	if strings.Contains(out, "[DEBUG]") || strings.Contains(out, "[INFO]") {
		t.Fatalf("lower levels should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] sync warn account=alice") || !strings.Contains(out, "[ERROR] sync error") {
		t.Fatalf("missing warn or error line: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": LevelDebug, " INFO ": LevelInfo, "warning": LevelWarn, "error": LevelError, "bogus": LevelInfo, "": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestNilAndDiscard(t *testing.T) {
	var logger *Logger
	logger.Errorf("no panic on nil logger")
	Discard().Errorf("dropped")
}
