package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"nonsense", LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelWarn, Output: &buf})

	log.Debug("quiet")
	log.Info("quiet")
	log.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("output contains filtered message: %q", out)
	}
	if !strings.Contains(out, "loud") {
		t.Errorf("output missing warn message: %q", out)
	}
}

func TestWithComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelDebug, Output: &buf, Prefix: "stormpack"})

	log.WithComponent("pipeline").WithField("plugin", "repo").Info("installed")

	out := buf.String()
	for _, want := range []string{"stormpack", "component=pipeline", "plugin=repo", "installed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestDiscardWritesNothing(t *testing.T) {
	log := Discard()
	log.Error("dropped") // must not panic or write anywhere
}
