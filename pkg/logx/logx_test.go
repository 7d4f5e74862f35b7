package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{raw: "debug", want: zerolog.DebugLevel},
		{raw: " WARNING ", want: zerolog.WarnLevel},
		{raw: "error", want: zerolog.ErrorLevel},
		{raw: "", want: zerolog.InfoLevel},
		{raw: "bogus", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "engine"))
	log.Warn("delivery failed", String("id", "task-1"), Int("attempt", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "engine" || m["id"] != "task-1" {
		t.Fatalf("missing fixed/call-site fields: %v", m)
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
	if m["attempt"].(float64) != 2 {
		t.Fatalf("attempt = %v, want 2", m["attempt"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("expected zero logger")
	}
	log.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not report zero")
	}
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "remindbot.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()
	comp := log.With(String("comp", "notifier"))

	comp.Info("first")
	comp.Debug("hidden")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	comp.Debug("second")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %q, want first and second", lines)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["message"] != "second" || m["comp"] != "notifier" || m["level"] != "debug" {
		t.Fatalf("second line = %v", m)
	}
}

func TestTimeFieldKeepsLocation(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	loc := time.FixedZone("UTC+2", 2*60*60)
	NewWriter(&buf, "info").Info("scheduled", Time("fire_at", time.Date(2024, 6, 5, 8, 0, 0, 0, loc)))
	if !strings.Contains(buf.String(), `"fire_at":"2024-06-05T08:00:00.000+02:00"`) {
		t.Fatalf("log line = %s", buf.String())
	}
}
