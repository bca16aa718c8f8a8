package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := Logger{src: fixed(zerolog.New(&buf))}.With(String("comp", "test"))
	log.Warn("delivery failed", String("reminder_id", "r1"), Int("failures", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if m["comp"] != "test" || m["reminder_id"] != "r1" || m["err"] != "boom" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["failures"] != float64(2) {
		t.Fatalf("failures = %v, want 2", m["failures"])
	}
	if caller, _ := m["caller"].(string); !strings.HasPrefix(caller, "logger_test.go:") {
		t.Fatalf("caller = %q, want this file", caller)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("no-op")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","message":"auto-paused","reminder_id":"abc","err":"boom","caller":"engine.go:10","time":"x"}`)
	want := "[WARN] auto-paused\ncaller: engine.go:10\nreminder_id: abc\nerr: boom"
	if got := formatChatLine(line); got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
	if got := formatChatLine([]byte("  plain text\n")); got != "plain text" {
		t.Fatalf("non-JSON line = %q", got)
	}
}

func TestClipKeepsRunes(t *testing.T) {
	t.Parallel()
	got := clip(strings.Repeat("é", 10), 9)
	if want := strings.Repeat("é", 3) + "…"; got != want {
		t.Fatalf("clip = %q, want %q", got, want)
	}
	if clip("short", 9) != "short" {
		t.Fatalf("short string changed")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestServiceForwardsWarningsToChat(t *testing.T) {
	lines := make(chan string, 4)
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}}, nil)
	defer svc.Close()
	svc.SetChatSender(func(ctx context.Context, text string) error {
		lines <- text
		return nil
	})

	log.Info("reminder delivered")
	log.Warn("reminder delivery failed", String("reminder_id", "r1"))

	select {
	case got := <-lines:
		if !strings.HasPrefix(got, "[WARN] reminder delivery failed") {
			t.Fatalf("chat line = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("warning not forwarded")
	}
	select {
	case got := <-lines:
		t.Fatalf("unexpected chat line %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}
