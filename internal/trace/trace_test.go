package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStagesAreJournaled(t *testing.T) {
	l := New(t.TempDir())
	run := l.Run("run/1", 0)
	run.Stage("start", map[string]any{"points": 3})
	run.Stage("iteration", map[string]any{"iteration": 1, "terminated": 2})
	l.Run("run/1", 2).Stage("done", nil)

	events, err := l.Read("run/1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Stage != "start" || events[0].RunID != "run/1" || events[0].At.IsZero() {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if got := events[1].Fields["terminated"]; got != float64(2) {
		t.Fatalf("unexpected fields: %#v", events[1].Fields)
	}
	if events[1].ElapsedMS < 0 {
		t.Fatalf("negative elapsed time: %+v", events[1])
	}
	if events[2].Rank != 2 || events[2].Fields != nil {
		t.Fatalf("unexpected last event: %+v", events[2])
	}
	if base := filepath.Base(l.Path("run/1")); base != "run_1.jsonl" {
		t.Fatalf("unexpected file name %q", base)
	}
}

func TestReadSkipsBrokenLines(t *testing.T) {
	l := New(t.TempDir())
	run := l.Run("r", 0)
	run.Stage("start", nil)
	f, err := os.OpenFile(l.Path("r"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_, _ = f.WriteString("{not json\n\n")
	f.Close()
	run.Stage("done", nil)

	events, err := l.Read("r")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var stages []string
	for _, ev := range events {
		stages = append(stages, ev.Stage)
	}
	if strings.Join(stages, ",") != "start,done" {
		t.Fatalf("unexpected stages: %v", stages)
	}
}

func TestNilAndMissing(t *testing.T) {
	var l *Logger
	l.Run("r", 0).Stage("start", nil)
	if events, err := l.Read("r"); err != nil || events != nil {
		t.Fatalf("nil logger should read nothing: %v %v", events, err)
	}

	l = New(t.TempDir())
	l.Run(" ", 0).Stage("ignored", nil)
	if _, err := os.Stat(l.Path(" ")); !os.IsNotExist(err) {
		t.Fatalf("blank run id should not be journaled: %v", err)
	}
	events, err := l.Read("absent")
	if err != nil || len(events) != 0 {
		t.Fatalf("missing run should be empty: %v %v", events, err)
	}
}
