// Package trace keeps a per-run JSONL journal of what each worker did.
package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Event is one journal line.
type Event struct {
	At        time.Time      `json:"at"`
	ElapsedMS int64          `json:"elapsed_ms"`
	RunID     string         `json:"run_id"`
	Rank      int            `json:"rank"`
	Stage     string         `json:"stage"`
	Fields    map[string]any `json:"fields,omitempty"`
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Logger owns the journal directory. A nil Logger records nothing.
type Logger struct {
	dir string
	// Ranks hosted by one process share a journal file.
	mu sync.Mutex
}

// DefaultDir is the journal directory when none is configured.
func DefaultDir() string { return filepath.Join("tmp", "run_logs") }

func New(dir string) *Logger {
	if dir = strings.TrimSpace(dir); dir == "" {
		dir = DefaultDir()
	}
	return &Logger{dir: dir}
}

// Path is the journal file of runID.
func (l *Logger) Path(runID string) string {
	name := unsafeName.ReplaceAllString(strings.TrimSpace(runID), "_")
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(l.dir, name+".jsonl")
}

// Run binds the logger to one worker of one run.
type Run struct {
	l       *Logger
	runID   string
	rank    int
	started time.Time
}

func (l *Logger) Run(runID string, rank int) *Run {
	return &Run{l: l, runID: strings.TrimSpace(runID), rank: rank, started: time.Now()}
}

// Stage appends one event. Journal errors are dropped so a full disk never
// fails a run.
func (r *Run) Stage(stage string, fields map[string]any) {
	if r == nil || r.l == nil || r.runID == "" {
		return
	}
	now := time.Now()
	ev := Event{
		At:        now.UTC(),
		ElapsedMS: now.Sub(r.started).Milliseconds(),
		RunID:     r.runID,
		Rank:      r.rank,
		Stage:     stage,
	}
	if len(fields) > 0 {
		ev.Fields = fields
	}
	_ = r.l.write(r.runID, ev)
}

func (l *Logger) write(runID string, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path(runID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return errors.Join(err, f.Close())
}

// Read returns the journal of runID in write order. Lines that do not decode
// are skipped; a missing journal is empty.
func (l *Logger) Read(runID string) ([]Event, error) {
	if l == nil {
		return nil, nil
	}
	f, err := os.Open(l.Path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return []Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) ([]Event, error) {
	var events []Event
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			var ev Event
			if json.Unmarshal(line, &ev) == nil {
				events = append(events, ev)
			}
		}
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("trace: %w", err)
		}
	}
}
