// Package status tracks runs on the coordinating worker and serves their
// progress over connect.
package status

import (
	"sort"
	"strings"
	"sync"
	"time"

	"flowsnap/internal/job"
	"flowsnap/internal/snap"
)

// State is the lifecycle of a run.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Snapshot is what a status query returns.
type Snapshot struct {
	RunID      string
	Kind       string
	State      State
	Workers    int
	Iteration  int
	Owned      int
	Terminated int
	Total      int
	Succeeded  int
	Failed     int
	Moved      int
	Error      string
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// Tracker holds the latest snapshot of every run started in this process.
type Tracker struct {
	mu   sync.RWMutex
	runs map[string]*Snapshot
	now  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*Snapshot), now: time.Now}
}

func (t *Tracker) Start(runID string, kind job.Kind, workers int) {
	if t == nil {
		return
	}
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[strings.TrimSpace(runID)] = &Snapshot{
		RunID:     strings.TrimSpace(runID),
		Kind:      string(kind),
		State:     StateRunning,
		Workers:   workers,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Progress records one termination check of a running run.
func (t *Tracker) Progress(runID string, p snap.Progress) {
	t.update(runID, func(s *Snapshot) {
		s.Iteration = p.Iteration
		s.Owned = p.Owned
		s.Terminated = p.Terminated
		s.Total = p.Total
	})
}

// Finish closes a run with its summary or the error that stopped it.
func (t *Tracker) Finish(runID string, sum job.Summary, err error) {
	t.update(runID, func(s *Snapshot) {
		if err != nil {
			s.State = StateFailed
			s.Error = err.Error()
			return
		}
		s.State = StateSucceeded
		s.Total = sum.Total
		s.Terminated = sum.Total
		s.Succeeded = sum.Succeeded
		s.Failed = sum.Failed
		s.Moved = sum.Moved
	})
}

func (t *Tracker) update(runID string, fn func(*Snapshot)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.runs[strings.TrimSpace(runID)]
	if !ok {
		return
	}
	fn(s)
	s.UpdatedAt = t.now().UTC()
}

func (t *Tracker) Get(runID string) (Snapshot, bool) {
	if t == nil {
		return Snapshot{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.runs[strings.TrimSpace(runID)]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}

// List returns every run, most recently started first.
func (t *Tracker) List() []Snapshot {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	out := make([]Snapshot, 0, len(t.runs))
	for _, s := range t.runs {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
