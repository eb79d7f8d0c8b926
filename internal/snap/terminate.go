package snap

import (
	"context"
	"fmt"

	"flowsnap/internal/comm"
	"flowsnap/internal/points"
)

// checkDone reports this worker's counts and newly terminal points to the
// coordinator, which decides whether every point has terminated. The
// decision carries the merged status changes so every worker's registry
// agrees on status and distance.
func (e *Engine) checkDone(ctx context.Context, reg *points.Registry, iter int) (bool, error) {
	var report tally
	for i := 0; i < reg.Len(); i++ {
		p := reg.At(i)
		if !e.owns(p) {
			continue
		}
		report.owned++
		if p.Status.Terminal() {
			report.terminated++
		}
	}
	for _, idx := range e.terminal {
		report.records = append(report.records, recordOf(reg.At(idx)))
	}
	e.terminal = e.terminal[:0]

	raw, err := comm.AllReduce(ctx, e.t, encodeTally(report), func(parts [][]byte) ([]byte, error) {
		return e.decide(parts, reg.Len(), iter)
	})
	if err != nil {
		return false, fmt.Errorf("termination check: %w", err)
	}
	decision, err := decodeTally(raw)
	if err != nil {
		return false, fmt.Errorf("termination check: %w", err)
	}
	for _, r := range decision.records {
		if r.index < 0 || r.index >= reg.Len() {
			return false, fmt.Errorf("%w: status update for unknown point %d", ErrOwnership, r.index)
		}
		p := reg.At(r.index)
		p.Status = r.status
		p.Traveled = r.traveled
	}
	return decision.done, nil
}

// decide runs on the coordinator over every worker's report, in rank order.
func (e *Engine) decide(parts [][]byte, total, iter int) ([]byte, error) {
	var merged tally
	seen := make(map[int]bool)
	for rank, raw := range parts {
		rep, err := decodeTally(raw)
		if err != nil {
			return nil, fmt.Errorf("report from rank %d: %w", rank, err)
		}
		merged.owned += rep.owned
		merged.terminated += rep.terminated
		for _, r := range rep.records {
			if seen[r.index] {
				return nil, fmt.Errorf("%w: point %d terminated on two workers", ErrOwnership, r.index)
			}
			seen[r.index] = true
			merged.records = append(merged.records, r)
		}
	}
	if merged.owned != total {
		return nil, fmt.Errorf("%w: %d of %d points owned", ErrOwnership, merged.owned, total)
	}
	merged.done = merged.terminated == merged.owned
	sortRecords(merged.records)

	if e.cfg.Progress != nil {
		e.cfg.Progress(Progress{
			Iteration:  iter,
			Owned:      merged.owned,
			Terminated: merged.terminated,
			Total:      total,
		})
	}
	out := merged
	out.owned, out.terminated = 0, 0
	return encodeTally(out), nil
}
