package snap

import (
	"context"
	"fmt"

	"flowsnap/internal/comm"
	"flowsnap/internal/points"
)

// exchange hands every owned point whose cell left the band to the worker
// above or below. Each worker sends exactly one batch to each neighbour,
// possibly empty, then receives one from each.
func (e *Engine) exchange(ctx context.Context, reg *points.Registry) error {
	if e.t.Size() == 1 {
		return nil
	}
	var up, down tally
	for i := 0; i < reg.Len(); i++ {
		p := reg.At(i)
		if !e.owns(p) || e.inPartition(p.Cell.X, p.Cell.Y) {
			continue
		}
		if p.Cell.Y < e.band.Start {
			up.records = append(up.records, recordOf(p))
		} else {
			down.records = append(down.records, recordOf(p))
		}
		p.Owner = points.Unowned
	}

	if err := e.t.Send(ctx, e.prev, comm.RingPrev, encodeTally(up)); err != nil {
		return fmt.Errorf("send to previous rank %d: %w", e.prev, err)
	}
	if err := e.t.Send(ctx, e.next, comm.RingNext, encodeTally(down)); err != nil {
		return fmt.Errorf("send to next rank %d: %w", e.next, err)
	}
	if err := e.adopt(ctx, reg, comm.RingPrev, e.next); err != nil {
		return err
	}
	return e.adopt(ctx, reg, comm.RingNext, e.prev)
}

// inPartition reports whether the global cell lies in this rank's owned rows.
func (e *Engine) inPartition(gx, gy int) bool {
	return e.flow.IsInPartition(e.flow.GlobalToLocal(gx, gy))
}

// adopt receives one batch on tag and takes ownership of its points.
func (e *Engine) adopt(ctx context.Context, reg *points.Registry, tag comm.Tag, want int) error {
	from, raw, err := e.t.Recv(ctx, tag)
	if err != nil {
		return fmt.Errorf("receive %s: %w", tag, err)
	}
	if from != want {
		return fmt.Errorf("%w: %s batch from rank %d, expected %d", ErrOwnership, tag, from, want)
	}
	batch, err := decodeTally(raw)
	if err != nil {
		return fmt.Errorf("%s batch from rank %d: %w", tag, from, err)
	}
	for _, r := range batch.records {
		if r.index < 0 || r.index >= reg.Len() {
			return fmt.Errorf("%w: rank %d sent unknown point %d", ErrOwnership, from, r.index)
		}
		if !e.inPartition(r.x, r.y) {
			return fmt.Errorf("%w: point %d at cell (%d,%d) sent to rank %d owning rows [%d,%d)",
				ErrOwnership, r.index, r.x, r.y, e.t.Rank(), e.band.Start, e.band.End)
		}
		p := reg.At(r.index)
		if e.owns(p) {
			return fmt.Errorf("%w: point %d already owned by rank %d", ErrOwnership, r.index, e.t.Rank())
		}
		p.Cell = points.Cell{X: r.x, Y: r.y}
		p.Traveled = r.traveled
		p.Status = r.status
		p.DownLabel = r.downLabel
		p.Owner = e.t.Rank()
	}
	return nil
}
