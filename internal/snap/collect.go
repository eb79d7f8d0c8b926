package snap

import (
	"context"
	"fmt"

	"flowsnap/internal/comm"
	"flowsnap/internal/points"
)

// Outcome is the final state of one point.
type Outcome struct {
	Index int
	OrigX float64
	OrigY float64
	// X and Y are the reported coordinate: the center of Cell when Relocated,
	// the original coordinate otherwise. The variant's Placement decides.
	X         float64
	Y         float64
	Relocated bool
	Cell      points.Cell
	Status    points.Status
	Traveled  int
	DownLabel int64
}

// Distance is the number of cells moved, or -1 on failure.
func (o Outcome) Distance() int {
	if o.Status == points.Failed {
		return -1
	}
	return o.Traveled
}

// Moved reports whether the point is reported away from its input cell.
func (o Outcome) Moved() bool { return o.Relocated && o.Traveled > 0 }

// collect gathers every worker's owned points at the coordinator, checks
// that each point was owned exactly once and builds the outcomes.
func (e *Engine) collect(ctx context.Context, reg *points.Registry) ([]Outcome, error) {
	var mine tally
	for i := 0; i < reg.Len(); i++ {
		if p := reg.At(i); e.owns(p) {
			mine.records = append(mine.records, recordOf(p))
		}
	}
	parts, err := comm.GatherAll(ctx, e.t, encodeTally(mine))
	if err != nil {
		return nil, fmt.Errorf("collect: %w", err)
	}
	if e.t.Rank() != comm.Root {
		return nil, nil
	}

	final := make([]*record, reg.Len())
	for rank, raw := range parts {
		batch, err := decodeTally(raw)
		if err != nil {
			return nil, fmt.Errorf("collect from rank %d: %w", rank, err)
		}
		for i := range batch.records {
			r := batch.records[i]
			if r.index < 0 || r.index >= reg.Len() {
				return nil, fmt.Errorf("%w: rank %d returned unknown point %d", ErrOwnership, rank, r.index)
			}
			if final[r.index] != nil {
				return nil, fmt.Errorf("%w: point %d returned twice", ErrOwnership, r.index)
			}
			final[r.index] = &r
		}
	}

	out := make([]Outcome, reg.Len())
	for i, r := range final {
		if r == nil {
			return nil, fmt.Errorf("%w: point %d returned by no worker", ErrOwnership, i)
		}
		out[i] = e.outcome(reg.At(i), *r)
	}
	e.logger.Printf("snap: collected %d points", len(out))
	return out, nil
}

func (e *Engine) outcome(p *points.Point, r record) Outcome {
	o := Outcome{
		Index:     p.Index,
		OrigX:     p.OrigX,
		OrigY:     p.OrigY,
		X:         p.OrigX,
		Y:         p.OrigY,
		Cell:      points.Cell{X: r.x, Y: r.y},
		Status:    r.status,
		Traveled:  r.traveled,
		DownLabel: r.downLabel,
	}
	if !e.hdr.InExtent(r.x, r.y) {
		o.Status = points.Failed
		o.DownLabel = -1
		return o
	}
	switch e.variant.Placement() {
	case FinalCell:
		o.Relocated = true
	default:
		o.Relocated = o.Distance() > 0
	}
	if o.Relocated {
		o.X, o.Y = e.hdr.GlobalXYToGeo(r.x, r.y)
	}
	return o
}
