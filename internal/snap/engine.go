// Package snap moves outlet points down D8 flow paths across row-band
// partitions until each reaches a terminus or fails.
//
// Every worker runs the same loop in lock step: check for global
// termination, step the points it owns, hand points that left its band to
// the neighbouring worker. Rank 0 coordinates termination and collects the
// final positions.
package snap

import (
	"context"
	"errors"
	"fmt"
	"log"

	"flowsnap/internal/comm"
	"flowsnap/internal/points"
	"flowsnap/internal/raster"
)

// ErrOwnership is returned when a point is owned by no worker or by more
// than one. It is fatal for the whole run.
var ErrOwnership = errors.New("snap: ownership invariant violated")

// Config tunes an Engine.
type Config struct {
	// MaxDist is the number of cells a point may move before it fails.
	MaxDist int
	Logger  *log.Logger
	// Progress, when set, is called on the coordinator after every
	// termination check.
	Progress func(Progress)
}

// Progress is the global state after one iteration.
type Progress struct {
	Iteration  int
	Owned      int
	Terminated int
	Total      int
}

// Engine is one worker's view of a run.
type Engine struct {
	t       comm.Transport
	flow    *raster.Partition[int16]
	variant Variant
	cfg     Config
	logger  *log.Logger

	hdr  raster.Header
	band raster.Band
	prev int
	next int

	// terminal holds indices that became terminal on this worker since the
	// last termination check.
	terminal []int
}

// New builds the engine for the transport's rank. flow must hold this rank's
// band of the flow direction grid.
func New(t comm.Transport, flow *raster.Partition[int16], v Variant, cfg Config) (*Engine, error) {
	if t == nil || flow == nil || v == nil {
		return nil, fmt.Errorf("snap: transport, flow grid and variant are required")
	}
	if cfg.MaxDist < 1 {
		return nil, fmt.Errorf("snap: max distance must be >= 1, got %d", cfg.MaxDist)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	size := t.Size()
	return &Engine{
		t:       t,
		flow:    flow,
		variant: v,
		cfg:     cfg,
		logger:  logger,
		hdr:     flow.Header(),
		band:    flow.Band(),
		prev:    (t.Rank() - 1 + size) % size,
		next:    (t.Rank() + 1) % size,
	}, nil
}

// Run moves every point in reg. reg must hold the same points, in the same
// order, on every worker. The coordinator returns one Outcome per point in
// index order; other workers return nil.
func (e *Engine) Run(ctx context.Context, reg *points.Registry) ([]Outcome, error) {
	claimed := e.claim(reg)
	e.logger.Printf("snap: rank %d claimed %d of %d points in rows [%d,%d)",
		e.t.Rank(), claimed, reg.Len(), e.band.Start, e.band.End)

	for iter := 0; ; iter++ {
		done, err := e.checkDone(ctx, reg, iter)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iter, err)
		}
		if done {
			break
		}
		e.step(reg)
		if err := e.exchange(ctx, reg); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iter, err)
		}
	}
	return e.collect(ctx, reg)
}

// claim takes ownership of the points starting in this band. Points outside
// the grid belong to the coordinator and fail everywhere.
func (e *Engine) claim(reg *points.Registry) int {
	n := 0
	for i := 0; i < reg.Len(); i++ {
		p := reg.At(i)
		if !e.hdr.InExtent(p.Cell.X, p.Cell.Y) {
			p.Owner = comm.Root
			p.Fail()
			if e.t.Rank() == comm.Root {
				n++
			}
			continue
		}
		if !e.inPartition(p.Cell.X, p.Cell.Y) {
			p.Owner = points.Unowned
			continue
		}
		p.Owner = e.t.Rank()
		n++
		e.variant.Visit(p)
		if e.variant.Terminus(p) {
			p.Succeed()
			e.terminal = append(e.terminal, p.Index)
		}
	}
	return n
}

func (e *Engine) owns(p *points.Point) bool {
	return p.Owner == e.t.Rank()
}
