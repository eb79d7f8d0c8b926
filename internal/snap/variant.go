package snap

import (
	"flowsnap/internal/points"
	"flowsnap/internal/raster"
)

// Variant decides where a point stops and what it records on the way.
// Both methods see the point at its current global cell, which is always
// inside the halo of the partitions the variant reads.
type Variant interface {
	Terminus(p *points.Point) bool
	Visit(p *points.Point)
	// Placement chooses the coordinate a finished point is reported at.
	Placement() Placement
}

// Placement is where a finished point is reported.
type Placement int

const (
	// RevertUnmoved reports the final cell center only for points that
	// succeeded after moving; everything else keeps its input coordinate.
	RevertUnmoved Placement = iota
	// FinalCell reports the center of the last cell reached, failed or not.
	FinalCell
)

// StreamSnap stops points on the first cell whose stream value is at least
// Threshold.
type StreamSnap struct {
	Stream    *raster.Partition[int16]
	Threshold int16
}

func (s StreamSnap) Terminus(p *points.Point) bool {
	lx, ly := s.Stream.GlobalToLocal(p.Cell.X, p.Cell.Y)
	if !s.Stream.InView(lx, ly) || s.Stream.IsNodata(lx, ly) {
		return false
	}
	return s.Stream.Get(lx, ly) >= s.Threshold
}

func (StreamSnap) Visit(*points.Point) {}

func (StreamSnap) Placement() Placement { return RevertUnmoved }

// ConnectDown moves every point exactly Budget cells and remembers the label
// of the cell it ends on.
type ConnectDown struct {
	Labels *raster.Partition[int32]
	Budget int
}

func (c ConnectDown) Terminus(p *points.Point) bool {
	return p.Traveled >= c.Budget
}

// Placement keeps a point that failed part way at the cell whose label it
// reports.
func (ConnectDown) Placement() Placement { return FinalCell }

func (c ConnectDown) Visit(p *points.Point) {
	lx, ly := c.Labels.GlobalToLocal(p.Cell.X, p.Cell.Y)
	if !c.Labels.InView(lx, ly) || c.Labels.IsNodata(lx, ly) {
		p.DownLabel = -1
		return
	}
	p.DownLabel = int64(c.Labels.Get(lx, ly))
}
