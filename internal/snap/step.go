package snap

import (
	"flowsnap/internal/points"
	"flowsnap/internal/raster"
)

// step advances every active owned point by one cell.
func (e *Engine) step(reg *points.Registry) {
	for i := 0; i < reg.Len(); i++ {
		p := reg.At(i)
		if !e.owns(p) || p.Status != points.Active {
			continue
		}
		e.advance(p)
		if p.Status.Terminal() {
			e.terminal = append(e.terminal, p.Index)
		}
	}
}

func (e *Engine) advance(p *points.Point) {
	lx, ly := e.flow.GlobalToLocal(p.Cell.X, p.Cell.Y)
	if e.flow.IsNodata(lx, ly) {
		p.Fail()
		return
	}
	dx, dy, ok := raster.D8Offset(int(e.flow.Get(lx, ly)))
	if !ok || p.Traveled >= e.cfg.MaxDist {
		p.Fail()
		return
	}
	nx, ny := p.Cell.X+dx, p.Cell.Y+dy
	if !e.hdr.InExtent(nx, ny) {
		p.Fail()
		return
	}
	p.Cell = points.Cell{X: nx, Y: ny}
	p.Traveled++
	e.variant.Visit(p)
	if e.variant.Terminus(p) {
		p.Succeed()
	}
}
