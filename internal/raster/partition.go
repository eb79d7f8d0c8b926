package raster

import (
	"context"
	"fmt"
	"math"
)

// Cell is the set of cell types a partition can hold.
type Cell interface {
	~int16 | ~int32 | ~float32
}

// Partition holds one worker's row band of a global grid plus halo rows on
// either side. Local coordinates are relative to the first owned row, so the
// halo above the band has negative ly.
type Partition[T Cell] struct {
	hdr      Header
	band     Band
	rowStart int // first loaded global row
	rows     int // loaded rows, owned and halo
	data     []T
	nodata   T
	nanNoval bool
}

// NewPartition allocates a partition for band with the given halo depth.
func NewPartition[T Cell](hdr Header, band Band, halo int) (*Partition[T], error) {
	if band.Start < 0 || band.End > hdr.TotalY || band.Len() <= 0 {
		return nil, fmt.Errorf("raster: band [%d,%d) outside %d rows", band.Start, band.End, hdr.TotalY)
	}
	if halo < 0 {
		halo = 0
	}
	start := max(band.Start-halo, 0)
	end := min(band.End+halo, hdr.TotalY)
	return &Partition[T]{
		hdr:      hdr,
		band:     band,
		rowStart: start,
		rows:     end - start,
		data:     make([]T, (end-start)*hdr.TotalX),
		nodata:   T(hdr.Nodata),
		nanNoval: math.IsNaN(hdr.Nodata),
	}, nil
}

// Load reads the band and its halo from src.
func (p *Partition[T]) Load(ctx context.Context, src Source) error {
	if err := p.hdr.Compatible(src.Header()); err != nil {
		return err
	}
	buf := make([]float64, p.rows*p.hdr.TotalX)
	if err := src.ReadRows(ctx, p.rowStart, p.rows, buf); err != nil {
		return fmt.Errorf("read rows [%d,%d): %w", p.rowStart, p.rowStart+p.rows, err)
	}
	for i, v := range buf {
		if math.IsNaN(v) {
			p.data[i] = p.nodata
			continue
		}
		p.data[i] = T(v)
	}
	return nil
}

func (p *Partition[T]) Header() Header { return p.hdr }
func (p *Partition[T]) Band() Band     { return p.band }

// Ny is the number of owned rows.
func (p *Partition[T]) Ny() int { return p.band.Len() }

func (p *Partition[T]) GlobalToLocal(gx, gy int) (int, int) {
	return gx, gy - p.band.Start
}

func (p *Partition[T]) LocalToGlobal(lx, ly int) (int, int) {
	return lx, ly + p.band.Start
}

// IsInPartition reports whether the local cell is in an owned row. Halo rows
// are not part of the partition.
func (p *Partition[T]) IsInPartition(lx, ly int) bool {
	return lx >= 0 && lx < p.hdr.TotalX && ly >= 0 && ly < p.band.Len()
}

// InView reports whether the local cell is readable, owned or halo.
func (p *Partition[T]) InView(lx, ly int) bool {
	if lx < 0 || lx >= p.hdr.TotalX {
		return false
	}
	gy := ly + p.band.Start
	return gy >= p.rowStart && gy < p.rowStart+p.rows
}

// Get returns the value at a local cell. The cell must be InView.
func (p *Partition[T]) Get(lx, ly int) T {
	return p.data[p.offset(lx, ly)]
}

// IsNodata reports whether the local cell holds the nodata sentinel.
func (p *Partition[T]) IsNodata(lx, ly int) bool {
	v := p.data[p.offset(lx, ly)]
	if v == p.nodata {
		return true
	}
	return p.nanNoval && math.IsNaN(float64(v))
}

// ForEachOwned visits every owned cell in row-major order.
func (p *Partition[T]) ForEachOwned(fn func(lx, ly int, v T)) {
	for ly := 0; ly < p.band.Len(); ly++ {
		base := p.offset(0, ly)
		for lx := 0; lx < p.hdr.TotalX; lx++ {
			fn(lx, ly, p.data[base+lx])
		}
	}
}

func (p *Partition[T]) offset(lx, ly int) int {
	row := ly + p.band.Start - p.rowStart
	return row*p.hdr.TotalX + lx
}
