package raster

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrExtentMismatch is returned when two grids that must line up cell for
	// cell disagree on size or resolution.
	ErrExtentMismatch = errors.New("raster: extent mismatch")
	// ErrDataType is returned when a grid cannot be read as the requested cell type.
	ErrDataType = errors.New("raster: unsupported data type")
)

// DataType is the cell type a grid is read as.
type DataType int

const (
	Int16 DataType = iota + 1
	Int32
	Float32
)

func (d DataType) String() string {
	switch d {
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("datatype(%d)", int(d))
	}
}

// Header describes the global grid: size, cell size, upper-left corner and the
// nodata sentinel. Rows run north to south.
type Header struct {
	TotalX int
	TotalY int
	Dx     float64
	Dy     float64
	XMin   float64
	YMax   float64
	Nodata float64
}

const cellSizeTolerance = 1e-9

// Compatible reports whether o covers the same cells as h.
func (h Header) Compatible(o Header) error {
	if h.TotalX != o.TotalX || h.TotalY != o.TotalY {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrExtentMismatch, h.TotalX, h.TotalY, o.TotalX, o.TotalY)
	}
	if !nearlyEqual(h.Dx, o.Dx) || !nearlyEqual(h.Dy, o.Dy) {
		return fmt.Errorf("%w: cell size %gx%g vs %gx%g", ErrExtentMismatch, h.Dx, h.Dy, o.Dx, o.Dy)
	}
	return nil
}

// InExtent reports whether the global cell lies inside the grid.
func (h Header) InExtent(gx, gy int) bool {
	return gx >= 0 && gy >= 0 && gx < h.TotalX && gy < h.TotalY
}

// GeoToGlobalXY maps a geographic coordinate to the global cell containing it.
// Coordinates outside the grid produce indices outside [0,TotalX)x[0,TotalY).
func (h Header) GeoToGlobalXY(x, y float64) (int, int) {
	gx := int(math.Floor((x - h.XMin) / h.Dx))
	gy := int(math.Floor((h.YMax - y) / h.Dy))
	return gx, gy
}

// GlobalXYToGeo returns the center of a global cell.
func (h Header) GlobalXYToGeo(gx, gy int) (float64, float64) {
	x := h.XMin + (float64(gx)+0.5)*h.Dx
	y := h.YMax - (float64(gy)+0.5)*h.Dy
	return x, y
}

func nearlyEqual(a, b float64) bool {
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale < 1 {
		scale = 1
	}
	return math.Abs(a-b) <= cellSizeTolerance*scale
}
