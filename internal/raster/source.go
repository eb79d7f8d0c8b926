package raster

import "context"

// Source reads rows of a global grid. Implementations must be safe for
// concurrent use; in-process workers share one source per grid.
type Source interface {
	Header() Header
	DataType() DataType
	// ReadRows fills dst with rowCount full rows starting at global row
	// rowStart. Nodata cells carry Header().Nodata.
	ReadRows(ctx context.Context, rowStart, rowCount int, dst []float64) error
	Close() error
}
