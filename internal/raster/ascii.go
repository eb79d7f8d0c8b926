package raster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultASCIINodata = -9999
	defaultRowCache    = 256
)

// ASCIIGrid reads an ESRI ASCII grid. Decoded rows are kept in an LRU so the
// halo rows of neighbouring bands are parsed once when workers share a grid.
type ASCIIGrid struct {
	path       string
	hdr        Header
	dt         DataType
	dataOffset int64

	mu   sync.Mutex
	rows *lru.Cache[int, []float64]
}

// OpenASCII parses the grid header at path. cacheRows <= 0 selects a default
// row cache size.
func OpenASCII(path string, dt DataType, cacheRows int) (*ASCIIGrid, error) {
	switch dt {
	case Int16, Int32, Float32:
	default:
		return nil, fmt.Errorf("%w: %s", ErrDataType, dt)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdr, offset, err := parseASCIIHeader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cacheRows <= 0 {
		cacheRows = defaultRowCache
	}
	rows, err := lru.New[int, []float64](cacheRows)
	if err != nil {
		return nil, err
	}
	return &ASCIIGrid{
		path:       path,
		hdr:        hdr,
		dt:         dt,
		dataOffset: offset,
		rows:       rows,
	}, nil
}

func (g *ASCIIGrid) Header() Header     { return g.hdr }
func (g *ASCIIGrid) DataType() DataType { return g.dt }
func (g *ASCIIGrid) Close() error       { return nil }

func (g *ASCIIGrid) ReadRows(ctx context.Context, rowStart, rowCount int, dst []float64) error {
	nx := g.hdr.TotalX
	if rowStart < 0 || rowCount < 0 || rowStart+rowCount > g.hdr.TotalY {
		return fmt.Errorf("raster: rows [%d,%d) outside %d rows", rowStart, rowStart+rowCount, g.hdr.TotalY)
	}
	if len(dst) < rowCount*nx {
		return fmt.Errorf("raster: buffer holds %d cells, need %d", len(dst), rowCount*nx)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	missing := -1
	for r := rowStart; r < rowStart+rowCount; r++ {
		row, ok := g.rows.Get(r)
		if !ok {
			missing = r
			break
		}
		copy(dst[(r-rowStart)*nx:], row)
	}
	if missing < 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.decodeRows(missing, rowStart+rowCount-missing, dst[(missing-rowStart)*nx:])
}

// decodeRows scans the data section for rows [start, start+count), writing
// them to dst and the row cache.
func (g *ASCIIGrid) decodeRows(start, count int, dst []float64) error {
	f, err := os.Open(g.path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(g.dataOffset, io.SeekStart); err != nil {
		return err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	sc.Split(bufio.ScanWords)

	nx := g.hdr.TotalX
	for skip := start * nx; skip > 0; skip-- {
		if !sc.Scan() {
			return g.scanErr(sc)
		}
	}
	for r := start; r < start+count; r++ {
		row := dst[(r-start)*nx : (r-start+1)*nx]
		for c := 0; c < nx; c++ {
			if !sc.Scan() {
				return g.scanErr(sc)
			}
			v, err := strconv.ParseFloat(sc.Text(), 64)
			if err != nil {
				return fmt.Errorf("%s: row %d col %d: %w", g.path, r, c, err)
			}
			if err := g.checkValue(v); err != nil {
				return fmt.Errorf("%s: row %d col %d: %w", g.path, r, c, err)
			}
			row[c] = v
		}
		g.rows.Add(r, append([]float64(nil), row...))
	}
	return nil
}

func (g *ASCIIGrid) checkValue(v float64) error {
	if v == g.hdr.Nodata || math.IsNaN(v) {
		return nil
	}
	switch g.dt {
	case Int16:
		if v != math.Trunc(v) || v < math.MinInt16 || v > math.MaxInt16 {
			return fmt.Errorf("%w: %g is not an int16", ErrDataType, v)
		}
	case Int32:
		if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("%w: %g is not an int32", ErrDataType, v)
		}
	}
	return nil
}

func (g *ASCIIGrid) scanErr(sc *bufio.Scanner) error {
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%s: %w", g.path, err)
	}
	return fmt.Errorf("%s: %w", g.path, io.ErrUnexpectedEOF)
}

func parseASCIIHeader(r *bufio.Reader) (Header, int64, error) {
	var (
		hdr            Header
		offset         int64
		xll, yll       float64
		xCenter        bool
		yCenter        bool
		cellSize       float64
		haveX, haveY   bool
		haveCell       bool
		haveDx, haveDy bool
	)
	hdr.Nodata = defaultASCIINodata
	for {
		peek, err := r.Peek(1)
		if err != nil {
			return Header{}, 0, fmt.Errorf("read header: %w", err)
		}
		if c := peek[0]; !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			break
		}
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Header{}, 0, fmt.Errorf("read header: %w", err)
		}
		offset += int64(len(line))
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return Header{}, 0, fmt.Errorf("malformed header line %q", strings.TrimSpace(line))
		}
		key := strings.ToLower(fields[0])
		val, perr := strconv.ParseFloat(fields[1], 64)
		if perr != nil {
			return Header{}, 0, fmt.Errorf("header %s: %w", key, perr)
		}
		switch key {
		case "ncols":
			hdr.TotalX = int(val)
		case "nrows":
			hdr.TotalY = int(val)
		case "xllcorner", "xllcenter":
			xll, haveX, xCenter = val, true, key == "xllcenter"
		case "yllcorner", "yllcenter":
			yll, haveY, yCenter = val, true, key == "yllcenter"
		case "cellsize":
			cellSize, haveCell = val, true
		case "dx":
			hdr.Dx, haveDx = val, true
		case "dy":
			hdr.Dy, haveDy = val, true
		case "nodata_value":
			hdr.Nodata = val
		default:
			return Header{}, 0, fmt.Errorf("unknown header key %q", fields[0])
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}
	if haveCell {
		if !haveDx {
			hdr.Dx = cellSize
		}
		if !haveDy {
			hdr.Dy = cellSize
		}
	}
	switch {
	case hdr.TotalX <= 0 || hdr.TotalY <= 0:
		return Header{}, 0, fmt.Errorf("ncols and nrows must be positive")
	case !haveX || !haveY:
		return Header{}, 0, fmt.Errorf("missing lower-left corner")
	case hdr.Dx <= 0 || hdr.Dy <= 0:
		return Header{}, 0, fmt.Errorf("cell size must be positive")
	}
	if xCenter {
		xll -= hdr.Dx / 2
	}
	if yCenter {
		yll -= hdr.Dy / 2
	}
	hdr.XMin = xll
	hdr.YMax = yll + float64(hdr.TotalY)*hdr.Dy
	return hdr, offset, nil
}

// WriteASCII encodes values, row-major from the north-west corner, as an ESRI
// ASCII grid.
func WriteASCII(w io.Writer, h Header, values []float64) error {
	if len(values) != h.TotalX*h.TotalY {
		return fmt.Errorf("raster: %d values for a %dx%d grid", len(values), h.TotalX, h.TotalY)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ncols %d\nnrows %d\n", h.TotalX, h.TotalY)
	fmt.Fprintf(bw, "xllcorner %s\nyllcorner %s\n", ftoa(h.XMin), ftoa(h.YMax-float64(h.TotalY)*h.Dy))
	if nearlyEqual(h.Dx, h.Dy) {
		fmt.Fprintf(bw, "cellsize %s\n", ftoa(h.Dx))
	} else {
		fmt.Fprintf(bw, "dx %s\ndy %s\n", ftoa(h.Dx), ftoa(h.Dy))
	}
	fmt.Fprintf(bw, "NODATA_value %s\n", ftoa(h.Nodata))
	for y := 0; y < h.TotalY; y++ {
		row := values[y*h.TotalX : (y+1)*h.TotalX]
		for x, v := range row {
			if x > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(ftoa(v))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
