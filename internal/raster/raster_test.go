package raster

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader(nx, ny int) Header {
	return Header{TotalX: nx, TotalY: ny, Dx: 10, Dy: 10, XMin: 1000, YMax: 2000, Nodata: -9999}
}

func writeGrid(t *testing.T, h Header, values []float64) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteASCII(&buf, h, values))
	path := filepath.Join(t.TempDir(), "grid.asc")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestPlanBandsCoversRowsWithoutGaps(t *testing.T) {
	bands, err := PlanBands(10, 3)
	require.NoError(t, err)
	require.Equal(t, []Band{{0, 3}, {3, 6}, {6, 10}}, bands)

	_, err = PlanBands(2, 3)
	require.Error(t, err)
	_, err = PlanBands(2, 0)
	require.Error(t, err)
}

func TestHeaderGeoRoundTrip(t *testing.T) {
	h := testHeader(5, 4)
	x, y := h.GlobalXYToGeo(2, 3)
	assert.Equal(t, 1025.0, x)
	assert.Equal(t, 1965.0, y)

	gx, gy := h.GeoToGlobalXY(x, y)
	assert.Equal(t, 2, gx)
	assert.Equal(t, 3, gy)

	gx, gy = h.GeoToGlobalXY(999, 2001)
	assert.False(t, h.InExtent(gx, gy))
}

func TestHeaderCompatible(t *testing.T) {
	h := testHeader(5, 4)
	require.NoError(t, h.Compatible(testHeader(5, 4)))
	require.ErrorIs(t, h.Compatible(testHeader(5, 5)), ErrExtentMismatch)

	other := testHeader(5, 4)
	other.Dx = 20
	require.ErrorIs(t, h.Compatible(other), ErrExtentMismatch)
}

func TestD8Offsets(t *testing.T) {
	dx, dy, ok := D8Offset(1)
	require.True(t, ok)
	assert.Equal(t, [2]int{1, 0}, [2]int{dx, dy})

	dx, dy, ok = D8Offset(7)
	require.True(t, ok)
	assert.Equal(t, [2]int{0, 1}, [2]int{dx, dy})

	for _, code := range []int{0, 9, -1, -9999} {
		_, _, ok := D8Offset(code)
		assert.False(t, ok, "code %d", code)
	}
}

func TestASCIIHeaderVariants(t *testing.T) {
	text := "NCOLS 2\nNROWS 2\nXLLCENTER 5\nYLLCENTER 5\nCELLSIZE 10\n1 2\n3 4\n"
	path := filepath.Join(t.TempDir(), "c.asc")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	g, err := OpenASCII(path, Int16, 0)
	require.NoError(t, err)
	h := g.Header()
	assert.Equal(t, 0.0, h.XMin)
	assert.Equal(t, 20.0, h.YMax)
	assert.Equal(t, float64(-9999), h.Nodata)

	dst := make([]float64, 4)
	require.NoError(t, g.ReadRows(context.Background(), 0, 2, dst))
	assert.Equal(t, []float64{1, 2, 3, 4}, dst)
}

func TestASCIIRejectsValuesOutsideType(t *testing.T) {
	h := testHeader(2, 1)
	path := writeGrid(t, h, []float64{1.5, 2})
	g, err := OpenASCII(path, Int16, 0)
	require.NoError(t, err)
	err = g.ReadRows(context.Background(), 0, 1, make([]float64, 2))
	require.ErrorIs(t, err, ErrDataType)
}

func TestPartitionLoadsBandAndHalo(t *testing.T) {
	h := testHeader(3, 6)
	values := make([]float64, 18)
	for i := range values {
		values[i] = float64(i)
	}
	values[7] = h.Nodata
	path := writeGrid(t, h, values)

	src, err := OpenASCII(path, Int32, 2)
	require.NoError(t, err)

	p, err := NewPartition[int32](h, Band{Start: 2, End: 4}, 1)
	require.NoError(t, err)
	require.NoError(t, p.Load(context.Background(), src))

	assert.Equal(t, 2, p.Ny())
	lx, ly := p.GlobalToLocal(1, 2)
	assert.Equal(t, [2]int{1, 0}, [2]int{lx, ly})
	gx, gy := p.LocalToGlobal(lx, ly)
	assert.Equal(t, [2]int{1, 2}, [2]int{gx, gy})

	assert.True(t, p.IsInPartition(0, 0))
	assert.True(t, p.IsInPartition(2, 1))
	assert.False(t, p.IsInPartition(0, -1))
	assert.False(t, p.IsInPartition(0, 2))
	assert.True(t, p.InView(0, -1))
	assert.True(t, p.InView(0, 2))
	assert.False(t, p.InView(0, -2))
	assert.False(t, p.InView(3, 0))

	assert.Equal(t, int32(6), p.Get(0, 0))
	assert.Equal(t, int32(3), p.Get(0, -1))
	assert.Equal(t, int32(14), p.Get(2, 2))
	assert.True(t, p.IsNodata(1, 0))
	assert.False(t, p.IsNodata(0, 0))

	var seen []int32
	p.ForEachOwned(func(_, _ int, v int32) { seen = append(seen, v) })
	assert.Equal(t, []int32{6, -9999, 8, 9, 10, 11}, seen)
}

func TestPartitionHaloClippedAtGridEdge(t *testing.T) {
	h := testHeader(2, 4)
	path := writeGrid(t, h, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	src, err := OpenASCII(path, Float32, 0)
	require.NoError(t, err)

	p, err := NewPartition[float32](h, Band{Start: 0, End: 2}, 1)
	require.NoError(t, err)
	require.NoError(t, p.Load(context.Background(), src))
	assert.False(t, p.InView(0, -1))
	assert.True(t, p.InView(1, 2))
	assert.Equal(t, float32(6), p.Get(1, 2))
}

func TestPartitionLoadRejectsMismatchedSource(t *testing.T) {
	path := writeGrid(t, testHeader(2, 2), []float64{1, 2, 3, 4})
	src, err := OpenASCII(path, Int16, 0)
	require.NoError(t, err)

	p, err := NewPartition[int16](testHeader(3, 2), Band{Start: 0, End: 2}, 0)
	require.NoError(t, err)
	require.ErrorIs(t, p.Load(context.Background(), src), ErrExtentMismatch)
}
