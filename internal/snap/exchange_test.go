package snap

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsnap/internal/comm"
	"flowsnap/internal/points"
	"flowsnap/internal/raster"
)

func newRankEngine(t *testing.T, f *fixture, tr comm.Transport, band raster.Band) *Engine {
	t.Helper()
	flow := loadPartition[int16](t, f, raster.Int16, f.flow, band, 0)
	stream := loadPartition[int16](t, f, raster.Int16, f.stream, band, 1)
	eng, err := New(tr, flow, StreamSnap{Stream: stream, Threshold: 1}, Config{MaxDist: 5, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	return eng
}

func TestAdoptRejectsPointOutsideBand(t *testing.T) {
	f := newFixture(4, 6)
	mesh := comm.NewLocalMesh(2)
	eng := newRankEngine(t, f, mesh[1], raster.Band{Start: 3, End: 6})
	reg := points.NewRegistry([]points.Seed{f.seedAt(0, 0)}, func(x, y float64) points.Cell {
		gx, gy := f.hdr.GeoToGlobalXY(x, y)
		return points.Cell{X: gx, Y: gy}
	})

	batch := tally{records: []record{{index: 0, x: 0, y: 1, traveled: 1}}}
	require.NoError(t, mesh[0].Send(context.Background(), 1, comm.RingNext, encodeTally(batch)))
	err := eng.adopt(context.Background(), reg, comm.RingNext, 0)
	require.ErrorIs(t, err, ErrOwnership)

	// Row in the band, column past the grid edge.
	batch = tally{records: []record{{index: 0, x: 4, y: 4, traveled: 1}}}
	require.NoError(t, mesh[0].Send(context.Background(), 1, comm.RingNext, encodeTally(batch)))
	err = eng.adopt(context.Background(), reg, comm.RingNext, 0)
	require.ErrorIs(t, err, ErrOwnership)
	assert.Equal(t, points.Unowned, reg.At(0).Owner)
}

func TestAdoptRejectsDoubleOwnership(t *testing.T) {
	f := newFixture(4, 6)
	mesh := comm.NewLocalMesh(2)
	eng := newRankEngine(t, f, mesh[1], raster.Band{Start: 3, End: 6})
	reg := points.NewRegistry([]points.Seed{f.seedAt(2, 4)}, func(x, y float64) points.Cell {
		gx, gy := f.hdr.GeoToGlobalXY(x, y)
		return points.Cell{X: gx, Y: gy}
	})
	reg.At(0).Owner = 1

	batch := tally{records: []record{{index: 0, x: 2, y: 3, traveled: 2}}}
	require.NoError(t, mesh[0].Send(context.Background(), 1, comm.RingNext, encodeTally(batch)))
	err := eng.adopt(context.Background(), reg, comm.RingNext, 0)
	require.ErrorIs(t, err, ErrOwnership)
}

func TestAdoptTakesOverState(t *testing.T) {
	f := newFixture(4, 6)
	mesh := comm.NewLocalMesh(2)
	eng := newRankEngine(t, f, mesh[1], raster.Band{Start: 3, End: 6})
	reg := points.NewRegistry([]points.Seed{f.seedAt(2, 2)}, func(x, y float64) points.Cell {
		gx, gy := f.hdr.GeoToGlobalXY(x, y)
		return points.Cell{X: gx, Y: gy}
	})

	batch := tally{records: []record{{index: 0, x: 2, y: 3, traveled: 1, status: points.Active, downLabel: 14}}}
	require.NoError(t, mesh[0].Send(context.Background(), 1, comm.RingNext, encodeTally(batch)))
	require.NoError(t, eng.adopt(context.Background(), reg, comm.RingNext, 0))

	p := reg.At(0)
	assert.Equal(t, 1, p.Owner)
	assert.Equal(t, points.Cell{X: 2, Y: 3}, p.Cell)
	assert.Equal(t, 1, p.Traveled)
	assert.Equal(t, int64(14), p.DownLabel)
}

func TestDecideRequiresEveryPointOwned(t *testing.T) {
	f := newFixture(2, 2)
	eng := newRankEngine(t, f, comm.NewLocalMesh(1)[0], raster.Band{Start: 0, End: 2})

	parts := [][]byte{encodeTally(tally{owned: 2, terminated: 1}), encodeTally(tally{owned: 0})}
	_, err := eng.decide(parts, 3, 0)
	require.ErrorIs(t, err, ErrOwnership)

	dup := record{index: 1, status: points.Succeeded}
	parts = [][]byte{
		encodeTally(tally{owned: 2, terminated: 1, records: []record{dup}}),
		encodeTally(tally{owned: 1, terminated: 1, records: []record{dup}}),
	}
	_, err = eng.decide(parts, 3, 0)
	require.ErrorIs(t, err, ErrOwnership)
}

func TestDecideMergesInIndexOrder(t *testing.T) {
	f := newFixture(2, 2)
	eng := newRankEngine(t, f, comm.NewLocalMesh(1)[0], raster.Band{Start: 0, End: 2})

	parts := [][]byte{
		encodeTally(tally{owned: 2, terminated: 2, records: []record{{index: 4, status: points.Failed, traveled: 3}}}),
		encodeTally(tally{owned: 1, terminated: 1, records: []record{{index: 0, status: points.Succeeded, traveled: 2, x: -1, y: 7, downLabel: -3}}}),
	}
	raw, err := eng.decide(parts, 3, 0)
	require.NoError(t, err)
	got, err := decodeTally(raw)
	require.NoError(t, err)
	assert.True(t, got.done)
	require.Len(t, got.records, 2)
	assert.Equal(t, 0, got.records[0].index)
	assert.Equal(t, -1, got.records[0].x)
	assert.Equal(t, int64(-3), got.records[0].downLabel)
	assert.Equal(t, 4, got.records[1].index)
}
