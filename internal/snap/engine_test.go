package snap

import (
	"context"
	"errors"
	"io"
	"log"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"flowsnap/internal/comm"
	"flowsnap/internal/points"
	"flowsnap/internal/raster"
)

const (
	flowSouth = 7
	flowNorth = 3
	nodata    = -9999
)

type memSource struct {
	hdr  raster.Header
	dt   raster.DataType
	vals []float64
}

func (s memSource) Header() raster.Header     { return s.hdr }
func (s memSource) DataType() raster.DataType { return s.dt }
func (s memSource) Close() error              { return nil }
func (s memSource) ReadRows(_ context.Context, start, count int, dst []float64) error {
	nx := s.hdr.TotalX
	copy(dst, s.vals[start*nx:(start+count)*nx])
	return nil
}

func gridHeader(nx, ny int) raster.Header {
	return raster.Header{TotalX: nx, TotalY: ny, Dx: 1, Dy: 1, XMin: 0, YMax: float64(ny), Nodata: nodata}
}

// fixture is a grid where every cell drains south and the last row is stream.
type fixture struct {
	hdr    raster.Header
	flow   []float64
	stream []float64
	labels []float64
}

func newFixture(nx, ny int) *fixture {
	f := &fixture{
		hdr:    gridHeader(nx, ny),
		flow:   make([]float64, nx*ny),
		stream: make([]float64, nx*ny),
		labels: make([]float64, nx*ny),
	}
	for i := range f.flow {
		f.flow[i] = flowSouth
		f.labels[i] = float64(i)
	}
	for x := 0; x < nx; x++ {
		f.stream[(ny-1)*nx+x] = 1
	}
	return f
}

func (f *fixture) set(grid []float64, x, y int, v float64) {
	grid[y*f.hdr.TotalX+x] = v
}

// seedAt returns a seed at the center of a cell.
func (f *fixture) seedAt(x, y int) points.Seed {
	gx, gy := f.hdr.GlobalXYToGeo(x, y)
	return points.Seed{X: gx, Y: gy, Props: points.Properties{points.IntAttr("cell", int64(y*f.hdr.TotalX+x))}}
}

func loadPartition[T raster.Cell](t *testing.T, f *fixture, dt raster.DataType, vals []float64, band raster.Band, halo int) *raster.Partition[T] {
	t.Helper()
	p, err := raster.NewPartition[T](f.hdr, band, halo)
	require.NoError(t, err)
	require.NoError(t, p.Load(context.Background(), memSource{hdr: f.hdr, dt: dt, vals: vals}))
	return p
}

type runOpts struct {
	workers     int
	maxDist     int
	connectDown bool
	progress    func(Progress)
}

func (f *fixture) run(t *testing.T, seeds []points.Seed, o runOpts) []Outcome {
	t.Helper()
	out, err := f.tryRun(t, seeds, o)
	require.NoError(t, err)
	return out
}

func (f *fixture) tryRun(t *testing.T, seeds []points.Seed, o runOpts) ([]Outcome, error) {
	t.Helper()
	bands, err := raster.PlanBands(f.hdr.TotalY, o.workers)
	require.NoError(t, err)
	mesh := comm.NewLocalMesh(o.workers)
	logger := log.New(io.Discard, "", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	var result []Outcome
	for rank, tr := range mesh {
		flow := loadPartition[int16](t, f, raster.Int16, f.flow, bands[rank], 0)
		var v Variant
		if o.connectDown {
			v = ConnectDown{Labels: loadPartition[int32](t, f, raster.Int32, f.labels, bands[rank], 1), Budget: o.maxDist}
		} else {
			v = StreamSnap{Stream: loadPartition[int16](t, f, raster.Int16, f.stream, bands[rank], 1), Threshold: 1}
		}
		cfg := Config{MaxDist: o.maxDist, Logger: logger}
		if rank == comm.Root {
			cfg.Progress = o.progress
		}
		eng, err := New(tr, flow, v, cfg)
		require.NoError(t, err)
		reg := points.NewRegistry(seeds, func(x, y float64) points.Cell {
			gx, gy := f.hdr.GeoToGlobalXY(x, y)
			return points.Cell{X: gx, Y: gy}
		})
		g.Go(func() error {
			out, err := eng.Run(gctx, reg)
			if err != nil {
				return err
			}
			if tr.Rank() == comm.Root {
				result = out
			} else if out != nil {
				return errors.New("non-root worker returned outcomes")
			}
			return nil
		})
	}
	return result, g.Wait()
}

func TestStreamSnapScenario(t *testing.T) {
	f := newFixture(10, 10)
	seeds := []points.Seed{f.seedAt(3, 4), f.seedAt(2, 9)}

	out := f.run(t, seeds, runOpts{workers: 1, maxDist: 5})
	require.Len(t, out, 2)

	assert.Equal(t, points.Succeeded, out[0].Status)
	assert.Equal(t, 5, out[0].Distance())
	assert.Equal(t, points.Cell{X: 3, Y: 9}, out[0].Cell)
	assert.Equal(t, 3.5, out[0].X)
	assert.Equal(t, 0.5, out[0].Y)

	assert.Equal(t, points.Succeeded, out[1].Status)
	assert.Equal(t, 0, out[1].Distance())
	assert.Equal(t, seeds[1].X, out[1].X)
	assert.Equal(t, seeds[1].Y, out[1].Y)
}

func TestStreamSnapFailsWhenBudgetRunsOut(t *testing.T) {
	f := newFixture(10, 10)
	seeds := []points.Seed{f.seedAt(6, 6)}

	out := f.run(t, seeds, runOpts{workers: 1, maxDist: 2})
	require.Len(t, out, 1)
	assert.Equal(t, points.Failed, out[0].Status)
	assert.Equal(t, -1, out[0].Distance())
	assert.Equal(t, 2, out[0].Traveled)
	assert.Equal(t, seeds[0].X, out[0].X)
	assert.Equal(t, seeds[0].Y, out[0].Y)
}

func TestNodataAndLeavingTheGridFail(t *testing.T) {
	f := newFixture(10, 10)
	f.set(f.flow, 8, 1, nodata)
	for y := 0; y < 10; y++ {
		f.set(f.flow, 0, y, flowNorth)
	}
	f.set(f.flow, 5, 5, 0)
	seeds := []points.Seed{
		f.seedAt(8, 1),
		f.seedAt(0, 2),
		f.seedAt(5, 3),
		{X: -5, Y: 5},
		{X: 3, Y: 50},
	}

	for _, workers := range []int{1, 3} {
		t.Run(strconv.Itoa(workers), func(t *testing.T) {
			out := f.run(t, seeds, runOpts{workers: workers, maxDist: 20})
			require.Len(t, out, len(seeds))
			for i, o := range out {
				assert.Equal(t, i, o.Index)
				assert.Equal(t, points.Failed, o.Status, "point %d", i)
				assert.Equal(t, -1, o.Distance(), "point %d", i)
				assert.Equal(t, seeds[i].X, o.X, "point %d", i)
				assert.Equal(t, seeds[i].Y, o.Y, "point %d", i)
			}
			assert.Equal(t, 0, out[0].Traveled)
			assert.Equal(t, 2, out[1].Traveled)
			assert.Equal(t, 2, out[2].Traveled)
			assert.Equal(t, int64(-1), out[3].DownLabel)
		})
	}
}

func TestResultsIndependentOfWorkerCount(t *testing.T) {
	f := newFixture(7, 10)
	// Divert a couple of columns so paths move sideways across band edges.
	for y := 0; y < 10; y++ {
		f.set(f.flow, 1, y, 8) // south-east
	}
	f.set(f.flow, 4, 2, 1)
	f.set(f.stream, 5, 6, 1)
	f.set(f.flow, 6, 0, nodata)

	var seeds []points.Seed
	for y := 0; y < 10; y += 2 {
		for x := 0; x < 7; x++ {
			seeds = append(seeds, f.seedAt(x, y))
		}
	}

	want := f.run(t, seeds, runOpts{workers: 1, maxDist: 6})
	for _, workers := range []int{2, 3, 5} {
		got := f.run(t, seeds, runOpts{workers: workers, maxDist: 6})
		assert.Equal(t, want, got, "workers=%d", workers)
	}
	for i, o := range want {
		assert.Equal(t, i, o.Index)
		if o.Status != points.Failed {
			assert.LessOrEqual(t, o.Traveled, 6)
			assert.GreaterOrEqual(t, o.Traveled, 0)
		}
	}
}

func TestTwoWorkersOverFiveRowsMatchOne(t *testing.T) {
	f := newFixture(4, 5)
	seeds := []points.Seed{f.seedAt(0, 0), f.seedAt(1, 1), f.seedAt(2, 3), f.seedAt(3, 4)}

	one := f.run(t, seeds, runOpts{workers: 1, maxDist: 10})
	two := f.run(t, seeds, runOpts{workers: 2, maxDist: 10})
	assert.Equal(t, one, two)
	assert.Equal(t, []int{4, 3, 1, 0}, []int{one[0].Traveled, one[1].Traveled, one[2].Traveled, one[3].Traveled})
}

func TestTerminusStopsMovement(t *testing.T) {
	f := newFixture(5, 10)
	f.set(f.stream, 2, 3, 1)
	seeds := []points.Seed{f.seedAt(2, 0)}

	out := f.run(t, seeds, runOpts{workers: 3, maxDist: 9})
	assert.Equal(t, points.Succeeded, out[0].Status)
	assert.Equal(t, 3, out[0].Traveled)
	assert.Equal(t, points.Cell{X: 2, Y: 3}, out[0].Cell)
}

func TestConnectDownMovesExactBudget(t *testing.T) {
	f := newFixture(10, 10)
	f.set(f.labels, 3, 7, nodata)
	seeds := []points.Seed{f.seedAt(3, 4), f.seedAt(5, 8), f.seedAt(3, 5)}

	for _, workers := range []int{1, 2, 4} {
		out := f.run(t, seeds, runOpts{workers: workers, maxDist: 2, connectDown: true})
		require.Len(t, out, 3)

		assert.Equal(t, points.Succeeded, out[0].Status)
		assert.Equal(t, 2, out[0].Distance())
		assert.Equal(t, int64(63), out[0].DownLabel)

		// Runs off the bottom edge after one cell; stays on the last cell
		// reached and reports its label.
		assert.Equal(t, points.Failed, out[1].Status)
		assert.Equal(t, 1, out[1].Traveled)
		assert.Equal(t, int64(95), out[1].DownLabel)
		assert.Equal(t, points.Cell{X: 5, Y: 9}, out[1].Cell)
		assert.Equal(t, 5.5, out[1].X)
		assert.Equal(t, 0.5, out[1].Y)
		assert.True(t, out[1].Moved())

		assert.Equal(t, points.Succeeded, out[2].Status)
		assert.Equal(t, int64(-1), out[2].DownLabel)
	}
}

func TestConnectDownFailureReportsLastCell(t *testing.T) {
	f := newFixture(5, 6)
	f.set(f.flow, 2, 2, nodata)
	seeds := []points.Seed{f.seedAt(2, 1)}

	for _, workers := range []int{1, 3} {
		out := f.run(t, seeds, runOpts{workers: workers, maxDist: 3, connectDown: true})
		require.Len(t, out, 1)
		o := out[0]
		assert.Equal(t, points.Failed, o.Status)
		assert.Equal(t, 1, o.Traveled)
		assert.Equal(t, points.Cell{X: 2, Y: 2}, o.Cell)
		assert.Equal(t, int64(12), o.DownLabel)
		// The reported position and the label describe the same cell.
		assert.Equal(t, 2.5, o.X)
		assert.Equal(t, 3.5, o.Y)
		assert.Equal(t, seeds[0].Y, o.OrigY)
	}
}

func TestStreamSnapFailureKeepsInputCoordinate(t *testing.T) {
	f := newFixture(5, 6)
	f.set(f.flow, 2, 2, nodata)
	seeds := []points.Seed{f.seedAt(2, 1)}

	out := f.run(t, seeds, runOpts{workers: 2, maxDist: 3})
	require.Len(t, out, 1)
	assert.Equal(t, points.Failed, out[0].Status)
	assert.Equal(t, points.Cell{X: 2, Y: 2}, out[0].Cell)
	assert.Equal(t, seeds[0].X, out[0].X)
	assert.Equal(t, seeds[0].Y, out[0].Y)
	assert.False(t, out[0].Moved())
}

func TestProgressReachesCompletion(t *testing.T) {
	f := newFixture(3, 6)
	var (
		mu    sync.Mutex
		calls []Progress
	)
	seeds := []points.Seed{f.seedAt(0, 0), f.seedAt(1, 5)}
	f.run(t, seeds, runOpts{workers: 2, maxDist: 10, progress: func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, p)
	}})

	require.NotEmpty(t, calls)
	assert.Equal(t, Progress{Iteration: 0, Owned: 2, Terminated: 1, Total: 2}, calls[0])
	last := calls[len(calls)-1]
	assert.Equal(t, 2, last.Terminated)
	assert.Equal(t, 5, last.Iteration)
}

func TestEmptyRegistry(t *testing.T) {
	f := newFixture(3, 3)
	out := f.run(t, nil, runOpts{workers: 3, maxDist: 1})
	assert.Empty(t, out)
}

func TestNewRejectsBadConfig(t *testing.T) {
	f := newFixture(2, 2)
	flow := loadPartition[int16](t, f, raster.Int16, f.flow, raster.Band{Start: 0, End: 2}, 0)
	_, err := New(comm.NewLocalMesh(1)[0], flow, StreamSnap{}, Config{MaxDist: 0})
	require.Error(t, err)
}
