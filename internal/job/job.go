// Package job wires the snapping engine into the two shipped use cases:
// moving outlets to streams and connecting watershed outlets downstream.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"flowsnap/internal/comm"
	"flowsnap/internal/points"
	"flowsnap/internal/raster"
	"flowsnap/internal/snap"
)

// ErrNoPoints is returned when a run has nothing to move.
var ErrNoPoints = errors.New("job: no points to move")

// Opener opens a raster reference as a row source.
type Opener func(ctx context.Context, ref string, dt raster.DataType) (raster.Source, error)

// PointReader loads the seed points of a run. Only the coordinator calls it.
type PointReader func(ctx context.Context, ref string) ([]points.Seed, error)

// Env is what a job needs from its surroundings.
type Env struct {
	Open       Opener
	ReadPoints PointReader
	Logger     *log.Logger
	Progress   func(snap.Progress)
}

func (e Env) withDefaults() Env {
	if e.Open == nil {
		e.Open = OpenASCII
	}
	if e.ReadPoints == nil {
		e.ReadPoints = ReadGeoJSONFile
	}
	if e.Logger == nil {
		e.Logger = log.Default()
	}
	return e
}

// OpenASCII opens a local ESRI ASCII grid.
func OpenASCII(_ context.Context, ref string, dt raster.DataType) (raster.Source, error) {
	return raster.OpenASCII(ref, dt, 0)
}

// ReadGeoJSONFile reads seeds from a local GeoJSON file.
func ReadGeoJSONFile(_ context.Context, ref string) ([]points.Seed, error) {
	f, err := os.Open(ref)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return points.ReadGeoJSON(f)
}

// openGrids opens every ref and checks they cover the same cells as the
// first one.
func openGrids(ctx context.Context, env Env, refs []string, types []raster.DataType) ([]raster.Source, error) {
	srcs := make([]raster.Source, 0, len(refs))
	for i, ref := range refs {
		src, err := env.Open(ctx, ref, types[i])
		if err != nil {
			closeAll(srcs)
			return nil, fmt.Errorf("open %s: %w", ref, err)
		}
		srcs = append(srcs, src)
		if i == 0 {
			continue
		}
		if err := srcs[0].Header().Compatible(src.Header()); err != nil {
			closeAll(srcs)
			return nil, fmt.Errorf("%s vs %s: %w", refs[0], ref, err)
		}
	}
	return srcs, nil
}

func closeAll(srcs []raster.Source) {
	for _, s := range srcs {
		_ = s.Close()
	}
}

func load[T raster.Cell](ctx context.Context, src raster.Source, band raster.Band, halo int) (*raster.Partition[T], error) {
	p, err := raster.NewPartition[T](src.Header(), band, halo)
	if err != nil {
		return nil, err
	}
	if err := p.Load(ctx, src); err != nil {
		return nil, err
	}
	return p, nil
}

func bandFor(t comm.Transport, hdr raster.Header) (raster.Band, error) {
	bands, err := raster.PlanBands(hdr.TotalY, t.Size())
	if err != nil {
		return raster.Band{}, err
	}
	return bands[t.Rank()], nil
}

type seedEnvelope struct {
	Error string        `json:"error,omitempty"`
	Seeds []points.Seed `json:"seeds,omitempty"`
}

// shareSeeds runs produce on the coordinator and broadcasts its result, so a
// failure there stops every worker with the same error.
func shareSeeds(ctx context.Context, t comm.Transport, produce func() ([]points.Seed, error)) ([]points.Seed, error) {
	var payload []byte
	if t.Rank() == comm.Root {
		var env seedEnvelope
		seeds, err := produce()
		switch {
		case err != nil:
			env.Error = err.Error()
		case len(seeds) == 0:
			env.Error = ErrNoPoints.Error()
		default:
			env.Seeds = seeds
		}
		raw, mErr := json.Marshal(env)
		if mErr != nil {
			err = fmt.Errorf("encode seeds: %w", mErr)
			raw, _ = json.Marshal(seedEnvelope{Error: err.Error()})
		}
		payload = raw
		if _, bErr := comm.Broadcast(ctx, t, payload); bErr != nil {
			return nil, bErr
		}
		if err != nil {
			return nil, err
		}
		if len(seeds) == 0 {
			return nil, ErrNoPoints
		}
		return seeds, nil
	}

	raw, err := comm.Broadcast(ctx, t, nil)
	if err != nil {
		return nil, err
	}
	var env seedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode seeds: %w", err)
	}
	if env.Error != "" {
		if env.Error == ErrNoPoints.Error() {
			return nil, ErrNoPoints
		}
		return nil, fmt.Errorf("%w: %s", comm.ErrAborted, env.Error)
	}
	return env.Seeds, nil
}

func newRegistry(hdr raster.Header, seeds []points.Seed) *points.Registry {
	return points.NewRegistry(seeds, func(x, y float64) points.Cell {
		gx, gy := hdr.GeoToGlobalXY(x, y)
		return points.Cell{X: gx, Y: gy}
	})
}
