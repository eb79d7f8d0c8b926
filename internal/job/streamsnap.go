package job

import (
	"context"
	"fmt"

	"flowsnap/internal/comm"
	"flowsnap/internal/points"
	"flowsnap/internal/raster"
	"flowsnap/internal/snap"
)

// StreamSnapOptions names the inputs of a stream-snap run.
type StreamSnapOptions struct {
	Flow      string
	Stream    string
	Points    string
	MaxDist   int
	// Threshold is the smallest stream grid value counted as stream. Zero
	// is a valid threshold.
	Threshold int16
}

// RunStreamSnap moves every input point down its flow path to the first
// stream cell. Only the coordinator gets a report.
func RunStreamSnap(ctx context.Context, t comm.Transport, env Env, opts StreamSnapOptions) (*Report, error) {
	env = env.withDefaults()
	if opts.MaxDist < 1 {
		return nil, fmt.Errorf("max distance must be a positive integer, got %d", opts.MaxDist)
	}

	srcs, err := openGrids(ctx, env,
		[]string{opts.Flow, opts.Stream},
		[]raster.DataType{raster.Int16, raster.Int16})
	if err != nil {
		return nil, err
	}
	defer closeAll(srcs)
	hdr := srcs[0].Header()

	band, err := bandFor(t, hdr)
	if err != nil {
		return nil, err
	}
	flow, err := load[int16](ctx, srcs[0], band, 0)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", opts.Flow, err)
	}
	stream, err := load[int16](ctx, srcs[1], band, 1)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", opts.Stream, err)
	}

	seeds, err := shareSeeds(ctx, t, func() ([]points.Seed, error) {
		seeds, err := env.ReadPoints(ctx, opts.Points)
		if err != nil {
			return nil, fmt.Errorf("read points %s: %w", opts.Points, err)
		}
		return seeds, nil
	})
	if err != nil {
		return nil, err
	}

	eng, err := snap.New(t, flow, snap.StreamSnap{Stream: stream, Threshold: opts.Threshold}, snap.Config{
		MaxDist:  opts.MaxDist,
		Logger:   env.Logger,
		Progress: env.Progress,
	})
	if err != nil {
		return nil, err
	}
	out, err := eng.Run(ctx, newRegistry(hdr, seeds))
	if err != nil {
		return nil, err
	}
	if t.Rank() != comm.Root {
		return nil, nil
	}
	return &Report{Kind: KindStreamSnap, Seeds: seeds, Outcomes: out}, nil
}
