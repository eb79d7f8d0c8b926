package job

import (
	"context"
	"fmt"

	"flowsnap/internal/comm"
	"flowsnap/internal/points"
	"flowsnap/internal/raster"
	"flowsnap/internal/regionmax"
	"flowsnap/internal/snap"
)

// ConnectDownOptions names the inputs of a connect-down run.
type ConnectDownOptions struct {
	Flow     string
	Labels   string
	Accum    string
	MoveDist int
}

// RunConnectDown places an outlet at the largest accumulation cell of every
// watershed and moves it MoveDist cells downstream to find the watershed it
// drains into.
func RunConnectDown(ctx context.Context, t comm.Transport, env Env, opts ConnectDownOptions) (*Report, error) {
	env = env.withDefaults()
	if opts.MoveDist < 1 {
		return nil, fmt.Errorf("move distance must be a positive integer, got %d", opts.MoveDist)
	}

	srcs, err := openGrids(ctx, env,
		[]string{opts.Flow, opts.Labels, opts.Accum},
		[]raster.DataType{raster.Int16, raster.Int32, raster.Float32})
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
	labels, err := load[int32](ctx, srcs[1], band, 1)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", opts.Labels, err)
	}
	accum, err := load[float32](ctx, srcs[2], band, 0)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", opts.Accum, err)
	}

	outlets, err := regionmax.Compute(ctx, t, labels, accum)
	if err != nil {
		return nil, err
	}
	if len(outlets) == 0 {
		return nil, ErrNoPoints
	}
	seeds := make([]points.Seed, len(outlets))
	for i, o := range outlets {
		x, y := hdr.GlobalXYToGeo(o.GX, o.GY)
		seeds[i] = points.Seed{X: x, Y: y, Props: points.Properties{
			points.IntAttr("id", o.Label),
			points.DoubleAttr("ad8", o.Accum),
		}}
	}
	env.Logger.Printf("job: %d watershed outlets", len(seeds))

	eng, err := snap.New(t, flow, snap.ConnectDown{Labels: labels, Budget: opts.MoveDist}, snap.Config{
		MaxDist:  opts.MoveDist,
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
	return &Report{Kind: KindConnectDown, Seeds: seeds, Outcomes: out}, nil
}
