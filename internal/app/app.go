// Package app runs a job either as a pool of in-process workers or as one
// rank of a multi-process mesh, and delivers its results.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"flowsnap/internal/artifact"
	"flowsnap/internal/comm"
	"flowsnap/internal/config"
	"flowsnap/internal/job"
	"flowsnap/internal/points"
	"flowsnap/internal/resultdb"
	"flowsnap/internal/server"
	"flowsnap/internal/snap"
	"flowsnap/internal/status"
	"flowsnap/internal/trace"
)

const shutdownTimeout = 5 * time.Second

// App holds the collaborators shared by every run of the process.
type App struct {
	logger   *log.Logger
	resolver *artifact.Resolver
	objects  *artifact.CachedStore
	results  *resultdb.Store
	tracker  *status.Tracker
	trace    *trace.Logger

	cacheRows int
}

// New wires the object store, the result database and tracing from rt.
func New(rt config.Runtime, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	a := &App{
		logger:  logger,
		tracker: status.NewTracker(),
		trace:   trace.New(rt.TraceDir),
	}

	var store artifact.Store
	if rt.Artifact.Enabled {
		s3, err := artifact.NewS3Store(artifact.S3Config{
			Endpoint:  rt.Artifact.Endpoint,
			Region:    rt.Artifact.Region,
			AccessKey: rt.Artifact.AccessKey,
			SecretKey: rt.Artifact.SecretKey,
			Bucket:    rt.Artifact.Bucket,
			UseSSL:    rt.Artifact.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		a.objects = artifact.NewCachedStore(s3, artifact.DefaultCacheConfig())
		store = a.objects
		logger.Printf("app: artifact store %s bucket %s", rt.Artifact.Endpoint, s3.Bucket())
	}
	a.resolver = artifact.NewResolver(store, rt.Artifact.Bucket, rt.CacheDir, logger)

	if rt.DatabaseURL != "" {
		db, err := resultdb.Open(rt.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.results = db
	}
	return a, nil
}

func (a *App) Close() error {
	if a.objects != nil {
		st := a.objects.Stats()
		a.logger.Printf("app: object store: %d uploads, %d downloads, stat hits %d/%d, %d errors",
			st.Uploads, st.Downloads, st.StatHits, st.StatHits+st.StatMisses, st.OriginErrors)
	}
	return a.results.Close()
}

// Tracker exposes run progress of this process.
func (a *App) Tracker() *status.Tracker { return a.tracker }

type runFunc func(ctx context.Context, t comm.Transport, env job.Env) (*job.Report, error)

// StreamSnap runs a stream-snap job and writes the moved points.
func (a *App) StreamSnap(ctx context.Context, cfg *config.StreamSnap) (string, *job.Report, error) {
	opts := job.StreamSnapOptions{
		Flow:      cfg.Flow,
		Stream:    cfg.Stream,
		Points:    cfg.Points,
		MaxDist:   cfg.MaxDist,
		Threshold: int16(cfg.Threshold),
	}
	return a.execute(ctx, cfg.Runtime, job.KindStreamSnap,
		func(ctx context.Context, t comm.Transport, env job.Env) (*job.Report, error) {
			return job.RunStreamSnap(ctx, t, env, opts)
		},
		func(ctx context.Context, r *job.Report) error {
			return a.publish(ctx, cfg.Out, r.Moved())
		})
}

// ConnectDown runs a connect-down job and writes the outlets before and
// after the move.
func (a *App) ConnectDown(ctx context.Context, cfg *config.ConnectDown) (string, *job.Report, error) {
	opts := job.ConnectDownOptions{
		Flow:     cfg.Flow,
		Labels:   cfg.Labels,
		Accum:    cfg.Accum,
		MoveDist: cfg.MoveDist,
	}
	return a.execute(ctx, cfg.Runtime, job.KindConnectDown,
		func(ctx context.Context, t comm.Transport, env job.Env) (*job.Report, error) {
			return job.RunConnectDown(ctx, t, env, opts)
		},
		func(ctx context.Context, r *job.Report) error {
			if err := a.publish(ctx, cfg.Outlets, r.Unmoved()); err != nil {
				return err
			}
			return a.publish(ctx, cfg.Moved, r.Moved())
		})
}

// execute runs fn on every worker this process hosts. Only the coordinator
// delivers results; other ranks return a nil report.
func (a *App) execute(ctx context.Context, rt config.Runtime, kind job.Kind, fn runFunc, deliver func(context.Context, *job.Report) error) (string, *job.Report, error) {
	runID := rt.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	coordinator := rt.Rank == comm.Root
	tr := a.trace.Run(runID, rt.Rank)
	tr.Stage("start", map[string]any{"kind": string(kind), "workers": rt.Workers, "distributed": rt.Distributed()})
	if coordinator {
		a.tracker.Start(runID, kind, rt.Workers)
		a.logger.Printf("app: %s run %s on %d workers", kind, runID, rt.Workers)
	}

	env := job.Env{
		ReadPoints: a.readPoints,
		Logger:     a.logger,
		Progress: func(p snap.Progress) {
			a.tracker.Progress(runID, p)
			tr.Stage("iteration", map[string]any{
				"iteration": p.Iteration, "owned": p.Owned, "terminated": p.Terminated, "total": p.Total,
			})
		},
	}

	stopStatus := func() {}
	if coordinator && rt.StatusAddr != "" {
		stop, err := a.serveStatus(rt.StatusAddr)
		if err != nil {
			return runID, nil, err
		}
		stopStatus = stop
	}
	defer stopStatus()

	var (
		report *job.Report
		err    error
	)
	if rt.Distributed() {
		report, err = a.runDistributed(ctx, rt, runID, env, fn)
	} else {
		report, err = a.runLocal(ctx, rt.Workers, env, fn)
	}
	if err == nil && report != nil {
		err = a.deliver(ctx, runID, report, deliver)
	}

	var sum job.Summary
	if report != nil {
		sum = report.Summary()
	}
	if coordinator {
		a.tracker.Finish(runID, sum, err)
	}
	if err != nil {
		tr.Stage("failed", map[string]any{"error": err.Error()})
		return runID, nil, err
	}
	tr.Stage("done", map[string]any{"total": sum.Total, "succeeded": sum.Succeeded, "failed": sum.Failed, "moved": sum.Moved})
	return runID, report, nil
}

func (a *App) runLocal(ctx context.Context, workers int, env job.Env, fn runFunc) (*job.Report, error) {
	sources := newSourceCache(a.resolver, a.cacheRows)
	defer sources.Close()
	env.Open = sources.Open

	mesh := comm.NewLocalMesh(workers)
	defer func() {
		for _, t := range mesh {
			_ = t.Close()
		}
	}()

	var report *job.Report
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range mesh {
		wenv := env
		wenv.Logger = log.New(a.logger.Writer(), fmt.Sprintf("%s[rank %d] ", a.logger.Prefix(), t.Rank()), a.logger.Flags())
		g.Go(func() error {
			r, err := fn(gctx, t, wenv)
			if err != nil {
				return fmt.Errorf("rank %d: %w", t.Rank(), err)
			}
			if t.Rank() == comm.Root {
				report = r
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

func (a *App) runDistributed(ctx context.Context, rt config.Runtime, runID string, env job.Env, fn runFunc) (*job.Report, error) {
	sources := newSourceCache(a.resolver, a.cacheRows)
	defer sources.Close()
	env.Open = sources.Open

	mesh, err := comm.NewWSMesh(rt.Rank, rt.Workers, runID, a.logger)
	if err != nil {
		return nil, err
	}

	var tracker *status.Tracker
	if rt.Rank == comm.Root {
		tracker = a.tracker
	}
	ln, err := net.Listen("tcp", rt.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", rt.Listen, err)
	}
	srv := server.New(rt.Listen, server.NewMux(mesh, tracker), a.logger)
	go func() {
		if err := srv.Serve(ln); err != nil {
			a.logger.Printf("app: peer server: %v", err)
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	if err := mesh.Connect(ctx, rt.Peers); err != nil {
		_ = mesh.Abort(err)
		return nil, fmt.Errorf("connect mesh: %w", err)
	}
	report, err := fn(ctx, mesh, env)
	if err != nil {
		_ = mesh.Abort(err)
		return nil, err
	}
	return report, mesh.Close()
}

func (a *App) serveStatus(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status listen %s: %w", addr, err)
	}
	srv := server.New(addr, server.NewMux(nil, a.tracker), a.logger)
	go func() {
		if err := srv.Serve(ln); err != nil {
			a.logger.Printf("app: status server: %v", err)
		}
	}()
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}, nil
}

func (a *App) readPoints(ctx context.Context, ref string) ([]points.Seed, error) {
	path, err := a.resolver.Local(ctx, ref)
	if err != nil {
		return nil, err
	}
	return job.ReadGeoJSONFile(ctx, path)
}

func (a *App) deliver(ctx context.Context, runID string, report *job.Report, write func(context.Context, *job.Report) error) error {
	var errs []error
	if err := write(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if a.results != nil {
		if err := a.results.SaveRun(ctx, runID, resultdb.RowsFromReport(runID, report)); err != nil {
			errs = append(errs, fmt.Errorf("save results: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) publish(ctx context.Context, ref string, features []points.Feature) error {
	var buf bytes.Buffer
	if err := points.WriteGeoJSON(&buf, features); err != nil {
		return err
	}
	if err := a.resolver.Publish(ctx, ref, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	a.logger.Printf("app: wrote %d points to %s", len(features), ref)
	return nil
}
