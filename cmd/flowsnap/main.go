package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowsnap/internal/app"
	"flowsnap/internal/config"
	"flowsnap/internal/status"
)

const usage = `usage: flowsnap <command> [flags]

commands:
  streamsnap   -p FLOW -src STREAM -o POINTS -om OUT [-md N] [-thresh T]
  connectdown  -p FLOW -w LABELS -ad8 ACCUM -o OUTLETS -od MOVED [-d N]
  status       [-addr URL] [-run RUN_ID]

streamsnap and connectdown also take -workers N, or -rank R -peers a0,a1,... -run ID
to run as one process of a distributed job.
`

func main() {
	log.SetPrefix("flowsnap: ")
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	config.LoadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "streamsnap":
		err = runStreamSnap(ctx, args)
	case "connectdown":
		err = runConnectDown(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		stop()
		log.Fatalf("%s: %v", cmd, err)
	}
}

func runStreamSnap(ctx context.Context, args []string) error {
	cfg, err := config.ParseStreamSnap(args)
	if err != nil {
		return err
	}
	a, err := app.New(cfg.Runtime, log.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	runID, report, err := a.StreamSnap(ctx, cfg)
	if err != nil {
		return err
	}
	if report != nil {
		s := report.Summary()
		log.Printf("run %s: %d points, %d on stream, %d failed, %d moved in %s",
			runID, s.Total, s.Succeeded, s.Failed, s.Moved, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func runConnectDown(ctx context.Context, args []string) error {
	cfg, err := config.ParseConnectDown(args)
	if err != nil {
		return err
	}
	a, err := app.New(cfg.Runtime, log.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	runID, report, err := a.ConnectDown(ctx, cfg)
	if err != nil {
		return err
	}
	if report != nil {
		s := report.Summary()
		log.Printf("run %s: %d outlets, %d connected, %d left the grid in %s",
			runID, s.Total, s.Succeeded, s.Failed, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	cfg, err := config.ParseStatus(args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	s, err := status.NewClient(nil, cfg.Addr).Get(ctx, cfg.RunID)
	if err != nil {
		return err
	}
	fmt.Printf("run:        %s (%s)\n", s.RunID, s.Kind)
	fmt.Printf("state:      %s\n", s.State)
	fmt.Printf("workers:    %d\n", s.Workers)
	fmt.Printf("iteration:  %d\n", s.Iteration)
	fmt.Printf("terminated: %d/%d\n", s.Terminated, s.Total)
	if s.State == status.StateSucceeded {
		fmt.Printf("succeeded:  %d, failed: %d, moved: %d\n", s.Succeeded, s.Failed, s.Moved)
	}
	if s.Error != "" {
		fmt.Printf("error:      %s\n", s.Error)
	}
	fmt.Printf("updated:    %s\n", s.UpdatedAt.Format(time.RFC3339))
	return nil
}
