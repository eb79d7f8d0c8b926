// Package config reads command flags, the process environment and an
// optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ErrUsage marks configuration the user has to fix.
var ErrUsage = errors.New("config: invalid usage")

// Defaults for the run parameters.
const (
	DefaultMaxDist    = 50
	DefaultMoveDist   = 1
	DefaultThreshold  = 1
	DefaultStatusAddr = "http://127.0.0.1:8090"
)

type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Runtime is shared by every command that runs the engine.
type Runtime struct {
	Workers     int
	Rank        int
	Peers       []string
	Listen      string
	StatusAddr  string
	RunID       string
	CacheDir    string
	TraceDir    string
	DatabaseURL string
	Artifact    ArtifactConfig
}

// Distributed reports whether this process is one rank of a multi-process run.
func (r Runtime) Distributed() bool { return len(r.Peers) > 0 }

type StreamSnap struct {
	Runtime
	Flow      string
	Stream    string
	Points    string
	Out       string
	MaxDist   int
	Threshold int
}

type ConnectDown struct {
	Runtime
	Flow     string
	Labels   string
	Accum    string
	Outlets  string
	Moved    string
	MoveDist int
}

type Status struct {
	Addr  string
	RunID string
}

// LoadDotEnv reads .env when present. Existing variables win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func ParseStreamSnap(args []string) (*StreamSnap, error) {
	fs := flag.NewFlagSet("streamsnap", flag.ContinueOnError)
	cfg := &StreamSnap{}
	fs.StringVar(&cfg.Flow, "p", "", "D8 flow direction grid")
	fs.StringVar(&cfg.Stream, "src", "", "stream raster grid")
	fs.StringVar(&cfg.Points, "o", "", "input outlet points (GeoJSON)")
	fs.StringVar(&cfg.Out, "om", "", "moved outlet points (GeoJSON)")
	fs.IntVar(&cfg.MaxDist, "md", DefaultMaxDist, "maximum number of cells to move")
	fs.IntVar(&cfg.Threshold, "thresh", DefaultThreshold, "smallest stream grid value counted as stream")
	rt := runtimeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	var err error
	if cfg.Runtime, err = rt.resolve(); err != nil {
		return nil, err
	}
	if err := required(map[string]string{"-p": cfg.Flow, "-src": cfg.Stream, "-o": cfg.Points, "-om": cfg.Out}); err != nil {
		return nil, err
	}
	if cfg.MaxDist < 1 {
		return nil, fmt.Errorf("%w: -md must be a positive integer, got %d", ErrUsage, cfg.MaxDist)
	}
	if cfg.Threshold < -32768 || cfg.Threshold > 32767 {
		return nil, fmt.Errorf("%w: -thresh %d does not fit the stream grid", ErrUsage, cfg.Threshold)
	}
	return cfg, nil
}

func ParseConnectDown(args []string) (*ConnectDown, error) {
	fs := flag.NewFlagSet("connectdown", flag.ContinueOnError)
	cfg := &ConnectDown{}
	fs.StringVar(&cfg.Flow, "p", "", "D8 flow direction grid")
	fs.StringVar(&cfg.Labels, "w", "", "watershed label grid")
	fs.StringVar(&cfg.Accum, "ad8", "", "D8 contributing area grid")
	fs.StringVar(&cfg.Outlets, "o", "", "outlets at the region maxima (GeoJSON)")
	fs.StringVar(&cfg.Moved, "od", "", "outlets moved downstream (GeoJSON)")
	fs.IntVar(&cfg.MoveDist, "d", DefaultMoveDist, "number of cells to move downstream")
	rt := runtimeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	var err error
	if cfg.Runtime, err = rt.resolve(); err != nil {
		return nil, err
	}
	if err := required(map[string]string{"-p": cfg.Flow, "-w": cfg.Labels, "-ad8": cfg.Accum, "-o": cfg.Outlets, "-od": cfg.Moved}); err != nil {
		return nil, err
	}
	if cfg.MoveDist < 1 {
		return nil, fmt.Errorf("%w: -d must be a positive integer, got %d", ErrUsage, cfg.MoveDist)
	}
	return cfg, nil
}

func ParseStatus(args []string) (*Status, error) {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cfg := &Status{}
	fs.StringVar(&cfg.Addr, "addr", "", "status service URL")
	fs.StringVar(&cfg.RunID, "run", "", "run id, empty for the latest run")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	cfg.Addr = firstNonEmpty(cfg.Addr, os.Getenv("FLOWSNAP_STATUS_ADDR"), DefaultStatusAddr)
	if !strings.Contains(cfg.Addr, "://") {
		cfg.Addr = "http://" + cfg.Addr
	}
	cfg.RunID = firstNonEmpty(cfg.RunID, os.Getenv("FLOWSNAP_RUN_ID"))
	return cfg, nil
}

type runtimeFlagSet struct {
	workers    *int
	rank       *int
	peers      *string
	listen     *string
	statusAddr *string
	runID      *string
}

func runtimeFlags(fs *flag.FlagSet) *runtimeFlagSet {
	return &runtimeFlagSet{
		workers:    fs.Int("workers", -1, "in-process workers (default FLOWSNAP_WORKERS or 1)"),
		rank:       fs.Int("rank", -1, "rank of this process in a distributed run"),
		peers:      fs.String("peers", "", "comma separated host:port of every rank"),
		listen:     fs.String("listen", "", "listen address (default the own entry of -peers)"),
		statusAddr: fs.String("status", "", "status service listen address of the coordinator"),
		runID:      fs.String("run", "", "run id shared by every rank"),
	}
}

func (f *runtimeFlagSet) resolve() (Runtime, error) {
	rt := Runtime{
		Peers:       splitList(firstNonEmpty(*f.peers, os.Getenv("FLOWSNAP_PEERS"))),
		Listen:      firstNonEmpty(*f.listen, os.Getenv("FLOWSNAP_LISTEN")),
		StatusAddr:  firstNonEmpty(*f.statusAddr, os.Getenv("FLOWSNAP_STATUS_ADDR")),
		RunID:       firstNonEmpty(*f.runID, os.Getenv("FLOWSNAP_RUN_ID")),
		CacheDir:    strings.TrimSpace(os.Getenv("FLOWSNAP_CACHE_DIR")),
		TraceDir:    strings.TrimSpace(os.Getenv("TRACE_DIR")),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Artifact:    loadArtifactConfig(),
	}

	workers, err := intSetting("workers", *f.workers, -1, "FLOWSNAP_WORKERS", 1)
	if err != nil {
		return Runtime{}, err
	}
	rank, err := intSetting("rank", *f.rank, -1, "FLOWSNAP_RANK", -1)
	if err != nil {
		return Runtime{}, err
	}
	rt.Workers, rt.Rank = workers, rank

	if !rt.Distributed() {
		if rt.Workers < 1 {
			return Runtime{}, fmt.Errorf("%w: -workers must be at least 1, got %d", ErrUsage, rt.Workers)
		}
		rt.Rank = 0
		return rt, nil
	}
	rt.Workers = len(rt.Peers)
	if rt.Rank < 0 || rt.Rank >= len(rt.Peers) {
		return Runtime{}, fmt.Errorf("%w: -rank must be in [0,%d) with -peers", ErrUsage, len(rt.Peers))
	}
	if rt.RunID == "" {
		return Runtime{}, fmt.Errorf("%w: -run is required with -peers", ErrUsage)
	}
	rt.Listen = firstNonEmpty(rt.Listen, rt.Peers[rt.Rank])
	return rt, nil
}

// intSetting prefers the flag, then the environment, then def.
func intSetting(name string, flagVal, unset int, env string, def int) (int, error) {
	if flagVal != unset {
		return flagVal, nil
	}
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer (-%s)", ErrUsage, env, raw, name)
	}
	return v, nil
}

func loadArtifactConfig() ArtifactConfig {
	endpoint := strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT"))
	return ArtifactConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "flowsnap"),
		UseSSL:    resolveUseSSL(),
	}
}

func resolveUseSSL() bool {
	raw := strings.TrimSpace(os.Getenv("ARTIFACT_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func required(flags map[string]string) error {
	var missing []string
	for _, name := range []string{"-p", "-src", "-w", "-ad8", "-o", "-om", "-od"} {
		if v, ok := flags[name]; ok && strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrUsage, strings.Join(missing, ", "))
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
