package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "flowsnap.v1.StatusService"
	// GetStatusProcedure answers {"run_id": "..."}; an empty run id means
	// the most recently started run.
	GetStatusProcedure = "/" + ServiceName + "/GetStatus"
)

// NewHandler mounts the status service. The returned path is the service
// prefix to register on a mux.
func NewHandler(tracker *Tracker, opts ...connect.HandlerOption) (string, http.Handler) {
	get := connect.NewUnaryHandler(GetStatusProcedure, func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		runID := strings.TrimSpace(req.Msg.GetFields()["run_id"].GetStringValue())
		snap, err := lookup(tracker, runID)
		if err != nil {
			return nil, err
		}
		msg, err := snapshotToStruct(snap)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return connect.NewResponse(msg), nil
	}, opts...)

	mux := http.NewServeMux()
	mux.Handle(GetStatusProcedure, get)
	return "/" + ServiceName + "/", mux
}

func lookup(tracker *Tracker, runID string) (Snapshot, error) {
	if runID == "" {
		runs := tracker.List()
		if len(runs) == 0 {
			return Snapshot{}, connect.NewError(connect.CodeNotFound, errors.New("no runs started yet"))
		}
		return runs[0], nil
	}
	snap, ok := tracker.Get(runID)
	if !ok {
		return Snapshot{}, connect.NewError(connect.CodeNotFound, fmt.Errorf("run %s not found", runID))
	}
	return snap, nil
}

// Client queries a remote status service.
type Client struct {
	get *connect.Client[structpb.Struct, structpb.Struct]
}

func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &Client{
		get: connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+GetStatusProcedure, opts...),
	}
}

func (c *Client) Get(ctx context.Context, runID string) (Snapshot, error) {
	req, err := structpb.NewStruct(map[string]any{"run_id": strings.TrimSpace(runID)})
	if err != nil {
		return Snapshot{}, err
	}
	res, err := c.get.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotFromStruct(res.Msg)
}

func snapshotToStruct(s Snapshot) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"run_id":     s.RunID,
		"kind":       s.Kind,
		"state":      string(s.State),
		"workers":    s.Workers,
		"iteration":  s.Iteration,
		"owned":      s.Owned,
		"terminated": s.Terminated,
		"total":      s.Total,
		"succeeded":  s.Succeeded,
		"failed":     s.Failed,
		"moved":      s.Moved,
		"error":      s.Error,
		"started_at": s.StartedAt.Format(time.RFC3339Nano),
		"updated_at": s.UpdatedAt.Format(time.RFC3339Nano),
	})
}

func snapshotFromStruct(msg *structpb.Struct) (Snapshot, error) {
	f := msg.GetFields()
	num := func(name string) int { return int(f[name].GetNumberValue()) }
	str := func(name string) string { return f[name].GetStringValue() }

	s := Snapshot{
		RunID:      str("run_id"),
		Kind:       str("kind"),
		State:      State(str("state")),
		Workers:    num("workers"),
		Iteration:  num("iteration"),
		Owned:      num("owned"),
		Terminated: num("terminated"),
		Total:      num("total"),
		Succeeded:  num("succeeded"),
		Failed:     num("failed"),
		Moved:      num("moved"),
		Error:      str("error"),
	}
	var err error
	if s.StartedAt, err = time.Parse(time.RFC3339Nano, str("started_at")); err != nil {
		return Snapshot{}, fmt.Errorf("started_at: %w", err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, str("updated_at")); err != nil {
		return Snapshot{}, fmt.Errorf("updated_at: %w", err)
	}
	return s, nil
}
