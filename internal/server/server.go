// Package server hosts the peer and status endpoints of one worker.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"flowsnap/internal/comm"
	"flowsnap/internal/status"
)

type Server struct {
	httpServer *http.Server
	logger     *log.Logger
}

func New(addr string, handler http.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: h2c.NewHandler(handler, &http2.Server{}),
		},
		logger: logger,
	}
}

// Serve answers requests on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Printf("server: listening on %s", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// NewMux routes peer connections to mesh and status queries to tracker.
// Either may be nil.
func NewMux(mesh *comm.WSMesh, tracker *status.Tracker) http.Handler {
	mux := http.NewServeMux()
	if mesh != nil {
		mux.Handle(comm.PeerPath, mesh.Handler())
	}
	if tracker != nil {
		mux.Handle(status.NewHandler(tracker))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
