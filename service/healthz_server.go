package service

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// HealthzServer answers liveness probes. It reports unhealthy once MarkUnhealthy is called,
// for example when the worker pool of an interval run cannot be started.
type HealthzServer struct {
	log       log.Logger
	mu        sync.Mutex
	server    *http.Server
	unhealthy atomic.Bool
}

func NewHealthzServer(logger log.Logger) *HealthzServer {
	return &HealthzServer{log: logger}
}

// Handler returns the CORS-enabled handler serving /healthz.
func (h *HealthzServer) Handler() http.Handler {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(hdlr)
}

func (h *HealthzServer) Start(addr string) error {
	srv := &http.Server{
		Handler: h.Handler(),
		Addr:    addr,
	}
	h.mu.Lock()
	h.server = srv
	h.mu.Unlock()
	return srv.ListenAndServe()
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	srv := h.server
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Healthy reports whether MarkUnhealthy has not been called.
func (h *HealthzServer) Healthy() bool {
	return !h.unhealthy.Load()
}

func (h *HealthzServer) MarkUnhealthy() {
	h.unhealthy.Store(true)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("Received health check request", "path", r.URL.Path)
	if h.unhealthy.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("UNHEALTHY")) //nolint:errcheck
		return
	}
	w.Write([]byte("OK")) //nolint:errcheck
}
