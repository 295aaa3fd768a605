package service

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// HealthzServer answers liveness probes while a run is being reported
type HealthzServer struct {
	log   log.Logger
	ready func() bool

	mu     sync.Mutex
	server *http.Server
}

// Handler returns the healthz routes wrapped in a permissive CORS policy
func (h *HealthzServer) Handler() http.Handler {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(hdlr)
}

// Start serves until Shutdown is called
func (h *HealthzServer) Start(addr string) error {
	h.mu.Lock()
	if h.server != nil {
		h.mu.Unlock()
		return errors.New("healthz server already started")
	}
	h.server = &http.Server{
		Handler: h.Handler(),
		Addr:    addr,
	}
	server := h.server
	h.mu.Unlock()
	return server.ListenAndServe()
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Handle reports OK while the service is live and 503 once it has stopped
func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("Received health check request", "path", r.URL.Path)
	if h.ready != nil && !h.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("STOPPED")) //nolint:errcheck
		return
	}
	w.Write([]byte("OK")) //nolint:errcheck
}
