package service

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// MetricsServer exposes the process metrics for scraping
type MetricsServer struct {
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	server *http.Server
}

func (m *MetricsServer) Handler() http.Handler {
	gatherer := m.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	hdlr := http.NewServeMux()
	hdlr.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(hdlr)
}

// Start serves until Shutdown is called
func (m *MetricsServer) Start(addr string) error {
	m.mu.Lock()
	if m.server != nil {
		m.mu.Unlock()
		return errors.New("metrics server already started")
	}
	m.server = &http.Server{
		Handler: m.Handler(),
		Addr:    addr,
	}
	server := m.server
	m.mu.Unlock()
	return server.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
