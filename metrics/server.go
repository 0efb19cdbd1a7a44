package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes a registry over HTTP.
type Server struct {
	server   *http.Server
	port     int
	endpoint string
}

// NewServer creates a metrics server for reg on port at endpoint.
func NewServer(port int, endpoint string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		port:     port,
		endpoint: endpoint,
	}
}

// Handler returns the HTTP handler serving the registry.
func (m *Server) Handler() http.Handler {
	return m.server.Handler
}

// Start begins serving metrics in the background.
func (m *Server) Start() {
	go func() {
		logrus.Infof("metrics server listening on port %d%s", m.port, m.endpoint)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("metrics server failed: %v", err)
		}
	}()
}

// Shutdown gracefully stops the metrics server.
func (m *Server) Shutdown(ctx context.Context) error {
	logrus.Info("shutting down metrics server...")
	return m.server.Shutdown(ctx)
}
