package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Message outcomes recorded by the connection handler.
const (
	OutcomeForwarded     = "forwarded"
	OutcomeRejected      = "rejected"
	OutcomeUnavailable   = "unavailable"
	OutcomeInvalidFormat = "invalid_format"
)

// Metrics holds the adapter's collectors on a private registry.
type Metrics struct {
	registry          *prometheus.Registry
	connections       prometheus.Counter
	activeConnections prometheus.Gauge
	messages          *prometheus.CounterVec
	readErrors        prometheus.Counter
	upstreamHealthy   prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wresters_connections_total",
			Help: "Inbound log connections accepted.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wresters_active_connections",
			Help: "Inbound log connections currently being handled.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wresters_messages_total",
			Help: "Log messages processed, by outcome.",
		}, []string{"outcome"}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wresters_read_errors_total",
			Help: "Inbound connections terminated by a read error.",
		}),
		upstreamHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wresters_upstream_healthy",
			Help: "1 when the presence service passes health checks, 0 otherwise.",
		}),
	}
	m.upstreamHealthy.Set(1)

	m.registry.MustRegister(
		m.connections,
		m.activeConnections,
		m.messages,
		m.readErrors,
		m.upstreamHealthy,
	)
	return m
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	m.connections.Inc()
	m.activeConnections.Inc()
}

// ConnectionClosed records the end of a connection.
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

// Message records one processed message with the given outcome.
func (m *Metrics) Message(outcome string) {
	m.messages.WithLabelValues(outcome).Inc()
}

// ReadError records a connection ended by a read error.
func (m *Metrics) ReadError() {
	m.readErrors.Inc()
}

// SetUpstreamHealthy updates the upstream health gauge.
func (m *Metrics) SetUpstreamHealthy(healthy bool) {
	if healthy {
		m.upstreamHealthy.Set(1)
		return
	}
	m.upstreamHealthy.Set(0)
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on listener until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, listener net.Listener, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint started", zap.String("address", listener.Addr().String()))
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
