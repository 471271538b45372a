package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hhd/wresters-adapter/pkg/config"
	"github.com/hhd/wresters-adapter/pkg/forwarder"
	"github.com/hhd/wresters-adapter/pkg/handler"
	"github.com/hhd/wresters-adapter/pkg/healthcheck"
	"github.com/hhd/wresters-adapter/pkg/logging"
	"github.com/hhd/wresters-adapter/pkg/metrics"
	"go.uber.org/zap"
)

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr *config.Manager
	cfg       *config.Config
	lastSeen  *config.Config // most recent reload; restart warnings fire once per change
	level     zap.AtomicLevel
	handler   *handler.Handler
	monitor   *healthcheck.Monitor
	metrics   *metrics.Metrics
	listener  net.Listener

	// connCtx outlives the accept loop so in-flight connections can drain.
	connCtx     context.Context
	cancelConns context.CancelFunc
	workers     sync.WaitGroup

	logger *zap.Logger
}

// NewServer initializes all modules from the current configuration and returns a
// ready-to-run Server. level is adjusted when the config file's log level changes.
func NewServer(configMgr *config.Manager, level zap.AtomicLevel, logger *zap.Logger) *Server {
	cfg := configMgr.GetConfig()
	fwd := forwarder.NewHTTPForwarder(
		cfg.Forward.Host,
		cfg.Forward.Port,
		cfg.Forward.GetScheme(),
		cfg.Forward.GetTimeout(),
		logger.Named("forwarder"),
	)
	return newServerWithForwarder(configMgr, level, fwd, logger)
}

// newServerWithForwarder initializes a Server with a pre-created Forwarder.
// This allows tests to inject a recording Forwarder.
func newServerWithForwarder(configMgr *config.Manager, level zap.AtomicLevel, fwd forwarder.Forwarder, logger *zap.Logger) *Server {
	cfg := configMgr.GetConfig()
	connCtx, cancelConns := context.WithCancel(context.Background())

	server := &Server{
		configMgr:   configMgr,
		cfg:         cfg,
		lastSeen:    cfg,
		level:       level,
		metrics:     metrics.New(),
		connCtx:     connCtx,
		cancelConns: cancelConns,
		logger:      logger,
	}

	server.handler = handler.New(fwd, handler.OptionsFromConfig(cfg.Listen), server.metrics, logger.Named("handler"))

	// Health state only feeds logs and the upstream gauge
	server.monitor = healthcheck.NewMonitorFromConfig(cfg, server.metrics.SetUpstreamHealthy, logger.Named("healthcheck"))

	return server
}

// Listen binds the inbound TCP endpoint. A bind failure is fatal for the caller.
func (s *Server) Listen() error {
	endpoint := s.cfg.Listen.Endpoint()
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", endpoint, err)
	}
	s.listener = listener
	s.logger.Info("listening for access point logs",
		zap.String("address", listener.Addr().String()),
		zap.String("framing", s.cfg.Listen.GetFraming()),
		zap.String("forward_target", s.cfg.Forward.Target()),
	)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Serve accepts connections until ctx is cancelled, handing each to its own
// goroutine. Accept errors are logged and skipped.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	stop := context.AfterFunc(ctx, func() {
		s.listener.Close()
	})
	defer stop()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.logger.Info("listener closed, no longer accepting connections")
				return nil
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("failed to accept connection", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.handler.Handle(s.connCtx, conn)
		}()
	}
}

// Run starts the server in daemon mode: binds if needed, starts health checks, the
// metrics endpoint and config watching, then serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.monitor != nil {
		s.monitor.Start(runCtx)
	}

	if addr := s.cfg.Metrics.Listen; addr != "" {
		s.startMetrics(runCtx, addr)
	}

	// Start config file watching
	s.configMgr.WatchConfig()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(runCtx)
	}()

	// Main event loop
	s.logger.Info("server started, entering main loop")
	for {
		select {
		case <-s.configMgr.OnChange():
			s.applyConfig(s.configMgr.GetConfig())

		case err := <-serveErr:
			s.shutdown()
			return err

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			cancel()
			<-serveErr
			s.shutdown()
			return nil
		}
	}
}

// RunOnce pushes a single stream (e.g. stdin) through the pipeline and returns once
// it is exhausted. No listener is bound.
func (s *Server) RunOnce(ctx context.Context, r io.Reader) error {
	s.handler.HandleReader(ctx, r, "stdin")
	s.cancelConns()
	return nil
}

// startMetrics binds the metrics endpoint. Failure is logged; serving continues.
func (s *Server) startMetrics(ctx context.Context, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error("failed to bind metrics endpoint", zap.String("address", addr), zap.Error(err))
		return
	}

	metricsLogger := s.logger.Named("metrics")
	go func() {
		if err := s.metrics.Serve(ctx, listener, metricsLogger); err != nil {
			metricsLogger.Error("metrics endpoint stopped", zap.Error(err))
		}
	}()
}

// applyConfig applies the live-reloadable parts of a reloaded configuration.
func (s *Server) applyConfig(newCfg *config.Config) {
	if err := logging.SetLevel(s.level, newCfg.Global.LogLevel); err != nil {
		s.logger.Error("failed to apply log level", zap.Error(err))
	} else {
		s.logger.Info("log level applied", zap.String("level", s.level.Level().String()))
	}

	if sections := config.RestartRequired(s.lastSeen, newCfg); len(sections) > 0 {
		s.logger.Warn("config changes take effect after restart", zap.Strings("sections", sections))
	}
	s.lastSeen = newCfg
}

// shutdown drains in-flight connections for the configured grace period, then
// closes whatever is left and stops the remaining modules.
func (s *Server) shutdown() {
	grace := s.cfg.Listen.GetShutdownGrace()

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(grace):
		s.logger.Warn("closing connections still open after grace period", zap.Duration("grace", grace))
	}

	s.cancelConns()
	<-drained

	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.logger.Info("server stopped")
}
