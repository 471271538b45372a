package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/hhd/wresters-adapter/pkg/config"
	"go.uber.org/zap"
)

// Monitor periodically probes the presence service and tracks whether it is
// reachable. It is observational only: forwarding never waits on it.
type Monitor struct {
	address   string
	checker   Checker
	interval  time.Duration
	failCount int
	riseCount int

	mu               sync.RWMutex
	healthy          bool
	consecutiveFails int
	consecutiveOK    int
	cancel           context.CancelFunc
	done             chan struct{}

	onChange func(healthy bool)
	logger   *zap.Logger
}

// NewMonitor creates a Monitor for address using the given checker and thresholds.
// The onChange callback is invoked whenever the health status flips.
func NewMonitor(address string, checker Checker, interval time.Duration, failCount, riseCount int, onChange func(bool), logger *zap.Logger) *Monitor {
	return &Monitor{
		address:   address,
		checker:   checker,
		interval:  interval,
		failCount: failCount,
		riseCount: riseCount,
		healthy:   true,
		onChange:  onChange,
		logger:    logger,
	}
}

// NewMonitorFromConfig builds a Monitor for the configured forwarding target, or
// returns nil when the health check is disabled.
func NewMonitorFromConfig(cfg *config.Config, onChange func(bool), logger *zap.Logger) *Monitor {
	hc := cfg.HealthCheck
	if !hc.IsEnabled() {
		return nil
	}

	var checker Checker
	switch hc.GetType() {
	case "http":
		checker = NewHTTPChecker(hc.GetTimeout(), cfg.Forward.GetScheme(), "/")
	default:
		checker = NewTCPChecker(hc.GetTimeout())
	}

	return NewMonitor(cfg.Forward.Target(), checker, hc.GetInterval(), hc.GetFailCount(), hc.GetRiseCount(), onChange, logger)
}

// IsHealthy returns whether the presence service is currently considered reachable.
// The initial state is healthy.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Start launches the probe loop. Calling Start on a running Monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}
	checkCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	m.logger.Info("started health check for presence service",
		zap.String("address", m.address),
		zap.Duration("interval", m.interval),
	)

	go m.run(checkCtx, m.done)
}

// run is the probe loop.
func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.checker.Check(m.address)
			m.handleCheckResult(err)
		}
	}
}

// handleCheckResult processes a single health check result and updates the status.
// Triggers onChange callback if the health status transitions.
func (m *Monitor) handleCheckResult(checkErr error) {
	m.mu.Lock()

	previouslyHealthy := m.healthy

	if checkErr != nil {
		m.consecutiveFails++
		m.consecutiveOK = 0

		if m.healthy && m.consecutiveFails >= m.failCount {
			m.healthy = false
			m.logger.Warn("presence service marked unhealthy",
				zap.String("address", m.address),
				zap.Int("consecutive_fails", m.consecutiveFails),
				zap.Error(checkErr),
			)
		}
	} else {
		m.consecutiveOK++
		m.consecutiveFails = 0

		if !m.healthy && m.consecutiveOK >= m.riseCount {
			m.healthy = true
			m.logger.Info("presence service marked healthy",
				zap.String("address", m.address),
				zap.Int("consecutive_ok", m.consecutiveOK),
			)
		}
	}

	healthy := m.healthy
	m.mu.Unlock()

	if previouslyHealthy != healthy && m.onChange != nil {
		m.onChange(healthy)
	}
}

// Stop cancels the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("health check stopped", zap.String("address", m.address))
}
