package client

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultProbeInterval between connectivity checks.
const DefaultProbeInterval = 5 * time.Second

// Monitor watches server reachability and pauses or resumes the
// coordinator's transfers on transitions. Probes run on a ticker;
// SetOnline and SetOffline accept explicit signals from the host
// application (for example an OS network-change notification).
type Monitor struct {
	coordinator *Coordinator
	probe       func(ctx context.Context) bool
	interval    time.Duration
	logger      *log.Logger

	mu     sync.Mutex
	online bool
}

// MonitorOption adjusts a Monitor.
type MonitorOption func(*Monitor)

// WithProbe replaces the connectivity check.
func WithProbe(probe func(ctx context.Context) bool) MonitorOption {
	return func(m *Monitor) { m.probe = probe }
}

// WithProbeInterval sets the polling cadence.
func WithProbeInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = interval }
}

func NewMonitor(coordinator *Coordinator, transport Transport, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		coordinator: coordinator,
		probe:       transport.Healthy,
		interval:    DefaultProbeInterval,
		logger:      log.Default(),
		online:      true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run polls until ctx is cancelled. Meant to be launched as a
// goroutine next to the coordinator.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(ctx, m.probe(ctx))
		}
	}
}

// SetOnline records an explicit connectivity-restored signal.
func (m *Monitor) SetOnline(ctx context.Context) {
	m.observe(ctx, true)
}

// SetOffline records an explicit connectivity-lost signal.
func (m *Monitor) SetOffline() {
	m.observe(context.Background(), false)
}

// observe applies a connectivity sample, acting only on transitions so
// repeated samples in the same state stay cheap.
func (m *Monitor) observe(ctx context.Context, online bool) {
	m.mu.Lock()
	changed := online != m.online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.logger.Info("connectivity restored, resuming uploads")
		m.coordinator.ResumeAll(ctx)
	} else {
		m.logger.Info("connectivity lost, pausing uploads")
		m.coordinator.PauseAll()
	}
}
