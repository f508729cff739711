// Package gateway owns the broker instances behind the HTTP API: it builds
// them from config, runs their lifecycle and watches their health.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xdusongwei/httptrading/internal/broker"
	"github.com/xdusongwei/httptrading/internal/events"
	"github.com/xdusongwei/httptrading/pkg/config"
	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
	"github.com/xdusongwei/httptrading/pkg/i18n"
)

// Broker states published on events.EventBrokerState.
const (
	StateStarted     = "started"
	StateStartFailed = "start_failed"
	StateStopped     = "stopped"
	StateHealthy     = "healthy"
	StateUnhealthy   = "unhealthy"
)

// Config holds configuration for the Manager.
type Config struct {
	FailFast       bool          // abort StartAll on the first failing instance
	HealthInterval time.Duration // interval between ping rounds; 0 disables the loop
	PingTimeout    time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		HealthInterval: time.Minute,
		PingTimeout:    10 * time.Second,
	}
}

type instance struct {
	broker    common.Broker
	started   bool
	healthy   bool
	checkedAt time.Time
	failures  int
}

// Manager holds every configured broker instance keyed by instance id.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*instance
	order     []string

	config Config
	bus    *events.Bus
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager. bus may be nil.
func NewManager(cfg Config, bus *events.Bus, logger *slog.Logger) *Manager {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		instances: make(map[string]*instance),
		config:    cfg,
		bus:       bus,
		logger:    logger.With("component", "gateway"),
		stopCh:    make(chan struct{}),
	}
}

// Add puts a constructed broker under management.
func (m *Manager) Add(b common.Broker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := b.InstanceID()
	if _, ok := m.instances[id]; ok {
		return &common.DuplicateRegistrationError{Key: id}
	}
	m.instances[id] = &instance{broker: b, healthy: true}
	m.order = append(m.order, id)
	return nil
}

// Build constructs every configured instance through f. Construction
// errors are configuration errors and stop the build.
func (m *Manager) Build(f *Factory, insts []config.BrokerInstance, deps broker.Deps) error {
	for _, inst := range insts {
		b, err := f.Create(inst, deps)
		if err != nil {
			var missing *common.MissingDependencyError
			if errors.As(err, &missing) {
				m.logger.Error(fmt.Sprintf(i18n.M().MissingDependency, missing.Broker, missing.Package, missing.Err))
			} else {
				m.logger.Error(fmt.Sprintf(i18n.M().BrokerCreateFailed, inst.InstanceID, err))
			}
			return fmt.Errorf("instance %s: %w", inst.InstanceID, err)
		}
		if err := m.Add(b); err != nil {
			return err
		}
		m.logger.Info(fmt.Sprintf(i18n.M().BrokerCreated, b.InstanceID(), b.Display()), "instance", b.InstanceID(), "broker", b.Name())
	}
	return nil
}

// Get returns the broker serving instance id.
func (m *Manager) Get(id string) (common.Broker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instances[id]
	if !ok {
		return nil, false
	}
	return in.broker, true
}

// IDs returns instance ids in configuration order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) snapshot() []*instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*instance, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.instances[id])
	}
	return out
}

// StartAll starts every instance in configuration order. A failing
// instance is logged and stays routable unless FailFast is set, in which
// case the first failure is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, in := range m.snapshot() {
		b := in.broker
		if err := b.Start(ctx); err != nil {
			m.logger.Error(fmt.Sprintf(i18n.M().BrokerStartFailed, b.InstanceID(), err), "instance", b.InstanceID())
			m.publish(b, StateStartFailed, err)
			if m.config.FailFast {
				return fmt.Errorf("start %s: %w", b.InstanceID(), err)
			}
			continue
		}

		m.mu.Lock()
		in.started = true
		m.mu.Unlock()
		m.logger.Info(fmt.Sprintf(i18n.M().BrokerStarted, b.InstanceID()), "instance", b.InstanceID())
		m.publish(b, StateStarted, nil)
	}
	return nil
}

// ShutdownAll stops every started instance in reverse order and returns
// all shutdown errors joined.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	instances := m.snapshot()
	var errs []error
	for i := len(instances) - 1; i >= 0; i-- {
		in := instances[i]
		m.mu.RLock()
		started := in.started
		m.mu.RUnlock()
		if !started {
			continue
		}

		b := in.broker
		if err := b.Shutdown(ctx); err != nil {
			m.logger.Error(fmt.Sprintf(i18n.M().BrokerStopFailed, b.InstanceID(), err), "instance", b.InstanceID())
			errs = append(errs, fmt.Errorf("shutdown %s: %w", b.InstanceID(), err))
			continue
		}
		m.mu.Lock()
		in.started = false
		m.mu.Unlock()
		m.logger.Info(fmt.Sprintf(i18n.M().BrokerStopped, b.InstanceID()), "instance", b.InstanceID())
		m.publish(b, StateStopped, nil)
	}
	return errors.Join(errs...)
}

// Start begins the background health check goroutine.
func (m *Manager) Start(ctx context.Context) {
	if m.config.HealthInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.CheckHealth(ctx)
			}
		}
	}()
}

// Stop ends the health loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// CheckHealth pings every instance once. Transitions between healthy and
// unhealthy are logged and published.
func (m *Manager) CheckHealth(ctx context.Context) {
	for _, in := range m.snapshot() {
		b := in.broker
		pingCtx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
		pong, err := b.Ping(pingCtx)
		cancel()
		if err == nil && !pong {
			err = errors.New("ping returned false")
		}

		m.mu.Lock()
		wasHealthy := in.healthy
		in.healthy = err == nil
		in.checkedAt = time.Now()
		if err != nil {
			in.failures++
		} else {
			in.failures = 0
		}
		m.mu.Unlock()

		switch {
		case err != nil && wasHealthy:
			m.logger.Warn(fmt.Sprintf(i18n.M().BrokerUnhealthy, b.InstanceID(), err), "instance", b.InstanceID())
			m.publish(b, StateUnhealthy, err)
		case err == nil && !wasHealthy:
			m.logger.Info(fmt.Sprintf(i18n.M().BrokerRecovered, b.InstanceID()), "instance", b.InstanceID())
			m.publish(b, StateHealthy, nil)
		}
	}
}

func (m *Manager) publish(b common.Broker, state string, err error) {
	if m.bus == nil {
		return
	}
	s := events.BrokerState{InstanceID: b.InstanceID(), Broker: b.Name(), State: state}
	if err != nil {
		s.Error = err.Error()
	}
	m.bus.Publish(events.EventBrokerState, s)
}

// Stats contains instance counts. It carries no instance ids.
type Stats struct {
	Total     int            `json:"total"`
	Started   int            `json:"started"`
	Unhealthy int            `json:"unhealthy"`
	ByBroker  map[string]int `json:"byBroker"`
}

// Stats returns current instance statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Total:    len(m.instances),
		ByBroker: make(map[string]int),
	}
	for _, in := range m.instances {
		stats.ByBroker[in.broker.Name()]++
		if in.started {
			stats.Started++
		}
		if !in.healthy {
			stats.Unhealthy++
		}
	}
	return stats
}
