package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/songzhibin97/proxyrotator/pkg/log"
)

// Manager owns one breaker per proxy ID. Breakers are created on first use;
// the map lock is held only to find or create a breaker, never while one is
// being consulted.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	breakers map[string]*CircuitBreaker
	logger   log.Logger

	listenersMu sync.RWMutex
	listeners   []func(Transition)
}

// NewManager creates a manager handing out breakers built from config.
func NewManager(config *Config, logger log.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config:   *config,
		breakers: make(map[string]*CircuitBreaker),
		logger:   log.OrNop(logger).With(log.Component("circuitbreaker")),
	}
}

// OnStateChange registers a listener for transitions of every breaker.
func (m *Manager) OnStateChange(listener func(Transition)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Get returns the breaker for proxyID, creating it when missing.
func (m *Manager) Get(proxyID string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[proxyID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[proxyID]; ok {
		return cb
	}
	config := m.config
	cb = New(proxyID, &config)
	cb.SetStateChangeCallback(m.dispatch)
	m.breakers[proxyID] = cb
	return cb
}

// Lookup returns the breaker for proxyID without creating one.
func (m *Manager) Lookup(proxyID string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[proxyID]
	return cb, ok
}

// SetConfig applies config to existing breakers and to those created later.
func (m *Manager) SetConfig(config Config) {
	m.mu.Lock()
	m.config = config
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	for _, cb := range breakers {
		cb.SetConfig(config)
	}
	m.logger.Info("circuit breaker config updated",
		log.Int("failure_threshold", config.FailureThreshold),
		log.Duration("window", config.WindowDuration),
		log.Duration("timeout", config.TimeoutDuration),
	)
}

// Config returns the configuration used for new breakers.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Remove forgets the breaker of a proxy that left the pool.
func (m *Manager) Remove(proxyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, proxyID)
}

// Reset closes the breaker of proxyID. It reports false when none exists.
func (m *Manager) Reset(proxyID string) bool {
	cb, ok := m.Lookup(proxyID)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	for _, s := range m.Snapshots() {
		m.Reset(s.Name)
	}
}

// Snapshots returns the state of every breaker ordered by proxy ID.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) dispatch(tr Transition) {
	fields := []log.Field{
		log.String("proxy_id", tr.Name),
		log.String("from", tr.From.String()),
		log.String("to", tr.To.String()),
		log.Int("failures_in_window", tr.Failures),
	}
	if tr.To == StateOpen {
		m.logger.Warn("circuit breaker opened", fields...)
	} else {
		m.logger.Info("circuit breaker state changed", fields...)
	}

	m.listenersMu.RLock()
	listeners := make([]func(Transition), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(tr)
	}
}
