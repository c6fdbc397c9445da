// Package metrics records retry attempts and circuit breaker transitions and
// serves aggregated, read-only views of them.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Attempt outcomes as stored in RetryAttempt.Outcome.
const (
	OutcomeSuccess     = "SUCCESS"
	OutcomeFailure     = "FAILURE"
	OutcomeTimeout     = "TIMEOUT"
	OutcomePermanent   = "PERMANENT"
	OutcomeCircuitOpen = "CIRCUIT_OPEN"
	OutcomeCancelled   = "CANCELLED"
)

// RetryAttempt is one try of an operation through one proxy.
type RetryAttempt struct {
	Timestamp     time.Time     `json:"timestamp"`
	ProxyID       string        `json:"proxy_id"`
	DispatchID    string        `json:"dispatch_id,omitempty"`
	AttemptNumber int           `json:"attempt_number"`
	Outcome       string        `json:"outcome"`
	Latency       time.Duration `json:"latency"`
	Delay         time.Duration `json:"delay"`
	Error         string        `json:"error,omitempty"`
}

// CircuitBreakerEvent is one state transition of a proxy's breaker.
type CircuitBreakerEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	ProxyID      string    `json:"proxy_id"`
	FromState    string    `json:"from_state"`
	ToState      string    `json:"to_state"`
	FailureCount int       `json:"failure_count"`
}

// HourlyAggregate summarizes attempts and breaker events of one hour.
type HourlyAggregate struct {
	Hour         time.Time `json:"hour"`
	Attempts     int64     `json:"attempts"`
	Successes    int64     `json:"successes"`
	Failures     int64     `json:"failures"`
	Timeouts     int64     `json:"timeouts"`
	Permanent    int64     `json:"permanent"`
	CircuitOpen  int64     `json:"circuit_open"`
	Retries      int64     `json:"retries"`
	CircuitOpens int64     `json:"circuit_opens"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`

	latencySum time.Duration
	latencyN   int64
}

// Observer receives every record as it is added. The Prometheus exporter is one.
type Observer interface {
	ObserveAttempt(RetryAttempt)
	ObserveCircuitEvent(CircuitBreakerEvent)
}

// Config configures retention.
type Config struct {
	Retention time.Duration `yaml:"retention"`
	// MaxRecords bounds the raw attempt and event logs each.
	MaxRecords int `yaml:"max_records"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Retention:  24 * time.Hour,
		MaxRecords: 100000,
	}
}

// RetryMetrics is an append-only store of attempts and breaker events with
// hourly aggregates. Records older than the retention window are evicted.
type RetryMetrics struct {
	config Config
	now    func() time.Time

	mu        sync.RWMutex
	attempts  []RetryAttempt
	events    []CircuitBreakerEvent
	hourly    map[time.Time]*HourlyAggregate
	lastEvict time.Time
	observers []Observer
}

// NewRetryMetrics creates an empty store.
func NewRetryMetrics(config *Config) *RetryMetrics {
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	d := DefaultConfig()
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = d.MaxRecords
	}
	return &RetryMetrics{
		config: c,
		now:    time.Now,
		hourly: make(map[time.Time]*HourlyAggregate),
	}
}

// AddObserver registers o for records added from now on.
func (m *RetryMetrics) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// RecordAttempt appends an attempt. A zero Timestamp is set to now.
func (m *RetryMetrics) RecordAttempt(a RetryAttempt) {
	if a.Timestamp.IsZero() {
		a.Timestamp = m.now()
	}

	m.mu.Lock()
	m.attempts = append(m.attempts, a)
	if over := len(m.attempts) - m.config.MaxRecords; over > 0 {
		m.attempts = append(m.attempts[:0], m.attempts[over:]...)
	}

	agg := m.hourLocked(a.Timestamp)
	agg.Attempts++
	switch a.Outcome {
	case OutcomeSuccess:
		agg.Successes++
	case OutcomeFailure:
		agg.Failures++
	case OutcomeTimeout:
		agg.Timeouts++
	case OutcomePermanent:
		agg.Permanent++
	case OutcomeCircuitOpen:
		agg.CircuitOpen++
	}
	if a.AttemptNumber > 1 {
		agg.Retries++
	}
	if a.Outcome != OutcomeCircuitOpen {
		agg.latencySum += a.Latency
		agg.latencyN++
	}
	m.maybeEvictLocked()
	observers := m.observers
	m.mu.Unlock()

	for _, o := range observers {
		o.ObserveAttempt(a)
	}
}

// RecordCircuitEvent appends a breaker transition. A zero Timestamp is set to now.
func (m *RetryMetrics) RecordCircuitEvent(e CircuitBreakerEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}

	m.mu.Lock()
	m.events = append(m.events, e)
	if over := len(m.events) - m.config.MaxRecords; over > 0 {
		m.events = append(m.events[:0], m.events[over:]...)
	}
	if e.ToState == "OPEN" {
		m.hourLocked(e.Timestamp).CircuitOpens++
	}
	m.maybeEvictLocked()
	observers := m.observers
	m.mu.Unlock()

	for _, o := range observers {
		o.ObserveCircuitEvent(e)
	}
}

// Summary is the all-time view over the retention window.
type Summary struct {
	TotalAttempts      int64             `json:"total_attempts"`
	Successes          int64             `json:"successes"`
	Failures           int64             `json:"failures"`
	Timeouts           int64             `json:"timeouts"`
	Permanent          int64             `json:"permanent"`
	CircuitOpen        int64             `json:"circuit_open"`
	Retries            int64             `json:"retries"`
	SuccessRate        float64           `json:"success_rate"`
	RetryRate          float64           `json:"retry_rate"`
	AvgLatencyMs       float64           `json:"avg_latency_ms"`
	CircuitEvents      int               `json:"circuit_events"`
	CircuitStates      map[string]string `json:"circuit_states"`
	RetentionHours     float64           `json:"retention_hours"`
	OldestRecord       time.Time         `json:"oldest_record,omitempty"`
	ProxiesWithRecords int               `json:"proxies_with_records"`
}

// Summary returns totals over every retained record. CircuitStates holds the
// latest known breaker state per proxy.
func (m *RetryMetrics) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		CircuitEvents:  len(m.events),
		CircuitStates:  make(map[string]string),
		RetentionHours: m.config.Retention.Hours(),
	}
	proxies := make(map[string]struct{})
	var latencySum time.Duration
	var latencyN int64
	for _, a := range m.attempts {
		s.TotalAttempts++
		proxies[a.ProxyID] = struct{}{}
		switch a.Outcome {
		case OutcomeSuccess:
			s.Successes++
		case OutcomeFailure:
			s.Failures++
		case OutcomeTimeout:
			s.Timeouts++
		case OutcomePermanent:
			s.Permanent++
		case OutcomeCircuitOpen:
			s.CircuitOpen++
		}
		if a.AttemptNumber > 1 {
			s.Retries++
		}
		if a.Outcome != OutcomeCircuitOpen {
			latencySum += a.Latency
			latencyN++
		}
	}
	if len(m.attempts) > 0 {
		s.OldestRecord = m.attempts[0].Timestamp
	}
	for _, e := range m.events {
		s.CircuitStates[e.ProxyID] = e.ToState
	}
	s.ProxiesWithRecords = len(proxies)
	if s.TotalAttempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.TotalAttempts)
		s.RetryRate = float64(s.Retries) / float64(s.TotalAttempts)
	}
	if latencyN > 0 {
		s.AvgLatencyMs = float64(latencySum) / float64(latencyN) / float64(time.Millisecond)
	}
	return s
}

// Timeseries returns one aggregate per hour for the last hours hours, oldest
// first. Hours without records are included with zero counts.
func (m *RetryMetrics) Timeseries(hours int) []HourlyAggregate {
	if hours <= 0 {
		return nil
	}
	current := m.now().Truncate(time.Hour)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]HourlyAggregate, 0, hours)
	for i := hours - 1; i >= 0; i-- {
		hour := current.Add(-time.Duration(i) * time.Hour)
		agg := HourlyAggregate{Hour: hour}
		if stored, ok := m.hourly[hour]; ok {
			agg = *stored
		}
		if agg.latencyN > 0 {
			agg.AvgLatencyMs = float64(agg.latencySum) / float64(agg.latencyN) / float64(time.Millisecond)
		}
		out = append(out, agg)
	}
	return out
}

// ProxyMetrics summarizes one proxy over a time range.
type ProxyMetrics struct {
	ProxyID      string    `json:"proxy_id"`
	Attempts     int64     `json:"attempts"`
	Successes    int64     `json:"successes"`
	Failures     int64     `json:"failures"`
	Timeouts     int64     `json:"timeouts"`
	Permanent    int64     `json:"permanent"`
	CircuitOpen  int64     `json:"circuit_open"`
	SuccessRate  float64   `json:"success_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	CircuitOpens int64     `json:"circuit_opens"`
	LastAttempt  time.Time `json:"last_attempt"`
	LastError    string    `json:"last_error,omitempty"`
}

// ByProxy returns per-proxy metrics for records from the last hours hours.
func (m *RetryMetrics) ByProxy(hours int) map[string]ProxyMetrics {
	cutoff := m.now().Add(-time.Duration(hours) * time.Hour)

	m.mu.RLock()
	defer m.mu.RUnlock()

	type acc struct {
		ProxyMetrics
		latencySum time.Duration
		latencyN   int64
	}
	byID := make(map[string]*acc)
	get := func(id string) *acc {
		a, ok := byID[id]
		if !ok {
			a = &acc{ProxyMetrics: ProxyMetrics{ProxyID: id}}
			byID[id] = a
		}
		return a
	}

	for _, at := range m.attempts {
		if at.Timestamp.Before(cutoff) {
			continue
		}
		a := get(at.ProxyID)
		a.Attempts++
		switch at.Outcome {
		case OutcomeSuccess:
			a.Successes++
		case OutcomeFailure:
			a.Failures++
		case OutcomeTimeout:
			a.Timeouts++
		case OutcomePermanent:
			a.Permanent++
		case OutcomeCircuitOpen:
			a.CircuitOpen++
		}
		if at.Outcome != OutcomeCircuitOpen {
			a.latencySum += at.Latency
			a.latencyN++
		}
		if at.Timestamp.After(a.LastAttempt) {
			a.LastAttempt = at.Timestamp
		}
		if at.Error != "" {
			a.LastError = at.Error
		}
	}
	for _, e := range m.events {
		if e.Timestamp.Before(cutoff) || e.ToState != "OPEN" {
			continue
		}
		get(e.ProxyID).CircuitOpens++
	}

	out := make(map[string]ProxyMetrics, len(byID))
	for id, a := range byID {
		if tried := a.Attempts - a.CircuitOpen; tried > 0 {
			a.SuccessRate = float64(a.Successes) / float64(tried)
		}
		if a.latencyN > 0 {
			a.AvgLatencyMs = float64(a.latencySum) / float64(a.latencyN) / float64(time.Millisecond)
		}
		out[id] = a.ProxyMetrics
	}
	return out
}

// Attempts returns retained attempts at or after since, oldest first.
func (m *RetryMetrics) Attempts(since time.Time) []RetryAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.attempts), func(i int) bool { return !m.attempts[i].Timestamp.Before(since) })
	out := make([]RetryAttempt, len(m.attempts)-i)
	copy(out, m.attempts[i:])
	return out
}

// CircuitEvents returns retained breaker events, oldest first.
func (m *RetryMetrics) CircuitEvents() []CircuitBreakerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CircuitBreakerEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Evict drops everything older than the retention window and returns the
// number of raw records removed.
func (m *RetryMetrics) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked()
}

func (m *RetryMetrics) maybeEvictLocked() {
	if now := m.now(); now.Sub(m.lastEvict) >= time.Minute {
		m.evictLocked()
	}
}

func (m *RetryMetrics) evictLocked() int {
	now := m.now()
	m.lastEvict = now
	cutoff := now.Add(-m.config.Retention)

	// records are appended in time order, modulo clock skew between callers
	i := 0
	for i < len(m.attempts) && m.attempts[i].Timestamp.Before(cutoff) {
		i++
	}
	m.attempts = append(m.attempts[:0], m.attempts[i:]...)

	j := 0
	for j < len(m.events) && m.events[j].Timestamp.Before(cutoff) {
		j++
	}
	m.events = append(m.events[:0], m.events[j:]...)

	hourCutoff := cutoff.Truncate(time.Hour)
	for hour := range m.hourly {
		if hour.Before(hourCutoff) {
			delete(m.hourly, hour)
		}
	}
	return i + j
}

func (m *RetryMetrics) hourLocked(t time.Time) *HourlyAggregate {
	hour := t.Truncate(time.Hour)
	agg, ok := m.hourly[hour]
	if !ok {
		agg = &HourlyAggregate{Hour: hour}
		m.hourly[hour] = agg
	}
	return agg
}
