package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - the proxy is excluded until the timeout elapses
	StateOpen
	// StateHalfOpen - a single trial request is allowed
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config represents circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of failures within WindowDuration that opens the circuit
	FailureThreshold int `yaml:"failure_threshold"`

	// WindowDuration is the length of the rolling failure window
	WindowDuration time.Duration `yaml:"window_duration"`

	// TimeoutDuration is how long the circuit stays open before a trial request is allowed
	TimeoutDuration time.Duration `yaml:"timeout_duration"`
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		WindowDuration:   60 * time.Second,
		TimeoutDuration:  30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive")
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("window_duration must be positive")
	}
	if c.TimeoutDuration <= 0 {
		return fmt.Errorf("timeout_duration must be positive")
	}
	return nil
}

// Transition describes one state change.
type Transition struct {
	Name     string
	From     State
	To       State
	At       time.Time
	Failures int
}

// Snapshot is a consistent copy of a breaker's state for reporting.
type Snapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Failures       int       `json:"failures_in_window"`
	NextTestTime   time.Time `json:"next_test_time,omitempty"`
	TotalFailures  int64     `json:"total_failures"`
	TotalSuccesses int64     `json:"total_successes"`
	StateChangedAt time.Time `json:"state_changed_at"`
}

// CircuitBreaker gates one proxy. All mutations hold mu; callbacks run after
// it is released.
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu             sync.Mutex
	state          State
	failures       []time.Time
	nextTestTime   time.Time
	trialInFlight  bool
	totalFailures  int64
	totalSuccesses int64
	stateChangedAt time.Time

	onStateChange func(Transition)
}

// New creates a new circuit breaker. A nil config uses DefaultConfig.
func New(name string, config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	cb := &CircuitBreaker{
		name:   name,
		config: *config,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.stateChangedAt = cb.now()
	return cb
}

// SetStateChangeCallback sets the callback invoked after every transition.
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(Transition)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = callback
}

// SetConfig replaces thresholds; the current state and window are kept.
func (cb *CircuitBreaker) SetConfig(config Config) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.config = config
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ShouldAttemptRequest reports whether a request may be sent now. An OPEN
// breaker whose timeout has elapsed moves to HALF_OPEN and admits exactly one
// trial request; further calls are refused until that trial is recorded or released.
func (cb *CircuitBreaker) ShouldAttemptRequest() bool {
	cb.mu.Lock()
	var tr *Transition
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			allowed = true
		}
	case StateOpen:
		if !cb.now().Before(cb.nextTestTime) {
			tr = cb.changeStateLocked(StateHalfOpen)
			cb.trialInFlight = true
			allowed = true
		}
	}
	cb.mu.Unlock()

	cb.notify(tr)
	return allowed
}

// RecordSuccess closes a HALF_OPEN breaker and clears its window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var tr *Transition
	cb.totalSuccesses++
	if cb.state == StateHalfOpen {
		cb.failures = nil
		cb.trialInFlight = false
		tr = cb.changeStateLocked(StateClosed)
	}
	cb.mu.Unlock()

	cb.notify(tr)
}

// RecordFailure adds a failure to the rolling window and opens the breaker
// when the threshold is reached. A failed HALF_OPEN trial reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var tr *Transition
	now := cb.now()
	cb.totalFailures++
	cb.failures = append(cb.failures, now)
	cb.pruneLocked(now)

	switch cb.state {
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.nextTestTime = now.Add(cb.config.TimeoutDuration)
		tr = cb.changeStateLocked(StateOpen)
	case StateClosed:
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.nextTestTime = now.Add(cb.config.TimeoutDuration)
			tr = cb.changeStateLocked(StateOpen)
		}
	}
	cb.mu.Unlock()

	cb.notify(tr)
}

// Release gives up a HALF_OPEN trial without recording an outcome, so a
// cancelled trial does not block the breaker forever.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

// Reset forces the breaker CLOSED with an empty window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = nil
	cb.trialInFlight = false
	cb.nextTestTime = time.Time{}
	tr := cb.changeStateLocked(StateClosed)
	cb.mu.Unlock()

	cb.notify(tr)
}

// Snapshot returns the current state for reporting.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(cb.now())
	s := Snapshot{
		Name:           cb.name,
		State:          cb.state.String(),
		Failures:       len(cb.failures),
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		StateChangedAt: cb.stateChangedAt,
	}
	if cb.state != StateClosed {
		s.NextTestTime = cb.nextTestTime
	}
	return s
}

// FailureCount returns the number of failures inside the window.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(cb.now())
	return len(cb.failures)
}

// GetName returns the circuit breaker name
func (cb *CircuitBreaker) GetName() string {
	return cb.name
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.WindowDuration)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

// changeStateLocked returns nil when the state does not change.
func (cb *CircuitBreaker) changeStateLocked(to State) *Transition {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.stateChangedAt = cb.now()
	if cb.onStateChange == nil {
		return nil
	}
	return &Transition{Name: cb.name, From: from, To: to, At: cb.stateChangedAt, Failures: len(cb.failures)}
}

func (cb *CircuitBreaker) notify(tr *Transition) {
	if tr == nil {
		return
	}
	cb.mu.Lock()
	callback := cb.onStateChange
	cb.mu.Unlock()
	if callback != nil {
		callback(*tr)
	}
}
