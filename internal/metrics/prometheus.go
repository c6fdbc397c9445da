package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusConfig configures the exporter.
type PrometheusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// Breaker state values of the circuit_state gauge.
const (
	stateClosed   = 0
	stateHalfOpen = 1
	stateOpen     = 2
)

// PrometheusExporter mirrors RetryMetrics records into Prometheus collectors.
type PrometheusExporter struct {
	config *PrometheusConfig

	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retryDelay      prometheus.Histogram
	circuitState    *prometheus.GaugeVec
	circuitEvents   *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency prometheus.Histogram
	rateLimited     *prometheus.CounterVec
	poolSize        *prometheus.GaugeVec
}

// NewPrometheusExporter creates the collectors and registers them with reg.
// A nil reg uses the default registerer.
func NewPrometheusExporter(cfg *PrometheusConfig, reg prometheus.Registerer) (*PrometheusExporter, error) {
	if cfg == nil {
		cfg = &PrometheusConfig{
			Enabled:   true,
			Namespace: "proxyrotator",
			Subsystem: "dispatch",
		}
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	e := &PrometheusExporter{config: cfg}
	e.initMetrics()
	if err := e.registerMetrics(reg); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *PrometheusExporter) initMetrics() {
	e.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: e.config.Namespace,
			Subsystem: e.config.Subsystem,
			Name:      "attempts_total",
			Help:      "Total number of operation attempts by proxy and outcome",
		},
		[]string{"proxy", "outcome"},
	)

	e.attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: e.config.Namespace,
			Subsystem: e.config.Subsystem,
			Name:      "attempt_duration_seconds",
			Help:      "Attempt latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"proxy"},
	)

	e.retryDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: e.config.Namespace,
			Subsystem: e.config.Subsystem,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay before a retry in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	e.circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: e.config.Namespace,
			Subsystem: e.config.Subsystem,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per proxy (0 closed, 1 half-open, 2 open)",
		},
		[]string{"proxy"},
	)

	e.circuitEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: e.config.Namespace,
			Subsystem: e.config.Subsystem,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker transitions by target state",
		},
		[]string{"to"},
	)

	e.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: e.config.Namespace,
			Subsystem: e.config.Subsystem,
			Name:      "dispatch_total",
			Help:      "Total number of dispatches by result",
		},
		[]string{"result"},
	)

	e.dispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: e.config.Namespace,
			Subsystem: e.config.Subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch latency including failover in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	e.rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: e.config.Namespace,
			Subsystem: e.config.Subsystem,
			Name:      "rate_limited_total",
			Help:      "Total number of dispatches denied by the rate limiter",
		},
		[]string{"proxy"},
	)

	e.poolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: e.config.Namespace,
			Subsystem: e.config.Subsystem,
			Name:      "pool_proxies",
			Help:      "Number of proxies in the pool by health status",
		},
		[]string{"health"},
	)
}

func (e *PrometheusExporter) registerMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		e.attemptsTotal,
		e.attemptDuration,
		e.retryDelay,
		e.circuitState,
		e.circuitEvents,
		e.dispatchTotal,
		e.dispatchLatency,
		e.rateLimited,
		e.poolSize,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			// If already registered, ignore the error
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// ObserveAttempt implements Observer.
func (e *PrometheusExporter) ObserveAttempt(a RetryAttempt) {
	if !e.config.Enabled {
		return
	}
	e.attemptsTotal.WithLabelValues(a.ProxyID, a.Outcome).Inc()
	if a.Outcome != OutcomeCircuitOpen {
		e.attemptDuration.WithLabelValues(a.ProxyID).Observe(a.Latency.Seconds())
	}
	if a.Delay > 0 {
		e.retryDelay.Observe(a.Delay.Seconds())
	}
}

// ObserveCircuitEvent implements Observer.
func (e *PrometheusExporter) ObserveCircuitEvent(ev CircuitBreakerEvent) {
	if !e.config.Enabled {
		return
	}
	var v float64
	switch ev.ToState {
	case "OPEN":
		v = stateOpen
	case "HALF_OPEN":
		v = stateHalfOpen
	default:
		v = stateClosed
	}
	e.circuitState.WithLabelValues(ev.ProxyID).Set(v)
	e.circuitEvents.WithLabelValues(ev.ToState).Inc()
}

// ObserveDispatch counts a finished dispatch. result is "success" or an error kind.
func (e *PrometheusExporter) ObserveDispatch(result string, seconds float64) {
	if !e.config.Enabled {
		return
	}
	e.dispatchTotal.WithLabelValues(result).Inc()
	e.dispatchLatency.Observe(seconds)
}

// ObserveRateLimited counts a dispatch denied by the rate limiter.
func (e *PrometheusExporter) ObserveRateLimited(proxyID string) {
	if !e.config.Enabled {
		return
	}
	e.rateLimited.WithLabelValues(proxyID).Inc()
}

// SetPoolSize publishes the number of proxies per health status.
func (e *PrometheusExporter) SetPoolSize(byHealth map[string]int) {
	if !e.config.Enabled {
		return
	}
	for health, n := range byHealth {
		e.poolSize.WithLabelValues(health).Set(float64(n))
	}
}

// ForgetProxy drops the per-proxy series of a removed proxy.
func (e *PrometheusExporter) ForgetProxy(proxyID string) {
	e.circuitState.DeleteLabelValues(proxyID)
	e.attemptDuration.DeleteLabelValues(proxyID)
	e.rateLimited.DeleteLabelValues(proxyID)
	for _, o := range []string{OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomePermanent, OutcomeCircuitOpen, OutcomeCancelled} {
		e.attemptsTotal.DeleteLabelValues(proxyID, o)
	}
}
