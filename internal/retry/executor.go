package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/circuitbreaker"
	"github.com/songzhibin97/proxyrotator/internal/metrics"
	"github.com/songzhibin97/proxyrotator/internal/types"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

// Operation performs one outbound call through proxy. It must honor ctx.
type Operation func(ctx context.Context, proxy *types.Proxy) (interface{}, error)

// Recorder receives one record per attempt. *metrics.RetryMetrics is one.
type Recorder interface {
	RecordAttempt(metrics.RetryAttempt)
}

// ExecuteOptions carries per-call settings.
type ExecuteOptions struct {
	// Method is the HTTP method of the operation, if any. Non-idempotent
	// methods get a single attempt unless the policy allows more.
	Method string
	// DispatchID ties attempts of one dispatch together in metrics.
	DispatchID string
}

// Report describes how Execute went for one proxy.
type Report struct {
	Attempts int
	// Latency is the total time spent inside the operation.
	Latency     time.Duration
	LastLatency time.Duration
	LastOutcome Outcome
}

// Executor runs an operation against one proxy with retries, consulting and
// feeding that proxy's circuit breaker.
type Executor struct {
	policy   atomic.Pointer[Policy]
	breakers *circuitbreaker.Manager
	recorder Recorder
	logger   log.Logger

	// delay overrides Policy.CalculateDelay in tests.
	delay func(p *Policy, attempt int) time.Duration
}

// NewExecutor creates an executor. A nil policy uses DefaultPolicy; a nil
// recorder drops attempt records.
func NewExecutor(policy *Policy, breakers *circuitbreaker.Manager, recorder Recorder, logger log.Logger) *Executor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil, logger)
	}
	e := &Executor{
		breakers: breakers,
		recorder: recorder,
		logger:   log.OrNop(logger).With(log.Component("retry")),
		delay:    (*Policy).CalculateDelay,
	}
	e.policy.Store(policy.Clone())
	return e
}

// Policy returns the active policy. Callers must not modify it.
func (e *Executor) Policy() *Policy {
	return e.policy.Load()
}

// SetPolicy swaps the policy. Executions already running keep the old one.
func (e *Executor) SetPolicy(policy *Policy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	e.policy.Store(policy.Clone())
	return nil
}

// Breakers returns the breaker manager the executor consults.
func (e *Executor) Breakers() *circuitbreaker.Manager {
	return e.breakers
}

// Execute runs op through proxy until it succeeds, fails permanently, or the
// policy gives up. The returned error is one of *types.ProxyUnavailableError,
// *types.NonRetryableError, *types.ConnectionError or the caller's ctx error.
func (e *Executor) Execute(ctx context.Context, proxy *types.Proxy, op Operation, opts ExecuteOptions) (interface{}, Report, error) {
	policy := e.policy.Load()
	breaker := e.breakers.Get(proxy.ID)
	logger := e.logger.WithContext(ctx).With(log.String("proxy_id", proxy.ID))

	parent := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	maxAttempts := policy.MaxAttempts
	if !policy.AllowsRetry(opts.Method) {
		maxAttempts = 1
	}

	var (
		report  Report
		lastErr error
		delay   time.Duration
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !breaker.ShouldAttemptRequest() {
			report.LastOutcome = OutcomeCircuitOpen
			e.record(proxy.ID, opts.DispatchID, attempt+1, OutcomeCircuitOpen, 0, delay, nil)
			logger.Debug("Circuit open, giving up on proxy", log.Int("attempt", attempt+1))
			return nil, report, &types.ProxyUnavailableError{ProxyID: proxy.ID, Reason: "circuit open"}
		}

		report.Attempts++
		start := time.Now()
		proxy.StartRequest()
		result, err := op(ctx, proxy)
		latency := time.Since(start)
		report.Latency += latency
		report.LastLatency = latency

		outcome := policy.Classify(err)
		switch {
		case err != nil && parent.Err() != nil:
			outcome = OutcomeCancelled
		case outcome == OutcomeCancelled:
			// cancelled by something other than the caller
			outcome = OutcomePermanent
		}
		report.LastOutcome = outcome

		switch outcome {
		case OutcomeSuccess:
			proxy.CompleteRequest(true, latency)
			breaker.RecordSuccess()
			e.record(proxy.ID, opts.DispatchID, attempt+1, outcome, latency, delay, nil)
			return result, report, nil

		case OutcomeCancelled:
			proxy.AbortRequest()
			breaker.Release()
			e.record(proxy.ID, opts.DispatchID, attempt+1, outcome, latency, delay, err)
			return nil, report, parent.Err()

		case OutcomePermanent:
			proxy.CompleteRequest(false, latency)
			breaker.RecordFailure()
			e.record(proxy.ID, opts.DispatchID, attempt+1, outcome, latency, delay, err)
			logger.Warn("Non-retryable failure", log.Int("attempt", attempt+1), log.Error(err))
			var nre *types.NonRetryableError
			if !errors.As(err, &nre) {
				nre = &types.NonRetryableError{Err: err}
			}
			if nre.ProxyID == "" {
				nre = &types.NonRetryableError{ProxyID: proxy.ID, Err: nre.Err}
			}
			return nil, report, nre
		}

		// retryable: failure or timeout
		proxy.CompleteRequest(false, latency)
		breaker.RecordFailure()
		e.record(proxy.ID, opts.DispatchID, attempt+1, outcome, latency, delay, err)
		lastErr = err

		if attempt == maxAttempts-1 {
			break
		}

		delay = e.delay(policy, attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			logger.Debug("Retry delay exceeds remaining time budget", log.Duration("delay", delay))
			return nil, report, &types.ConnectionError{ProxyID: proxy.ID, Attempts: report.Attempts, Timeout: true, Err: lastErr}
		}

		logger.Debug("Retrying",
			log.Int("attempt", attempt+1),
			log.String("outcome", outcome.String()),
			log.Duration("delay", delay),
			log.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			if parent.Err() != nil {
				return nil, report, parent.Err()
			}
			return nil, report, &types.ConnectionError{ProxyID: proxy.ID, Attempts: report.Attempts, Timeout: true, Err: lastErr}
		}
	}

	timedOut := report.LastOutcome == OutcomeTimeout && ctx.Err() != nil
	return nil, report, &types.ConnectionError{ProxyID: proxy.ID, Attempts: report.Attempts, Timeout: timedOut, Err: lastErr}
}

func (e *Executor) record(proxyID, dispatchID string, attempt int, outcome Outcome, latency, delay time.Duration, err error) {
	if e.recorder == nil {
		return
	}
	a := metrics.RetryAttempt{
		ProxyID:       proxyID,
		DispatchID:    dispatchID,
		AttemptNumber: attempt,
		Outcome:       outcome.String(),
		Latency:       latency,
		Delay:         delay,
	}
	if err != nil {
		a.Error = err.Error()
	}
	e.recorder.RecordAttempt(a)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
