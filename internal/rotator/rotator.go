// Package rotator dispatches operations through a pool of proxies, failing
// over between proxies and retrying on each according to a retry policy.
package rotator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/proxyrotator/internal/circuitbreaker"
	"github.com/songzhibin97/proxyrotator/internal/metrics"
	"github.com/songzhibin97/proxyrotator/internal/ratelimit"
	"github.com/songzhibin97/proxyrotator/internal/retry"
	"github.com/songzhibin97/proxyrotator/internal/strategy"
	"github.com/songzhibin97/proxyrotator/internal/tracing"
	"github.com/songzhibin97/proxyrotator/internal/types"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

// DefaultMaxFailoverAttempts bounds the distinct proxies tried per dispatch.
const DefaultMaxFailoverAttempts = 3

// Dispatch result labels used for metrics and logs.
const (
	ResultSuccess           = "success"
	ResultPoolEmpty         = "pool_empty"
	ResultNonRetryable      = "non_retryable"
	ResultCancelled         = "cancelled"
	ResultFailoverExhausted = "failover_exhausted"
)

// Options wires a Rotator. Pool and Strategy are required.
type Options struct {
	Pool     *types.Pool
	Strategy strategy.Strategy

	// Executor defaults to one with the default policy and breakers.
	Executor *retry.Executor
	// Limiter is optional; nil disables rate limiting.
	Limiter *ratelimit.Limiter
	// Metrics receives attempts and breaker transitions when set.
	Metrics *metrics.RetryMetrics
	// Exporter receives dispatch outcomes when set.
	Exporter *metrics.PrometheusExporter

	MaxFailoverAttempts int
	Logger              log.Logger
}

type strategyBox struct {
	s strategy.Strategy
}

// Rotator is the synchronous, goroutine-safe dispatch core.
type Rotator struct {
	pool     *types.Pool
	strategy atomic.Pointer[strategyBox]
	executor *retry.Executor
	limiter  *ratelimit.Limiter
	metrics  *metrics.RetryMetrics
	exporter *metrics.PrometheusExporter
	logger   log.Logger

	maxFailover atomic.Int64
}

// New creates a rotator.
func New(opts Options) (*Rotator, error) {
	if opts.Pool == nil {
		return nil, errors.New("rotator: pool is required")
	}
	if opts.Strategy == nil {
		return nil, errors.New("rotator: strategy is required")
	}
	logger := log.OrNop(opts.Logger)

	executor := opts.Executor
	if executor == nil {
		var recorder retry.Recorder
		if opts.Metrics != nil {
			recorder = opts.Metrics
		}
		executor = retry.NewExecutor(nil, circuitbreaker.NewManager(nil, logger), recorder, logger)
	}

	r := &Rotator{
		pool:     opts.Pool,
		executor: executor,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		exporter: opts.Exporter,
		logger:   logger.With(log.Component("rotator"), log.String("pool", opts.Pool.Name())),
	}
	r.strategy.Store(&strategyBox{s: opts.Strategy})

	max := opts.MaxFailoverAttempts
	if max <= 0 {
		max = DefaultMaxFailoverAttempts
	}
	r.maxFailover.Store(int64(max))

	if r.metrics != nil {
		r.executor.Breakers().OnStateChange(func(tr circuitbreaker.Transition) {
			r.metrics.RecordCircuitEvent(metrics.CircuitBreakerEvent{
				Timestamp:    tr.At,
				ProxyID:      tr.Name,
				FromState:    tr.From.String(),
				ToState:      tr.To.String(),
				FailureCount: tr.Failures,
			})
		})
	}
	return r, nil
}

// Result is a successful dispatch.
type Result struct {
	Value      interface{}
	Proxy      *types.Proxy
	DispatchID string
	// Attempts counts operation invocations across every proxy tried.
	Attempts int
	// Tried lists the proxies handed to the executor, in order.
	Tried   []string
	Latency time.Duration
}

type dispatchOptions struct {
	method string
}

// DispatchOption customizes one dispatch.
type DispatchOption func(*dispatchOptions)

// WithMethod sets the HTTP method of the operation so non-idempotent
// requests are not retried unless the policy allows it.
func WithMethod(method string) DispatchOption {
	return func(o *dispatchOptions) {
		o.method = method
	}
}

// Dispatch selects a proxy, runs op through it with retries and fails over to
// other proxies until op succeeds or the failover budget is spent. Proxies
// refused by the rate limiter or an open circuit are skipped without using
// the budget.
//
// It returns *types.PoolEmptyError when no proxy could be tried at all,
// *types.NonRetryableError on a permanent failure, ctx.Err() when the caller
// gave up, and *types.FailoverExhaustedError otherwise.
func (r *Rotator) Dispatch(ctx context.Context, op retry.Operation, sel *types.SelectionContext, opts ...DispatchOption) (*Result, error) {
	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if sel == nil {
		sel = types.NewSelectionContext()
	}

	// a swap either happens before this load or after the dispatch
	strat := r.strategy.Load().s
	maxFailover := int(r.maxFailover.Load())
	dispatchID := uuid.NewString()
	start := time.Now()

	ctx = log.WithDispatchID(ctx, dispatchID)
	ctx, span := tracing.Tracer().Start(ctx, "rotator.dispatch",
		trace.WithAttributes(
			attribute.String("rotator.pool", r.pool.Name()),
			attribute.String("rotator.strategy", strat.Name()),
			attribute.String("rotator.dispatch_id", dispatchID),
		),
	)
	defer span.End()
	logger := r.logger.WithContext(ctx)

	var (
		tried       []string
		invocations int
		rateLimited int
		unavailable int
		lastErr     error
	)
	// refusals never reach the operation; they are bounded by the pool
	// size instead of the failover budget
	skipBudget := r.pool.Size()

	finish := func(result string, err error) {
		elapsed := time.Since(start)
		if r.exporter != nil {
			r.exporter.ObserveDispatch(result, elapsed.Seconds())
		}
		span.SetAttributes(
			attribute.String("rotator.result", result),
			attribute.Int("rotator.attempts", invocations),
			attribute.StringSlice("rotator.tried", tried),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
			logger.Debug("Dispatch failed",
				log.String("result", result),
				log.Strings("tried", tried),
				log.Int("attempts", invocations),
				log.Duration("elapsed", elapsed),
				log.Error(err),
			)
		}
	}

	for len(tried) < maxFailover {
		if err := ctx.Err(); err != nil {
			finish(ResultCancelled, err)
			return nil, err
		}

		proxy, err := strat.Select(r.pool, sel.WithAttempt(len(tried)+1))
		if err != nil {
			if len(tried) > 0 {
				break
			}
			switch {
			case rateLimited > 0 && unavailable > 0:
				err = types.NewPoolEmptyError(r.pool.Name(), fmt.Sprintf("%d eligible proxies rate limited, %d with open circuits", rateLimited, unavailable))
			case rateLimited > 0:
				err = types.NewPoolEmptyError(r.pool.Name(), fmt.Sprintf("%d eligible proxies rate limited", rateLimited))
			case unavailable > 0:
				err = types.NewPoolEmptyError(r.pool.Name(), fmt.Sprintf("%d eligible proxies with open circuits", unavailable))
			}
			finish(ResultPoolEmpty, err)
			return nil, err
		}

		if r.limiter != nil && !r.limiter.CheckLimit(proxy.ID) {
			if r.exporter != nil {
				r.exporter.ObserveRateLimited(proxy.ID)
			}
			span.AddEvent("rate_limited", trace.WithAttributes(attribute.String("proxy.id", proxy.ID)))
			sel = sel.WithFailed(proxy.ID)
			rateLimited++
			if rateLimited+unavailable > skipBudget {
				if len(tried) > 0 {
					break
				}
				err := types.NewPoolEmptyError(r.pool.Name(), "rate limited")
				finish(ResultPoolEmpty, err)
				return nil, err
			}
			continue
		}

		value, report, err := r.executor.Execute(ctx, proxy, op, retry.ExecuteOptions{
			Method:     o.method,
			DispatchID: dispatchID,
		})
		if report.Attempts == 0 && errors.Is(err, types.ErrProxyUnavailable) {
			span.AddEvent("circuit_open", trace.WithAttributes(attribute.String("proxy.id", proxy.ID)))
			sel = sel.WithFailed(proxy.ID)
			unavailable++
			if rateLimited+unavailable > skipBudget {
				if len(tried) > 0 {
					break
				}
				err := types.NewPoolEmptyError(r.pool.Name(), "circuits open")
				finish(ResultPoolEmpty, err)
				return nil, err
			}
			continue
		}
		tried = append(tried, proxy.ID)
		invocations += report.Attempts
		span.AddEvent("proxy_attempted", trace.WithAttributes(
			attribute.String("proxy.id", proxy.ID),
			attribute.Int("proxy.attempts", report.Attempts),
			attribute.String("proxy.outcome", report.LastOutcome.String()),
		))

		if err == nil {
			strat.RecordResult(proxy, true, report.LastLatency)
			finish(ResultSuccess, nil)
			return &Result{
				Value:      value,
				Proxy:      proxy,
				DispatchID: dispatchID,
				Attempts:   invocations,
				Tried:      tried,
				Latency:    time.Since(start),
			}, nil
		}

		if report.Attempts > 0 {
			strat.RecordResult(proxy, false, report.LastLatency)
		}

		switch {
		case errors.Is(err, types.ErrNonRetryable):
			finish(ResultNonRetryable, err)
			return nil, err
		case ctx.Err() != nil:
			finish(ResultCancelled, err)
			return nil, err
		}

		logger.Debug("Failing over",
			log.String("proxy_id", proxy.ID),
			log.Int("attempts", report.Attempts),
			log.String("outcome", report.LastOutcome.String()),
			log.Error(err),
		)
		lastErr = err
		sel = sel.WithFailed(proxy.ID)
	}

	err := &types.FailoverExhaustedError{Attempted: tried, Last: lastErr}
	finish(ResultFailoverExhausted, err)
	logger.Warn("Failover exhausted", log.Strings("tried", tried), log.Error(lastErr))
	return nil, err
}

// Strategy returns the active strategy.
func (r *Rotator) Strategy() strategy.Strategy {
	return r.strategy.Load().s
}

// SetStrategy swaps the active strategy. Dispatches in flight finish with
// the strategy they started with.
func (r *Rotator) SetStrategy(s strategy.Strategy) {
	if s == nil {
		return
	}
	old := r.strategy.Swap(&strategyBox{s: s})
	r.logger.Info("Strategy changed",
		log.String("from", old.s.Name()),
		log.String("to", s.Name()),
	)
}

// SetStrategyByName builds the named strategy from registry and activates it.
func (r *Rotator) SetStrategyByName(registry *strategy.Registry, name string, cfg *strategy.Config) error {
	s, err := registry.Create(name, cfg)
	if err != nil {
		return err
	}
	r.SetStrategy(s)
	return nil
}

// SetPolicy swaps the retry policy.
func (r *Rotator) SetPolicy(policy *retry.Policy) error {
	return r.executor.SetPolicy(policy)
}

// Policy returns the active retry policy.
func (r *Rotator) Policy() *retry.Policy {
	return r.executor.Policy()
}

// SetMaxFailover sets how many distinct proxies one dispatch may try.
func (r *Rotator) SetMaxFailover(n int) error {
	if n <= 0 {
		return fmt.Errorf("max failover attempts must be positive, got %d", n)
	}
	r.maxFailover.Store(int64(n))
	return nil
}

// MaxFailover returns the failover budget.
func (r *Rotator) MaxFailover() int {
	return int(r.maxFailover.Load())
}

// Pool returns the pool the rotator draws from.
func (r *Rotator) Pool() *types.Pool {
	return r.pool
}

// Limiter returns the rate limiter, or nil.
func (r *Rotator) Limiter() *ratelimit.Limiter {
	return r.limiter
}

// Breakers returns the per-proxy circuit breakers.
func (r *Rotator) Breakers() *circuitbreaker.Manager {
	return r.executor.Breakers()
}

// Metrics returns the retry metrics store, or nil.
func (r *Rotator) Metrics() *metrics.RetryMetrics {
	return r.metrics
}

// RemoveProxy drops a proxy from the pool together with its breaker, rate
// limit bucket and exported series.
func (r *Rotator) RemoveProxy(id string) bool {
	if !r.pool.Remove(id) {
		return false
	}
	r.executor.Breakers().Remove(id)
	if r.limiter != nil {
		r.limiter.RemoveProxy(id)
	}
	if r.exporter != nil {
		r.exporter.ForgetProxy(id)
	}
	return true
}
