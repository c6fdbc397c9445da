package rotator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/songzhibin97/proxyrotator/internal/circuitbreaker"
	"github.com/songzhibin97/proxyrotator/internal/metrics"
	"github.com/songzhibin97/proxyrotator/internal/ratelimit"
	"github.com/songzhibin97/proxyrotator/internal/retry"
	"github.com/songzhibin97/proxyrotator/internal/strategy"
	"github.com/songzhibin97/proxyrotator/internal/types"
)

func fastPolicy() *retry.Policy {
	p := retry.DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxBackoffDelay = 2 * time.Millisecond
	p.Jitter = false
	return p
}

func newTestPool(t *testing.T, ids ...string) *types.Pool {
	t.Helper()
	pool := types.NewPool("test")
	for i, id := range ids {
		p, err := types.NewProxy(fmt.Sprintf("http://10.0.0.%d:8080", i+1))
		if err != nil {
			t.Fatalf("Failed to create proxy: %v", err)
		}
		p.ID = id
		p.SetHealthStatus(types.HealthHealthy)
		if err := pool.Add(p); err != nil {
			t.Fatalf("Failed to add proxy: %v", err)
		}
	}
	return pool
}

type testRig struct {
	rotator *Rotator
	metrics *metrics.RetryMetrics
}

func newTestRotator(t *testing.T, pool *types.Pool, limiter *ratelimit.Limiter) *testRig {
	t.Helper()
	m := metrics.NewRetryMetrics(nil)
	executor := retry.NewExecutor(fastPolicy(), circuitbreaker.NewManager(nil, nil), m, nil)
	r, err := New(Options{
		Pool:     pool,
		Strategy: strategy.NewRoundRobin(),
		Executor: executor,
		Limiter:  limiter,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	return &testRig{rotator: r, metrics: m}
}

// invocationLog counts operation calls per proxy.
type invocationLog struct {
	mu    sync.Mutex
	calls map[string]int
}

func newInvocationLog() *invocationLog {
	return &invocationLog{calls: make(map[string]int)}
}

func (l *invocationLog) op(fail func(id string) error) retry.Operation {
	return func(ctx context.Context, p *types.Proxy) (interface{}, error) {
		l.mu.Lock()
		l.calls[p.ID]++
		l.mu.Unlock()
		if err := fail(p.ID); err != nil {
			return nil, err
		}
		return "ok from " + p.ID, nil
	}
}

func (l *invocationLog) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[id]
}

func TestDispatchSkipsOpenCircuit(t *testing.T) {
	pool := newTestPool(t, "p1", "p2")
	rig := newTestRotator(t, pool, nil)

	cb := rig.rotator.Breakers().Get("p1")
	for i := 0; i < circuitbreaker.DefaultConfig().FailureThreshold; i++ {
		cb.RecordFailure()
	}
	if cb.State() != circuitbreaker.StateOpen {
		t.Fatalf("Expected p1 circuit OPEN, got %s", cb.State())
	}

	calls := newInvocationLog()
	res, err := rig.rotator.Dispatch(context.Background(), calls.op(func(string) error { return nil }), nil)
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if res.Proxy.ID != "p2" {
		t.Errorf("Expected p2, got %s", res.Proxy.ID)
	}
	if calls.count("p1") != 0 {
		t.Errorf("Expected p1's operation never invoked, got %d calls", calls.count("p1"))
	}
	if calls.count("p2") != 1 || res.Attempts != 1 {
		t.Errorf("Expected exactly one call through p2, got %d (attempts %d)", calls.count("p2"), res.Attempts)
	}
}

func TestDispatchOpenCircuitsKeepFailoverBudget(t *testing.T) {
	pool := newTestPool(t, "p1", "p2", "p3", "p4")
	rig := newTestRotator(t, pool, nil)

	for _, id := range []string{"p1", "p2", "p3"} {
		cb := rig.rotator.Breakers().Get(id)
		for i := 0; i < circuitbreaker.DefaultConfig().FailureThreshold; i++ {
			cb.RecordFailure()
		}
	}

	calls := newInvocationLog()
	res, err := rig.rotator.Dispatch(context.Background(), calls.op(func(string) error { return nil }), nil)
	if err != nil {
		t.Fatalf("Expected p4 to serve past three open circuits, got %v", err)
	}
	if res.Proxy.ID != "p4" || calls.count("p4") != 1 {
		t.Errorf("Expected one call through p4, got %s (p4 calls %d)", res.Proxy.ID, calls.count("p4"))
	}
	if fmt.Sprint(res.Tried) != "[p4]" {
		t.Errorf("Expected refused proxies not to count as tried, got %v", res.Tried)
	}

	cb := rig.rotator.Breakers().Get("p4")
	for i := 0; i < circuitbreaker.DefaultConfig().FailureThreshold; i++ {
		cb.RecordFailure()
	}
	_, err = rig.rotator.Dispatch(context.Background(), calls.op(func(string) error { return nil }), nil)
	var empty *types.PoolEmptyError
	if !errors.As(err, &empty) {
		t.Fatalf("Expected PoolEmptyError with every circuit open, got %v", err)
	}
	if errors.Is(err, types.ErrProxyUnavailable) {
		t.Error("Expected breaker refusals not to surface raw")
	}
}

func TestDispatchSingleProxyExhausted(t *testing.T) {
	pool := newTestPool(t, "p1")
	rig := newTestRotator(t, pool, nil)

	calls := newInvocationLog()
	_, err := rig.rotator.Dispatch(context.Background(), calls.op(func(string) error {
		return types.Retryable(errors.New("connection reset"))
	}), nil)

	var exhausted *types.FailoverExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected FailoverExhaustedError, got %v", err)
	}
	if calls.count("p1") != 3 {
		t.Errorf("Expected exactly 3 invocations, got %d", calls.count("p1"))
	}
	if len(exhausted.Attempted) != 1 || exhausted.Attempted[0] != "p1" {
		t.Errorf("Expected attempted [p1], got %v", exhausted.Attempted)
	}
	if !errors.Is(err, types.ErrConnection) {
		t.Error("Expected the last connection error to be wrapped")
	}

	s := rig.metrics.Summary()
	if s.TotalAttempts != 3 || s.Failures != 3 || s.Retries != 2 {
		t.Errorf("Unexpected metrics summary: %+v", s)
	}
}

func TestDispatchFailover(t *testing.T) {
	pool := newTestPool(t, "p1", "p2", "p3")
	rig := newTestRotator(t, pool, nil)
	rig.rotator.SetStrategy(strategy.NewLeastUsed())

	calls := newInvocationLog()
	res, err := rig.rotator.Dispatch(context.Background(), calls.op(func(id string) error {
		if id == "p3" {
			return nil
		}
		return &types.StatusError{StatusCode: 502}
	}), nil)
	if err != nil {
		t.Fatalf("Expected success on p3, got %v", err)
	}
	if res.Proxy.ID != "p3" {
		t.Errorf("Expected p3, got %s", res.Proxy.ID)
	}
	want := []string{"p1", "p2", "p3"}
	if fmt.Sprint(res.Tried) != fmt.Sprint(want) {
		t.Errorf("Expected tried %v, got %v", want, res.Tried)
	}
	if res.Attempts != 7 {
		t.Errorf("Expected 3+3+1 invocations, got %d", res.Attempts)
	}
}

func TestDispatchFailoverBudget(t *testing.T) {
	pool := newTestPool(t, "p1", "p2", "p3", "p4")
	rig := newTestRotator(t, pool, nil)
	rig.rotator.SetStrategy(strategy.NewLeastUsed())
	if err := rig.rotator.SetMaxFailover(2); err != nil {
		t.Fatal(err)
	}

	calls := newInvocationLog()
	_, err := rig.rotator.Dispatch(context.Background(), calls.op(func(string) error {
		return types.Retryable(errors.New("down"))
	}), nil)

	var exhausted *types.FailoverExhaustedError
	if !errors.As(err, &exhausted) || len(exhausted.Attempted) != 2 {
		t.Fatalf("Expected exhaustion after 2 proxies, got %v", err)
	}
	if calls.count("p3") != 0 || calls.count("p4") != 0 {
		t.Error("Expected proxies beyond the budget to stay untouched")
	}
	if rig.rotator.SetMaxFailover(0) == nil {
		t.Error("Expected a zero budget to be rejected")
	}
}

func TestDispatchNonRetryableSurfacesImmediately(t *testing.T) {
	pool := newTestPool(t, "p1", "p2")
	rig := newTestRotator(t, pool, nil)

	calls := newInvocationLog()
	_, err := rig.rotator.Dispatch(context.Background(), calls.op(func(string) error {
		return types.Permanent(errors.New("malformed request"))
	}), nil)

	if !errors.Is(err, types.ErrNonRetryable) {
		t.Fatalf("Expected NonRetryableError, got %v", err)
	}
	if calls.count("p1")+calls.count("p2") != 1 {
		t.Errorf("Expected a single invocation, got p1=%d p2=%d", calls.count("p1"), calls.count("p2"))
	}
}

func TestDispatchPoolEmpty(t *testing.T) {
	rig := newTestRotator(t, types.NewPool("empty"), nil)
	_, err := rig.rotator.Dispatch(context.Background(), newInvocationLog().op(func(string) error { return nil }), nil)
	var empty *types.PoolEmptyError
	if !errors.As(err, &empty) {
		t.Fatalf("Expected PoolEmptyError, got %v", err)
	}

	pool := newTestPool(t, "p1")
	if err := pool.SetHealth("p1", types.HealthDead); err != nil {
		t.Fatal(err)
	}
	rig = newTestRotator(t, pool, nil)
	_, err = rig.rotator.Dispatch(context.Background(), newInvocationLog().op(func(string) error { return nil }), nil)
	if !errors.Is(err, types.ErrPoolEmpty) {
		t.Errorf("Expected PoolEmpty for an all-dead pool, got %v", err)
	}

	// proxies the caller already excluded count as tried
	pool = newTestPool(t, "p1")
	rig = newTestRotator(t, pool, nil)
	sel := types.NewSelectionContext().WithFailed("p1")
	_, err = rig.rotator.Dispatch(context.Background(), newInvocationLog().op(func(string) error { return nil }), sel)
	if !errors.Is(err, types.ErrPoolEmpty) {
		t.Errorf("Expected PoolEmpty when every proxy is excluded, got %v", err)
	}
}

func TestDispatchRateLimitedFailover(t *testing.T) {
	pool := newTestPool(t, "p1", "p2")
	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Proxies: map[string]ratelimit.Rule{"p1": {MaxRequests: 1, TimeWindow: time.Hour}},
	})
	defer limiter.Stop()
	if !limiter.CheckLimit("p1") {
		t.Fatal("Expected the first p1 token")
	}

	reg := prometheus.NewRegistry()
	exporter, err := metrics.NewPrometheusExporter(&metrics.PrometheusConfig{Enabled: true, Namespace: "t", Subsystem: "r"}, reg)
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.NewRetryMetrics(nil)
	r, err := New(Options{
		Pool:     pool,
		Strategy: strategy.NewRoundRobin(),
		Executor: retry.NewExecutor(fastPolicy(), nil, m, nil),
		Limiter:  limiter,
		Metrics:  m,
		Exporter: exporter,
	})
	if err != nil {
		t.Fatal(err)
	}

	calls := newInvocationLog()
	res, err := r.Dispatch(context.Background(), calls.op(func(string) error { return nil }), nil)
	if err != nil {
		t.Fatalf("Expected success on p2, got %v", err)
	}
	if res.Proxy.ID != "p2" || calls.count("p1") != 0 {
		t.Errorf("Expected the rate limited p1 to be skipped, got %s (p1 calls %d)", res.Proxy.ID, calls.count("p1"))
	}
	if len(res.Tried) != 1 {
		t.Errorf("Expected rate limited proxies not to count as tried, got %v", res.Tried)
	}
	expected := `
# HELP t_r_rate_limited_total Total number of dispatches denied by the rate limiter
# TYPE t_r_rate_limited_total counter
t_r_rate_limited_total{proxy="p1"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "t_r_rate_limited_total"); err != nil {
		t.Errorf("Unexpected rate limit metric: %v", err)
	}
}

func TestDispatchAllRateLimited(t *testing.T) {
	pool := newTestPool(t, "p1")
	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Global: &ratelimit.Rule{MaxRequests: 1, TimeWindow: time.Hour},
	})
	rig := newTestRotator(t, pool, limiter)

	op := newInvocationLog().op(func(string) error { return nil })
	if _, err := rig.rotator.Dispatch(context.Background(), op, nil); err != nil {
		t.Fatalf("Expected the first dispatch to pass, got %v", err)
	}
	_, err := rig.rotator.Dispatch(context.Background(), op, nil)
	var empty *types.PoolEmptyError
	if !errors.As(err, &empty) {
		t.Fatalf("Expected PoolEmptyError once every proxy is rate limited, got %v", err)
	}
}

func TestDispatchCancelled(t *testing.T) {
	pool := newTestPool(t, "p1", "p2")
	rig := newTestRotator(t, pool, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := newInvocationLog()
	_, err := rig.rotator.Dispatch(ctx, calls.op(func(string) error { return nil }), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if calls.count("p1")+calls.count("p2") != 0 {
		t.Error("Expected no invocation after cancellation")
	}

	ctx, cancel = context.WithCancel(context.Background())
	_, err = rig.rotator.Dispatch(ctx, func(ctx context.Context, p *types.Proxy) (interface{}, error) {
		cancel()
		return nil, ctx.Err()
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled mid-operation, got %v", err)
	}
	if n := rig.rotator.Breakers().Get("p1").FailureCount(); n != 0 {
		t.Errorf("Expected no breaker failure for a cancelled call, got %d", n)
	}
}

func TestDispatchRecordsCircuitEvents(t *testing.T) {
	pool := newTestPool(t, "p1", "p2")
	rig := newTestRotator(t, pool, nil)
	rig.rotator.Breakers().SetConfig(circuitbreaker.Config{FailureThreshold: 2, WindowDuration: time.Minute, TimeoutDuration: time.Minute})

	op := newInvocationLog().op(func(id string) error {
		if id == "p1" {
			return types.Retryable(errors.New("down"))
		}
		return nil
	})
	if _, err := rig.rotator.Dispatch(context.Background(), op, nil); err != nil {
		t.Fatalf("Expected failover to p2, got %v", err)
	}

	events := rig.metrics.CircuitEvents()
	if len(events) != 1 || events[0].ProxyID != "p1" || events[0].ToState != "OPEN" {
		t.Fatalf("Expected one OPEN event for p1, got %+v", events)
	}
	byProxy := rig.metrics.ByProxy(1)
	if byProxy["p1"].CircuitOpens != 1 || byProxy["p2"].Successes != 1 {
		t.Errorf("Unexpected per-proxy metrics: %+v", byProxy)
	}
}

func TestSetStrategyDuringDispatch(t *testing.T) {
	pool := newTestPool(t, "p1", "p2", "p3")
	rig := newTestRotator(t, pool, nil)
	registry := strategy.NewRegistry()

	var wg sync.WaitGroup
	var failures atomic.Int64
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		names := []string{strategy.NameRandom, strategy.NameLeastUsed, strategy.NameRoundRobin, strategy.NameWeighted}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := rig.rotator.SetStrategyByName(registry, names[i%len(names)], nil); err != nil {
				failures.Add(1)
			}
		}
	}()

	op := newInvocationLog().op(func(string) error { return nil })
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := rig.rotator.Dispatch(context.Background(), op, nil); err != nil {
					failures.Add(1)
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("Expected no failures while swapping strategies, got %d", failures.Load())
	}
	if err := rig.rotator.SetStrategyByName(registry, "nope", nil); !errors.Is(err, strategy.ErrUnknownStrategy) {
		t.Errorf("Expected ErrUnknownStrategy, got %v", err)
	}
}

func TestSessionStickyDispatch(t *testing.T) {
	pool := newTestPool(t, "p1", "p2", "p3")
	rig := newTestRotator(t, pool, nil)
	rig.rotator.SetStrategy(strategy.NewSession(strategy.NewRoundRobin(), time.Minute, 100))

	sel := types.NewSelectionContext()
	sel.SessionID = "s1"
	op := newInvocationLog().op(func(string) error { return nil })

	first, err := rig.rotator.Dispatch(context.Background(), op, sel)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		res, err := rig.rotator.Dispatch(context.Background(), op, sel)
		if err != nil {
			t.Fatal(err)
		}
		if res.Proxy.ID != first.Proxy.ID {
			t.Fatalf("Expected session to stick to %s, got %s", first.Proxy.ID, res.Proxy.ID)
		}
	}
}

func TestSessionSurvivesRateLimitDenial(t *testing.T) {
	pool := newTestPool(t, "p1", "p2", "p3")
	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Proxies: map[string]ratelimit.Rule{"p1": {MaxRequests: 1, TimeWindow: 200 * time.Millisecond}},
	})
	defer limiter.Stop()
	rig := newTestRotator(t, pool, limiter)
	session := strategy.NewSession(strategy.NewRoundRobin(), time.Minute, 100)
	rig.rotator.SetStrategy(session)

	sel := types.NewSelectionContext()
	sel.SessionID = "s1"
	op := newInvocationLog().op(func(string) error { return nil })

	first, err := rig.rotator.Dispatch(context.Background(), op, sel)
	if err != nil || first.Proxy.ID != "p1" {
		t.Fatalf("Expected the session bound to p1, got %v %v", first, err)
	}
	second, err := rig.rotator.Dispatch(context.Background(), op, sel)
	if err != nil {
		t.Fatal(err)
	}
	if second.Proxy.ID == "p1" {
		t.Fatal("Expected p1 to be rate limited on the second dispatch")
	}
	if id, _ := session.Lookup("s1"); id != "p1" {
		t.Errorf("Expected the binding to stay on p1 after a denial, got %q", id)
	}

	time.Sleep(300 * time.Millisecond)
	third, err := rig.rotator.Dispatch(context.Background(), op, sel)
	if err != nil {
		t.Fatal(err)
	}
	if third.Proxy.ID != "p1" {
		t.Errorf("Expected the session back on p1 once it has tokens, got %s", third.Proxy.ID)
	}
}

func TestDispatchSpan(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	pool := newTestPool(t, "p1")
	rig := newTestRotator(t, pool, nil)
	if _, err := rig.rotator.Dispatch(context.Background(), newInvocationLog().op(func(string) error { return nil }), nil); err != nil {
		t.Fatal(err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "rotator.dispatch" {
		t.Fatalf("Expected one dispatch span, got %d", len(spans))
	}
	found := false
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "rotator.result" && attr.Value.AsString() == ResultSuccess {
			found = true
		}
	}
	if !found {
		t.Error("Expected the span to carry the dispatch result")
	}
}

func TestRemoveProxy(t *testing.T) {
	pool := newTestPool(t, "p1", "p2")
	rig := newTestRotator(t, pool, nil)
	rig.rotator.Breakers().Get("p1").RecordFailure()

	if !rig.rotator.RemoveProxy("p1") {
		t.Fatal("Expected p1 to be removed")
	}
	if _, ok := rig.rotator.Breakers().Lookup("p1"); ok {
		t.Error("Expected the breaker of p1 to be dropped")
	}
	if rig.rotator.RemoveProxy("p1") {
		t.Error("Expected a second removal to report false")
	}
}
