package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/songzhibin97/proxyrotator/internal/circuitbreaker"
	"github.com/songzhibin97/proxyrotator/internal/health"
	"github.com/songzhibin97/proxyrotator/internal/metrics"
	"github.com/songzhibin97/proxyrotator/internal/ratelimit"
	"github.com/songzhibin97/proxyrotator/internal/retry"
	"github.com/songzhibin97/proxyrotator/internal/rotator"
	"github.com/songzhibin97/proxyrotator/internal/source"
	"github.com/songzhibin97/proxyrotator/internal/strategy"
	"github.com/songzhibin97/proxyrotator/internal/transport"
	"github.com/songzhibin97/proxyrotator/internal/types"
)

type testEnv struct {
	server  *Server
	rotator *rotator.Rotator
	pool    *types.Pool
}

func newTestEnv(t *testing.T, syncer func(*types.Pool) *source.Syncer) *testEnv {
	t.Helper()

	pool := types.NewPool("test")
	for _, id := range []string{"p1", "p2"} {
		p, err := types.NewProxy("http://" + id + ".example:8080")
		if err != nil {
			t.Fatal(err)
		}
		p.ID = id
		if err := pool.Add(p); err != nil {
			t.Fatal(err)
		}
	}

	reg := prometheus.NewRegistry()
	exporter, err := metrics.NewPrometheusExporter(&metrics.PrometheusConfig{Enabled: true, Namespace: "t", Subsystem: "admin"}, reg)
	if err != nil {
		t.Fatal(err)
	}
	store := metrics.NewRetryMetrics(nil)
	store.AddObserver(exporter)

	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Proxies: map[string]ratelimit.Rule{"p1": {MaxRequests: 10, TimeWindow: time.Second}},
	})
	t.Cleanup(limiter.Stop)

	policy := retry.DefaultPolicy()
	policy.BaseDelay = time.Millisecond
	policy.MaxBackoffDelay = time.Millisecond
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{
		FailureThreshold: 2,
		WindowDuration:   time.Minute,
		TimeoutDuration:  time.Minute,
	}, nil)

	r, err := rotator.New(rotator.Options{
		Pool:     pool,
		Strategy: strategy.NewRoundRobin(),
		Executor: retry.NewExecutor(policy, breakers, store, nil),
		Limiter:  limiter,
		Metrics:  store,
		Exporter: exporter,
	})
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{Rotator: r, Gatherer: reg}
	if syncer != nil {
		opts.Syncer = syncer(pool)
	}
	srv, err := NewServer(Config{Mode: "test"}, opts)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{server: srv, rotator: r, pool: pool}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (e *testEnv) dispatch(t *testing.T) {
	t.Helper()
	op := func(context.Context, *types.Proxy) (interface{}, error) { return "ok", nil }
	if _, err := e.rotator.Dispatch(context.Background(), op, nil); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w, body := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK || body["status"] != "healthy" || body["proxies"] != float64(2) {
		t.Errorf("Unexpected health: %d %v", w.Code, body)
	}

	env.pool.SetHealth("p1", types.HealthDead)
	env.pool.SetHealth("p2", types.HealthUnhealthy)
	w, body = env.do(t, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("Expected a degraded node, got %d %v", w.Code, body)
	}
}

func TestStatsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dispatch(t)

	w, body := env.do(t, http.MethodGet, "/api/v1/stats/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if body["total_attempts"] != float64(1) {
		t.Errorf("Expected one attempt in the summary, got %v", body)
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/stats/timeseries?hours=3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if points, _ := body["points"].([]interface{}); len(points) != 3 {
		t.Errorf("Expected 3 hourly points, got %v", body["points"])
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/stats/proxies", nil)
	if w.Code != http.StatusOK || body["hours"] != float64(24) {
		t.Fatalf("Unexpected response: %d %v", w.Code, body)
	}
	if proxies, _ := body["proxies"].(map[string]interface{}); len(proxies) != 1 {
		t.Errorf("Expected stats for the one proxy used, got %v", body["proxies"])
	}

	for _, q := range []string{"0", "-1", "abc", "1000"} {
		w, _ = env.do(t, http.MethodGet, "/api/v1/stats/timeseries?hours="+q, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for hours=%s, got %d", q, w.Code)
		}
	}
}

func TestProxyEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	w, body := env.do(t, http.MethodGet, "/api/v1/proxies", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if proxies, _ := body["proxies"].([]interface{}); len(proxies) != 2 {
		t.Errorf("Expected 2 proxies, got %v", body["proxies"])
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/proxies/p1", nil)
	if w.Code != http.StatusOK || body["id"] != "p1" || body["circuit"] != "CLOSED" {
		t.Errorf("Unexpected proxy: %d %v", w.Code, body)
	}
	if w, _ = env.do(t, http.MethodGet, "/api/v1/proxies/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	w, _ = env.do(t, http.MethodPut, "/api/v1/proxies/p2/health", map[string]string{"status": "unhealthy"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if p, _ := env.pool.Get("p2"); p.HealthStatus() != types.HealthUnhealthy {
		t.Errorf("Expected p2 unhealthy, got %s", p.HealthStatus())
	}
	if w, _ = env.do(t, http.MethodPut, "/api/v1/proxies/p2/health", map[string]string{"status": "sick"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown status, got %d", w.Code)
	}
	if w, _ = env.do(t, http.MethodPut, "/api/v1/proxies/p2/health", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a missing status, got %d", w.Code)
	}
	if w, _ = env.do(t, http.MethodPut, "/api/v1/proxies/nope/health", map[string]string{"status": "healthy"}); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	if w, _ = env.do(t, http.MethodDelete, "/api/v1/proxies/p2", nil); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if env.pool.Size() != 1 {
		t.Errorf("Expected p2 removed, got size %d", env.pool.Size())
	}
	if w, _ = env.do(t, http.MethodDelete, "/api/v1/proxies/p2", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on a second delete, got %d", w.Code)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	cb := env.rotator.Breakers().Get("p1")
	cb.RecordFailure()
	cb.RecordFailure()

	w, body := env.do(t, http.MethodGet, "/api/v1/breakers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	breakers, _ := body["breakers"].([]interface{})
	if len(breakers) != 1 || breakers[0].(map[string]interface{})["state"] != "OPEN" {
		t.Errorf("Expected p1 open, got %v", body["breakers"])
	}
	if _, body = env.do(t, http.MethodGet, "/api/v1/proxies/p1", nil); body["circuit"] != "OPEN" {
		t.Errorf("Expected the proxy view to show the open circuit, got %v", body["circuit"])
	}

	if w, _ = env.do(t, http.MethodPost, "/api/v1/breakers/p1/reset", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if cb.State() != circuitbreaker.StateClosed {
		t.Errorf("Expected p1 closed, got %s", cb.State())
	}
	if w, _ = env.do(t, http.MethodPost, "/api/v1/breakers/p9/reset", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if w, _ = env.do(t, http.MethodPost, "/api/v1/breakers/reset", nil); w.Code != http.StatusOK || cb.State() != circuitbreaker.StateClosed {
		t.Errorf("Expected every breaker reset, got %d %s", w.Code, cb.State())
	}
}

func TestStrategyEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	w, body := env.do(t, http.MethodGet, "/api/v1/strategy", nil)
	if w.Code != http.StatusOK || body["name"] != strategy.NameRoundRobin {
		t.Errorf("Unexpected strategy: %d %v", w.Code, body)
	}
	if available, _ := body["available"].([]interface{}); len(available) < 9 {
		t.Errorf("Expected the builtin strategies listed, got %v", body["available"])
	}

	w, body = env.do(t, http.MethodPut, "/api/v1/strategy", map[string]string{"name": strategy.NameLeastUsed})
	if w.Code != http.StatusOK || env.rotator.Strategy().Name() != strategy.NameLeastUsed {
		t.Errorf("Expected the strategy switched, got %d %v", w.Code, body)
	}
	if w, _ = env.do(t, http.MethodPut, "/api/v1/strategy", map[string]string{"name": "telepathy"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown strategy, got %d", w.Code)
	}
}

func TestRateLimitEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.rotator.Limiter().CheckLimit("p1")

	w, body := env.do(t, http.MethodGet, "/api/v1/ratelimit", nil)
	if w.Code != http.StatusOK || body["enabled"] != true {
		t.Fatalf("Unexpected response: %d %v", w.Code, body)
	}
	if stats, _ := body["stats"].(map[string]interface{}); stats["allowed"] != float64(1) {
		t.Errorf("Expected one allowed request, got %v", body["stats"])
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/ratelimit/p1", nil)
	if w.Code != http.StatusOK || body["limit"] != float64(10) || body["remaining"] != float64(9) {
		t.Errorf("Unexpected quota: %d %v", w.Code, body)
	}
	if w, _ = env.do(t, http.MethodGet, "/api/v1/ratelimit/p2", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unlimited proxy, got %d", w.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	if w, _ := env.do(t, http.MethodPost, "/api/v1/sync", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without sources, got %d", w.Code)
	}

	env = newTestEnv(t, func(pool *types.Pool) *source.Syncer {
		static := source.NewStatic([]source.Record{
			{ID: "p1", URL: "http://p1.example:8080"},
			{ID: "p3", URL: "http://p3.example:8080"},
		})
		return source.NewSyncer(pool, []source.Source{static}, nil, 0, nil)
	})
	w, body := env.do(t, http.MethodPost, "/api/v1/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if added, _ := body["added"].([]interface{}); len(added) != 1 || added[0] != "p3" {
		t.Errorf("Expected p3 added, got %v", body)
	}
	if _, ok := env.pool.Get("p2"); ok {
		t.Error("Expected p2 removed by the sync")
	}
}

func TestCheckEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	if w, _ := env.do(t, http.MethodGet, "/api/v1/checks", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a checker, got %d", w.Code)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	env.pool.Remove("p1")
	env.pool.Remove("p2")
	p3, err := types.NewProxy(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	p3.ID = "p3"
	env.pool.Add(p3)

	cfg := health.DefaultConfig()
	cfg.Enabled = true
	cfg.TargetURL = "http://check.test/"
	cfg.HealthyThreshold = 1
	checker := health.NewChecker(cfg, env.pool, nil, nil)

	srv, err := NewServer(Config{Mode: "test"}, Options{
		Rotator:  env.rotator,
		Checker:  checker,
		Gatherer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatal(err)
	}
	env.server = srv

	w, body := env.do(t, http.MethodPost, "/api/v1/checks/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if results, _ := body["results"].([]interface{}); len(results) != 1 {
		t.Errorf("Expected one result, got %v", body)
	}
	if p3.HealthStatus() != types.HealthHealthy {
		t.Errorf("Expected p3 HEALTHY, got %s", p3.HealthStatus())
	}

	w, body = env.do(t, http.MethodPost, "/api/v1/checks/p3/run", nil)
	if w.Code != http.StatusOK || body["healthy"] != true {
		t.Errorf("Unexpected single check: %d %v", w.Code, body)
	}
	if w, _ := env.do(t, http.MethodPost, "/api/v1/checks/nope/run", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown proxy, got %d", w.Code)
	}
	if w, body := env.do(t, http.MethodGet, "/api/v1/checks", nil); w.Code != http.StatusOK || len(body["results"].([]interface{})) != 1 {
		t.Errorf("Unexpected check listing: %d %v", w.Code, body)
	}
}

func TestFetchEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	// the proxy answers absolute-form requests itself
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Seen-Host", r.URL.Host)
			w.Write([]byte(r.Method + ":" + string(body)))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer upstream.Close()

	env.pool.Remove("p1")
	env.pool.Remove("p2")
	p3, err := types.NewProxy(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	p3.ID = "p3"
	env.pool.Add(p3)

	srv, err := NewServer(Config{Mode: "test"}, Options{
		Rotator:    env.rotator,
		Dispatcher: rotator.NewAsync(env.rotator, 2),
		Transport:  transport.New(nil),
		Gatherer:   prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatal(err)
	}
	env.server = srv

	w, body := env.do(t, http.MethodPost, "/api/v1/fetch", map[string]interface{}{
		"method": "post",
		"url":    "http://target.test/ok",
		"body":   "payload",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d %v", w.Code, body)
	}
	if body["proxy_id"] != "p3" || body["status_code"] != float64(200) || body["body"] != "POST:payload" {
		t.Errorf("Unexpected fetch response: %v", body)
	}
	if headers, _ := body["headers"].(map[string]interface{}); headers["X-Seen-Host"] != "target.test" {
		t.Errorf("Expected the upstream headers, got %v", body["headers"])
	}

	w, body = env.do(t, http.MethodPost, "/api/v1/fetch", map[string]interface{}{"url": "http://target.test/denied"})
	if w.Code != http.StatusBadGateway || body["error"] != "upstream_rejected" || body["upstream_status"] != float64(403) {
		t.Errorf("Expected a rejected upstream, got %d %v", w.Code, body)
	}

	for _, req := range []map[string]interface{}{
		{},
		{"url": "ftp://target.test/"},
		{"url": "http://target.test/ok", "timeout": "soon"},
	} {
		if w, _ := env.do(t, http.MethodPost, "/api/v1/fetch", req); w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %v, got %d", req, w.Code)
		}
	}

	env.pool.Remove("p3")
	w, body = env.do(t, http.MethodPost, "/api/v1/fetch", map[string]interface{}{"url": "http://target.test/ok"})
	if w.Code != http.StatusServiceUnavailable || body["error"] != "pool_empty" {
		t.Errorf("Expected pool_empty, got %d %v", w.Code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dispatch(t)

	w, _ := env.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	for _, name := range []string{"t_admin_attempts_total", "t_admin_dispatch_total"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("Expected %s in the exposition", name)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.config.Address = "127.0.0.1:0"
	env.server.httpServer.Addr = "127.0.0.1:0"

	done := make(chan error, 1)
	go func() { done <- env.server.Start() }()

	deadline := time.Now().Add(2 * time.Second)
	for env.server.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	addr := env.server.Addr()
	if addr == nil {
		t.Fatal("Server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/api/v1/health")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(Config{}, Options{}); err == nil {
		t.Error("Expected an error without a rotator")
	}
	env := newTestEnv(t, nil)
	if _, err := NewServer(Config{Mode: "loud"}, Options{Rotator: env.rotator}); err == nil {
		t.Error("Expected an error for an unknown gin mode")
	}
}
