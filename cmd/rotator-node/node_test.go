package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/config"
	"github.com/songzhibin97/proxyrotator/internal/strategy"
	"github.com/songzhibin97/proxyrotator/internal/types"
)

// newUpstreamProxy answers proxied requests itself, naming the proxy in the body.
func newUpstreamProxy(t *testing.T, name string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host == "check.test" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fmt.Fprintf(w, "via-%s", name)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func nodeConfig(path, strategyName string, proxies map[string]string) string {
	doc := fmt.Sprintf(`
node:
  name: test-node
  pool: test
strategy:
  name: %s
admin:
  address: 127.0.0.1:0
  mode: test
health:
  enabled: true
  target_url: http://check.test/
  interval: 20ms
  healthy_threshold: 1
sources:
  sync_interval: 0s
  static:
`, strategyName)
	for _, id := range []string{"p1", "p2"} {
		if u, ok := proxies[id]; ok {
			doc += fmt.Sprintf("    - id: %s\n      url: %s\n", id, u)
		}
	}
	doc += fmt.Sprintf(`config:
  source:
    driver: file
    file:
      path: %s
      poll_interval: 10ms
`, path)
	return doc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNodeLifecycle(t *testing.T) {
	p1 := newUpstreamProxy(t, "p1")
	p2 := newUpstreamProxy(t, "p2")

	path := filepath.Join(t.TempDir(), "rotator.yaml")
	if err := os.WriteFile(path, []byte(nodeConfig(path, "round_robin", map[string]string{"p1": p1})), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	n, err := newNode(cfg, nil)
	if err != nil {
		t.Fatalf("newNode failed: %v", err)
	}
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	waitFor(t, "the admin server", func() bool { return n.admin.Addr() != nil })
	base := "http://" + n.admin.Addr().String() + "/api/v1"

	pool := n.rotator.Pool()
	waitFor(t, "the initial sync", func() bool { return pool.Size() == 1 })
	waitFor(t, "the first health check", func() bool {
		p, ok := pool.Get("p1")
		return ok && p.HealthStatus() == types.HealthHealthy
	})

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected a healthy node, got %d", resp.StatusCode)
	}

	payload, _ := json.Marshal(map[string]string{"url": "http://target.test/"})
	resp, err = http.Post(base+"/fetch", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	var fetched struct {
		ProxyID string `json:"proxy_id"`
		Body    string `json:"body"`
	}
	json.NewDecoder(resp.Body).Decode(&fetched)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || fetched.ProxyID != "p1" || fetched.Body != "via-p1" {
		t.Errorf("Unexpected fetch: %d %+v", resp.StatusCode, fetched)
	}

	// hot reload swaps the strategy and the static proxy list
	next := nodeConfig(path, "least_used", map[string]string{"p2": p2})
	if err := os.WriteFile(path, []byte(next), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "the reload", func() bool {
		_, hasP2 := pool.Get("p2")
		_, hasP1 := pool.Get("p1")
		return hasP2 && !hasP1 && n.rotator.Strategy().Name() == strategy.NameLeastUsed
	})

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		// metrics live outside the API prefix
		t.Errorf("Expected no metrics under the API prefix, got %d", resp.StatusCode)
	}
	resp, err = http.Get("http://" + n.admin.Addr().String() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected the metrics endpoint, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNewNodeRejectsUnknownStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.Admin.Enabled = false
	cfg.Strategy.Name = "telepathy"
	if _, err := newNode(cfg, nil); err == nil {
		t.Error("Expected an unknown strategy to fail node construction")
	}
}
