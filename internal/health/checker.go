// Package health actively checks pool proxies and reports their health to
// the pool. Selection only ever reads the reported status.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/proxyrotator/internal/transport"
	"github.com/songzhibin97/proxyrotator/internal/types"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

// Config configures active probing.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// TargetURL is fetched through every proxy; a 2xx answer is a success.
	TargetURL string        `yaml:"target_url"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	// HealthyThreshold consecutive successes mark a proxy HEALTHY.
	HealthyThreshold int `yaml:"healthy_threshold"`
	// UnhealthyThreshold consecutive failures mark a proxy UNHEALTHY.
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`
	// DeadThreshold consecutive failures mark a proxy DEAD; 0 never does.
	DeadThreshold int `yaml:"dead_threshold"`
	Concurrency   int `yaml:"concurrency"`
}

// DefaultConfig returns probing disabled with conservative thresholds.
func DefaultConfig() *Config {
	return &Config{
		TargetURL:          "http://connectivitycheck.gstatic.com/generate_204",
		Interval:           30 * time.Second,
		Timeout:            5 * time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
		DeadThreshold:      10,
		Concurrency:        16,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TargetURL == "" {
		return errors.New("target_url is required")
	}
	if c.Interval <= 0 || c.Timeout <= 0 {
		return errors.New("interval and timeout must be positive")
	}
	if c.HealthyThreshold < 1 || c.UnhealthyThreshold < 1 {
		return errors.New("thresholds must be at least 1")
	}
	if c.DeadThreshold != 0 && c.DeadThreshold < c.UnhealthyThreshold {
		return fmt.Errorf("dead_threshold %d is below unhealthy_threshold %d", c.DeadThreshold, c.UnhealthyThreshold)
	}
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	return nil
}

// Result is the outcome of one check.
type Result struct {
	ProxyID    string        `json:"proxy_id"`
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// ChangeCallback is called after the checker changed a proxy's status.
type ChangeCallback func(proxyID string, old, current types.HealthStatus)

type proxyState struct {
	consecutiveSuccess  int
	consecutiveFailures int
	last                Result
}

// Checker checks every proxy of a pool through its own connection.
type Checker struct {
	config    Config
	pool      *types.Pool
	transport *transport.Transport
	logger    log.Logger
	now       func() time.Time

	mu        sync.Mutex
	states    map[string]*proxyState
	callbacks []ChangeCallback
}

// NewChecker creates a checker. A nil config uses DefaultConfig.
func NewChecker(cfg *Config, pool *types.Pool, tr *transport.Transport, logger log.Logger) *Checker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if tr == nil {
		tr = transport.New(nil)
	}
	return &Checker{
		config:    *cfg,
		pool:      pool,
		transport: tr,
		logger:    log.OrNop(logger).With(log.Component("health")),
		now:       time.Now,
		states:    make(map[string]*proxyState),
	}
}

// OnChange registers a status change callback.
func (c *Checker) OnChange(cb ChangeCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Run checks the pool immediately and then on every interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		c.CheckAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckAll checks every proxy currently in the pool, at most Concurrency at a
// time, and applies the outcomes. Results are ordered by proxy ID.
func (c *Checker) CheckAll(ctx context.Context) []Result {
	proxies := c.pool.All()
	results := make([]Result, len(proxies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)
	for i, p := range proxies {
		g.Go(func() error {
			results[i] = c.checkProxy(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// checks cut short by shutdown say nothing about the proxies
		return nil
	}

	present := make(map[string]bool, len(proxies))
	for i, p := range proxies {
		present[p.ID] = true
		c.apply(p, results[i])
	}
	c.forgetMissing(present)

	sort.Slice(results, func(i, j int) bool { return results[i].ProxyID < results[j].ProxyID })
	return results
}

// Check tests a single proxy of the pool and applies the outcome.
func (c *Checker) Check(ctx context.Context, proxyID string) (Result, error) {
	p, ok := c.pool.Get(proxyID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", types.ErrProxyNotFound, proxyID)
	}
	res := c.checkProxy(ctx, p)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	c.apply(p, res)
	return res, nil
}

// Results returns the latest check of every tracked proxy.
func (c *Checker) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, st.last)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProxyID < out[j].ProxyID })
	return out
}

func (c *Checker) checkProxy(ctx context.Context, p *types.Proxy) Result {
	start := c.now()
	res := Result{ProxyID: p.ID, CheckedAt: start}

	client, err := c.transport.Client(p)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.TargetURL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	resp, err := client.Do(req)
	res.Duration = c.now().Sub(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !res.Healthy {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return res
}

func (c *Checker) apply(p *types.Proxy, res Result) {
	c.mu.Lock()
	st, ok := c.states[p.ID]
	if !ok {
		st = &proxyState{}
		c.states[p.ID] = st
	}
	st.last = res

	old := p.HealthStatus()
	next := old
	if res.Healthy {
		st.consecutiveSuccess++
		st.consecutiveFailures = 0
		if old != types.HealthHealthy && st.consecutiveSuccess >= c.config.HealthyThreshold {
			next = types.HealthHealthy
		}
	} else {
		st.consecutiveFailures++
		st.consecutiveSuccess = 0
		switch {
		case c.config.DeadThreshold > 0 && st.consecutiveFailures >= c.config.DeadThreshold:
			next = types.HealthDead
		case old.Eligible() && st.consecutiveFailures >= c.config.UnhealthyThreshold:
			next = types.HealthUnhealthy
		}
	}
	callbacks := c.callbacks
	c.mu.Unlock()

	if next == old {
		return
	}
	if err := c.pool.SetHealth(p.ID, next); err != nil {
		// removed while probing
		return
	}
	c.logger.Info("Proxy health changed",
		log.String("proxy_id", p.ID),
		log.String("from", old.String()),
		log.String("to", next.String()),
		log.String("last_error", res.Error),
	)
	for _, cb := range callbacks {
		cb(p.ID, old, next)
	}
}

func (c *Checker) forgetMissing(present map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.states {
		if !present[id] {
			delete(c.states, id)
		}
	}
}
