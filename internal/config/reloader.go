package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/songzhibin97/proxyrotator/internal/rotator"
	"github.com/songzhibin97/proxyrotator/internal/strategy"
	pkgConfig "github.com/songzhibin97/proxyrotator/pkg/config"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

// ReloadFunc is called after a new configuration was applied.
type ReloadFunc func(old, current *Config)

// Reloader applies configuration updates to a running rotator. Strategy,
// retry policy, failover budget, rate limits and breaker thresholds change
// in place; every other section is handed to the listeners, and changes to
// sections nothing listens for only take effect after a restart.
type Reloader struct {
	rotator  *rotator.Rotator
	registry *strategy.Registry
	logger   log.Logger

	mu        sync.Mutex
	current   *Config
	listeners []ReloadFunc
}

// NewReloader creates a reloader. initial is the configuration the rotator
// was built from.
func NewReloader(r *rotator.Rotator, registry *strategy.Registry, initial *Config, logger log.Logger) *Reloader {
	if registry == nil {
		registry = strategy.NewRegistry()
	}
	return &Reloader{
		rotator:  r,
		registry: registry,
		logger:   log.OrNop(logger).With(log.Component("config")),
		current:  initial,
	}
}

// OnReload registers fn to run after every applied update.
func (rl *Reloader) OnReload(fn ReloadFunc) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.listeners = append(rl.listeners, fn)
}

// Current returns the configuration last applied.
func (rl *Reloader) Current() *Config {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.current
}

// ApplyBytes parses a YAML document and applies it.
func (rl *Reloader) ApplyBytes(data []byte) error {
	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	return rl.Apply(cfg)
}

// Apply validates cfg and applies the sections that differ from the current
// configuration. Nothing is changed when validation or strategy creation
// fails.
func (rl *Reloader) Apply(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	old := rl.current
	if old == nil {
		old = Default()
	}

	var next strategy.Strategy
	if !reflect.DeepEqual(old.Strategy, cfg.Strategy) {
		s, err := rl.registry.Create(cfg.Strategy.Name, &cfg.Strategy.Config)
		if err != nil {
			return err
		}
		next = s
	}

	if !reflect.DeepEqual(old.Retry, cfg.Retry) {
		if err := rl.rotator.SetPolicy(&cfg.Retry); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
		rl.logger.Info("Retry policy updated",
			log.Int("max_attempts", cfg.Retry.MaxAttempts),
			log.String("backoff", cfg.Retry.Backoff.String()),
		)
	}
	if next != nil {
		rl.rotator.SetStrategy(next)
	}
	if old.Rotator.MaxFailoverAttempts != cfg.Rotator.MaxFailoverAttempts {
		// validated positive above
		_ = rl.rotator.SetMaxFailover(cfg.Rotator.MaxFailoverAttempts)
		rl.logger.Info("Failover budget updated", log.Int("max_failover_attempts", cfg.Rotator.MaxFailoverAttempts))
	}
	if lim := rl.rotator.Limiter(); lim != nil && !reflect.DeepEqual(old.RateLimit, cfg.RateLimit) {
		lim.Apply(&cfg.RateLimit)
		rl.logger.Info("Rate limits updated", log.Int("proxy_rules", len(cfg.RateLimit.Proxies)))
	}
	if old.CircuitBreaker != cfg.CircuitBreaker {
		rl.rotator.Breakers().SetConfig(cfg.CircuitBreaker)
		rl.logger.Info("Circuit breaker thresholds updated",
			log.Int("failure_threshold", cfg.CircuitBreaker.FailureThreshold),
			log.Duration("timeout", cfg.CircuitBreaker.TimeoutDuration),
		)
	}

	for _, section := range restartOnly(old, cfg) {
		rl.logger.Warn("Configuration change requires a restart", log.String("section", section))
	}

	rl.current = cfg
	for _, fn := range rl.listeners {
		fn(old, cfg)
	}
	return nil
}

// Watch applies every document src delivers until ctx is done or the
// channel closes. Invalid documents are logged and skipped.
func (rl *Reloader) Watch(ctx context.Context, src pkgConfig.Source) error {
	ch, err := src.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch configuration source: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := rl.ApplyBytes(data); err != nil {
				rl.logger.Error("Rejected configuration update", log.Error(err))
				continue
			}
			rl.logger.Debug("Configuration update applied")
		}
	}
}

func restartOnly(old, cur *Config) []string {
	var sections []string
	if old.Node != cur.Node {
		sections = append(sections, "node")
	}
	if old.Logging != cur.Logging {
		sections = append(sections, "logging")
	}
	if !reflect.DeepEqual(old.Admin, cur.Admin) {
		sections = append(sections, "admin")
	}
	if old.Tracing != cur.Tracing {
		sections = append(sections, "tracing")
	}
	if !reflect.DeepEqual(old.Metrics, cur.Metrics) {
		sections = append(sections, "metrics")
	}
	if old.Transport != cur.Transport {
		sections = append(sections, "transport")
	}
	if old.Health != cur.Health {
		sections = append(sections, "health")
	}
	if !reflect.DeepEqual(old.ConfigSource, cur.ConfigSource) {
		sections = append(sections, "config")
	}
	return sections
}
