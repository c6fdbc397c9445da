package main

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/proxyrotator/internal/admin"
	"github.com/songzhibin97/proxyrotator/internal/circuitbreaker"
	"github.com/songzhibin97/proxyrotator/internal/config"
	"github.com/songzhibin97/proxyrotator/internal/health"
	"github.com/songzhibin97/proxyrotator/internal/metrics"
	"github.com/songzhibin97/proxyrotator/internal/ratelimit"
	"github.com/songzhibin97/proxyrotator/internal/retry"
	"github.com/songzhibin97/proxyrotator/internal/rotator"
	"github.com/songzhibin97/proxyrotator/internal/source"
	k8ssource "github.com/songzhibin97/proxyrotator/internal/source/driver/kubernetes"
	redissource "github.com/songzhibin97/proxyrotator/internal/source/driver/redis"
	"github.com/songzhibin97/proxyrotator/internal/strategy"
	servertls "github.com/songzhibin97/proxyrotator/internal/tls"
	"github.com/songzhibin97/proxyrotator/internal/tracing"
	"github.com/songzhibin97/proxyrotator/internal/transport"
	"github.com/songzhibin97/proxyrotator/internal/types"
	pkgConfig "github.com/songzhibin97/proxyrotator/pkg/config"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

const (
	shutdownTimeout    = 30 * time.Second
	poolReportInterval = 15 * time.Second
)

// node owns every long-lived component of a rotator process.
type node struct {
	logger log.Logger

	tracer    *tracing.TracerProvider
	gatherer  *prometheus.Registry
	exporter  *metrics.PrometheusExporter
	limiter   *ratelimit.Limiter
	rotator   *rotator.Rotator
	async     *rotator.AsyncRotator
	transport *transport.Transport

	static  *source.Static
	syncer  *source.Syncer
	checker *health.Checker

	reloader     *config.Reloader
	configSource pkgConfig.Source
	admin        *admin.Server
}

func newNode(cfg *config.Config, logger log.Logger) (_ *node, err error) {
	n := &node{logger: log.OrNop(logger)}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	if n.tracer, err = tracing.NewTracerProvider(&cfg.Tracing); err != nil {
		return nil, err
	}

	n.gatherer = prometheus.NewRegistry()
	n.gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	store := metrics.NewRetryMetrics(&cfg.Metrics.Config)
	if cfg.Metrics.Prometheus.Enabled {
		promCfg := cfg.Metrics.Prometheus
		if n.exporter, err = metrics.NewPrometheusExporter(&promCfg, n.gatherer); err != nil {
			return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		store.AddObserver(n.exporter)
	}

	breakerCfg := cfg.CircuitBreaker
	breakers := circuitbreaker.NewManager(&breakerCfg, n.logger)
	policy := cfg.Retry
	executor := retry.NewExecutor(&policy, breakers, store, n.logger)

	limitCfg := cfg.RateLimit
	n.limiter = ratelimit.NewLimiter(&limitCfg)

	registry := strategy.NewRegistry()
	strategyCfg := cfg.Strategy.Config
	selected, err := registry.Create(cfg.Strategy.Name, &strategyCfg)
	if err != nil {
		return nil, err
	}

	pool := types.NewPool(cfg.Node.Pool)
	n.rotator, err = rotator.New(rotator.Options{
		Pool:                pool,
		Strategy:            selected,
		Executor:            executor,
		Limiter:             n.limiter,
		Metrics:             store,
		Exporter:            n.exporter,
		MaxFailoverAttempts: cfg.Rotator.MaxFailoverAttempts,
		Logger:              n.logger,
	})
	if err != nil {
		return nil, err
	}
	n.async = rotator.NewAsync(n.rotator, cfg.Rotator.Workers)

	transportCfg := cfg.Transport
	n.transport = transport.New(&transportCfg)

	n.static = source.NewStatic(cfg.Sources.Static)
	sources := []source.Source{n.static}
	if cfg.Sources.Redis.Enabled {
		redisCfg := cfg.Sources.Redis.Config
		rs, err := redissource.New(&redisCfg)
		if err != nil {
			return nil, err
		}
		sources = append(sources, rs)
	}
	if cfg.Sources.Kubernetes.Enabled {
		k8sCfg := cfg.Sources.Kubernetes.Config
		ks, err := k8ssource.New(&k8sCfg)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ks)
	}
	n.syncer = source.NewSyncer(pool, sources, n.removeProxy, cfg.Sources.SyncInterval, n.logger)

	if cfg.Health.Enabled {
		healthCfg := cfg.Health
		n.checker = health.NewChecker(&healthCfg, pool, n.transport, n.logger)
		n.checker.OnChange(func(string, types.HealthStatus, types.HealthStatus) {
			n.reportPool()
		})
	}

	n.reloader = config.NewReloader(n.rotator, registry, cfg, n.logger)
	n.reloader.OnReload(n.onReload)
	if cfg.HotReloadEnabled() {
		if n.configSource, err = config.CreateConfigSource(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Admin.Enabled {
		tlsCfg, err := servertls.ServerConfig(&cfg.Admin.TLS)
		if err != nil {
			return nil, fmt.Errorf("admin TLS: %w", err)
		}
		n.admin, err = admin.NewServer(admin.Config{
			Address:      cfg.Admin.Address,
			Prefix:       cfg.Admin.Prefix,
			MetricsPath:  cfg.Metrics.Path,
			ReadTimeout:  cfg.Admin.ReadTimeout,
			WriteTimeout: cfg.Admin.WriteTimeout,
			Mode:         cfg.Admin.Mode,
			H2C:          cfg.Admin.H2C,
			FetchTimeout: cfg.Admin.FetchTimeout,
			TLS:          tlsCfg,
		}, admin.Options{
			Rotator:  n.rotator,
			Registry: registry,
			StrategyConfig: func() *strategy.Config {
				c := n.reloader.Current().Strategy.Config
				return &c
			},
			Syncer:     n.syncer,
			Checker:    n.checker,
			Dispatcher: n.async,
			Transport:  n.transport,
			Gatherer:   n.gatherer,
			Logger:     n.logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Run serves until ctx is done or a component fails.
func (n *node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.syncer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(poolReportInterval)
		defer ticker.Stop()
		for {
			n.reportPool()
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	if n.checker != nil {
		g.Go(func() error {
			n.checker.Run(gctx)
			return nil
		})
	}
	if n.configSource != nil {
		g.Go(func() error {
			return n.reloader.Watch(gctx, n.configSource)
		})
	}
	if n.admin != nil {
		g.Go(func() error {
			if err := n.admin.Start(); err != nil {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return n.admin.Shutdown(sctx)
		})
	}

	n.logger.Info("Rotator node started",
		log.String("pool", n.rotator.Pool().Name()),
		log.String("strategy", n.rotator.Strategy().Name()),
		log.Int("workers", n.async.Workers()),
		log.Bool("hot_reload", n.configSource != nil),
	)
	return g.Wait()
}

// Close releases everything Run does not own. It is safe on a partially
// built node.
func (n *node) Close() error {
	var errs []error
	if n.configSource != nil {
		errs = append(errs, n.configSource.Close())
	}
	if n.syncer != nil {
		errs = append(errs, n.syncer.Close())
	}
	if n.limiter != nil {
		n.limiter.Stop()
	}
	if n.transport != nil {
		n.transport.CloseIdleConnections()
	}
	if n.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, n.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (n *node) removeProxy(id string) bool {
	removed := n.rotator.RemoveProxy(id)
	n.transport.Forget(id)
	return removed
}

func (n *node) onReload(old, cur *config.Config) {
	if !reflect.DeepEqual(old.Sources.Static, cur.Sources.Static) {
		n.static.Set(cur.Sources.Static)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		res, err := n.syncer.Sync(ctx)
		if err != nil {
			n.logger.Warn("Proxy sync after reload failed", log.Error(err))
		} else {
			n.logger.Info("Static proxies reloaded",
				log.Int("added", len(res.Added)),
				log.Int("removed", len(res.Removed)),
				log.Int("updated", len(res.Updated)),
			)
		}
		n.reportPool()
	}
	if old.Sources.Redis != cur.Sources.Redis || old.Sources.Kubernetes != cur.Sources.Kubernetes ||
		old.Sources.SyncInterval != cur.Sources.SyncInterval {
		n.logger.Warn("Configuration change requires a restart", log.Strings("sections", []string{"sources"}))
	}
}

func (n *node) reportPool() {
	if n.exporter == nil {
		return
	}
	counts := map[string]int{
		types.HealthUnknown.String():   0,
		types.HealthHealthy.String():   0,
		types.HealthDegraded.String():  0,
		types.HealthUnhealthy.String(): 0,
		types.HealthDead.String():      0,
	}
	for _, p := range n.rotator.Pool().All() {
		counts[p.HealthStatus().String()]++
	}
	n.exporter.SetPoolSize(counts)
}
