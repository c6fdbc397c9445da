package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/proxyrotator/internal/circuitbreaker"
	"github.com/songzhibin97/proxyrotator/internal/health"
	stdoutlog "github.com/songzhibin97/proxyrotator/internal/log/driver/stdout"
	"github.com/songzhibin97/proxyrotator/internal/metrics"
	"github.com/songzhibin97/proxyrotator/internal/ratelimit"
	"github.com/songzhibin97/proxyrotator/internal/retry"
	k8ssource "github.com/songzhibin97/proxyrotator/internal/source/driver/kubernetes"
	redissource "github.com/songzhibin97/proxyrotator/internal/source/driver/redis"
	"github.com/songzhibin97/proxyrotator/internal/strategy"
	"github.com/songzhibin97/proxyrotator/internal/tracing"
	"github.com/songzhibin97/proxyrotator/internal/transport"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROTATOR_"

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name: "rotator-node",
			Pool: "default",
		},
		Logging: LoggingConfig{
			Level:            "info",
			TimeFormat:       time.RFC3339,
			EnableStacktrace: true,
		},
		Strategy: StrategyConfig{
			Name:   strategy.NameRoundRobin,
			Config: *strategy.DefaultConfig(),
		},
		Retry:          *retry.DefaultPolicy(),
		CircuitBreaker: *circuitbreaker.DefaultConfig(),
		RateLimit: ratelimit.Config{
			CleanupInterval: 5 * time.Minute,
			IdleTimeout:     10 * time.Minute,
		},
		Rotator: RotatorConfig{
			MaxFailoverAttempts: 3,
		},
		Metrics: MetricsConfig{
			Config: *metrics.DefaultConfig(),
			Path:   "/metrics",
			Prometheus: metrics.PrometheusConfig{
				Enabled:   true,
				Namespace: "proxyrotator",
				Subsystem: "dispatch",
			},
		},
		Tracing:   *tracing.DefaultConfig(),
		Transport: *transport.DefaultConfig(),
		Health:    *health.DefaultConfig(),
		Admin: AdminConfig{
			Enabled:      true,
			Address:      ":9090",
			Prefix:       "/api/v1",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: time.Minute,
			Mode:         "release",
			FetchTimeout: 45 * time.Second,
		},
		Sources: SourcesConfig{
			SyncInterval: 30 * time.Second,
			Redis: RedisSourceConfig{
				Config: *redissource.DefaultConfig(),
			},
			Kubernetes: KubernetesSourceConfig{
				Config: *k8ssource.DefaultConfig(),
			},
		},
		ConfigSource: ConfigSourceConfig{
			Source: SourceConfig{
				File: FileSourceConfig{
					PollInterval: time.Second,
				},
				Etcd: EtcdSourceConfig{
					Endpoints: []string{"localhost:2379"},
					Key:       "/proxyrotator/config",
					Timeout:   5 * time.Second,
				},
			},
		},
	}
}

// Load loads configuration from file with environment variable overrides.
// An empty path yields the defaults plus environment overrides.
func Load(configFile string) (*Config, error) {
	var data []byte
	if configFile != "" {
		var err error
		data, err = os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.ConfigSource.Source.Driver == "file" && cfg.ConfigSource.Source.File.Path == "" {
		cfg.ConfigSource.Source.File.Path = configFile
	}
	return cfg, nil
}

// Parse applies a YAML document and the environment to the defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv(EnvPrefix + "NODE_NAME"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "STRATEGY"); v != "" {
		cfg.Strategy.Name = v
	}
	if v := os.Getenv(EnvPrefix + "ADMIN_ADDRESS"); v != "" {
		cfg.Admin.Address = v
	}
	if v := os.Getenv(EnvPrefix + "REDIS_ADDRESS"); v != "" {
		cfg.Sources.Redis.Enabled = true
		cfg.Sources.Redis.Address = v
	}
	if v := os.Getenv(EnvPrefix + "REDIS_PASSWORD"); v != "" {
		cfg.Sources.Redis.Password = v
	}
	if v := os.Getenv(EnvPrefix + "K8S_SERVICE"); v != "" {
		cfg.Sources.Kubernetes.Enabled = true
		cfg.Sources.Kubernetes.Service = v
	}
	if v := os.Getenv(EnvPrefix + "K8S_NAMESPACE"); v != "" {
		cfg.Sources.Kubernetes.Namespace = v
	}
	if v := os.Getenv(EnvPrefix + "ETCD_ENDPOINTS"); v != "" {
		cfg.ConfigSource.Source.Etcd.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvPrefix + "JAEGER_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv(EnvPrefix + "MAX_FAILOVER_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_FAILOVER_ATTEMPTS: %w", EnvPrefix, err)
		}
		cfg.Rotator.MaxFailoverAttempts = n
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	check := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		check("logging", err)
	}
	if c.Strategy.Name == "" {
		check("strategy", errors.New("name cannot be empty"))
	}
	check("strategy", c.Strategy.Config.Validate())
	check("retry", c.Retry.Validate())
	check("circuit_breaker", c.CircuitBreaker.Validate())
	check("rate_limit", c.RateLimit.Validate())
	if c.Rotator.MaxFailoverAttempts <= 0 {
		check("rotator", fmt.Errorf("max_failover_attempts must be positive, got %d", c.Rotator.MaxFailoverAttempts))
	}
	if c.Rotator.Workers < 0 {
		check("rotator", fmt.Errorf("workers must not be negative"))
	}
	if c.Metrics.Retention <= 0 {
		check("metrics", fmt.Errorf("retention must be positive"))
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		check("tracing", fmt.Errorf("sample_rate must be in [0, 1], got %v", c.Tracing.SampleRate))
	}
	if c.Admin.Enabled && c.Admin.Address == "" {
		check("admin", errors.New("address cannot be empty"))
	}
	if c.Admin.Enabled {
		check("admin.tls", c.Admin.TLS.Validate())
	}
	if c.Admin.WriteTimeout > 0 && c.Admin.FetchTimeout >= c.Admin.WriteTimeout {
		check("admin", fmt.Errorf("fetch_timeout %v must be below write_timeout %v", c.Admin.FetchTimeout, c.Admin.WriteTimeout))
	}
	for i := range c.Sources.Static {
		if err := c.Sources.Static[i].Validate(); err != nil {
			check(fmt.Sprintf("sources.static[%d]", i), err)
		}
	}
	if c.Sources.Redis.Enabled && c.Sources.Redis.Address == "" {
		check("sources.redis", errors.New("address cannot be empty"))
	}
	if c.Sources.Kubernetes.Enabled {
		check("sources.kubernetes", c.Sources.Kubernetes.Validate())
	}
	check("health", c.Health.Validate())
	check("config.source", ValidateSourceConfig(c))

	return errors.Join(errs...)
}

// LoggerConfig converts the logging section for the stdout driver.
func (c *Config) LoggerConfig() *stdoutlog.Config {
	level, _ := log.ParseLevel(c.Logging.Level)
	return &stdoutlog.Config{
		Level:            level,
		TimeFormat:       c.Logging.TimeFormat,
		EnableCaller:     c.Logging.EnableCaller,
		EnableStacktrace: c.Logging.EnableStacktrace,
		Development:      c.Logging.Development,
	}
}
