package config

import (
	"time"

	"github.com/songzhibin97/proxyrotator/internal/circuitbreaker"
	"github.com/songzhibin97/proxyrotator/internal/health"
	"github.com/songzhibin97/proxyrotator/internal/metrics"
	"github.com/songzhibin97/proxyrotator/internal/ratelimit"
	"github.com/songzhibin97/proxyrotator/internal/retry"
	"github.com/songzhibin97/proxyrotator/internal/source"
	k8ssource "github.com/songzhibin97/proxyrotator/internal/source/driver/kubernetes"
	redissource "github.com/songzhibin97/proxyrotator/internal/source/driver/redis"
	"github.com/songzhibin97/proxyrotator/internal/strategy"
	servertls "github.com/songzhibin97/proxyrotator/internal/tls"
	"github.com/songzhibin97/proxyrotator/internal/tracing"
	"github.com/songzhibin97/proxyrotator/internal/transport"
)

// Config represents the complete rotator node configuration
type Config struct {
	Node           NodeConfig            `yaml:"node"`
	Logging        LoggingConfig         `yaml:"logging"`
	Strategy       StrategyConfig        `yaml:"strategy"`
	Retry          retry.Policy          `yaml:"retry"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
	RateLimit      ratelimit.Config      `yaml:"rate_limit"`
	Rotator        RotatorConfig         `yaml:"rotator"`
	Metrics        MetricsConfig         `yaml:"metrics"`
	Tracing        tracing.Config        `yaml:"tracing"`
	Transport      transport.Config      `yaml:"transport"`
	Health         health.Config         `yaml:"health"`
	Admin          AdminConfig           `yaml:"admin"`
	Sources        SourcesConfig         `yaml:"sources"`
	ConfigSource   ConfigSourceConfig    `yaml:"config"`
}

// NodeConfig identifies the node and its pool.
type NodeConfig struct {
	Name string `yaml:"name"`
	Pool string `yaml:"pool"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	TimeFormat       string `yaml:"time_format"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStacktrace bool   `yaml:"enable_stacktrace"`
	Development      bool   `yaml:"development"`
}

// StrategyConfig names the active strategy and carries its parameters.
type StrategyConfig struct {
	Name            string `yaml:"name"`
	strategy.Config `yaml:",inline"`
}

// RotatorConfig configures dispatch.
type RotatorConfig struct {
	// MaxFailoverAttempts is the number of distinct proxies one dispatch may try.
	MaxFailoverAttempts int `yaml:"max_failover_attempts"`
	// Workers bounds concurrent dispatches of the async rotator.
	Workers int `yaml:"workers"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	metrics.Config `yaml:",inline"`
	Path           string                   `yaml:"path"`
	Prometheus     metrics.PrometheusConfig `yaml:"prometheus"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	Prefix       string        `yaml:"prefix"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Mode is the gin mode: debug, release or test.
	Mode string `yaml:"mode"`
	// H2C serves HTTP/2 without TLS.
	H2C bool `yaml:"h2c"`
	// FetchTimeout bounds POST /fetch dispatches; keep it below WriteTimeout.
	FetchTimeout time.Duration    `yaml:"fetch_timeout"`
	TLS          servertls.Config `yaml:"tls"`
}

// SourcesConfig lists where proxies come from.
type SourcesConfig struct {
	SyncInterval time.Duration          `yaml:"sync_interval"`
	Static       []source.Record        `yaml:"static"`
	Redis        RedisSourceConfig      `yaml:"redis"`
	Kubernetes   KubernetesSourceConfig `yaml:"kubernetes"`
}

// RedisSourceConfig enables the Redis proxy source.
type RedisSourceConfig struct {
	Enabled            bool `yaml:"enabled"`
	redissource.Config `yaml:",inline"`
}

// KubernetesSourceConfig enables the Kubernetes endpoints source.
type KubernetesSourceConfig struct {
	Enabled          bool `yaml:"enabled"`
	k8ssource.Config `yaml:",inline"`
}

// ConfigSourceConfig selects where hot-reloaded configuration comes from.
type ConfigSourceConfig struct {
	Source SourceConfig `yaml:"source"`
}

// SourceConfig represents the configuration source driver settings
type SourceConfig struct {
	// Driver is "file", "etcd" or empty to disable hot reload.
	Driver string           `yaml:"driver"`
	File   FileSourceConfig `yaml:"file"`
	Etcd   EtcdSourceConfig `yaml:"etcd"`
}

// FileSourceConfig represents file-based configuration source settings
type FileSourceConfig struct {
	// Path defaults to the file the node was started with.
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// EtcdSourceConfig represents etcd-based configuration source settings
type EtcdSourceConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Key       string        `yaml:"key"`
	Timeout   time.Duration `yaml:"timeout"`
	TLS       TLSConfig     `yaml:"tls"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}
