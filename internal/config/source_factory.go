package config

import (
	"fmt"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/config/source/etcd"
	"github.com/songzhibin97/proxyrotator/internal/config/source/file"
	pkgConfig "github.com/songzhibin97/proxyrotator/pkg/config"
)

// HotReloadEnabled reports whether a configuration source driver is set.
func (c *Config) HotReloadEnabled() bool {
	return c.ConfigSource.Source.Driver != ""
}

// CreateConfigSource returns the configuration source selected by the
// config's driver.
func CreateConfigSource(cfg *Config) (pkgConfig.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	sourceConfig := cfg.ConfigSource.Source
	switch sourceConfig.Driver {
	case "file":
		return createFileSource(sourceConfig.File)
	case "etcd":
		return createEtcdSource(sourceConfig.Etcd)
	default:
		return nil, fmt.Errorf("unsupported configuration source driver: %q", sourceConfig.Driver)
	}
}

func createFileSource(fileConfig FileSourceConfig) (pkgConfig.Source, error) {
	if fileConfig.Path == "" {
		return nil, fmt.Errorf("file path is required for file source driver")
	}
	pollInterval := fileConfig.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}

	source, err := file.NewFileSource(fileConfig.Path, pollInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to create file source: %w", err)
	}
	return source, nil
}

func createEtcdSource(etcdConfig EtcdSourceConfig) (pkgConfig.Source, error) {
	sourceConfig := &etcd.EtcdConfig{
		Endpoints: etcdConfig.Endpoints,
		Timeout:   etcdConfig.Timeout,
		Username:  etcdConfig.Username,
		Password:  etcdConfig.Password,
	}
	if sourceConfig.Timeout == 0 {
		sourceConfig.Timeout = 5 * time.Second
	}
	if etcdConfig.TLS.Enabled {
		sourceConfig.TLS = &etcd.TLSConfig{
			Enabled:  true,
			CertFile: etcdConfig.TLS.CertFile,
			KeyFile:  etcdConfig.TLS.KeyFile,
			CAFile:   etcdConfig.TLS.CAFile,
		}
	}

	source, err := etcd.NewEtcdSource(sourceConfig, etcdConfig.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd source: %w", err)
	}
	return source, nil
}

// ValidateSourceConfig validates the configuration source settings. An empty
// driver disables hot reload and is valid.
func ValidateSourceConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}

	sourceConfig := cfg.ConfigSource.Source
	switch sourceConfig.Driver {
	case "":
		return nil
	case "file":
		if sourceConfig.File.PollInterval < 0 {
			return fmt.Errorf("file poll interval cannot be negative")
		}
		return nil
	case "etcd":
		return validateEtcdSourceConfig(sourceConfig.Etcd)
	default:
		return fmt.Errorf("invalid configuration source driver: %s (valid options: file, etcd)", sourceConfig.Driver)
	}
}

func validateEtcdSourceConfig(etcdConfig EtcdSourceConfig) error {
	if len(etcdConfig.Endpoints) == 0 {
		return fmt.Errorf("etcd endpoints are required for etcd source driver")
	}
	if etcdConfig.Key == "" {
		return fmt.Errorf("etcd key is required for etcd source driver")
	}
	if etcdConfig.Timeout < 0 {
		return fmt.Errorf("etcd timeout cannot be negative")
	}
	if etcdConfig.TLS.Enabled {
		if etcdConfig.TLS.CertFile != "" && etcdConfig.TLS.KeyFile == "" {
			return fmt.Errorf("etcd TLS key file is required when cert file is specified")
		}
		if etcdConfig.TLS.KeyFile != "" && etcdConfig.TLS.CertFile == "" {
			return fmt.Errorf("etcd TLS cert file is required when key file is specified")
		}
	}
	return nil
}
