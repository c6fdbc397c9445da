// Package tls builds the server TLS configuration of the admin API, from a
// certificate pair on disk or from ACME.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/acme/autocert"
)

// Config selects how the server obtains its certificate.
type Config struct {
	Enabled  bool       `yaml:"enabled"`
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// ACMEConfig configures automatic certificates.
type ACMEConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Domains   []string `yaml:"domains"`
	Email     string   `yaml:"email"`
	AcceptTOS bool     `yaml:"accept_tos"`
	CacheDir  string   `yaml:"cache_dir"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ACME.Enabled {
		return c.ACME.Validate()
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("cert_file and key_file are required unless acme is enabled")
	}
	return nil
}

// Validate checks the ACME settings.
func (c *ACMEConfig) Validate() error {
	if len(c.Domains) == 0 {
		return errors.New("ACME domains list cannot be empty")
	}
	if c.Email == "" {
		return errors.New("ACME email is required")
	}
	if !c.AcceptTOS {
		return errors.New("ACME Terms of Service must be accepted")
	}
	if c.CacheDir != "" && !filepath.IsAbs(c.CacheDir) {
		return errors.New("ACME cache directory must be an absolute path")
	}
	return nil
}

// ServerConfig returns the listener TLS configuration, or nil when TLS is
// disabled.
func ServerConfig(cfg *Config) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ACME.Enabled {
		m, err := NewACMEManager(&cfg.ACME)
		if err != nil {
			return nil, err
		}
		return m.TLSConfig(), nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ACMEManager obtains and renews certificates for a fixed set of domains.
// Challenges are answered over TLS-ALPN-01 on the serving port.
type ACMEManager struct {
	config  *ACMEConfig
	manager *autocert.Manager
}

// NewACMEManager creates a manager and its certificate cache directory.
func NewACMEManager(cfg *ACMEConfig) (*ACMEManager, error) {
	if cfg == nil {
		return nil, errors.New("ACME configuration is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "./acme-cache"
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create ACME cache directory: %w", err)
	}

	return &ACMEManager{
		config: cfg,
		manager: &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cacheDir),
			HostPolicy: autocert.HostWhitelist(cfg.Domains...),
			Email:      cfg.Email,
		},
	}, nil
}

// TLSConfig returns a configuration serving managed certificates.
func (am *ACMEManager) TLSConfig() *tls.Config {
	c := am.manager.TLSConfig()
	c.MinVersion = tls.VersionTLS12
	return c
}
