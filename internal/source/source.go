// Package source loads proxy records from external systems and keeps a pool
// in sync with them.
package source

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/proxyrotator/internal/types"
)

// Source supplies the current set of proxies.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Load returns every proxy record the source currently holds.
	Load(ctx context.Context) ([]Record, error)

	// Close releases resources held by the source.
	Close() error
}

// Record is the serialized form of a proxy, as stored in config files and
// external caches.
type Record struct {
	ID             string            `json:"id" yaml:"id"`
	URL            string            `json:"url" yaml:"url"`
	Username       string            `json:"username,omitempty" yaml:"username"`
	Password       string            `json:"password,omitempty" yaml:"password"`
	CountryCode    string            `json:"country_code,omitempty" yaml:"country_code"`
	Region         string            `json:"region,omitempty" yaml:"region"`
	CostPerRequest float64           `json:"cost_per_request,omitempty" yaml:"cost_per_request"`
	ExpiresAt      time.Time         `json:"expires_at,omitempty" yaml:"expires_at"`
	Health         string            `json:"health,omitempty" yaml:"health"`
	Tags           map[string]string `json:"tags,omitempty" yaml:"tags"`
	Chain          []string          `json:"chain,omitempty" yaml:"chain"`
}

// Validate checks the record.
func (r *Record) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("%w: url is required", types.ErrInvalidProxy)
	}
	if r.CostPerRequest < 0 {
		return fmt.Errorf("%w: negative cost", types.ErrInvalidProxy)
	}
	if r.Health != "" {
		if _, err := types.ParseHealthStatus(r.Health); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidProxy, err)
		}
	}
	return nil
}

// ToProxy builds a proxy from the record. Records without an ID get one
// derived from the URL, so reloading the same record yields the same ID.
// Records without a health status start HEALTHY.
func (r *Record) ToProxy() (*types.Proxy, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	p, err := types.NewProxy(r.URL)
	if err != nil {
		return nil, err
	}
	p.ID = r.ID
	if p.ID == "" {
		p.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(r.URL)).String()
	}
	if r.Username != "" {
		p.Credentials = &types.Credentials{Username: r.Username, Password: r.Password}
	}
	p.CountryCode = strings.ToUpper(r.CountryCode)
	p.Region = r.Region
	p.CostPerRequest = r.CostPerRequest
	p.ExpiresAt = r.ExpiresAt
	p.Tags = r.Tags
	p.Chain = r.Chain

	health := types.HealthHealthy
	if r.Health != "" {
		health, _ = types.ParseHealthStatus(r.Health)
	}
	p.SetHealthStatus(health)
	return p, nil
}

// RecordFromProxy serializes p. Credentials are included.
func RecordFromProxy(p *types.Proxy) Record {
	r := Record{
		ID:             p.ID,
		URL:            p.URL,
		CountryCode:    p.CountryCode,
		Region:         p.Region,
		CostPerRequest: p.CostPerRequest,
		ExpiresAt:      p.ExpiresAt,
		Health:         p.HealthStatus().String(),
		Tags:           p.Tags,
		Chain:          p.Chain,
	}
	if p.Credentials != nil {
		r.Username = p.Credentials.Username
		r.Password = p.Credentials.Password
	}
	return r
}

// Static serves a list of records, typically from the config file. Set
// replaces the list when the config is reloaded.
type Static struct {
	mu      sync.RWMutex
	records []Record
}

// NewStatic creates a static source.
func NewStatic(records []Record) *Static {
	s := &Static{}
	s.Set(records)
	return s
}

// Set replaces the served records.
func (s *Static) Set(records []Record) {
	cp := make([]Record, len(records))
	copy(cp, records)
	s.mu.Lock()
	s.records = cp
	s.mu.Unlock()
}

// Name implements Source.
func (s *Static) Name() string { return "static" }

// Load implements Source.
func (s *Static) Load(context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]Record, len(s.records))
	copy(cp, s.records)
	return cp, nil
}

// Close implements Source.
func (s *Static) Close() error { return nil }
