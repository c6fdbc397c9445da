package strategy

import (
	"fmt"
	"time"
)

// Config holds the tunables of every builtin strategy. Each strategy only
// reads the fields it needs.
type Config struct {
	// Weights overrides the weight of a proxy, keyed by proxy ID or URL.
	Weights map[string]float64 `yaml:"weights"`

	// EMAAlpha smooths response times in the performance strategy.
	EMAAlpha float64 `yaml:"ema_alpha"`
	// ExplorationCount is the number of completed attempts a proxy needs
	// before it leaves the uniform cold-start pool. Nil uses the default;
	// 0 disables the cold-start phase.
	ExplorationCount *int64 `yaml:"exploration_count"`

	SessionTTL  time.Duration `yaml:"session_ttl"`
	MaxSessions int           `yaml:"max_sessions"`
	// Fallback picks for sessions with no live binding.
	Fallback string `yaml:"fallback"`

	GeoFallbackEnabled bool `yaml:"geo_fallback_enabled"`
	// Secondary makes the final pick among geo-matched proxies.
	Secondary string `yaml:"secondary"`

	// MaxCostPerRequest excludes pricier proxies; 0 disables the ceiling.
	MaxCostPerRequest float64 `yaml:"max_cost_per_request"`
	FreeProxyBoost    float64 `yaml:"free_proxy_boost"`

	// Filters and Selector configure the composite strategy.
	Filters  []string `yaml:"filters"`
	Selector string   `yaml:"selector"`

	// Seed fixes the random source; 0 seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the default strategy configuration.
func DefaultConfig() *Config {
	return &Config{
		EMAAlpha:           0.3,
		ExplorationCount:   int64Ptr(5),
		SessionTTL:         30 * time.Minute,
		MaxSessions:        10000,
		Fallback:           NameRoundRobin,
		GeoFallbackEnabled: true,
		Secondary:          NameRandom,
		FreeProxyBoost:     2.0,
		Selector:           NameRoundRobin,
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		return fmt.Errorf("ema_alpha must be in (0, 1], got %v", c.EMAAlpha)
	}
	if c.ExplorationCount != nil && *c.ExplorationCount < 0 {
		return fmt.Errorf("exploration_count must not be negative")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}
	if c.MaxCostPerRequest < 0 {
		return fmt.Errorf("max_cost_per_request must not be negative")
	}
	if c.FreeProxyBoost <= 0 {
		return fmt.Errorf("free_proxy_boost must be positive")
	}
	for name, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("weight for %s must not be negative", name)
		}
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig. A nil config yields the defaults.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.EMAAlpha == 0 {
		out.EMAAlpha = d.EMAAlpha
	}
	if out.ExplorationCount == nil {
		out.ExplorationCount = d.ExplorationCount
	} else {
		out.ExplorationCount = int64Ptr(*out.ExplorationCount)
	}
	if out.SessionTTL == 0 {
		out.SessionTTL = d.SessionTTL
	}
	if out.MaxSessions == 0 {
		out.MaxSessions = d.MaxSessions
	}
	if out.Fallback == "" {
		out.Fallback = d.Fallback
	}
	if out.Secondary == "" {
		out.Secondary = d.Secondary
	}
	if out.FreeProxyBoost == 0 {
		out.FreeProxyBoost = d.FreeProxyBoost
	}
	if out.Selector == "" {
		out.Selector = d.Selector
	}
	return &out
}

func int64Ptr(v int64) *int64 { return &v }
