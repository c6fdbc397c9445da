package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownStrategy = errors.New("unknown rotation strategy")
	ErrNotSelector     = errors.New("strategy cannot select from a candidate list")
	ErrNotFilter       = errors.New("strategy cannot be used as a filter")
)

// Factory builds a strategy from cfg. Factories that wrap other strategies
// create them through r.
type Factory func(cfg *Config, r *Registry) (Strategy, error)

// Registry maps strategy names to factories. Applications own their registry;
// tests build fresh ones.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the builtin strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.registerBuiltins()
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds a new instance of the named strategy. Zero fields of cfg
// take their defaults.
func (r *Registry) Create(name string, cfg *Config) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config for strategy %s: %w", name, err)
	}
	s, err := factory(cfg, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create strategy %s: %w", name, err)
	}
	return s, nil
}

// CreateSelector is Create restricted to strategies implementing Selector.
func (r *Registry) CreateSelector(name string, cfg *Config) (Selector, error) {
	s, err := r.Create(name, cfg)
	if err != nil {
		return nil, err
	}
	sel, ok := s.(Selector)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSelector, name)
	}
	return sel, nil
}

func (r *Registry) registerBuiltins() {
	r.Register(NameRoundRobin, func(*Config, *Registry) (Strategy, error) {
		return NewRoundRobin(), nil
	})
	r.Register(NameRandom, func(cfg *Config, _ *Registry) (Strategy, error) {
		return NewRandom(cfg.Seed), nil
	})
	r.Register(NameWeighted, func(cfg *Config, _ *Registry) (Strategy, error) {
		return NewWeighted(cfg.Weights, cfg.Seed), nil
	})
	r.Register(NameLeastUsed, func(*Config, *Registry) (Strategy, error) {
		return NewLeastUsed(), nil
	})
	r.Register(NamePerformance, func(cfg *Config, _ *Registry) (Strategy, error) {
		return NewPerformance(cfg.EMAAlpha, *cfg.ExplorationCount, cfg.Seed), nil
	})
	r.Register(NameSession, func(cfg *Config, r *Registry) (Strategy, error) {
		if cfg.Fallback == NameSession {
			return nil, fmt.Errorf("session fallback cannot be %s", NameSession)
		}
		fallback, err := r.CreateSelector(cfg.Fallback, cfg)
		if err != nil {
			return nil, err
		}
		return NewSession(fallback, cfg.SessionTTL, cfg.MaxSessions), nil
	})
	r.Register(NameGeo, func(cfg *Config, r *Registry) (Strategy, error) {
		if cfg.Secondary == NameGeo {
			return nil, fmt.Errorf("geo secondary cannot be %s", NameGeo)
		}
		secondary, err := r.CreateSelector(cfg.Secondary, cfg)
		if err != nil {
			return nil, err
		}
		return NewGeo(secondary, cfg.GeoFallbackEnabled), nil
	})
	r.Register(NameCost, func(cfg *Config, _ *Registry) (Strategy, error) {
		return NewCost(cfg.MaxCostPerRequest, cfg.FreeProxyBoost, cfg.Seed), nil
	})
	r.Register(NameComposite, func(cfg *Config, r *Registry) (Strategy, error) {
		if cfg.Selector == NameComposite {
			return nil, fmt.Errorf("composite selector cannot be %s", NameComposite)
		}
		filters := make([]NamedFilter, 0, len(cfg.Filters))
		for _, name := range cfg.Filters {
			if name == NameComposite {
				return nil, fmt.Errorf("composite filter cannot be %s", NameComposite)
			}
			s, err := r.Create(name, cfg)
			if err != nil {
				return nil, err
			}
			f, ok := s.(Filter)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotFilter, name)
			}
			filters = append(filters, NamedFilter{Name: name, Filter: f})
		}
		selector, err := r.CreateSelector(cfg.Selector, cfg)
		if err != nil {
			return nil, err
		}
		return NewComposite(selector, filters...), nil
	})
}
