package types

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicateProxy = errors.New("duplicate proxy ID")
	ErrProxyNotFound  = errors.New("proxy not found")
	ErrInvalidProxy   = errors.New("invalid proxy")
)

// Pool is a named, concurrency-safe set of proxies with unique IDs.
// Listings are always ordered by proxy ID.
type Pool struct {
	name    string
	mu      sync.RWMutex
	proxies map[string]*Proxy
	sorted  []*Proxy
	version uint64
	now     func() time.Time
}

// NewPool creates an empty pool.
func NewPool(name string) *Pool {
	return &Pool{
		name:    name,
		proxies: make(map[string]*Proxy),
		now:     time.Now,
	}
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Add inserts proxy; its ID must not already be present.
func (p *Pool) Add(proxy *Proxy) error {
	if proxy == nil || proxy.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidProxy)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.proxies[proxy.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProxy, proxy.ID)
	}
	p.proxies[proxy.ID] = proxy
	p.rebuildLocked()
	return nil
}

// Remove deletes the proxy with id and reports whether it existed.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.proxies[id]; !exists {
		return false
	}
	delete(p.proxies, id)
	p.rebuildLocked()
	return true
}

// Get returns the proxy with id.
func (p *Pool) Get(id string) (*Proxy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	proxy, ok := p.proxies[id]
	return proxy, ok
}

// All returns every proxy regardless of health.
func (p *Pool) All() []*Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Proxy, len(p.sorted))
	copy(out, p.sorted)
	return out
}

// Healthy returns proxies that are eligible for selection: health is
// HEALTHY, UNKNOWN or DEGRADED and the TTL has not passed.
func (p *Pool) Healthy() []*Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	out := make([]*Proxy, 0, len(p.sorted))
	for _, proxy := range p.sorted {
		if proxy.HealthStatus().Eligible() && !proxy.IsExpired(now) {
			out = append(out, proxy)
		}
	}
	return out
}

// SetHealth updates the health of the proxy with id.
func (p *Pool) SetHealth(id string, status HealthStatus) error {
	proxy, ok := p.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProxyNotFound, id)
	}
	proxy.SetHealthStatus(status)
	return nil
}

// PruneExpired removes proxies whose TTL has passed and returns their IDs.
func (p *Pool) PruneExpired() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var removed []string
	for id, proxy := range p.proxies {
		if proxy.IsExpired(now) {
			delete(p.proxies, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		p.rebuildLocked()
	}
	return removed
}

// Size returns the number of proxies in the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.proxies)
}

// Version increases every time membership changes.
func (p *Pool) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Stats snapshots every proxy in the pool.
func (p *Pool) Stats() []ProxyStats {
	all := p.All()
	out := make([]ProxyStats, 0, len(all))
	for _, proxy := range all {
		out = append(out, proxy.Stats())
	}
	return out
}

func (p *Pool) rebuildLocked() {
	sorted := make([]*Proxy, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		sorted = append(sorted, proxy)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	p.sorted = sorted
	p.version++
}

// SetClock replaces the time source used for TTL checks. Tests only.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}
