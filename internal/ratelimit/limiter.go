package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Limiter combines an optional global bucket with per-proxy buckets. A proxy
// passes only when every bucket that applies to it has a token, and tokens
// are taken from all of them or from none.
type Limiter struct {
	mu          sync.RWMutex
	global      *Bucket
	defaultRule *Rule
	proxyRules  map[string]Rule
	buckets     map[string]*Bucket
	now         func() time.Time

	allowed atomic.Int64
	denied  atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Config represents rate limiter configuration
type Config struct {
	Global       *Rule           `yaml:"global" json:"global,omitempty"`
	DefaultProxy *Rule           `yaml:"default_proxy" json:"default_proxy,omitempty"`
	Proxies      map[string]Rule `yaml:"proxies" json:"proxies,omitempty"`

	// CleanupInterval enables sweeping of per-proxy buckets idle for IdleTimeout.
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// Validate checks every rule in the config.
func (c *Config) Validate() error {
	if c.Global != nil {
		if err := c.Global.Validate(); err != nil {
			return err
		}
	}
	if c.DefaultProxy != nil {
		if err := c.DefaultProxy.Validate(); err != nil {
			return err
		}
	}
	for _, r := range c.Proxies {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// NewLimiter creates a limiter. A nil config limits nothing.
func NewLimiter(config *Config) *Limiter {
	l := &Limiter{
		proxyRules: make(map[string]Rule),
		buckets:    make(map[string]*Bucket),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	if config == nil {
		return l
	}
	l.Apply(config)

	if config.CleanupInterval > 0 {
		idle := config.IdleTimeout
		if idle <= 0 {
			idle = 10 * time.Minute
		}
		go l.cleanupLoop(config.CleanupInterval, idle)
	}
	return l
}

// Apply replaces every rule with the ones in config. Buckets whose rule is
// unchanged keep their tokens.
func (l *Limiter) Apply(config *Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setGlobalLocked(config.Global)
	l.defaultRule = copyRule(config.DefaultProxy)
	l.proxyRules = make(map[string]Rule, len(config.Proxies))
	for id, r := range config.Proxies {
		l.proxyRules[id] = r
	}
	for id, b := range l.buckets {
		if rule, ok := l.ruleForLocked(id); !ok || rule != b.Rule() {
			delete(l.buckets, id)
		}
	}
}

// CheckLimit consumes one token for proxyID from its own bucket and the
// global bucket, when configured. It returns false without consuming
// anything if either is empty. An empty proxyID checks the global bucket only.
func (l *Limiter) CheckLimit(proxyID string) bool {
	l.mu.RLock()
	global := l.global
	l.mu.RUnlock()

	var pb *Bucket
	if proxyID != "" {
		pb = l.bucketFor(proxyID)
	}

	ok := takeBoth(pb, global)
	if ok {
		l.allowed.Add(1)
	} else {
		l.denied.Add(1)
	}
	return ok
}

// Acquire is CheckLimit under the name used by async callers. It never blocks.
func (l *Limiter) Acquire(proxyID string) bool {
	return l.CheckLimit(proxyID)
}

// takeBoth locks the proxy bucket before the global one; every caller uses
// that order.
func takeBoth(pb, gb *Bucket) bool {
	if pb != nil {
		pb.mu.Lock()
		defer pb.mu.Unlock()
		pb.refillLocked(pb.now())
		if pb.tokens < 1 {
			return false
		}
	}
	if gb != nil {
		gb.mu.Lock()
		defer gb.mu.Unlock()
		gb.refillLocked(gb.now())
		if gb.tokens < 1 {
			return false
		}
	}

	if pb != nil {
		pb.tokens--
		pb.lastUsed = pb.now()
	}
	if gb != nil {
		gb.tokens--
		gb.lastUsed = gb.now()
	}
	return true
}

// SetGlobal replaces the global rule; nil removes the global limit.
func (l *Limiter) SetGlobal(rule *Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setGlobalLocked(rule)
}

// SetProxy sets the rule of one proxy; nil falls back to the default rule.
func (l *Limiter) SetProxy(proxyID string, rule *Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rule == nil {
		delete(l.proxyRules, proxyID)
	} else {
		l.proxyRules[proxyID] = *rule
	}
	delete(l.buckets, proxyID)
}

// SetDefaultProxy sets the rule for proxies without their own; nil removes it.
func (l *Limiter) SetDefaultProxy(rule *Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaultRule = copyRule(rule)
	for id := range l.buckets {
		if _, own := l.proxyRules[id]; !own {
			delete(l.buckets, id)
		}
	}
}

// RemoveProxy drops the bucket and rule of a proxy that left the pool.
func (l *Limiter) RemoveProxy(proxyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.proxyRules, proxyID)
	delete(l.buckets, proxyID)
}

// Quota returns the remaining quota of proxyID's bucket, or of the global
// bucket for an empty id. ok is false when no limit applies.
func (l *Limiter) Quota(proxyID string) (QuotaInfo, bool) {
	if proxyID == "" {
		l.mu.RLock()
		global := l.global
		l.mu.RUnlock()
		if global == nil {
			return QuotaInfo{}, false
		}
		return global.quota(), true
	}
	b := l.bucketFor(proxyID)
	if b == nil {
		return QuotaInfo{}, false
	}
	return b.quota(), true
}

// Stats represents rate limiter statistics
type Stats struct {
	Allowed       int64   `json:"allowed"`
	Denied        int64   `json:"denied"`
	ProxyBuckets  int     `json:"proxy_buckets"`
	GlobalTokens  float64 `json:"global_tokens,omitempty"`
	GlobalEnabled bool    `json:"global_enabled"`
}

// Stats returns counters of the limiter.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	global := l.global
	n := len(l.buckets)
	l.mu.RUnlock()

	s := Stats{
		Allowed:      l.allowed.Load(),
		Denied:       l.denied.Load(),
		ProxyBuckets: n,
	}
	if global != nil {
		s.GlobalEnabled = true
		s.GlobalTokens = global.Tokens()
	}
	return s
}

// Stop stops the cleanup goroutine, if any.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// bucketFor returns the bucket of proxyID, creating it from its rule. It
// returns nil when no per-proxy rule applies.
func (l *Limiter) bucketFor(proxyID string) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[proxyID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[proxyID]; ok {
		return b
	}
	rule, ok := l.ruleForLocked(proxyID)
	if !ok {
		return nil
	}
	b = newBucket(rule, l.now)
	l.buckets[proxyID] = b
	return b
}

func (l *Limiter) ruleForLocked(proxyID string) (Rule, bool) {
	if r, ok := l.proxyRules[proxyID]; ok {
		return r, true
	}
	if l.defaultRule != nil {
		return *l.defaultRule, true
	}
	return Rule{}, false
}

func (l *Limiter) setGlobalLocked(rule *Rule) {
	if rule == nil {
		l.global = nil
		return
	}
	if l.global != nil && l.global.Rule() == *rule {
		return
	}
	l.global = newBucket(*rule, l.now)
}

// cleanupLoop removes per-proxy buckets that have not been used for idle.
func (l *Limiter) cleanupLoop(interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep(idle)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	removed := 0
	for id, b := range l.buckets {
		if b.idleAndFull(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

func copyRule(r *Rule) *Rule {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
