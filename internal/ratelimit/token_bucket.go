package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Rule configures one token bucket.
type Rule struct {
	// MaxRequests is the number of requests sustained per TimeWindow
	MaxRequests int `yaml:"max_requests" json:"max_requests"`

	// TimeWindow is the period MaxRequests applies to
	TimeWindow time.Duration `yaml:"time_window" json:"time_window"`

	// BurstAllowance is extra capacity on top of MaxRequests
	BurstAllowance int `yaml:"burst_allowance" json:"burst_allowance"`
}

// Validate checks the rule.
func (r Rule) Validate() error {
	if r.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive, got %d", r.MaxRequests)
	}
	if r.TimeWindow <= 0 {
		return fmt.Errorf("time_window must be positive, got %s", r.TimeWindow)
	}
	if r.BurstAllowance < 0 {
		return fmt.Errorf("burst_allowance must not be negative, got %d", r.BurstAllowance)
	}
	return nil
}

// Rate returns the sustained refill rate in tokens per second.
func (r Rule) Rate() float64 {
	return float64(r.MaxRequests) / r.TimeWindow.Seconds()
}

// Capacity returns the bucket size: one window's worth plus the burst allowance.
func (r Rule) Capacity() float64 {
	return float64(r.MaxRequests + r.BurstAllowance)
}

// Bucket is a token bucket that starts full. It is safe for concurrent use;
// Limiter locks two buckets at once through the unexported helpers.
type Bucket struct {
	mu         sync.Mutex
	rule       Rule
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewBucket creates a full bucket for rule.
func NewBucket(rule Rule) *Bucket {
	return newBucket(rule, time.Now)
}

func newBucket(rule Rule, now func() time.Time) *Bucket {
	t := now()
	return &Bucket{
		rule:       rule,
		rate:       rule.Rate(),
		capacity:   rule.Capacity(),
		tokens:     rule.Capacity(),
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// TryTake consumes one token if available. It never blocks.
func (b *Bucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	b.lastUsed = b.now()
	return true
}

// Tokens returns the currently available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}

// Rule returns the rule the bucket was built from.
func (b *Bucket) Rule() Rule {
	return b.rule
}

// refillLocked adds tokens based on elapsed time, capped at capacity.
// This method assumes the caller holds the lock.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// QuotaInfo represents quota information for a bucket
type QuotaInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// quota reports the bucket's state without consuming anything.
func (b *Bucket) quota() QuotaInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.refillLocked(now)

	reset := now
	if missing := b.capacity - b.tokens; missing > 0 {
		reset = now.Add(time.Duration(missing / b.rate * float64(time.Second)))
	}
	return QuotaInfo{
		Limit:     int(b.capacity),
		Remaining: int(b.tokens),
		ResetTime: reset,
	}
}

// idleAndFull reports whether the bucket has not been used since cutoff and
// has refilled completely, so dropping it loses no state.
func (b *Bucket) idleAndFull(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.lastUsed.Before(cutoff) {
		return false
	}
	b.refillLocked(b.now())
	return b.tokens >= b.capacity
}
