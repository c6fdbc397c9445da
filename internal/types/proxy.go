package types

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HealthStatus is the externally reported health of a proxy.
type HealthStatus int32

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
	HealthDead
)

// String returns the string representation of the health status.
func (h HealthStatus) String() string {
	switch h {
	case HealthUnknown:
		return "UNKNOWN"
	case HealthHealthy:
		return "HEALTHY"
	case HealthDegraded:
		return "DEGRADED"
	case HealthUnhealthy:
		return "UNHEALTHY"
	case HealthDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Eligible reports whether a proxy in this state may be selected.
func (h HealthStatus) Eligible() bool {
	return h == HealthUnknown || h == HealthHealthy || h == HealthDegraded
}

// ParseHealthStatus parses the String form, case-insensitively.
func ParseHealthStatus(s string) (HealthStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "UNKNOWN":
		return HealthUnknown, nil
	case "HEALTHY":
		return HealthHealthy, nil
	case "DEGRADED":
		return HealthDegraded, nil
	case "UNHEALTHY":
		return HealthUnhealthy, nil
	case "DEAD":
		return HealthDead, nil
	default:
		return HealthUnknown, fmt.Errorf("unknown health status %q", s)
	}
}

// DefaultEMAAlpha is the smoothing factor used when a proxy has none configured.
const DefaultEMAAlpha = 0.3

// Credentials for proxies requiring authentication.
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Equal reports whether c and o hold the same credentials. Nil equals nil only.
func (c *Credentials) Equal(o *Credentials) bool {
	if c == nil || o == nil {
		return c == o
	}
	return *c == *o
}

// Proxy is a single upstream candidate. Identity and descriptive fields are
// set before the proxy is added to a pool and not changed afterwards; the
// health status and request statistics are safe for concurrent use.
type Proxy struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Credentials    *Credentials      `json:"credentials,omitempty"`
	CountryCode    string            `json:"country_code,omitempty"`
	Region         string            `json:"region,omitempty"`
	CostPerRequest float64           `json:"cost_per_request"`
	ExpiresAt      time.Time         `json:"expires_at,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	// Chain lists further upstream hops, in order. Carried, not interpreted.
	Chain []string `json:"chain,omitempty"`
	// EMAAlpha smooths response times; DefaultEMAAlpha when zero.
	EMAAlpha float64 `json:"ema_alpha,omitempty"`

	health atomic.Int32

	started   atomic.Int64
	completed atomic.Int64
	active    atomic.Int64
	succeeded atomic.Int64

	mu       sync.Mutex
	emaMs    float64
	hasEMA   bool
	lastUsed time.Time
}

// NewProxy parses rawURL and returns a proxy with a generated ID. User info in
// the URL is moved into Credentials.
func NewProxy(rawURL string) (*Proxy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy url %q: scheme and host are required", rawURL)
	}
	p := &Proxy{ID: uuid.NewString()}
	if u.User != nil {
		pw, _ := u.User.Password()
		p.Credentials = &Credentials{Username: u.User.Username(), Password: pw}
		u.User = nil
	}
	p.URL = u.String()
	return p, nil
}

// Scheme returns the lower-cased URL scheme (http, https, socks5).
func (p *Proxy) Scheme() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// HealthStatus returns the current health status.
func (p *Proxy) HealthStatus() HealthStatus {
	return HealthStatus(p.health.Load())
}

// SetHealthStatus is called by health monitors.
func (p *Proxy) SetHealthStatus(h HealthStatus) {
	p.health.Store(int32(h))
}

// IsExpired reports whether the proxy's TTL has passed at now.
func (p *Proxy) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// StartRequest marks the beginning of an attempt through this proxy.
func (p *Proxy) StartRequest() {
	p.started.Add(1)
	p.active.Add(1)
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// CompleteRequest marks the end of an attempt and folds latency into the EMA.
func (p *Proxy) CompleteRequest(success bool, latency time.Duration) {
	p.active.Add(-1)
	p.completed.Add(1)
	if success {
		p.succeeded.Add(1)
	}

	ms := float64(latency) / float64(time.Millisecond)
	alpha := p.EMAAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultEMAAlpha
	}

	p.mu.Lock()
	if !p.hasEMA {
		p.emaMs = ms
		p.hasEMA = true
	} else {
		p.emaMs = alpha*ms + (1-alpha)*p.emaMs
	}
	p.mu.Unlock()
}

// AbortRequest ends an attempt the caller cancelled. It counts neither as a
// success nor as a failure and leaves the EMA untouched.
func (p *Proxy) AbortRequest() {
	p.active.Add(-1)
}

// RequestsStarted returns the number of attempts started.
func (p *Proxy) RequestsStarted() int64 { return p.started.Load() }

// RequestsCompleted returns the number of attempts finished, either way.
func (p *Proxy) RequestsCompleted() int64 { return p.completed.Load() }

// RequestsActive returns the number of attempts in flight.
func (p *Proxy) RequestsActive() int64 { return p.active.Load() }

// SuccessRate is succeeded/completed, or 1 when nothing has completed yet.
func (p *Proxy) SuccessRate() float64 {
	completed := p.completed.Load()
	if completed == 0 {
		return 1
	}
	return float64(p.succeeded.Load()) / float64(completed)
}

// EMAResponseTime returns the smoothed response time in milliseconds and
// whether at least one sample exists.
func (p *Proxy) EMAResponseTime() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emaMs, p.hasEMA
}

// LastUsed returns when the proxy last started an attempt.
func (p *Proxy) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

// ProxyStats is a point-in-time copy of a proxy's counters.
type ProxyStats struct {
	ID                string  `json:"id"`
	URL               string  `json:"url"`
	Health            string  `json:"health"`
	CountryCode       string  `json:"country_code,omitempty"`
	Region            string  `json:"region,omitempty"`
	CostPerRequest    float64 `json:"cost_per_request"`
	RequestsStarted   int64   `json:"requests_started"`
	RequestsCompleted int64   `json:"requests_completed"`
	RequestsActive    int64   `json:"requests_active"`
	SuccessRate       float64 `json:"success_rate"`
	EMAResponseMs     float64 `json:"ema_response_ms"`
}

// Stats snapshots the proxy.
func (p *Proxy) Stats() ProxyStats {
	ema, _ := p.EMAResponseTime()
	return ProxyStats{
		ID:                p.ID,
		URL:               p.URL,
		Health:            p.HealthStatus().String(),
		CountryCode:       p.CountryCode,
		Region:            p.Region,
		CostPerRequest:    p.CostPerRequest,
		RequestsStarted:   p.RequestsStarted(),
		RequestsCompleted: p.RequestsCompleted(),
		RequestsActive:    p.RequestsActive(),
		SuccessRate:       p.SuccessRate(),
		EMAResponseMs:     ema,
	}
}

// String implements fmt.Stringer without leaking credentials.
func (p *Proxy) String() string {
	return fmt.Sprintf("%s(%s)", p.ID, p.URL)
}
