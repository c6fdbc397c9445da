package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy int

const (
	BackoffExponential BackoffStrategy = iota
	BackoffLinear
	BackoffFixed
)

// String returns the string representation of the backoff strategy.
func (b BackoffStrategy) String() string {
	switch b {
	case BackoffExponential:
		return "EXPONENTIAL"
	case BackoffLinear:
		return "LINEAR"
	case BackoffFixed:
		return "FIXED"
	default:
		return "UNKNOWN"
	}
}

// ParseBackoffStrategy parses the String form, case-insensitively.
func ParseBackoffStrategy(s string) (BackoffStrategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "EXPONENTIAL":
		return BackoffExponential, nil
	case "LINEAR":
		return BackoffLinear, nil
	case "FIXED":
		return BackoffFixed, nil
	default:
		return BackoffExponential, fmt.Errorf("unknown backoff strategy %q", s)
	}
}

// MarshalYAML writes the strategy name.
func (b BackoffStrategy) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// UnmarshalYAML accepts the strategy name.
func (b *BackoffStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseBackoffStrategy(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MaxAttemptsLimit is the upper bound for Policy.MaxAttempts.
const MaxAttemptsLimit = 10

// Policy configures retries against a single proxy.
type Policy struct {
	MaxAttempts     int             `yaml:"max_attempts"`
	Backoff         BackoffStrategy `yaml:"backoff"`
	BaseDelay       time.Duration   `yaml:"base_delay"`
	Multiplier      float64         `yaml:"multiplier"`
	MaxBackoffDelay time.Duration   `yaml:"max_backoff_delay"`
	Jitter          bool            `yaml:"jitter"`

	// RetryableStatusCodes are upstream statuses worth another attempt. 5xx only.
	RetryableStatusCodes []int `yaml:"retryable_status_codes"`

	// Timeout bounds the whole retry loop; 0 means no bound.
	Timeout time.Duration `yaml:"timeout"`

	// RetryNonIdempotent allows retrying POST, PUT and PATCH.
	RetryNonIdempotent bool `yaml:"retry_non_idempotent"`
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:          3,
		Backoff:              BackoffExponential,
		BaseDelay:            time.Second,
		Multiplier:           2,
		MaxBackoffDelay:      30 * time.Second,
		Jitter:               true,
		RetryableStatusCodes: []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
	}
}

// Validate checks the policy.
func (p *Policy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("max_attempts must be between 1 and %d, got %d", MaxAttemptsLimit, p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base_delay must not be negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", p.Multiplier)
	}
	if p.MaxBackoffDelay < p.BaseDelay {
		return fmt.Errorf("max_backoff_delay %s is below base_delay %s", p.MaxBackoffDelay, p.BaseDelay)
	}
	for _, code := range p.RetryableStatusCodes {
		if code < 500 || code > 599 {
			return fmt.Errorf("retryable status %d is not a 5xx status", code)
		}
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// BaseBackoff returns the un-jittered delay after the attempt-th try
// (0-indexed), capped at MaxBackoffDelay.
func (p *Policy) BaseBackoff(attempt int) time.Duration {
	var d float64
	base := float64(p.BaseDelay)
	switch p.Backoff {
	case BackoffLinear:
		d = base * float64(attempt+1)
	case BackoffFixed:
		d = base
	default:
		d = base * math.Pow(p.Multiplier, float64(attempt))
	}
	if max := float64(p.MaxBackoffDelay); p.MaxBackoffDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// CalculateDelay returns BaseBackoff, multiplied by a uniform factor in
// [0.5, 1.5] when Jitter is set.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	d := p.BaseBackoff(attempt)
	if p.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

// IsRetryableStatus reports whether code is in RetryableStatusCodes.
func (p *Policy) IsRetryableStatus(code int) bool {
	for _, c := range p.RetryableStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// AllowsRetry reports whether a request with method may be attempted more
// than once. An empty method is treated as idempotent.
func (p *Policy) AllowsRetry(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return p.RetryNonIdempotent
	default:
		return true
	}
}

// Clone returns a deep copy.
func (p *Policy) Clone() *Policy {
	c := *p
	c.RetryableStatusCodes = append([]int(nil), p.RetryableStatusCodes...)
	return &c
}
