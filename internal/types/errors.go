package types

import (
	"errors"
	"fmt"
	"strings"
)

// 调度错误定义
var (
	ErrPoolEmpty         = errors.New("no eligible proxy available")
	ErrProxyUnavailable  = errors.New("proxy unavailable")
	ErrConnection        = errors.New("proxy connection failed")
	ErrNonRetryable      = errors.New("non-retryable error")
	ErrFailoverExhausted = errors.New("failover exhausted")
)

// PoolEmptyError means no healthy, not-yet-tried proxy exists.
type PoolEmptyError struct {
	Pool   string
	Reason string
}

func (e *PoolEmptyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("no eligible proxy available in pool %s", e.Pool)
	}
	return fmt.Sprintf("no eligible proxy available in pool %s: %s", e.Pool, e.Reason)
}

func (e *PoolEmptyError) Is(target error) bool { return target == ErrPoolEmpty }

// NewPoolEmptyError builds a PoolEmptyError for pool.
func NewPoolEmptyError(pool, reason string) *PoolEmptyError {
	return &PoolEmptyError{Pool: pool, Reason: reason}
}

// ProxyUnavailableError is returned when a circuit breaker or rate limiter
// refuses a proxy. The rotator fails over on it and never returns it raw.
type ProxyUnavailableError struct {
	ProxyID string
	Reason  string
}

func (e *ProxyUnavailableError) Error() string {
	return fmt.Sprintf("proxy %s unavailable: %s", e.ProxyID, e.Reason)
}

func (e *ProxyUnavailableError) Is(target error) bool { return target == ErrProxyUnavailable }

// ConnectionError is a retryable failure that survived every attempt the
// retry policy allowed, or ran past its total timeout.
type ConnectionError struct {
	ProxyID  string
	Attempts int
	Timeout  bool
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("proxy %s timed out after %d attempt(s): %v", e.ProxyID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("proxy %s failed after %d attempt(s): %v", e.ProxyID, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// NonRetryableError is a permanent failure (auth, malformed request).
type NonRetryableError struct {
	ProxyID string
	Err     error
}

func (e *NonRetryableError) Error() string {
	if e.ProxyID == "" {
		return fmt.Sprintf("non-retryable: %v", e.Err)
	}
	return fmt.Sprintf("proxy %s: non-retryable: %v", e.ProxyID, e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

func (e *NonRetryableError) Is(target error) bool { return target == ErrNonRetryable }

// Permanent marks err as non-retryable. Operations return it for failures
// that another attempt cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// RetryableError marks an operation failure as transient.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// StatusError reports an upstream HTTP status the operation considers a failure.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("unexpected status %s", e.Status)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// FailoverExhaustedError means every distinct proxy the rotator was allowed
// to try has failed.
type FailoverExhaustedError struct {
	Attempted []string
	Last      error
}

func (e *FailoverExhaustedError) Error() string {
	msg := fmt.Sprintf("failover exhausted after %d proxies [%s]", len(e.Attempted), strings.Join(e.Attempted, ","))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *FailoverExhaustedError) Unwrap() error { return e.Last }

func (e *FailoverExhaustedError) Is(target error) bool { return target == ErrFailoverExhausted }
