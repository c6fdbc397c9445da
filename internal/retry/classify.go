package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/songzhibin97/proxyrotator/internal/types"
)

// Outcome classifies a finished attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeFailure is a retryable failure.
	OutcomeFailure
	// OutcomeTimeout is a retryable failure caused by a deadline.
	OutcomeTimeout
	// OutcomePermanent is a failure another attempt cannot fix.
	OutcomePermanent
	// OutcomeCircuitOpen means the attempt was never made.
	OutcomeCircuitOpen
	// OutcomeCancelled means the caller gave up.
	OutcomeCancelled
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeFailure:
		return "FAILURE"
	case OutcomeTimeout:
		return "TIMEOUT"
	case OutcomePermanent:
		return "PERMANENT"
	case OutcomeCircuitOpen:
		return "CIRCUIT_OPEN"
	case OutcomeCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether another attempt may follow this outcome.
func (o Outcome) Retryable() bool {
	return o == OutcomeFailure || o == OutcomeTimeout
}

// Classify maps an operation error to an outcome under the policy's status set.
// Errors that carry no recognizable signal are treated as permanent.
func (p *Policy) Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var permanent *types.NonRetryableError
	if errors.As(err, &permanent) {
		return OutcomePermanent
	}

	var status *types.StatusError
	if errors.As(err, &status) {
		switch {
		case p.IsRetryableStatus(status.StatusCode):
			return OutcomeFailure
		case status.StatusCode == http.StatusTooManyRequests:
			return OutcomeFailure
		default:
			return OutcomePermanent
		}
	}

	if errors.Is(err, context.Canceled) {
		return OutcomeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return OutcomeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return OutcomeTimeout
		}
		return OutcomeFailure
	}

	var retryable *types.RetryableError
	if errors.As(err, &retryable) {
		return OutcomeFailure
	}

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return OutcomeFailure
	}
	return OutcomePermanent
}
