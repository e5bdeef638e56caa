// Package retry implements the error taxonomy, retriability classification,
// and exponential-backoff-with-jitter policy of §4.11, plus the periodic
// health check / watchdog-adjacent counters described in §4.11 and §9.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Kind enumerates the error taxonomy of §4.11.
type Kind int

const (
	WifiDisconnected Kind = iota
	HttpTimeout
	HttpFailed
	InvalidResponse
	CrcFailed
	ModbusException
	InvalidRegister
	MaxRetriesExceeded
	InvalidHttpMethod
	CompressionFailed
)

func (k Kind) String() string {
	switch k {
	case WifiDisconnected:
		return "WifiDisconnected"
	case HttpTimeout:
		return "HttpTimeout"
	case HttpFailed:
		return "HttpFailed"
	case InvalidResponse:
		return "InvalidResponse"
	case CrcFailed:
		return "CrcFailed"
	case ModbusException:
		return "ModbusException"
	case InvalidRegister:
		return "InvalidRegister"
	case MaxRetriesExceeded:
		return "MaxRetriesExceeded"
	case InvalidHttpMethod:
		return "InvalidHttpMethod"
	case CompressionFailed:
		return "CompressionFailed"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with a human-readable message and an optional cause,
// replacing the firmware's "empty string means failure" convention (§9).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a retry.Error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Retriable reports whether errors of this kind should be retried at all,
// per §4.11: WifiDisconnected/HttpTimeout/HttpFailed retry up to MaxRetries;
// InvalidResponse/CrcFailed retry at most twice; everything else is not
// retried.
func (k Kind) Retriable() bool {
	switch k {
	case WifiDisconnected, HttpTimeout, HttpFailed, InvalidResponse, CrcFailed:
		return true
	default:
		return false
	}
}

// MaxAttempts returns the retry cap for this kind: MaxRetries for the
// "fully retriable" kinds, 2 for InvalidResponse/CrcFailed, 0 otherwise.
func (k Kind) MaxAttempts(maxRetries int) int {
	switch k {
	case WifiDisconnected, HttpTimeout, HttpFailed:
		return maxRetries
	case InvalidResponse, CrcFailed:
		return 2
	default:
		return 0
	}
}

// Policy holds the exponential-backoff parameters of §4.11:
// delay = min(base<<n + U[0, base<<n/4), maxDelay).
type Policy struct {
	Base       time.Duration
	MaxDelay   time.Duration
	MaxRetries int

	// consecutiveErrors tracks the health-check window of §4.11.
	consecutiveErrors int
	lastErrorAt       time.Time
}

// DefaultPolicy mirrors the firmware's BASE/MAX_DELAY/MAX_RETRIES constants.
func DefaultPolicy() *Policy {
	return &Policy{
		Base:       500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		MaxRetries: 5,
	}
}

// Backoff computes the delay before retry attempt n (0-indexed), including
// jitter uniformly distributed over [0, base<<n/4).
func (p *Policy) Backoff(n int) time.Duration {
	shifted := p.Base << n
	if shifted <= 0 || shifted > p.MaxDelay {
		shifted = p.MaxDelay
	}
	jitterMax := int64(shifted / 4)
	var jitter time.Duration
	if jitterMax > 0 {
		jitter = time.Duration(rand.Int64N(jitterMax))
	}
	delay := shifted + jitter
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// RecordError records an error occurrence for the health-check window and
// reports whether the consecutive-error count is now critical: exceeding
// 2*MaxRetries, or an explicit MaxRetriesExceeded kind (§4.11).
func (p *Policy) RecordError(kind Kind, now time.Time) (critical bool) {
	p.consecutiveErrors++
	p.lastErrorAt = now
	if kind == MaxRetriesExceeded {
		return true
	}
	return p.consecutiveErrors > 2*p.MaxRetries
}

// RecordSuccess resets the consecutive-error counter.
func (p *Policy) RecordSuccess() {
	p.consecutiveErrors = 0
}

// HealthCheck resets the error counters if the last recorded error is older
// than staleAfter (§4.11: "resets counters if the last error is older than
// 5 minutes"), called on a HEALTH_CHECK_INTERVAL_MS cadence by the
// scheduler's maintenance task.
func (p *Policy) HealthCheck(now time.Time, staleAfter time.Duration) {
	if p.consecutiveErrors == 0 {
		return
	}
	if now.Sub(p.lastErrorAt) > staleAfter {
		p.consecutiveErrors = 0
	}
}

// ConsecutiveErrors exposes the current counter for diagnostics/tests.
func (p *Policy) ConsecutiveErrors() int {
	return p.consecutiveErrors
}

// Do runs op, retrying on a *Error whose Kind is Retriable up to that kind's
// MaxAttempts, sleeping Backoff(attempt) with jitter between attempts and
// stopping early if ctx is done (§4.11/§4.5/§4.7: "retries use the
// error/retry policy"). A critical run (consecutive errors over
// 2*MaxRetries, or an explicit MaxRetriesExceeded) is surfaced as a
// MaxRetriesExceeded error. Non-*Error failures and non-retriable kinds
// return immediately without consuming an attempt.
func (p *Policy) Do(ctx context.Context, op func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := op(attempt)
		if err == nil {
			p.RecordSuccess()
			return nil
		}

		rerr, ok := err.(*Error)
		if !ok || !rerr.Kind.Retriable() {
			return err
		}

		if critical := p.RecordError(rerr.Kind, time.Now()); critical {
			return New(MaxRetriesExceeded, "consecutive error threshold exceeded", err)
		}

		if attempt+1 >= rerr.Kind.MaxAttempts(p.MaxRetries) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
}
