package retry

import (
	"errors"
	"testing"
	"time"
)

func TestRetriableClassification(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{WifiDisconnected, true},
		{HttpTimeout, true},
		{HttpFailed, true},
		{InvalidResponse, true},
		{CrcFailed, true},
		{ModbusException, false},
		{InvalidRegister, false},
		{InvalidHttpMethod, false},
		{CompressionFailed, false},
	}
	for _, c := range cases {
		if got := c.kind.Retriable(); got != c.want {
			t.Errorf("%v.Retriable() = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestMaxAttempts(t *testing.T) {
	if got := CrcFailed.MaxAttempts(5); got != 2 {
		t.Errorf("CrcFailed.MaxAttempts(5) = %d, want 2", got)
	}
	if got := HttpTimeout.MaxAttempts(5); got != 5 {
		t.Errorf("HttpTimeout.MaxAttempts(5) = %d, want 5", got)
	}
	if got := ModbusException.MaxAttempts(5); got != 0 {
		t.Errorf("ModbusException.MaxAttempts(5) = %d, want 0", got)
	}
}

func TestBackoffBoundedByMaxDelay(t *testing.T) {
	p := &Policy{Base: 500 * time.Millisecond, MaxDelay: 2 * time.Second, MaxRetries: 5}
	for n := 0; n < 10; n++ {
		d := p.Backoff(n)
		if d > p.MaxDelay {
			t.Fatalf("Backoff(%d) = %v, exceeds MaxDelay %v", n, d, p.MaxDelay)
		}
		if d < 0 {
			t.Fatalf("Backoff(%d) = %v, negative", n, d)
		}
	}
}

func TestBackoffGrows(t *testing.T) {
	p := &Policy{Base: 100 * time.Millisecond, MaxDelay: 30 * time.Second, MaxRetries: 5}
	// Backoff(0) is in [100ms, 125ms) and Backoff(2) in [400ms, 500ms), so
	// the later delay is larger whatever the jitter.
	if d0, d2 := p.Backoff(0), p.Backoff(2); d2 <= d0 {
		t.Fatalf("Backoff(2) = %v, not greater than Backoff(0) = %v", d2, d0)
	}
}

func TestCriticalThreshold(t *testing.T) {
	p := &Policy{Base: time.Millisecond, MaxDelay: time.Second, MaxRetries: 2}
	now := time.Now()
	var critical bool
	for i := 0; i < 2*p.MaxRetries; i++ {
		critical = p.RecordError(HttpTimeout, now)
	}
	if critical {
		t.Fatalf("critical too early at exactly 2*MaxRetries errors")
	}
	critical = p.RecordError(HttpTimeout, now)
	if !critical {
		t.Fatal("expected critical after exceeding 2*MaxRetries consecutive errors")
	}
}

func TestMaxRetriesExceededIsAlwaysCritical(t *testing.T) {
	p := DefaultPolicy()
	if !p.RecordError(MaxRetriesExceeded, time.Now()) {
		t.Fatal("MaxRetriesExceeded must be immediately critical")
	}
}

func TestRecordSuccessResets(t *testing.T) {
	p := DefaultPolicy()
	p.RecordError(HttpFailed, time.Now())
	p.RecordError(HttpFailed, time.Now())
	p.RecordSuccess()
	if p.ConsecutiveErrors() != 0 {
		t.Fatalf("ConsecutiveErrors() = %d, want 0 after success", p.ConsecutiveErrors())
	}
}

func TestHealthCheckResetsStaleErrors(t *testing.T) {
	p := DefaultPolicy()
	base := time.Now()
	p.RecordError(HttpFailed, base)
	if p.ConsecutiveErrors() == 0 {
		t.Fatal("expected a recorded error")
	}
	p.HealthCheck(base.Add(4*time.Minute), 5*time.Minute)
	if p.ConsecutiveErrors() == 0 {
		t.Fatal("errors should not reset before staleAfter has elapsed")
	}
	p.HealthCheck(base.Add(6*time.Minute), 5*time.Minute)
	if p.ConsecutiveErrors() != 0 {
		t.Fatal("errors should reset once staleAfter has elapsed")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := New(HttpFailed, "upload post failed", cause)
	if !errors.Is(e, cause) {
		t.Fatal("errors.Is should see through Unwrap to the cause")
	}
}
