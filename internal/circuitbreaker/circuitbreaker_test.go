package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.State())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, testLogger())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.State())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.State())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.State())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxRequests: 1}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedTransport Tests ---

type mockTransport struct {
	ref       string
	sendErr   error
	sendCalls int
}

func (m *mockTransport) Send(ctx context.Context, destination, body string) (string, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return "", m.sendErr
	}
	return m.ref, nil
}

func TestProtectedTransport_PassesThrough(t *testing.T) {
	mock := &mockTransport{ref: "ref-1"}
	pt := NewProtectedTransport(mock, Config{Name: "test", MaxFailures: 5}, testLogger())
	ref, err := pt.Send(context.Background(), "+15551234567", "hi")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if ref != "ref-1" {
		t.Fatalf("ref = %s", ref)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
}

func TestProtectedTransport_FailFastWhenOpen(t *testing.T) {
	mock := &mockTransport{sendErr: errors.New("down")}
	pt := NewProtectedTransport(mock, Config{Name: "test", MaxFailures: 2}, testLogger())
	pt.Send(context.Background(), "+15551234567", "hi")
	pt.Send(context.Background(), "+15551234567", "hi")
	mock.sendCalls = 0
	_, err := pt.Send(context.Background(), "+15551234567", "hi")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("transport called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedTransport_FullLifecycle(t *testing.T) {
	mock := &mockTransport{ref: "r"}
	pt := NewProtectedTransport(mock, Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 50 * time.Millisecond}, testLogger())

	// Phase 1: working
	if _, err := pt.Send(context.Background(), "+1555", "hi"); err != nil {
		t.Fatalf("phase1: %v", err)
	}

	// Phase 2: provider fails, circuit opens
	mock.sendErr = errors.New("SNS down")
	for i := 0; i < 3; i++ {
		pt.Send(context.Background(), "+1555", "hi")
	}
	if pt.State() != StateOpen {
		t.Fatalf("phase2: expected open, got %s", pt.State())
	}

	// Phase 3: fail fast
	mock.sendCalls = 0
	if _, err := pt.Send(context.Background(), "+1555", "hi"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("phase3: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("phase3: transport should not be called")
	}

	// Phase 4: wait for recovery
	time.Sleep(60 * time.Millisecond)

	// Phase 5: provider recovers
	mock.sendErr = nil
	if _, err := pt.Send(context.Background(), "+1555", "hi"); err != nil {
		t.Fatalf("phase5: %v", err)
	}
	if pt.State() != StateClosed {
		t.Fatalf("phase5: expected closed, got %s", pt.State())
	}

	// Phase 6: normal traffic
	for i := 0; i < 5; i++ {
		if _, err := pt.Send(context.Background(), "+1555", "hi"); err != nil {
			t.Fatalf("phase6[%d]: %v", i, err)
		}
	}
}
