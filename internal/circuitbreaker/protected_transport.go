package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Transport matches the dispatch pipeline's SMS transport.
type Transport interface {
	Send(ctx context.Context, destination, body string) (string, error)
}

// ProtectedTransport wraps an SMS transport with a circuit breaker. An
// open circuit surfaces as an ordinary send error, so the pipeline
// records the message as failed instead of hammering a dead provider.
type ProtectedTransport struct {
	inner   Transport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedTransport wraps a transport with breaker cfg.
func NewProtectedTransport(inner Transport, cfg Config, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		inner:   inner,
		breaker: New(cfg, logger),
		logger:  logger,
	}
}

// Send forwards to the inner transport when the circuit allows it.
func (t *ProtectedTransport) Send(ctx context.Context, destination, body string) (string, error) {
	if !t.breaker.Allow() {
		t.logger.Warn("send rejected by circuit breaker",
			zap.String("destination", destination),
		)
		return "", fmt.Errorf("send to %s: %w", destination, ErrCircuitOpen)
	}

	ref, err := t.inner.Send(ctx, destination, body)
	if err != nil {
		t.breaker.RecordFailure()
		return "", err
	}

	t.breaker.RecordSuccess()
	return ref, nil
}

// State exposes the breaker state for health reporting.
func (t *ProtectedTransport) State() State {
	return t.breaker.State()
}
