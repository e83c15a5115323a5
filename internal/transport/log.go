package transport

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogTransport logs sends instead of delivering them (development/test).
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport creates a log-only transport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

// Send logs the message and returns a synthetic provider reference.
func (t *LogTransport) Send(ctx context.Context, destination, body string) (string, error) {
	if destination == "" {
		return "", fmt.Errorf("empty destination")
	}

	ref := "log-" + uuid.NewString()
	t.logger.Info("sms delivery (log transport)",
		zap.String("destination", destination),
		zap.String("body", body),
		zap.String("provider_ref", ref),
	)
	return ref, nil
}
