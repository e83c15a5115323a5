// Package audit writes best-effort outcome records. Audit failures are
// logged and swallowed; they never block dispatch or the scheduler.
package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cartline/internal/db"
)

// Sink writes audit_events rows.
type Sink struct {
	db     *db.DB
	logger *zap.Logger
}

// NewSink creates an audit sink.
func NewSink(database *db.DB, logger *zap.Logger) *Sink {
	return &Sink{
		db:     database,
		logger: logger,
	}
}

// Record writes one audit event. Detail is marshaled to jsonb; any
// failure, marshal or insert, is logged and dropped.
func (s *Sink) Record(ctx context.Context, kind string, shopID, subjectID uuid.UUID, detail any) {
	raw, err := json.Marshal(detail)
	if err != nil {
		s.logger.Warn("audit detail marshal failed",
			zap.Error(err),
			zap.String("kind", kind),
		)
		raw = []byte("{}")
	}

	query := `
		INSERT INTO audit_events (id, kind, shop_id, subject_id, detail)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := s.db.Pool().Exec(ctx, query, uuid.New(), kind, shopID, subjectID, raw); err != nil {
		s.logger.Warn("audit write failed",
			zap.Error(err),
			zap.String("kind", kind),
			zap.String("subject_id", subjectID.String()),
		)
	}
}
