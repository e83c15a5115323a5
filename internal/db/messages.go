package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// RecentLookbackLimit bounds the dedupe history scan to the newest rows
// per (shop, contact, trigger). A contact sending more than this many
// messages for one trigger inside the dedupe window could slip a
// duplicate past the check; accepted tradeoff to keep the scan cheap.
const RecentLookbackLimit = 20

// ErrMessageNotFound is returned when a message lookup matches no row.
var ErrMessageNotFound = errors.New("message not found")

// MessageRepository handles database operations for outbound messages.
// Rows are created and status-updated only by the dispatch pipeline.
type MessageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *DB, logger *zap.Logger) *MessageRepository {
	return &MessageRepository{
		db:     db,
		logger: logger,
	}
}

const messageColumns = `id, shop_id, contact_id, trigger_key, destination, body, status, metadata, created_at, updated_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(
		&msg.ID,
		&msg.ShopID,
		&msg.ContactID,
		&msg.TriggerKey,
		&msg.Destination,
		&msg.Body,
		&msg.Status,
		&msg.Metadata,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateMessage inserts a new message row.
func (r *MessageRepository) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, shop_id, contact_id, trigger_key, destination, body, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.ID,
		msg.ShopID,
		msg.ContactID,
		msg.TriggerKey,
		msg.Destination,
		msg.Body,
		msg.Status,
		msg.Metadata,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	r.logger.Info("message created",
		zap.String("message_id", msg.ID.String()),
		zap.String("shop_id", msg.ShopID.String()),
		zap.String("trigger_key", msg.TriggerKey),
	)

	return nil
}

// UpdateMessageStatus rewrites the status and metadata of a message.
func (r *MessageRepository) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status string, metadata MessageMetadata) error {
	query := `
		UPDATE messages
		SET status = $1, metadata = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, status, metadata, id)
	if err != nil {
		r.logger.Error("failed to update message status",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return fmt.Errorf("update message status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("update message %s: %w", id, ErrMessageNotFound)
	}

	return nil
}

// CountSince counts messages for a (shop, contact, trigger) created
// after the window start. Used by the frequency-cap check.
func (r *MessageRepository) CountSince(ctx context.Context, shopID, contactID uuid.UUID, triggerKey string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages
		WHERE shop_id = $1 AND contact_id = $2 AND trigger_key = $3 AND created_at > $4
	`

	var count int
	err := r.db.Pool().QueryRow(ctx, query, shopID, contactID, triggerKey, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}

	return count, nil
}

// Recent returns the newest messages for a (shop, contact, trigger),
// newest first, capped at RecentLookbackLimit. Used by the dedupe check.
func (r *MessageRepository) Recent(ctx context.Context, shopID, contactID uuid.UUID, triggerKey string) ([]*Message, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM messages
		WHERE shop_id = $1 AND contact_id = $2 AND trigger_key = $3
		ORDER BY created_at DESC
		LIMIT $4
	`, messageColumns)

	rows, err := r.db.Pool().Query(ctx, query, shopID, contactID, triggerKey, RecentLookbackLimit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// ListMessagesByShop retrieves messages for a shop with pagination.
func (r *MessageRepository) ListMessagesByShop(ctx context.Context, shopID uuid.UUID, limit, offset int) ([]*Message, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM messages
		WHERE shop_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, messageColumns)

	rows, err := r.db.Pool().Query(ctx, query, shopID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}
