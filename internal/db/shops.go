package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Not-found sentinels for the read-only tenant data.
var (
	ErrShopNotFound    = errors.New("shop not found")
	ErrContactNotFound = errors.New("contact not found")
)

// ShopRepository reads shops, contacts and per-shop automation settings.
// All of it is read-only to the dispatch core; mutation belongs to the
// shop administration surface.
type ShopRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewShopRepository creates a new shop repository
func NewShopRepository(db *DB, logger *zap.Logger) *ShopRepository {
	return &ShopRepository{
		db:     db,
		logger: logger,
	}
}

// GetShop retrieves a shop by ID
func (r *ShopRepository) GetShop(ctx context.Context, id uuid.UUID) (*Shop, error) {
	query := `
		SELECT id, name, timezone, webhook_secret, created_at
		FROM shops
		WHERE id = $1
	`

	var shop Shop
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&shop.ID,
		&shop.Name,
		&shop.Timezone,
		&shop.WebhookSecret,
		&shop.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrShopNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query shop: %w", err)
	}

	return &shop, nil
}

// GetContact retrieves a contact by ID, scoped to a shop.
func (r *ShopRepository) GetContact(ctx context.Context, shopID, contactID uuid.UUID) (*Contact, error) {
	query := `
		SELECT id, shop_id, phone, consent_state, opted_out, created_at
		FROM contacts
		WHERE id = $1 AND shop_id = $2
	`

	var contact Contact
	err := r.db.Pool().QueryRow(ctx, query, contactID, shopID).Scan(
		&contact.ID,
		&contact.ShopID,
		&contact.Phone,
		&contact.ConsentState,
		&contact.OptedOut,
		&contact.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}

	return &contact, nil
}

// SettingsOverrides returns the raw per-trigger override document for a
// shop, or nil when the shop never customized the trigger. Merging over
// defaults happens in the rules package.
func (r *ShopRepository) SettingsOverrides(ctx context.Context, shopID uuid.UUID, triggerKey string) (json.RawMessage, error) {
	query := `
		SELECT overrides
		FROM automation_settings
		WHERE shop_id = $1 AND trigger_key = $2
	`

	var overrides json.RawMessage
	err := r.db.Pool().QueryRow(ctx, query, shopID, triggerKey).Scan(&overrides)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query automation settings: %w", err)
	}

	return overrides, nil
}
