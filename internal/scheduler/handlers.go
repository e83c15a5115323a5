package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cartline/internal/db"
	"github.com/example/cartline/internal/dispatch"
	"github.com/example/cartline/internal/rules"
)

// TenantReader loads the shop and contact a job refers to.
type TenantReader interface {
	GetShop(ctx context.Context, id uuid.UUID) (*db.Shop, error)
	GetContact(ctx context.Context, shopID, contactID uuid.UUID) (*db.Contact, error)
}

// Dispatcher is the send pipeline as seen by job handlers.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.SendRequest) (dispatch.SendResult, error)
}

// RecoveryPayload is the payload of an abandoned-checkout job.
type RecoveryPayload struct {
	CheckoutID string            `json:"checkout_id"`
	ContactID  uuid.UUID         `json:"contact_id"`
	Vars       map[string]string `json:"vars"`
}

// RecoveryHandler sends the abandoned-checkout recovery message once the
// inactivity window has elapsed.
type RecoveryHandler struct {
	tenants    TenantReader
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewRecoveryHandler creates the abandoned-checkout job handler.
func NewRecoveryHandler(tenants TenantReader, dispatcher Dispatcher, logger *zap.Logger) *RecoveryHandler {
	return &RecoveryHandler{
		tenants:    tenants,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle dispatches the recovery message for a claimed job. A rule-gate
// rejection is reported as a skip reason, not an error, so the job
// finalizes done.
func (h *RecoveryHandler) Handle(ctx context.Context, job *db.Job) (string, error) {
	var payload RecoveryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode recovery payload: %w", err)
	}

	shop, err := h.tenants.GetShop(ctx, job.ShopID)
	if err != nil {
		return "", fmt.Errorf("load shop %s: %w", job.ShopID, err)
	}

	contact, err := h.tenants.GetContact(ctx, job.ShopID, payload.ContactID)
	if err != nil && !errors.Is(err, db.ErrContactNotFound) {
		return "", fmt.Errorf("load contact %s: %w", payload.ContactID, err)
	}
	// A vanished contact flows through as nil; the consent gate turns
	// that into a no_consent skip.

	result, err := h.dispatcher.Send(ctx, dispatch.SendRequest{
		Shop:        shop,
		Contact:     contact,
		TemplateKey: rules.TriggerAbandonedCheckout,
		Vars:        payload.Vars,
		TriggerKey:  rules.TriggerAbandonedCheckout,
		DedupeKey:   payload.CheckoutID,
	})
	if err != nil {
		return "", err
	}

	if !result.Sent {
		return result.Reason, nil
	}
	return "", nil
}
