// Package api exposes the platform webhook intake and read endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cartline/internal/db"
	"github.com/example/cartline/internal/dispatch"
	"github.com/example/cartline/internal/metrics"
	"github.com/example/cartline/internal/rules"
)

// TenantStore reads shops and contacts.
type TenantStore interface {
	GetShop(ctx context.Context, id uuid.UUID) (*db.Shop, error)
	GetContact(ctx context.Context, shopID, contactID uuid.UUID) (*db.Contact, error)
}

// JobService is the scheduler surface used by webhook processing.
type JobService interface {
	UpsertDelayedJob(ctx context.Context, shopID uuid.UUID, jobType, dedupeKey string, runAt time.Time, payload json.RawMessage) (uuid.UUID, error)
	CancelJob(ctx context.Context, dedupeKey string) (bool, error)
}

// Dispatcher is the immediate-send pipeline.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.SendRequest) (dispatch.SendResult, error)
}

// SettingsReader resolves merged automation settings (for delay windows).
type SettingsReader interface {
	SettingsFor(ctx context.Context, shopID uuid.UUID, triggerKey string) (rules.Settings, error)
}

// MessageReader backs the message read endpoint.
type MessageReader interface {
	ListMessagesByShop(ctx context.Context, shopID uuid.UUID, limit, offset int) ([]*db.Message, error)
}

// JobReader backs the job read endpoint.
type JobReader interface {
	ListJobsByShop(ctx context.Context, shopID uuid.UUID, limit, offset int) ([]*db.Job, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	tenants    TenantStore
	jobs       JobService
	dispatcher Dispatcher
	settings   SettingsReader
	messages   MessageReader
	jobReads   JobReader
	buffer     *dispatch.EnqueueBuffer
}

// NewHandler creates a new API handler
func NewHandler(
	logger *zap.Logger,
	tenants TenantStore,
	jobs JobService,
	dispatcher Dispatcher,
	settings SettingsReader,
	messages MessageReader,
	jobReads JobReader,
	buffer *dispatch.EnqueueBuffer,
) *Handler {
	return &Handler{
		logger:     logger,
		tenants:    tenants,
		jobs:       jobs,
		dispatcher: dispatcher,
		settings:   settings,
		messages:   messages,
		jobReads:   jobReads,
		buffer:     buffer,
	}
}

// CheckoutWebhook is the payload of checkout create/update events.
type CheckoutWebhook struct {
	CheckoutID string            `json:"checkout_id"`
	ContactID  string            `json:"contact_id"`
	UpdatedAt  string            `json:"updated_at"`
	Vars       map[string]string `json:"vars"`
}

// OrderPaidWebhook is the payload of order payment events.
type OrderPaidWebhook struct {
	OrderID    string            `json:"order_id"`
	CheckoutID string            `json:"checkout_id"`
	ContactID  string            `json:"contact_id"`
	Vars       map[string]string `json:"vars"`
}

// RestockWebhook is the payload of inventory restock events.
type RestockWebhook struct {
	ProductID  string            `json:"product_id"`
	ContactIDs []string          `json:"contact_ids"`
	Vars       map[string]string `json:"vars"`
}

// HandleCheckout processes POST /webhooks/{shopID}/checkout. Checkout
// activity upserts the abandoned-checkout recovery job; repeated
// activity snoozes the same job instead of creating duplicates.
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	shop, body, ok := h.authenticate(w, r, "checkout")
	if !ok {
		return
	}

	var event CheckoutWebhook
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if event.CheckoutID == "" || event.ContactID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "checkout_id and contact_id are required")
		return
	}

	contactID, err := uuid.Parse(event.ContactID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid contact_id", "contact_id must be a valid UUID")
		return
	}

	// Absorb webhook retries of this exact event before they hit the
	// job store. The key is event-scoped, so genuinely new checkout
	// activity still snoozes the job.
	bufferKey := fmt.Sprintf("checkout:%s:%s", event.CheckoutID, event.UpdatedAt)
	if !h.buffer.Enqueue(bufferKey) {
		metrics.RecordWebhook("checkout", "buffered")
		h.writeJSON(w, http.StatusAccepted, map[string]any{"status": "duplicate"})
		return
	}

	settings, err := h.settings.SettingsFor(ctx, shop.ID, rules.TriggerAbandonedCheckout)
	if err != nil {
		h.logger.Error("failed to load automation settings", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "settings_error", "Failed to load automation settings", "")
		return
	}

	payload, err := json.Marshal(map[string]any{
		"checkout_id": event.CheckoutID,
		"contact_id":  contactID,
		"vars":        h.withShopVars(shop, event.Vars),
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "encoding_error", "Failed to encode job payload", "")
		return
	}

	runAt := time.Now().Add(time.Duration(settings.DelayMinutes) * time.Minute)
	jobID, err := h.jobs.UpsertDelayedJob(ctx, shop.ID, rules.TriggerAbandonedCheckout, recoveryKey(event.CheckoutID), runAt, payload)
	if err != nil {
		h.logger.Error("failed to upsert recovery job",
			zap.Error(err),
			zap.String("checkout_id", event.CheckoutID),
		)
		h.writeError(w, http.StatusInternalServerError, "job_error", "Failed to schedule recovery job", "")
		return
	}

	metrics.RecordWebhook("checkout", "scheduled")
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "scheduled",
		"job_id": jobID.String(),
		"run_at": runAt.UTC().Format(time.RFC3339),
	})
}

// HandleOrderPaid processes POST /webhooks/{shopID}/order-paid. Payment
// cancels any pending recovery job for the checkout and sends the order
// confirmation immediately.
func (h *Handler) HandleOrderPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	shop, body, ok := h.authenticate(w, r, "order_paid")
	if !ok {
		return
	}

	var event OrderPaidWebhook
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if event.OrderID == "" || event.ContactID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "order_id and contact_id are required")
		return
	}

	contactID, err := uuid.Parse(event.ContactID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid contact_id", "contact_id must be a valid UUID")
		return
	}

	if event.CheckoutID != "" {
		canceled, err := h.jobs.CancelJob(ctx, recoveryKey(event.CheckoutID))
		if err != nil {
			h.logger.Error("failed to cancel recovery job",
				zap.Error(err),
				zap.String("checkout_id", event.CheckoutID),
			)
		} else if canceled {
			h.logger.Info("recovery job canceled after payment",
				zap.String("checkout_id", event.CheckoutID),
				zap.String("order_id", event.OrderID),
			)
		}
	}

	if !h.buffer.Enqueue("order:" + event.OrderID) {
		metrics.RecordWebhook("order_paid", "buffered")
		h.writeJSON(w, http.StatusAccepted, map[string]any{"status": "duplicate"})
		return
	}

	result, err := h.send(ctx, shop, contactID, rules.TriggerOrderPaid, "order:"+event.OrderID, event.Vars)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch confirmation", "")
		return
	}

	metrics.RecordWebhook("order_paid", disposition(result))
	h.writeSendResult(w, result)
}

// HandleRestock processes POST /webhooks/{shopID}/restock. Each
// subscribed contact gets an immediate back-in-stock alert, individually
// gated.
func (h *Handler) HandleRestock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	shop, body, ok := h.authenticate(w, r, "restock")
	if !ok {
		return
	}

	var event RestockWebhook
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if event.ProductID == "" || len(event.ContactIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "product_id and contact_ids are required")
		return
	}

	sent := 0
	skipped := 0
	for _, raw := range event.ContactIDs {
		contactID, err := uuid.Parse(raw)
		if err != nil {
			skipped++
			continue
		}

		key := fmt.Sprintf("restock:%s:%s", event.ProductID, contactID)
		if !h.buffer.Enqueue(key) {
			skipped++
			continue
		}

		result, err := h.send(ctx, shop, contactID, rules.TriggerBackInStock, key, event.Vars)
		if err != nil {
			h.logger.Error("restock dispatch failed",
				zap.Error(err),
				zap.String("contact_id", contactID.String()),
			)
			skipped++
			continue
		}
		if result.Sent {
			sent++
		} else {
			skipped++
		}
	}

	metrics.RecordWebhook("restock", "processed")
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "processed",
		"sent":    sent,
		"skipped": skipped,
	})
}

// ListMessages handles GET /v1/shops/{shopID}/messages
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	shopID, ok := h.shopParam(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	messages, err := h.messages.ListMessagesByShop(r.Context(), shopID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"limit":    limit,
		"offset":   offset,
	})
}

// ListJobs handles GET /v1/shops/{shopID}/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	shopID, ok := h.shopParam(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	jobs, err := h.jobReads.ListJobsByShop(r.Context(), shopID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list jobs", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// send loads the contact and pushes one immediate dispatch through the
// pipeline. A missing contact flows through as nil and is rejected by
// the consent gate.
func (h *Handler) send(ctx context.Context, shop *db.Shop, contactID uuid.UUID, triggerKey, dedupeKey string, vars map[string]string) (dispatch.SendResult, error) {
	contact, err := h.tenants.GetContact(ctx, shop.ID, contactID)
	if err != nil && !errors.Is(err, db.ErrContactNotFound) {
		return dispatch.SendResult{}, fmt.Errorf("load contact: %w", err)
	}

	return h.dispatcher.Send(ctx, dispatch.SendRequest{
		Shop:        shop,
		Contact:     contact,
		TemplateKey: triggerKey,
		Vars:        h.withShopVars(shop, vars),
		TriggerKey:  triggerKey,
		DedupeKey:   dedupeKey,
	})
}

// authenticate loads the shop from the URL, reads the body and verifies
// the platform HMAC signature against the shop's webhook secret.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, topic string) (*db.Shop, []byte, bool) {
	shopID, ok := h.shopParam(w, r)
	if !ok {
		return nil, nil, false
	}

	shop, err := h.tenants.GetShop(r.Context(), shopID)
	if err != nil {
		if errors.Is(err, db.ErrShopNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Shop not found", "")
		} else {
			h.logger.Error("failed to load shop", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load shop", "")
		}
		return nil, nil, false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read body", "")
		return nil, nil, false
	}

	if !VerifySignature(shop.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		metrics.RecordWebhook(topic, "bad_signature")
		h.logger.Warn("webhook signature verification failed",
			zap.String("shop_id", shopID.String()),
			zap.String("topic", topic),
		)
		h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Webhook signature verification failed", "")
		return nil, nil, false
	}

	return shop, body, true
}

func (h *Handler) shopParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	shopID, err := uuid.Parse(chi.URLParam(r, "shopID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid shop ID", "shop ID must be a valid UUID")
		return uuid.Nil, false
	}
	return shopID, true
}

// withShopVars fills in shop-level template variables the platform does
// not repeat on every event.
func (h *Handler) withShopVars(shop *db.Shop, vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	if _, ok := out["shop_name"]; !ok {
		out["shop_name"] = shop.Name
	}
	return out
}

func (h *Handler) writeSendResult(w http.ResponseWriter, result dispatch.SendResult) {
	resp := map[string]any{"sent": result.Sent}
	if result.Sent {
		resp["message_id"] = result.MessageID.String()
	} else {
		resp["reason"] = result.Reason
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func recoveryKey(checkoutID string) string {
	return "abandoned_checkout:" + checkoutID
}

func disposition(result dispatch.SendResult) string {
	if result.Sent {
		return "dispatched"
	}
	return result.Reason
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
