// Package dispatch orchestrates one outbound send: gate via the rules
// engine, render the body, persist the message row, hand it to the SMS
// transport, finalize the row's status.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cartline/internal/db"
	"github.com/example/cartline/internal/metrics"
	"github.com/example/cartline/internal/rules"
)

// Renderer produces a message body from a template key and variables.
type Renderer interface {
	Render(templateKey string, vars map[string]string) (string, error)
}

// Transport delivers a message body to a destination and returns the
// provider's reference for the accepted message.
type Transport interface {
	Send(ctx context.Context, destination, body string) (string, error)
}

// MessageStore persists message rows and their status transitions.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *db.Message) error
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status string, metadata db.MessageMetadata) error
}

// Gate decides whether a candidate send is permitted.
type Gate interface {
	CanSend(ctx context.Context, in rules.CanSendInput) (rules.Decision, error)
}

// AuditSink records dispatch outcomes best-effort.
type AuditSink interface {
	Record(ctx context.Context, kind string, shopID, subjectID uuid.UUID, detail any)
}

// SendRequest is one candidate dispatch.
type SendRequest struct {
	Shop        *db.Shop
	Contact     *db.Contact
	TemplateKey string
	Vars        map[string]string
	TriggerKey  string
	DedupeKey   string
}

// SendResult reports whether the rule gate passed and, if it did, the
// message row written for the attempt. Transport failure is surfaced via
// the row's status, not via Sent: callers use Sent to decide whether the
// attempt was declined by a rule.
type SendResult struct {
	Sent      bool
	MessageID uuid.UUID
	Reason    string
}

// Pipeline runs the render→gate→persist→send→finalize sequence.
type Pipeline struct {
	gate      Gate
	messages  MessageStore
	renderer  Renderer
	transport Transport
	audit     AuditSink
	logger    *zap.Logger

	now func() time.Time
}

// NewPipeline creates a dispatch pipeline.
func NewPipeline(gate Gate, messages MessageStore, renderer Renderer, transport Transport, audit AuditSink, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		gate:      gate,
		messages:  messages,
		renderer:  renderer,
		transport: transport,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// Send evaluates the gate and, when allowed, renders, persists and
// delivers the message. Rule rejections return {Sent:false, Reason} and
// write no message row. Transport failures are recorded on the row and
// never returned as an error; an error means the message store itself
// failed.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	decision, err := p.gate.CanSend(ctx, rules.CanSendInput{
		Shop:       req.Shop,
		Contact:    req.Contact,
		TriggerKey: req.TriggerKey,
		DedupeKey:  req.DedupeKey,
		Now:        p.now(),
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("rule gate: %w", err)
	}

	if !decision.Allowed {
		p.logger.Info("send declined by rule gate",
			zap.String("shop_id", req.Shop.ID.String()),
			zap.String("trigger_key", req.TriggerKey),
			zap.String("reason", decision.Reason),
		)
		metrics.RecordDispatch(req.TriggerKey, decision.Reason)
		return SendResult{Sent: false, Reason: decision.Reason}, nil
	}

	body, err := p.renderer.Render(req.TemplateKey, req.Vars)
	if err != nil {
		return SendResult{}, fmt.Errorf("render template %s: %w", req.TemplateKey, err)
	}

	msg := &db.Message{
		ID:          uuid.New(),
		ShopID:      req.Shop.ID,
		ContactID:   req.Contact.ID,
		TriggerKey:  req.TriggerKey,
		Destination: req.Contact.Phone,
		Body:        body,
		Status:      db.MessageQueued,
		Metadata:    db.MessageMetadata{DedupeKey: req.DedupeKey},
	}

	if err := p.messages.CreateMessage(ctx, msg); err != nil {
		return SendResult{}, fmt.Errorf("persist message: %w", err)
	}

	providerRef, sendErr := p.transport.Send(ctx, msg.Destination, msg.Body)
	if sendErr != nil {
		// Delivery failure is a message-status concern; the gate already
		// passed, so the caller still sees Sent:true.
		p.logger.Error("transport send failed",
			zap.Error(sendErr),
			zap.String("message_id", msg.ID.String()),
			zap.String("trigger_key", req.TriggerKey),
		)
		metadata := msg.Metadata
		metadata.Error = sendErr.Error()
		if err := p.messages.UpdateMessageStatus(ctx, msg.ID, db.MessageFailed, metadata); err != nil {
			p.logger.Error("failed to mark message failed",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
			)
		}
		metrics.RecordDispatch(req.TriggerKey, "transport_failed")
		p.recordAudit(ctx, req, msg.ID, "failed", sendErr.Error())
		return SendResult{Sent: true, MessageID: msg.ID}, nil
	}

	metadata := msg.Metadata
	metadata.ProviderRef = providerRef
	if err := p.messages.UpdateMessageStatus(ctx, msg.ID, db.MessageSent, metadata); err != nil {
		p.logger.Error("failed to mark message sent",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
	}

	p.logger.Info("message sent",
		zap.String("message_id", msg.ID.String()),
		zap.String("shop_id", req.Shop.ID.String()),
		zap.String("trigger_key", req.TriggerKey),
		zap.String("provider_ref", providerRef),
	)
	metrics.RecordDispatch(req.TriggerKey, "sent")
	p.recordAudit(ctx, req, msg.ID, "sent", "")

	return SendResult{Sent: true, MessageID: msg.ID}, nil
}

func (p *Pipeline) recordAudit(ctx context.Context, req SendRequest, messageID uuid.UUID, outcome, detail string) {
	if p.audit == nil {
		return
	}
	p.audit.Record(ctx, "dispatch."+outcome, req.Shop.ID, messageID, map[string]string{
		"trigger_key": req.TriggerKey,
		"contact_id":  req.Contact.ID.String(),
		"detail":      detail,
	})
}
