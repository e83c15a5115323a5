package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is a persisted delayed automation job.
type Job struct {
	ID        uuid.UUID       `json:"id"`
	ShopID    uuid.UUID       `json:"shop_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	RunAt     time.Time       `json:"run_at"`
	Payload   json.RawMessage `json:"payload"`
	DedupeKey string          `json:"dedupe_key"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Job status constants. Terminal states are never rewritten.
const (
	JobPending  = "pending"
	JobRunning  = "running"
	JobDone     = "done"
	JobCanceled = "canceled"
	JobFailed   = "failed"
)

// Message is one outbound SMS attempt. Exactly one row is written per
// dispatch attempt that passes the rule gate; rows are never deleted.
type Message struct {
	ID          uuid.UUID       `json:"id"`
	ShopID      uuid.UUID       `json:"shop_id"`
	ContactID   uuid.UUID       `json:"contact_id"`
	TriggerKey  string          `json:"trigger_key"`
	Destination string          `json:"destination"`
	Body        string          `json:"body"`
	Status      string          `json:"status"`
	Metadata    MessageMetadata `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// MessageMetadata is stored as jsonb on the messages row.
type MessageMetadata struct {
	DedupeKey   string `json:"dedupe_key,omitempty"`
	ProviderRef string `json:"provider_ref,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Message status constants
const (
	MessageQueued    = "queued"
	MessageSent      = "sent"
	MessageFailed    = "failed"
	MessageDelivered = "delivered"
)

// Consent state constants
const (
	ConsentOptedIn  = "opted_in"
	ConsentOptedOut = "opted_out"
	ConsentUnknown  = "unknown"
)

// Contact is a shop subscriber. Consent fields are read-only here; they
// are mutated by the consent intake surface, never by dispatch.
type Contact struct {
	ID           uuid.UUID `json:"id"`
	ShopID       uuid.UUID `json:"shop_id"`
	Phone        string    `json:"phone"`
	ConsentState string    `json:"consent_state"`
	OptedOut     bool      `json:"opted_out"`
	CreatedAt    time.Time `json:"created_at"`
}

// Shop is a tenant.
type Shop struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Timezone      string    `json:"timezone"`
	WebhookSecret string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditEvent is a best-effort record of a job or dispatch outcome.
type AuditEvent struct {
	ID        uuid.UUID       `json:"id"`
	Kind      string          `json:"kind"`
	ShopID    uuid.UUID       `json:"shop_id"`
	SubjectID uuid.UUID       `json:"subject_id"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}
