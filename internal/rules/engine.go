package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cartline/internal/db"
)

// Rejection reasons. These are normal control-flow outcomes, never errors.
const (
	ReasonNoConsent          = "no_consent"
	ReasonAutomationDisabled = "automation_disabled"
	ReasonQuietHours         = "quiet_hours"
	ReasonFrequencyCapped    = "frequency_capped"
	ReasonDeduped            = "deduped"
)

// Decision is the outcome of a gate evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func reject(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// History reads recent message rows for the frequency-cap and dedupe
// checks.
type History interface {
	CountSince(ctx context.Context, shopID, contactID uuid.UUID, triggerKey string, since time.Time) (int, error)
	Recent(ctx context.Context, shopID, contactID uuid.UUID, triggerKey string) ([]*db.Message, error)
}

// SettingsSource reads a shop's raw override document for a trigger.
type SettingsSource interface {
	SettingsOverrides(ctx context.Context, shopID uuid.UUID, triggerKey string) (json.RawMessage, error)
}

// Engine evaluates whether a candidate send is permitted. It is pure
// decision logic over its inputs plus read access to message history;
// CanSend has no side effects and is safe to call speculatively.
type Engine struct {
	history  History
	settings SettingsSource
	logger   *zap.Logger
}

// NewEngine creates a rules engine.
func NewEngine(history History, settings SettingsSource, logger *zap.Logger) *Engine {
	return &Engine{
		history:  history,
		settings: settings,
		logger:   logger,
	}
}

// CanSendInput is a candidate send.
type CanSendInput struct {
	Shop       *db.Shop
	Contact    *db.Contact
	TriggerKey string
	DedupeKey  string
	Now        time.Time
}

// CanSend runs the gate checks in fail-fast order: consent, automation
// enabled, quiet hours, frequency cap, dedupe. The first failing check
// decides; an error is returned only when the settings or history store
// is unavailable.
func (e *Engine) CanSend(ctx context.Context, in CanSendInput) (Decision, error) {
	if in.Contact == nil || in.Contact.OptedOut || in.Contact.ConsentState != db.ConsentOptedIn {
		return reject(ReasonNoConsent), nil
	}

	settings, err := e.settingsFor(ctx, in.Shop.ID, in.TriggerKey)
	if err != nil {
		return Decision{}, err
	}

	if !settings.Enabled {
		return reject(ReasonAutomationDisabled), nil
	}

	if inQuietHours(settings.QuietHours, in.Shop.Timezone, in.Now) {
		return reject(ReasonQuietHours), nil
	}

	if settings.FrequencyCap.Enabled {
		since := windowStart(in.Now, settings.FrequencyCap.Per)
		count, err := e.history.CountSince(ctx, in.Shop.ID, in.Contact.ID, in.TriggerKey, since)
		if err != nil {
			return Decision{}, fmt.Errorf("frequency cap check: %w", err)
		}
		if count >= settings.FrequencyCap.Max {
			return reject(ReasonFrequencyCapped), nil
		}
	}

	if in.DedupeKey != "" && settings.DedupeWindowMinutes > 0 {
		dup, err := e.recentDuplicate(ctx, in, settings.DedupeWindowMinutes)
		if err != nil {
			return Decision{}, fmt.Errorf("dedupe check: %w", err)
		}
		if dup {
			return reject(ReasonDeduped), nil
		}
	}

	return allow(), nil
}

// SettingsFor returns the merged settings for a shop and trigger.
// Exposed for callers that need delay/window values outside a gate
// evaluation (e.g. computing a job's run_at).
func (e *Engine) SettingsFor(ctx context.Context, shopID uuid.UUID, triggerKey string) (Settings, error) {
	return e.settingsFor(ctx, shopID, triggerKey)
}

func (e *Engine) settingsFor(ctx context.Context, shopID uuid.UUID, triggerKey string) (Settings, error) {
	raw, err := e.settings.SettingsOverrides(ctx, shopID, triggerKey)
	if err != nil {
		return Settings{}, fmt.Errorf("load automation settings: %w", err)
	}

	defaults := Defaults(triggerKey)
	if len(raw) == 0 {
		return defaults, nil
	}

	overrides, err := decodeOverrides(raw)
	if err != nil {
		// A corrupt override document must not disable the gate; fall
		// back to defaults and flag it.
		e.logger.Warn("unparseable automation settings overrides, using defaults",
			zap.String("shop_id", shopID.String()),
			zap.String("trigger_key", triggerKey),
			zap.Error(err),
		)
		return defaults, nil
	}

	return Merge(defaults, overrides), nil
}

func decodeOverrides(raw []byte) (*Overrides, error) {
	var overrides Overrides
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil, err
	}
	return &overrides, nil
}

func (e *Engine) recentDuplicate(ctx context.Context, in CanSendInput, windowMinutes int) (bool, error) {
	recent, err := e.history.Recent(ctx, in.Shop.ID, in.Contact.ID, in.TriggerKey)
	if err != nil {
		return false, err
	}

	cutoff := in.Now.Add(-time.Duration(windowMinutes) * time.Minute)
	for _, msg := range recent {
		if !msg.CreatedAt.After(cutoff) {
			continue
		}
		if msg.Metadata.DedupeKey == in.DedupeKey {
			return true, nil
		}
	}

	return false, nil
}

// inQuietHours reports whether now falls inside the window, evaluated in
// the rule's zone, else the shop's zone, else UTC. Start < End means
// [Start, End); Start > End wraps past midnight.
func inQuietHours(qh QuietHours, shopZone string, now time.Time) bool {
	if !qh.Enabled {
		return false
	}

	loc := resolveZone(qh.Zone, shopZone)
	h := now.In(loc).Hour()

	if qh.Start < qh.End {
		return h >= qh.Start && h < qh.End
	}
	return h >= qh.Start || h < qh.End
}

func resolveZone(ruleZone, shopZone string) *time.Location {
	for _, name := range []string{ruleZone, shopZone} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// windowStart subtracts one cap period from now.
func windowStart(now time.Time, per string) time.Time {
	switch per {
	case PerHour:
		return now.Add(-time.Hour)
	case PerWeek:
		return now.Add(-7 * 24 * time.Hour)
	default: // day
		return now.Add(-24 * time.Hour)
	}
}
