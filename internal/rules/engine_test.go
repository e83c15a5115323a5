package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cartline/internal/db"
)

type fakeHistory struct {
	count  int
	recent []*db.Message
	err    error
}

func (f *fakeHistory) CountSince(ctx context.Context, shopID, contactID uuid.UUID, triggerKey string, since time.Time) (int, error) {
	return f.count, f.err
}

func (f *fakeHistory) Recent(ctx context.Context, shopID, contactID uuid.UUID, triggerKey string) ([]*db.Message, error) {
	return f.recent, f.err
}

type fakeSettings struct {
	overrides json.RawMessage
	err       error
}

func (f *fakeSettings) SettingsOverrides(ctx context.Context, shopID uuid.UUID, triggerKey string) (json.RawMessage, error) {
	return f.overrides, f.err
}

func testShop(zone string) *db.Shop {
	return &db.Shop{
		ID:       uuid.New(),
		Name:     "Test Shop",
		Timezone: zone,
	}
}

func optedInContact(shopID uuid.UUID) *db.Contact {
	return &db.Contact{
		ID:           uuid.New(),
		ShopID:       shopID,
		Phone:        "+15551234567",
		ConsentState: db.ConsentOptedIn,
	}
}

func newTestEngine(history *fakeHistory, settings *fakeSettings) *Engine {
	return NewEngine(history, settings, zap.NewNop())
}

func rawOverrides(t *testing.T, o Overrides) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal overrides: %v", err)
	}
	return raw
}

func TestCanSend_NoConsent(t *testing.T) {
	engine := newTestEngine(&fakeHistory{}, &fakeSettings{})
	shop := testShop("UTC")

	cases := []struct {
		name    string
		contact *db.Contact
	}{
		{name: "missing contact", contact: nil},
		{name: "opted out flag", contact: &db.Contact{ID: uuid.New(), ConsentState: db.ConsentOptedIn, OptedOut: true}},
		{name: "opted out state", contact: &db.Contact{ID: uuid.New(), ConsentState: db.ConsentOptedOut}},
		{name: "unknown consent", contact: &db.Contact{ID: uuid.New(), ConsentState: db.ConsentUnknown}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := engine.CanSend(context.Background(), CanSendInput{
				Shop:       shop,
				Contact:    tc.contact,
				TriggerKey: TriggerOrderPaid,
				Now:        time.Now(),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.Allowed {
				t.Fatal("expected rejection")
			}
			if decision.Reason != ReasonNoConsent {
				t.Errorf("expected %s, got %s", ReasonNoConsent, decision.Reason)
			}
		})
	}
}

func TestCanSend_AutomationDisabled(t *testing.T) {
	disabled := false
	settings := &fakeSettings{overrides: rawOverrides(t, Overrides{Enabled: &disabled})}
	engine := newTestEngine(&fakeHistory{}, settings)
	shop := testShop("UTC")

	decision, err := engine.CanSend(context.Background(), CanSendInput{
		Shop:       shop,
		Contact:    optedInContact(shop.ID),
		TriggerKey: TriggerOrderPaid,
		Now:        time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonAutomationDisabled {
		t.Errorf("expected %s rejection, got %+v", ReasonAutomationDisabled, decision)
	}
}

func TestCanSend_UnknownTriggerDisabled(t *testing.T) {
	engine := newTestEngine(&fakeHistory{}, &fakeSettings{})
	shop := testShop("UTC")

	decision, err := engine.CanSend(context.Background(), CanSendInput{
		Shop:       shop,
		Contact:    optedInContact(shop.ID),
		TriggerKey: "nonexistent_trigger",
		Now:        time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonAutomationDisabled {
		t.Errorf("expected %s rejection, got %+v", ReasonAutomationDisabled, decision)
	}
}

func quietHoursOverrides(t *testing.T, start, end int, zone string) json.RawMessage {
	enabled := true
	return rawOverrides(t, Overrides{
		QuietHours: &QuietHoursOverride{
			Enabled: &enabled,
			Start:   &start,
			End:     &end,
			Zone:    &zone,
		},
	})
}

func TestCanSend_QuietHoursWrapAround(t *testing.T) {
	// 21:00-09:00 in UTC. Hours 21-23 and 0-8 are quiet; 9-20 are not.
	settings := &fakeSettings{overrides: quietHoursOverrides(t, 21, 9, "UTC")}
	engine := newTestEngine(&fakeHistory{}, settings)
	shop := testShop("UTC")
	contact := optedInContact(shop.ID)

	cases := []struct {
		hour  int
		quiet bool
	}{
		{hour: 22, quiet: true},
		{hour: 7, quiet: true},
		{hour: 12, quiet: false},
		{hour: 21, quiet: true},
		{hour: 9, quiet: false},
		{hour: 0, quiet: true},
		{hour: 8, quiet: true},
		{hour: 20, quiet: false},
	}

	for _, tc := range cases {
		now := time.Date(2024, 6, 15, tc.hour, 0, 0, 0, time.UTC)
		decision, err := engine.CanSend(context.Background(), CanSendInput{
			Shop:       shop,
			Contact:    contact,
			TriggerKey: TriggerOrderPaid,
			Now:        now,
		})
		if err != nil {
			t.Fatalf("hour %d: unexpected error: %v", tc.hour, err)
		}
		if tc.quiet && (decision.Allowed || decision.Reason != ReasonQuietHours) {
			t.Errorf("hour %d: expected quiet_hours rejection, got %+v", tc.hour, decision)
		}
		if !tc.quiet && !decision.Allowed {
			t.Errorf("hour %d: expected allow, got %+v", tc.hour, decision)
		}
	}
}

func TestCanSend_QuietHoursNonWrapping(t *testing.T) {
	// 9:00-17:00: only daytime hours are quiet.
	settings := &fakeSettings{overrides: quietHoursOverrides(t, 9, 17, "UTC")}
	engine := newTestEngine(&fakeHistory{}, settings)
	shop := testShop("UTC")
	contact := optedInContact(shop.ID)

	noon := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	decision, err := engine.CanSend(context.Background(), CanSendInput{
		Shop: shop, Contact: contact, TriggerKey: TriggerOrderPaid, Now: noon,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonQuietHours {
		t.Errorf("noon: expected quiet_hours, got %+v", decision)
	}

	evening := time.Date(2024, 6, 15, 18, 0, 0, 0, time.UTC)
	decision, err = engine.CanSend(context.Background(), CanSendInput{
		Shop: shop, Contact: contact, TriggerKey: TriggerOrderPaid, Now: evening,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("evening: expected allow, got %+v", decision)
	}
}

func TestCanSend_QuietHoursShopZoneFallback(t *testing.T) {
	// Rule zone empty: shop zone decides. 02:00 UTC is 21:00 the
	// previous evening in New York, inside a 21-9 window.
	enabled := true
	start, end := 21, 9
	settings := &fakeSettings{overrides: rawOverrides(t, Overrides{
		QuietHours: &QuietHoursOverride{Enabled: &enabled, Start: &start, End: &end},
	})}
	engine := newTestEngine(&fakeHistory{}, settings)
	shop := testShop("America/New_York")
	contact := optedInContact(shop.ID)

	now := time.Date(2024, 6, 15, 2, 0, 0, 0, time.UTC)
	decision, err := engine.CanSend(context.Background(), CanSendInput{
		Shop: shop, Contact: contact, TriggerKey: TriggerOrderPaid, Now: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonQuietHours {
		t.Errorf("expected quiet_hours in shop zone, got %+v", decision)
	}
}

func TestCanSend_InvalidZoneFallsBackToUTC(t *testing.T) {
	settings := &fakeSettings{overrides: quietHoursOverrides(t, 21, 9, "Not/AZone")}
	engine := newTestEngine(&fakeHistory{}, settings)
	shop := testShop("Also/Bogus")
	contact := optedInContact(shop.ID)

	noonUTC := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	decision, err := engine.CanSend(context.Background(), CanSendInput{
		Shop: shop, Contact: contact, TriggerKey: TriggerOrderPaid, Now: noonUTC,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allow at noon UTC, got %+v", decision)
	}
}

func frequencyCapOverrides(t *testing.T, per string, maxSends int) json.RawMessage {
	enabled := true
	return rawOverrides(t, Overrides{
		FrequencyCap: &FrequencyCapOverride{
			Enabled: &enabled,
			Per:     &per,
			Max:     &maxSends,
		},
	})
}

func TestCanSend_FrequencyCap(t *testing.T) {
	settings := &fakeSettings{overrides: frequencyCapOverrides(t, PerDay, 2)}
	shop := testShop("UTC")
	contact := optedInContact(shop.ID)

	// Under the cap
	engine := newTestEngine(&fakeHistory{count: 1}, settings)
	decision, err := engine.CanSend(context.Background(), CanSendInput{
		Shop: shop, Contact: contact, TriggerKey: TriggerOrderPaid, Now: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allow under cap, got %+v", decision)
	}

	// At the cap
	engine = newTestEngine(&fakeHistory{count: 2}, settings)
	decision, err = engine.CanSend(context.Background(), CanSendInput{
		Shop: shop, Contact: contact, TriggerKey: TriggerOrderPaid, Now: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonFrequencyCapped {
		t.Errorf("expected frequency_capped at cap, got %+v", decision)
	}
}

func TestCanSend_Dedupe(t *testing.T) {
	now := time.Now()
	shop := testShop("UTC")
	contact := optedInContact(shop.ID)

	history := &fakeHistory{recent: []*db.Message{
		{
			ID:        uuid.New(),
			CreatedAt: now.Add(-5 * time.Minute),
			Metadata:  db.MessageMetadata{DedupeKey: "order:123"},
		},
	}}
	engine := newTestEngine(history, &fakeSettings{})

	decision, err := engine.CanSend(context.Background(), CanSendInput{
		Shop: shop, Contact: contact, TriggerKey: TriggerOrderPaid,
		DedupeKey: "order:123", Now: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonDeduped {
		t.Errorf("expected deduped, got %+v", decision)
	}

	// A different key passes.
	decision, err = engine.CanSend(context.Background(), CanSendInput{
		Shop: shop, Contact: contact, TriggerKey: TriggerOrderPaid,
		DedupeKey: "order:456", Now: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allow for new key, got %+v", decision)
	}
}

func TestCanSend_DedupeOutsideWindow(t *testing.T) {
	now := time.Now()
	shop := testShop("UTC")
	contact := optedInContact(shop.ID)

	// order_paid dedupe window is 60 minutes; a 2h-old match is stale.
	history := &fakeHistory{recent: []*db.Message{
		{
			ID:        uuid.New(),
			CreatedAt: now.Add(-2 * time.Hour),
			Metadata:  db.MessageMetadata{DedupeKey: "order:123"},
		},
	}}
	engine := newTestEngine(history, &fakeSettings{})

	decision, err := engine.CanSend(context.Background(), CanSendInput{
		Shop: shop, Contact: contact, TriggerKey: TriggerOrderPaid,
		DedupeKey: "order:123", Now: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allow outside dedupe window, got %+v", decision)
	}
}

func TestCanSend_NoDedupeKeySkipsCheck(t *testing.T) {
	now := time.Now()
	shop := testShop("UTC")
	contact := optedInContact(shop.ID)

	history := &fakeHistory{recent: []*db.Message{
		{ID: uuid.New(), CreatedAt: now, Metadata: db.MessageMetadata{DedupeKey: "order:123"}},
	}}
	engine := newTestEngine(history, &fakeSettings{})

	decision, err := engine.CanSend(context.Background(), CanSendInput{
		Shop: shop, Contact: contact, TriggerKey: TriggerOrderPaid, Now: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allow without dedupe key, got %+v", decision)
	}
}

func TestCanSend_CorruptOverridesFallBackToDefaults(t *testing.T) {
	settings := &fakeSettings{overrides: json.RawMessage(`{"enabled": "not-a-bool"`)}
	engine := newTestEngine(&fakeHistory{}, settings)
	shop := testShop("UTC")

	decision, err := engine.CanSend(context.Background(), CanSendInput{
		Shop:       shop,
		Contact:    optedInContact(shop.ID),
		TriggerKey: TriggerOrderPaid,
		Now:        time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected defaults to allow, got %+v", decision)
	}
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	if got := windowStart(now, PerHour); !got.Equal(now.Add(-time.Hour)) {
		t.Errorf("hour window start = %v", got)
	}
	if got := windowStart(now, PerDay); !got.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("day window start = %v", got)
	}
	if got := windowStart(now, PerWeek); !got.Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Errorf("week window start = %v", got)
	}
}
