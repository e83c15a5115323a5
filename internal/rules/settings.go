// Package rules decides whether an outbound automated message may be
// sent: consent, per-trigger enablement, quiet hours, rolling frequency
// caps and history-backed dedupe. It owns no persistent state.
package rules

// Trigger keys for the automations shipped with the platform.
const (
	TriggerAbandonedCheckout = "abandoned_checkout"
	TriggerOrderPaid         = "order_paid"
	TriggerBackInStock       = "back_in_stock"
)

// QuietHours is a shop-local time-of-day window during which sends are
// suppressed. Start/End are hours 0-23; Start > End wraps past midnight.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Zone    string `json:"zone"`
}

// Frequency cap periods
const (
	PerHour = "hour"
	PerDay  = "day"
	PerWeek = "week"
)

// FrequencyCap limits sends per trigger per contact within a rolling
// window.
type FrequencyCap struct {
	Enabled bool   `json:"enabled"`
	Per     string `json:"per"`
	Max     int    `json:"max"`
}

// Settings is the merged automation configuration for one trigger key.
type Settings struct {
	Enabled             bool         `json:"enabled"`
	DelayMinutes        int          `json:"delay_minutes"`
	QuietHours          QuietHours   `json:"quiet_hours"`
	FrequencyCap        FrequencyCap `json:"frequency_cap"`
	DedupeWindowMinutes int          `json:"dedupe_window_minutes"`
}

// Overrides is a shop's customization of one trigger's settings. Pointer
// fields distinguish "not set" from an explicit false/zero so a partial
// override never silently drops a nested default.
type Overrides struct {
	Enabled             *bool                 `json:"enabled,omitempty"`
	DelayMinutes        *int                  `json:"delay_minutes,omitempty"`
	QuietHours          *QuietHoursOverride   `json:"quiet_hours,omitempty"`
	FrequencyCap        *FrequencyCapOverride `json:"frequency_cap,omitempty"`
	DedupeWindowMinutes *int                  `json:"dedupe_window_minutes,omitempty"`
}

type QuietHoursOverride struct {
	Enabled *bool   `json:"enabled,omitempty"`
	Start   *int    `json:"start,omitempty"`
	End     *int    `json:"end,omitempty"`
	Zone    *string `json:"zone,omitempty"`
}

type FrequencyCapOverride struct {
	Enabled *bool   `json:"enabled,omitempty"`
	Per     *string `json:"per,omitempty"`
	Max     *int    `json:"max,omitempty"`
}

// Defaults returns the built-in settings for a trigger key. Unknown
// trigger keys get a disabled automation.
func Defaults(triggerKey string) Settings {
	switch triggerKey {
	case TriggerAbandonedCheckout:
		return Settings{
			Enabled:      true,
			DelayMinutes: 30,
			QuietHours: QuietHours{
				Enabled: false,
				Start:   21,
				End:     9,
			},
			FrequencyCap: FrequencyCap{
				Enabled: false,
				Per:     PerDay,
				Max:     1,
			},
			DedupeWindowMinutes: 1440,
		}
	case TriggerOrderPaid:
		return Settings{
			Enabled: true,
			QuietHours: QuietHours{
				Enabled: false,
				Start:   21,
				End:     9,
			},
			FrequencyCap: FrequencyCap{
				Enabled: false,
				Per:     PerDay,
				Max:     5,
			},
			DedupeWindowMinutes: 60,
		}
	case TriggerBackInStock:
		return Settings{
			Enabled: true,
			QuietHours: QuietHours{
				Enabled: false,
				Start:   21,
				End:     9,
			},
			FrequencyCap: FrequencyCap{
				Enabled: true,
				Per:     PerDay,
				Max:     3,
			},
			DedupeWindowMinutes: 1440,
		}
	default:
		return Settings{}
	}
}

// Merge applies a shop's overrides on top of defaults, field by field.
func Merge(defaults Settings, overrides *Overrides) Settings {
	merged := defaults
	if overrides == nil {
		return merged
	}

	if overrides.Enabled != nil {
		merged.Enabled = *overrides.Enabled
	}
	if overrides.DelayMinutes != nil {
		merged.DelayMinutes = *overrides.DelayMinutes
	}
	if overrides.DedupeWindowMinutes != nil {
		merged.DedupeWindowMinutes = *overrides.DedupeWindowMinutes
	}

	if qh := overrides.QuietHours; qh != nil {
		if qh.Enabled != nil {
			merged.QuietHours.Enabled = *qh.Enabled
		}
		if qh.Start != nil {
			merged.QuietHours.Start = *qh.Start
		}
		if qh.End != nil {
			merged.QuietHours.End = *qh.End
		}
		if qh.Zone != nil {
			merged.QuietHours.Zone = *qh.Zone
		}
	}

	if fc := overrides.FrequencyCap; fc != nil {
		if fc.Enabled != nil {
			merged.FrequencyCap.Enabled = *fc.Enabled
		}
		if fc.Per != nil {
			merged.FrequencyCap.Per = *fc.Per
		}
		if fc.Max != nil {
			merged.FrequencyCap.Max = *fc.Max
		}
	}

	return merged
}
