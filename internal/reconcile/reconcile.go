// Package reconcile turns a freshly parsed feed into the minimal set of
// inserts, updates and deletes against the stored events of a subscription.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	ical "github.com/arran4/golang-ical"

	"icsync/internal/ics"
	"icsync/internal/model"
)

// Sink is the calendar store reconciliation writes into. Implementations
// are expected to be bound to the caller's transaction.
type Sink interface {
	ListExisting(ctx context.Context, subscriptionID int64) (map[model.EventKey]string, error)
	UpsertEvent(ctx context.Context, ev model.Event) error
	DeleteEvent(ctx context.Context, subscriptionID int64, key model.EventKey) error
}

// Overrides are the per-subscription alarm rules applied to every event.
type Overrides struct {
	IgnoreEmbeddedAlerts      bool
	DefaultAlarmMinutes       *int
	DefaultAllDayAlarmMinutes *int
}

// OverridesFor extracts the alarm rules of a subscription.
func OverridesFor(s model.Subscription) Overrides {
	return Overrides{
		IgnoreEmbeddedAlerts:      s.IgnoreEmbeddedAlerts,
		DefaultAlarmMinutes:       s.DefaultAlarmMinutes,
		DefaultAllDayAlarmMinutes: s.DefaultAllDayAlarmMinutes,
	}
}

// Plan is the difference between stored and desired events.
type Plan struct {
	Inserts   []model.Event
	Updates   []model.Event
	Deletes   []model.EventKey
	Unchanged int
}

// Empty reports whether applying the plan would write nothing.
func (p Plan) Empty() bool {
	return len(p.Inserts) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0
}

// Stats summarizes an applied plan.
type Stats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

var serialConfig = &ical.SerializationConfiguration{
	MaxLength:         75,
	PropertyMaxLength: 75,
	NewLine:           "\r\n",
}

// Prepare applies alarm overrides to parsed events and renders the stored
// form. When a key occurs twice the later component wins.
func Prepare(subscriptionID int64, events []ics.ParsedEvent, o Overrides) []model.Event {
	byKey := make(map[model.EventKey]int, len(events))
	out := make([]model.Event, 0, len(events))

	for _, pe := range events {
		if pe.Component == nil {
			continue
		}
		ve := applyAlarms(pe, o)
		data := ve.Serialize(serialConfig)

		ev := model.Event{
			SubscriptionID: subscriptionID,
			EventKey:       model.EventKey{UID: pe.UID, RecurrenceID: pe.RecurrenceID},
			Summary:        pe.Summary,
			Start:          pe.Start,
			End:            pe.End,
			AllDay:         pe.AllDay,
			RRule:          pe.RawRRule,
			Data:           data,
			Hash:           contentHash(data),
		}
		if i, dup := byKey[ev.EventKey]; dup {
			out[i] = ev
			continue
		}
		byKey[ev.EventKey] = len(out)
		out = append(out, ev)
	}
	return out
}

// applyAlarms returns a copy of the component with the subscription's
// alarm rules applied; the parsed component is left untouched.
func applyAlarms(pe ics.ParsedEvent, o Overrides) *ical.VEvent {
	src := pe.Component
	ve := &ical.VEvent{ComponentBase: ical.ComponentBase{
		Properties: append([]ical.IANAProperty(nil), src.Properties...),
		Components: make([]ical.Component, 0, len(src.Components)),
	}}
	for _, c := range src.Components {
		if _, isAlarm := c.(*ical.VAlarm); isAlarm && o.IgnoreEmbeddedAlerts {
			continue
		}
		ve.Components = append(ve.Components, c)
	}

	minutes := o.DefaultAlarmMinutes
	if pe.AllDay {
		minutes = o.DefaultAllDayAlarmMinutes
	}
	if minutes != nil && len(ve.Alarms()) == 0 {
		alarm := ve.AddAlarm()
		alarm.SetAction(ical.ActionDisplay)
		alarm.SetTrigger(fmt.Sprintf("-PT%dM", *minutes))
		desc := pe.Summary
		if desc == "" {
			desc = "Reminder"
		}
		alarm.SetProperty(ical.ComponentPropertyDescription, ical.ToText(desc))
	}
	return ve
}

// contentHash ignores DTSTAMP, which many servers regenerate on every
// request without the event changing.
func contentHash(data string) string {
	h := sha256.New()
	for _, line := range strings.SplitAfter(data, "\r\n") {
		if strings.HasPrefix(line, "DTSTAMP") {
			continue
		}
		h.Write([]byte(line))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildPlan compares stored hashes with desired events. Stored keys absent
// from desired are deleted.
func BuildPlan(existing map[model.EventKey]string, desired []model.Event) Plan {
	var p Plan
	seen := make(map[model.EventKey]struct{}, len(desired))

	for _, ev := range desired {
		seen[ev.EventKey] = struct{}{}
		hash, ok := existing[ev.EventKey]
		switch {
		case !ok:
			p.Inserts = append(p.Inserts, ev)
		case hash != ev.Hash:
			p.Updates = append(p.Updates, ev)
		default:
			p.Unchanged++
		}
	}

	for key := range existing {
		if _, ok := seen[key]; !ok {
			p.Deletes = append(p.Deletes, key)
		}
	}
	sort.Slice(p.Deletes, func(i, j int) bool {
		if p.Deletes[i].UID == p.Deletes[j].UID {
			return p.Deletes[i].RecurrenceID < p.Deletes[j].RecurrenceID
		}
		return p.Deletes[i].UID < p.Deletes[j].UID
	})
	return p
}

// Apply writes a plan to sink. The first error aborts; the caller's
// transaction makes the whole apply all-or-nothing.
func Apply(ctx context.Context, sink Sink, subscriptionID int64, p Plan) (Stats, error) {
	for _, key := range p.Deletes {
		if err := sink.DeleteEvent(ctx, subscriptionID, key); err != nil {
			return Stats{}, err
		}
	}
	for _, ev := range p.Inserts {
		if err := sink.UpsertEvent(ctx, ev); err != nil {
			return Stats{}, err
		}
	}
	for _, ev := range p.Updates {
		if err := sink.UpsertEvent(ctx, ev); err != nil {
			return Stats{}, err
		}
	}
	return Stats{
		Inserted:  len(p.Inserts),
		Updated:   len(p.Updates),
		Deleted:   len(p.Deletes),
		Unchanged: p.Unchanged,
	}, nil
}

// Reconcile runs Prepare, BuildPlan and Apply for one subscription.
func Reconcile(ctx context.Context, sink Sink, sub model.Subscription, events []ics.ParsedEvent) (Stats, error) {
	desired := Prepare(sub.ID, events, OverridesFor(sub))
	existing, err := sink.ListExisting(ctx, sub.ID)
	if err != nil {
		return Stats{}, err
	}
	return Apply(ctx, sink, sub.ID, BuildPlan(existing, desired))
}
