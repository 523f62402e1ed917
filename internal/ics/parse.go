package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "icsync/internal/log"
)

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser. Recurrence expansion operates on this type and
// reconciliation stores Component.
type ParsedEvent struct {
	UID string
	// RecurrenceID is the RECURRENCE-ID as a stable key ("" for masters).
	RecurrenceID string
	Seq          int

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present) in event's own timezone

	Component *ical.VEvent
}

// IsOverride reports whether this VEVENT replaces one instance of a series.
func (e ParsedEvent) IsOverride() bool {
	return e.Recurrence != nil
}

// ResourceInfo is what validation learned about a feed.
type ResourceInfo struct {
	URI          string        `json:"uri"`
	CalendarName string        `json:"calendar_name,omitempty"`
	Color        *uint32       `json:"color,omitempty"`
	EventsFound  int           `json:"events_found"`
	Insecure     bool          `json:"insecure,omitempty"`
	Failure      *Failure      `json:"failure,omitempty"`
	Events       []ParsedEvent `json:"-"`
}

// Parse validates a downloaded feed and extracts calendar metadata and
// events. A zero-event calendar is valid. Errors are *Failure of KindParse.
//
// Calendar name priority is X-WR-CALNAME, NAME, then displayNameHint. Color
// priority is COLOR, then X-APPLE-CALENDAR-COLOR.
func Parse(body []byte, contentType, displayNameHint string) (ResourceInfo, error) {
	var info ResourceInfo

	decoded, err := decodeBody(body, contentType)
	if err != nil {
		return info, failure(KindParse, err.Error(), err)
	}
	if len(bytes.TrimSpace(decoded)) == 0 {
		return info, failure(KindParse, "empty calendar", nil)
	}

	cal, err := ical.ParseCalendarWithOptions(bytes.NewReader(decoded),
		ical.WithUnknownPropertyHandler(ical.AcceptUnknownPropertyHandler))
	if err != nil {
		return info, failure(KindParse, err.Error(), err)
	}

	var xwrName, name, color, appleColor string
	for _, p := range cal.CalendarProperties {
		switch strings.ToUpper(p.IANAToken) {
		case "X-WR-CALNAME":
			xwrName = strings.TrimSpace(ical.FromText(p.Value))
		case "NAME":
			name = strings.TrimSpace(ical.FromText(p.Value))
		case "COLOR":
			color = p.Value
		case "X-APPLE-CALENDAR-COLOR":
			appleColor = p.Value
		}
	}
	info.CalendarName = firstNonEmpty(xwrName, name, displayNameHint)

	for _, raw := range []string{color, appleColor} {
		if raw == "" {
			continue
		}
		c, err := ParseColor(raw)
		if err != nil {
			appLog.Warn("ignoring unparseable calendar color", "color", raw, "err", err)
			continue
		}
		info.Color = &c
		break
	}

	info.Events = parseEvents(cal)
	info.EventsFound = len(info.Events)

	appLog.Debug("ics parse completed", "event_count", info.EventsFound, "calendar", info.CalendarName)
	return info, nil
}

// ParseStoredEvents parses serialized VEVENTs as kept in storage.
func ParseStoredEvents(data []string) ([]ParsedEvent, error) {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//icsync//EN\r\n")
	for _, d := range data {
		b.WriteString(d)
		if !strings.HasSuffix(d, "\n") {
			b.WriteString("\r\n")
		}
	}
	b.WriteString("END:VCALENDAR\r\n")

	cal, err := ical.ParseCalendar(strings.NewReader(b.String()))
	if err != nil {
		return nil, failure(KindParse, err.Error(), err)
	}
	return parseEvents(cal), nil
}

func parseEvents(cal *ical.Calendar) []ParsedEvent {
	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, err := parseVEvent(comp)
		if err != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("skipping vevent", "err", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent
	out.Component = ve

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = ical.FromText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = ical.FromText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = ical.FromText(p.Value)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART in " + out.UID)
	}
	out.AllDay = isDateValue(dtStart)
	out.Start = propertyTime(ve.GetStartAt, dtStart)

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		out.End = propertyTime(ve.GetEndAt, dtEnd)
	}
	if out.End.IsZero() || out.End.Before(out.Start) {
		if out.AllDay {
			out.End = out.Start.AddDate(0, 0, 1)
		} else {
			out.End = out.Start
		}
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
		if _, err := rrule.StrToRRule(out.RawRRule); err != nil {
			appLog.Warn("unparseable RRULE", "uid", out.UID, "rrule", out.RawRRule, "err", err)
		}
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := paramValue(p.ICalParameters, "TZID")
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, tzid, out.Start.Location()); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty(ical.ComponentPropertyRecurrenceId); ridProp != nil && ridProp.Value != "" {
		tzid := paramValue(ridProp.ICalParameters, "TZID")
		out.RecurrenceID = ridProp.Value
		if tzid != "" {
			out.RecurrenceID = tzid + ":" + ridProp.Value
		}
		if t, err := parseICSTime(ridProp.Value, tzid, out.Start.Location()); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if strings.EqualFold(paramValue(p.ICalParameters, "VALUE"), "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func paramValue(params map[string][]string, key string) string {
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// propertyTime uses the library's timezone-aware getter and falls back to a
// plain parse when the TZID is not a known IANA zone.
func propertyTime(get func() (time.Time, error), p *ical.IANAProperty) time.Time {
	if t, err := get(); err == nil {
		return t
	}
	t, err := parseICSTime(p.Value, "", time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseICSTime parses a DATE or DATE-TIME value. Floating values use tzid
// when it names a known zone, else fallback.
func parseICSTime(v, tzid string, fallback *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	loc := fallback
	if loc == nil {
		loc = time.UTC
	}
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
