package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandOccurrences(t *testing.T) {
	body := calendar("",
		vevent("UID:series", "DTSTART:20250106T090000Z", "DTEND:20250106T093000Z",
			"SUMMARY:Weekly", "RRULE:FREQ=WEEKLY;COUNT=4", "EXDATE:20250113T090000Z"),
		vevent("UID:series", "RECURRENCE-ID:20250120T090000Z", "DTSTART:20250120T100000Z",
			"DTEND:20250120T103000Z", "SUMMARY:Weekly (moved)"),
		vevent("UID:single", "DTSTART:20250108T120000Z", "DTEND:20250108T130000Z", "SUMMARY:Lunch"),
		vevent("UID:outside", "DTSTART:20260101T120000Z", "DTEND:20260101T130000Z", "SUMMARY:Later"),
	)
	info, err := Parse([]byte(body), "", "")
	require.NoError(t, err)

	res, err := ExpandOccurrences(7, info.Events, ExpandConfig{
		DisplayLocation: time.UTC,
		RangeStart:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:        time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var summaries []string
	for _, o := range res.Occurrences {
		assert.Equal(t, int64(7), o.SubscriptionID)
		summaries = append(summaries, o.Summary)
	}
	// Jan 6, Jan 8 (single), Jan 20 (moved), Jan 27; Jan 13 is excluded.
	assert.Equal(t, []string{"Weekly", "Lunch", "Weekly (moved)", "Weekly"}, summaries)
	assert.Equal(t, time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC), res.Occurrences[2].Start)
	assert.Empty(t, res.TruncatedEvents)
}

func TestExpandOccurrencesCap(t *testing.T) {
	body := calendar("", vevent("UID:daily", "DTSTART:20250101T080000Z", "DTEND:20250101T081500Z", "RRULE:FREQ=DAILY"))
	info, err := Parse([]byte(body), "", "")
	require.NoError(t, err)

	res, err := ExpandOccurrences(1, info.Events, ExpandConfig{
		DisplayLocation:        time.UTC,
		RangeStart:             time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:               time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		MaxOccurrencesPerEvent: 10,
	})
	require.NoError(t, err)
	assert.Len(t, res.Occurrences, 10)
	assert.Equal(t, []string{"daily"}, res.TruncatedEvents)
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	_, err := ExpandOccurrences(1, nil, ExpandConfig{
		RangeStart: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Error(t, err)
}
