package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"icsync/internal/model"
)

// EventRepo is the calendar sink reconciliation writes into.
type EventRepo struct {
	q sqlx.ExtContext
}

type eventRow struct {
	SubscriptionID int64  `db:"subscription_id"`
	UID            string `db:"uid"`
	RecurrenceID   string `db:"recurrence_id"`
	Summary        string `db:"summary"`
	StartAt        int64  `db:"start_at"`
	EndAt          int64  `db:"end_at"`
	AllDay         bool   `db:"all_day"`
	RRule          string `db:"rrule"`
	Data           string `db:"data"`
	Hash           string `db:"hash"`
}

func (r eventRow) toModel() model.Event {
	return model.Event{
		SubscriptionID: r.SubscriptionID,
		EventKey:       model.EventKey{UID: r.UID, RecurrenceID: r.RecurrenceID},
		Summary:        r.Summary,
		Start:          fromMillis(r.StartAt),
		End:            fromMillis(r.EndAt),
		AllDay:         r.AllDay,
		RRule:          r.RRule,
		Data:           r.Data,
		Hash:           r.Hash,
	}
}

// ListExisting returns the content hash of every stored event of a
// subscription keyed by (uid, recurrence id).
func (r *EventRepo) ListExisting(ctx context.Context, subscriptionID int64) (map[model.EventKey]string, error) {
	var rows []struct {
		UID          string `db:"uid"`
		RecurrenceID string `db:"recurrence_id"`
		Hash         string `db:"hash"`
	}
	if err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT uid, recurrence_id, hash FROM events WHERE subscription_id = ?`, subscriptionID); err != nil {
		return nil, fmt.Errorf("list event hashes %d: %w", subscriptionID, err)
	}
	out := make(map[model.EventKey]string, len(rows))
	for _, row := range rows {
		out[model.EventKey{UID: row.UID, RecurrenceID: row.RecurrenceID}] = row.Hash
	}
	return out, nil
}

// UpsertEvent inserts ev or replaces the stored row with the same key.
func (r *EventRepo) UpsertEvent(ctx context.Context, ev model.Event) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO events
		(subscription_id, uid, recurrence_id, summary, start_at, end_at, all_day, rrule, data, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, uid, recurrence_id) DO UPDATE SET
			summary = excluded.summary,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			all_day = excluded.all_day,
			rrule = excluded.rrule,
			data = excluded.data,
			hash = excluded.hash`,
		ev.SubscriptionID, ev.UID, ev.RecurrenceID, ev.Summary,
		toMillis(ev.Start), toMillis(ev.End), ev.AllDay, ev.RRule, ev.Data, ev.Hash)
	if err != nil {
		return fmt.Errorf("upsert event %q: %w", ev.UID, err)
	}
	return nil
}

// DeleteEvent removes one stored event.
func (r *EventRepo) DeleteEvent(ctx context.Context, subscriptionID int64, key model.EventKey) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM events WHERE subscription_id = ? AND uid = ? AND recurrence_id = ?`,
		subscriptionID, key.UID, key.RecurrenceID)
	if err != nil {
		return fmt.Errorf("delete event %q: %w", key.UID, err)
	}
	return nil
}

// List returns the stored events of a subscription ordered by start.
func (r *EventRepo) List(ctx context.Context, subscriptionID int64) ([]model.Event, error) {
	var rows []eventRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, `SELECT
		subscription_id, uid, recurrence_id, summary, start_at, end_at, all_day, rrule, data, hash
		FROM events WHERE subscription_id = ? ORDER BY start_at, uid, recurrence_id`, subscriptionID); err != nil {
		return nil, fmt.Errorf("list events %d: %w", subscriptionID, err)
	}
	out := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// ListCandidates returns events that may produce occurrences in
// [from, to): every series plus single events overlapping the window.
func (r *EventRepo) ListCandidates(ctx context.Context, subscriptionID int64, from, to time.Time) ([]model.Event, error) {
	var rows []eventRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, `SELECT
		subscription_id, uid, recurrence_id, summary, start_at, end_at, all_day, rrule, data, hash
		FROM events
		WHERE subscription_id = ?
		  AND (rrule != '' OR recurrence_id != '' OR (start_at < ? AND end_at >= ?))
		ORDER BY start_at`, subscriptionID, toMillis(to), toMillis(from)); err != nil {
		return nil, fmt.Errorf("list candidate events %d: %w", subscriptionID, err)
	}
	out := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// Count returns the number of stored events of a subscription.
func (r *EventRepo) Count(ctx context.Context, subscriptionID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM events WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("count events %d: %w", subscriptionID, err)
	}
	return n, nil
}
