package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"icsync/internal/model"
)

// SubscriptionRepo reads and writes subscription records.
type SubscriptionRepo struct {
	q sqlx.ExtContext
}

type subscriptionRow struct {
	ID                        int64         `db:"id"`
	URL                       string        `db:"url"`
	DisplayName               string        `db:"display_name"`
	Color                     sql.NullInt64 `db:"color"`
	IgnoreEmbeddedAlerts      bool          `db:"ignore_embedded_alerts"`
	DefaultAlarmMinutes       sql.NullInt64 `db:"default_alarm_minutes"`
	DefaultAllDayAlarmMinutes sql.NullInt64 `db:"default_all_day_alarm_minutes"`
	SyncIntervalSeconds       sql.NullInt64 `db:"sync_interval_seconds"`
	ErrorMessage              string        `db:"error_message"`
	FailureKind               string        `db:"failure_kind"`
	ETag                      string        `db:"etag"`
	LastModified              string        `db:"last_modified"`
	LastAttemptAt             sql.NullInt64 `db:"last_attempt_at"`
	LastSuccessAt             sql.NullInt64 `db:"last_success_at"`
	CreatedAt                 int64         `db:"created_at"`
}

const subscriptionColumns = `id, url, display_name, color, ignore_embedded_alerts,
	default_alarm_minutes, default_all_day_alarm_minutes, sync_interval_seconds,
	error_message, failure_kind, etag, last_modified,
	last_attempt_at, last_success_at, created_at`

func (r subscriptionRow) toModel() model.Subscription {
	s := model.Subscription{
		ID:                   r.ID,
		URL:                  r.URL,
		DisplayName:          r.DisplayName,
		IgnoreEmbeddedAlerts: r.IgnoreEmbeddedAlerts,
		ErrorMessage:         r.ErrorMessage,
		FailureKind:          r.FailureKind,
		Validators:           model.Validators{ETag: r.ETag, LastModified: r.LastModified},
		CreatedAt:            fromMillis(r.CreatedAt),
	}
	if r.Color.Valid {
		c := uint32(r.Color.Int64)
		s.Color = &c
	}
	if r.DefaultAlarmMinutes.Valid {
		m := int(r.DefaultAlarmMinutes.Int64)
		s.DefaultAlarmMinutes = &m
	}
	if r.DefaultAllDayAlarmMinutes.Valid {
		m := int(r.DefaultAllDayAlarmMinutes.Int64)
		s.DefaultAllDayAlarmMinutes = &m
	}
	if r.SyncIntervalSeconds.Valid {
		v := r.SyncIntervalSeconds.Int64
		s.SyncIntervalSeconds = &v
	}
	if r.LastAttemptAt.Valid {
		t := fromMillis(r.LastAttemptAt.Int64)
		s.LastAttemptAt = &t
	}
	if r.LastSuccessAt.Valid {
		t := fromMillis(r.LastSuccessAt.Int64)
		s.LastSuccessAt = &t
	}
	return s
}

func nullUint32(v *uint32) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// Create inserts a new subscription and returns its id.
func (r *SubscriptionRepo) Create(ctx context.Context, f model.SubscriptionFields, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `INSERT INTO subscriptions
		(url, display_name, color, ignore_embedded_alerts, default_alarm_minutes,
		 default_all_day_alarm_minutes, sync_interval_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.URL, f.DisplayName, nullUint32(f.Color), f.IgnoreEmbeddedAlerts,
		nullInt(f.DefaultAlarmMinutes), nullInt(f.DefaultAllDayAlarmMinutes),
		nullInt64(f.SyncIntervalSeconds), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("insert subscription: %w", err)
	}
	return res.LastInsertId()
}

// Get loads one subscription or returns ErrNotFound.
func (r *SubscriptionRepo) Get(ctx context.Context, id int64) (model.Subscription, error) {
	var row subscriptionRow
	err := sqlx.GetContext(ctx, r.q, &row, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription %d: %w", id, err)
	}
	return row.toModel(), nil
}

// List returns all subscriptions ordered by id.
func (r *SubscriptionRepo) List(ctx context.Context) ([]model.Subscription, error) {
	var rows []subscriptionRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := make([]model.Subscription, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// URL returns the current URL of a subscription or ErrNotFound.
func (r *SubscriptionRepo) URL(ctx context.Context, id int64) (string, error) {
	var u string
	err := sqlx.GetContext(ctx, r.q, &u, `SELECT url FROM subscriptions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return u, err
}

// Update replaces the user-editable fields. Changing the URL forgets the
// cache validators of the old address.
func (r *SubscriptionRepo) Update(ctx context.Context, id int64, f model.SubscriptionFields) error {
	res, err := r.q.ExecContext(ctx, `UPDATE subscriptions SET
		etag = CASE WHEN url = ? THEN etag ELSE '' END,
		last_modified = CASE WHEN url = ? THEN last_modified ELSE '' END,
		url = ?, display_name = ?, color = ?, ignore_embedded_alerts = ?,
		default_alarm_minutes = ?, default_all_day_alarm_minutes = ?, sync_interval_seconds = ?
		WHERE id = ?`,
		f.URL, f.URL,
		f.URL, f.DisplayName, nullUint32(f.Color), f.IgnoreEmbeddedAlerts,
		nullInt(f.DefaultAlarmMinutes), nullInt(f.DefaultAllDayAlarmMinutes), nullInt64(f.SyncIntervalSeconds),
		id)
	if err != nil {
		return fmt.Errorf("update subscription %d: %w", id, err)
	}
	return expectOne(res)
}

// SetURL records a permanent redirect target and clears the validators.
func (r *SubscriptionRepo) SetURL(ctx context.Context, id int64, url string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE subscriptions SET url = ?, etag = '', last_modified = '' WHERE id = ?`, url, id)
	if err != nil {
		return fmt.Errorf("set subscription url %d: %w", id, err)
	}
	return expectOne(res)
}

// RecordSuccess clears the error state and stamps the attempt. When v is
// nil the stored validators are kept (304 Not Modified).
func (r *SubscriptionRepo) RecordSuccess(ctx context.Context, id int64, v *model.Validators, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	if v == nil {
		res, err = r.q.ExecContext(ctx, `UPDATE subscriptions SET
			error_message = '', failure_kind = '', last_attempt_at = ?, last_success_at = ?
			WHERE id = ?`, toMillis(at), toMillis(at), id)
	} else {
		res, err = r.q.ExecContext(ctx, `UPDATE subscriptions SET
			error_message = '', failure_kind = '', etag = ?, last_modified = ?,
			last_attempt_at = ?, last_success_at = ?
			WHERE id = ?`, v.ETag, v.LastModified, toMillis(at), toMillis(at), id)
	}
	if err != nil {
		return fmt.Errorf("record success %d: %w", id, err)
	}
	return expectOne(res)
}

// RecordFailure stores a human-readable error and its kind.
func (r *SubscriptionRepo) RecordFailure(ctx context.Context, id int64, kind, message string, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE subscriptions SET
		error_message = ?, failure_kind = ?, last_attempt_at = ?
		WHERE id = ?`, message, kind, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("record failure %d: %w", id, err)
	}
	return expectOne(res)
}

// Delete removes a subscription; credentials and events cascade.
func (r *SubscriptionRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription %d: %w", id, err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
