package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// SyncIntervalKey holds the global periodic sync interval in seconds.
const SyncIntervalKey = "sync_interval_seconds"

// SettingsRepo is a small key/value store for global settings.
type SettingsRepo struct {
	q sqlx.ExtContext
}

// Get returns the value of key and whether it was set.
func (r *SettingsRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := sqlx.GetContext(ctx, r.q, &v, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

func (r *SettingsRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (r *SettingsRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

// SyncInterval returns the global interval, or nil for manual-only.
func (r *SettingsRepo) SyncInterval(ctx context.Context) (*int64, error) {
	v, ok, err := r.Get(ctx, SyncIntervalKey)
	if err != nil || !ok {
		return nil, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return nil, nil
	}
	return &n, nil
}

// SetSyncInterval stores the global interval; nil or non-positive clears it.
func (r *SettingsRepo) SetSyncInterval(ctx context.Context, seconds *int64) error {
	if seconds == nil || *seconds <= 0 {
		return r.Delete(ctx, SyncIntervalKey)
	}
	return r.Set(ctx, SyncIntervalKey, strconv.FormatInt(*seconds, 10))
}
