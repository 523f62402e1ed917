// Package storage is the SQLite-backed store for subscriptions, their
// credentials, reconciled events and global settings.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	appLog "icsync/internal/log"
	"icsync/internal/storage/migrations"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Options configures Open.
type Options struct {
	// CredentialKey is the passphrase feed passwords are sealed with.
	CredentialKey string
}

// DB owns the connection pool and hands out repositories.
type DB struct {
	db     *sqlx.DB
	sealer *sealer
}

// gooseMu guards goose's package-level configuration.
var gooseMu sync.Mutex

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	s, err := newSealer(ctx, db, opts.CredentialKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("credential key: %w", err)
	}

	appLog.Info("database ready", "path", path)
	return &DB{db: db, sealer: s}, nil
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(appLog.GooseLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db.DB, ".")
}

func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

func (d *DB) Subscriptions() *SubscriptionRepo { return &SubscriptionRepo{q: d.db} }
func (d *DB) Credentials() *CredentialRepo     { return &CredentialRepo{q: d.db, sealer: d.sealer} }
func (d *DB) Events() *EventRepo               { return &EventRepo{q: d.db} }
func (d *DB) Settings() *SettingsRepo          { return &SettingsRepo{q: d.db} }

// Tx exposes the repositories bound to one transaction.
type Tx struct {
	tx     *sqlx.Tx
	sealer *sealer
}

func (t *Tx) Subscriptions() *SubscriptionRepo { return &SubscriptionRepo{q: t.tx} }
func (t *Tx) Credentials() *CredentialRepo     { return &CredentialRepo{q: t.tx, sealer: t.sealer} }
func (t *Tx) Events() *EventRepo               { return &EventRepo{q: t.tx} }
func (t *Tx) Settings() *SettingsRepo          { return &SettingsRepo{q: t.tx} }

// WithTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise. fn must only use the repositories of tx.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: sqlTx, sealer: d.sealer}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
