package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"icsync/internal/model"
)

// CredentialRepo stores at most one Basic credential per subscription.
// Passwords are sealed before they reach the database.
type CredentialRepo struct {
	q      sqlx.ExtContext
	sealer *sealer
}

// Get returns the credential of a subscription, or nil when none is stored.
func (r *CredentialRepo) Get(ctx context.Context, subscriptionID int64) (*model.Credential, error) {
	var row struct {
		Username string `db:"username"`
		Sealed   []byte `db:"password_sealed"`
	}
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT username, password_sealed FROM credentials WHERE subscription_id = ?`, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %d: %w", subscriptionID, err)
	}

	password, err := r.sealer.open(row.Sealed)
	if err != nil {
		return nil, err
	}
	return &model.Credential{SubscriptionID: subscriptionID, Username: row.Username, Password: password}, nil
}

// Put inserts or replaces the credential of c.SubscriptionID.
func (r *CredentialRepo) Put(ctx context.Context, c model.Credential) error {
	sealed, err := r.sealer.seal(c.Password)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO credentials (subscription_id, username, password_sealed)
		VALUES (?, ?, ?)
		ON CONFLICT (subscription_id) DO UPDATE SET
			username = excluded.username,
			password_sealed = excluded.password_sealed`,
		c.SubscriptionID, c.Username, sealed)
	if err != nil {
		return fmt.Errorf("put credential %d: %w", c.SubscriptionID, err)
	}
	return nil
}

// Delete removes the credential of a subscription; a missing row is not an error.
func (r *CredentialRepo) Delete(ctx context.Context, subscriptionID int64) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM credentials WHERE subscription_id = ?`, subscriptionID); err != nil {
		return fmt.Errorf("delete credential %d: %w", subscriptionID, err)
	}
	return nil
}
