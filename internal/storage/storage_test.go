package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icsync/internal/model"
)

func openTestDB(t *testing.T, key string) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "icsync.db")
	db, err := Open(context.Background(), path, Options{CredentialKey: key})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func ptr[T any](v T) *T { return &v }

func TestSubscriptionCRUD(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, "k")
	subs := db.Subscriptions()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	id, err := subs.Create(ctx, model.SubscriptionFields{
		URL:                 "https://example.com/a.ics",
		DisplayName:         "A",
		Color:               ptr(uint32(0xFF03A9F4)),
		DefaultAlarmMinutes: ptr(15),
	}, now)
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := subs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a.ics", got.URL)
	require.NotNil(t, got.Color)
	assert.Equal(t, uint32(0xFF03A9F4), *got.Color)
	require.NotNil(t, got.DefaultAlarmMinutes)
	assert.Equal(t, 15, *got.DefaultAlarmMinutes)
	assert.Nil(t, got.SyncIntervalSeconds)
	assert.Nil(t, got.LastAttemptAt)
	assert.True(t, now.Equal(got.CreatedAt))

	v := model.Validators{ETag: `"e1"`, LastModified: "Wed, 01 Jan 2025 00:00:00 GMT"}
	require.NoError(t, subs.RecordSuccess(ctx, id, &v, now))
	got, _ = subs.Get(ctx, id)
	assert.Equal(t, v, got.Validators)
	require.NotNil(t, got.LastSuccessAt)

	// Same URL keeps validators.
	require.NoError(t, subs.Update(ctx, id, model.SubscriptionFields{URL: "https://example.com/a.ics", DisplayName: "Renamed"}))
	got, _ = subs.Get(ctx, id)
	assert.Equal(t, "Renamed", got.DisplayName)
	assert.Equal(t, v, got.Validators)
	assert.Nil(t, got.Color)

	// New URL forgets them.
	require.NoError(t, subs.Update(ctx, id, model.SubscriptionFields{URL: "https://example.com/b.ics", DisplayName: "Renamed"}))
	got, _ = subs.Get(ctx, id)
	assert.True(t, got.Validators.Empty())

	require.NoError(t, subs.RecordFailure(ctx, id, "network_error", "Network error", now.Add(time.Minute)))
	got, _ = subs.Get(ctx, id)
	assert.Equal(t, "Network error", got.ErrorMessage)
	assert.Equal(t, "network_error", got.FailureKind)

	require.NoError(t, subs.RecordSuccess(ctx, id, nil, now.Add(2*time.Minute)))
	got, _ = subs.Get(ctx, id)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.FailureKind)

	list, err := subs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = subs.Get(ctx, id+100)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(subs.Update(ctx, id+100, model.SubscriptionFields{}), ErrNotFound))
}

func TestSetURLClearsValidators(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, "k")
	subs := db.Subscriptions()

	id, err := subs.Create(ctx, model.SubscriptionFields{URL: "https://old.example.com/a.ics"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, subs.RecordSuccess(ctx, id, &model.Validators{ETag: `"x"`}, time.Now()))

	require.NoError(t, subs.SetURL(ctx, id, "https://new.example.com/a.ics"))
	u, err := subs.URL(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://new.example.com/a.ics", u)

	got, _ := subs.Get(ctx, id)
	assert.True(t, got.Validators.Empty())
}

func TestCredentialsSealedAndCascade(t *testing.T) {
	ctx := context.Background()
	db, path := openTestDB(t, "passphrase")

	id, err := db.Subscriptions().Create(ctx, model.SubscriptionFields{URL: "https://example.com/a.ics"}, time.Now())
	require.NoError(t, err)

	creds := db.Credentials()
	c, err := creds.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, creds.Put(ctx, model.Credential{SubscriptionID: id, Username: "alice", Password: "secret"}))
	require.NoError(t, creds.Put(ctx, model.Credential{SubscriptionID: id, Username: "alice", Password: "changed"}))

	c, err = creds.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "changed", c.Password)

	var raw []byte
	require.NoError(t, db.db.GetContext(ctx, &raw, `SELECT password_sealed FROM credentials WHERE subscription_id = ?`, id))
	assert.NotContains(t, string(raw), "changed")

	require.NoError(t, db.Events().UpsertEvent(ctx, model.Event{
		SubscriptionID: id, EventKey: model.EventKey{UID: "u1"}, Data: "x", Hash: "h",
	}))

	require.NoError(t, db.Subscriptions().Delete(ctx, id))
	c, err = creds.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, c)
	n, err := db.Events().Count(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)

	id2, err := db.Subscriptions().Create(ctx, model.SubscriptionFields{URL: "https://example.com/b.ics"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, creds.Put(ctx, model.Credential{SubscriptionID: id2, Username: "bob", Password: "pw"}))
	require.NoError(t, db.Close())

	// A different passphrase cannot unseal existing passwords.
	other, err := Open(ctx, path, Options{CredentialKey: "different"})
	require.NoError(t, err)
	defer other.Close()
	_, err = other.Credentials().Get(ctx, id2)
	assert.Error(t, err)

	reopened, err := Open(ctx, path, Options{CredentialKey: "passphrase"})
	require.NoError(t, err)
	defer reopened.Close()
	c, err = reopened.Credentials().Get(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, "pw", c.Password)
}

func TestEventsUpsertListDelete(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, "k")
	id, err := db.Subscriptions().Create(ctx, model.SubscriptionFields{URL: "https://example.com/a.ics"}, time.Now())
	require.NoError(t, err)

	events := db.Events()
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	master := model.Event{SubscriptionID: id, EventKey: model.EventKey{UID: "u1"}, Summary: "One",
		Start: start, End: start.Add(time.Hour), Data: "d1", Hash: "h1"}
	override := model.Event{SubscriptionID: id, EventKey: model.EventKey{UID: "u1", RecurrenceID: "20250308T090000Z"},
		Start: start.AddDate(0, 0, 7), End: start.AddDate(0, 0, 7).Add(time.Hour), Data: "d2", Hash: "h2"}

	require.NoError(t, events.UpsertEvent(ctx, master))
	require.NoError(t, events.UpsertEvent(ctx, override))

	master.Hash = "h1b"
	master.Summary = "One (edited)"
	require.NoError(t, events.UpsertEvent(ctx, master))

	hashes, err := events.ListExisting(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[model.EventKey]string{
		{UID: "u1"}: "h1b",
		{UID: "u1", RecurrenceID: "20250308T090000Z"}: "h2",
	}, hashes)

	list, err := events.List(ctx, id)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "One (edited)", list[0].Summary)
	assert.True(t, start.Equal(list[0].Start))

	cands, err := events.ListCandidates(ctx, id, start.Add(2*time.Hour), start.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, cands, 1, "only the override qualifies outside the master's window")

	require.NoError(t, events.DeleteEvent(ctx, id, model.EventKey{UID: "u1"}))
	n, err := events.Count(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, "k")
	id, err := db.Subscriptions().Create(ctx, model.SubscriptionFields{URL: "https://example.com/a.ics"}, time.Now())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Events().UpsertEvent(ctx, model.Event{SubscriptionID: id, EventKey: model.EventKey{UID: "u"}, Data: "d", Hash: "h"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := db.Events().Count(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, db.WithTx(ctx, func(tx *Tx) error {
		return tx.Settings().Set(ctx, "k", "v")
	}))
	v, ok, err := db.Settings().Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestSyncIntervalSetting(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, "k")
	settings := db.Settings()

	got, err := settings.SyncInterval(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, settings.SetSyncInterval(ctx, ptr(int64(3600))))
	got, err = settings.SyncInterval(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3600), *got)

	require.NoError(t, settings.SetSyncInterval(ctx, nil))
	got, err = settings.SyncInterval(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}
