package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icsync/internal/ics"
	"icsync/internal/model"
	"icsync/internal/reconcile"
	"icsync/internal/storage"
)

const feed = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\nX-WR-CALNAME:Team\r\n" +
	"BEGIN:VEVENT\r\nUID:one\r\nDTSTART:20250110T090000Z\r\nDTEND:20250110T100000Z\r\nSUMMARY:Standup\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:two\r\nDTSTART:20250111T090000Z\r\nSUMMARY:Review\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

var fixedNow = time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

type fetchFunc func(ctx context.Context, req ics.Request) ics.Outcome

func (f fetchFunc) Fetch(ctx context.Context, req ics.Request) ics.Outcome { return f(ctx, req) }

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"), storage.Options{CredentialKey: "k"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newSyncer(db *storage.DB, f Fetcher) *Syncer {
	return New(db, f, Config{Now: func() time.Time { return fixedNow }})
}

func addSub(t *testing.T, db *storage.DB, url string) int64 {
	t.Helper()
	id, err := db.Subscriptions().Create(context.Background(), model.SubscriptionFields{URL: url, DisplayName: "T"}, fixedNow)
	require.NoError(t, err)
	return id
}

func eventCount(t *testing.T, db *storage.DB, id int64) int {
	t.Helper()
	n, err := db.Events().Count(context.Background(), id)
	require.NoError(t, err)
	return n
}

func TestSyncThenNotModified(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(feed))
	}))
	defer ts.Close()

	ctx := context.Background()
	db := openDB(t)
	id := addSub(t, db, ts.URL+"/team.ics")
	s := newSyncer(db, ics.NewFetcher(ics.FetcherOptions{}))

	res, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, res.Status)
	assert.Equal(t, 2, res.Stats.Inserted)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, eventCount(t, db, id))

	sub, err := db.Subscriptions().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, sub.Validators.ETag)
	require.NotNil(t, sub.LastSuccessAt)
	assert.True(t, fixedNow.Equal(*sub.LastSuccessAt))

	res, err = s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Equal(t, 2, eventCount(t, db, id))
	assert.EqualValues(t, 2, hits.Load())
}

func TestSyncFailureKeepsEventsAndRecordsError(t *testing.T) {
	var broken atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(feed))
	}))
	defer ts.Close()

	ctx := context.Background()
	db := openDB(t)
	id := addSub(t, db, ts.URL)
	s := newSyncer(db, ics.NewFetcher(ics.FetcherOptions{}))

	_, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)

	broken.Store(true)
	res, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, ics.KindHTTP, res.Failure.Kind)
	assert.Equal(t, 2, eventCount(t, db, id))

	sub, _ := db.Subscriptions().Get(ctx, id)
	assert.Equal(t, "Server returned HTTP 500", sub.ErrorMessage)
	assert.Equal(t, string(ics.KindHTTP), sub.FailureKind)

	broken.Store(false)
	_, err = s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	sub, _ = db.Subscriptions().Get(ctx, id)
	assert.Empty(t, sub.ErrorMessage)
}

func TestSyncParseErrorKeepsEvents(t *testing.T) {
	var garbage atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if garbage.Load() {
			_, _ = w.Write([]byte("<html>login</html>"))
			return
		}
		_, _ = w.Write([]byte(feed))
	}))
	defer ts.Close()

	ctx := context.Background()
	db := openDB(t)
	id := addSub(t, db, ts.URL)
	s := newSyncer(db, ics.NewFetcher(ics.FetcherOptions{}))

	_, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)

	garbage.Store(true)
	res, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, ics.KindParse, res.Failure.Kind)
	assert.Equal(t, 2, eventCount(t, db, id))
}

func TestSyncPermanentRedirectIsPersisted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old.ics", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new.ics", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new.ics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"n"`)
		_, _ = w.Write([]byte(feed))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx := context.Background()
	db := openDB(t)
	id := addSub(t, db, ts.URL+"/old.ics")
	s := newSyncer(db, ics.NewFetcher(ics.FetcherOptions{}))

	res, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, res.Status)
	assert.Equal(t, 1, res.Redirects)
	assert.Equal(t, ts.URL+"/new.ics", res.URL)

	sub, _ := db.Subscriptions().Get(ctx, id)
	assert.Equal(t, ts.URL+"/new.ics", sub.URL)
	assert.Equal(t, `"n"`, sub.Validators.ETag)
}

func TestSyncTemporaryRedirectIsNotPersisted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.ics", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/mirror.ics", http.StatusFound)
	})
	mux.HandleFunc("/mirror.ics", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx := context.Background()
	db := openDB(t)
	id := addSub(t, db, ts.URL+"/feed.ics")
	s := newSyncer(db, ics.NewFetcher(ics.FetcherOptions{}))

	res, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, res.Status)

	sub, _ := db.Subscriptions().Get(ctx, id)
	assert.Equal(t, ts.URL+"/feed.ics", sub.URL)
}

func TestSyncRedirectLoopFails(t *testing.T) {
	db := openDB(t)
	id := addSub(t, db, "https://a.example.com/x.ics")

	var calls int
	s := newSyncer(db, fetchFunc(func(_ context.Context, req ics.Request) ics.Outcome {
		calls++
		if req.URL == "https://a.example.com/x.ics" {
			return ics.Redirected{Location: "https://b.example.com/x.ics", Status: 301}
		}
		return ics.Redirected{Location: "https://a.example.com/x.ics", Status: 301}
	}))

	res, err := s.Sync(context.Background(), id, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ics.KindHTTP, res.Failure.Kind)
	assert.Equal(t, 6, calls)
}

func TestSyncCancelledStoresNothing(t *testing.T) {
	db := openDB(t)
	id := addSub(t, db, "https://example.com/a.ics")

	ctx, cancel := context.WithCancel(context.Background())
	s := newSyncer(db, fetchFunc(func(ctx context.Context, _ ics.Request) ics.Outcome {
		cancel()
		return &ics.Failure{Kind: ics.KindNetwork, Detail: "request cancelled", Err: ctx.Err()}
	}))

	res, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Nil(t, res.Failure)

	sub, err := db.Subscriptions().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, sub.ErrorMessage)
	assert.Nil(t, sub.LastAttemptAt)
}

func TestSettleKeepsCommittedResultAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := settle(ctx, Result{SubscriptionID: 1, Status: StatusSynced, Stats: reconcile.Stats{Inserted: 2}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, res.Status)
	assert.Equal(t, 2, res.Stats.Inserted)

	res, err = settle(ctx, Result{SubscriptionID: 1}, context.Canceled, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)

	_, err = settle(context.Background(), Result{SubscriptionID: 1}, assert.AnError, nil)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSyncSupersededByConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	id := addSub(t, db, "https://example.com/a.ics")

	s := newSyncer(db, fetchFunc(func(ctx context.Context, _ ics.Request) ics.Outcome {
		// The user edits the address while the download is in flight.
		require.NoError(t, db.Subscriptions().SetURL(ctx, id, "https://example.com/b.ics"))
		return ics.Success{Body: []byte(feed)}
	}))

	res, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, res.Status)
	assert.Zero(t, eventCount(t, db, id))

	sub, _ := db.Subscriptions().Get(ctx, id)
	assert.Nil(t, sub.LastSuccessAt)
}

func TestSyncDeletedDuringRunIsSuperseded(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	id := addSub(t, db, "https://example.com/a.ics")

	s := newSyncer(db, fetchFunc(func(ctx context.Context, _ ics.Request) ics.Outcome {
		require.NoError(t, db.Subscriptions().Delete(ctx, id))
		return ics.Unchanged{}
	}))

	res, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, res.Status)
}

func TestSyncUnknownSubscription(t *testing.T) {
	s := newSyncer(openDB(t), fetchFunc(func(context.Context, ics.Request) ics.Outcome { return ics.Unchanged{} }))
	_, err := s.Sync(context.Background(), 42, Options{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSyncSendsStoredCredential(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	id := addSub(t, db, "https://example.com/a.ics")
	require.NoError(t, db.Credentials().Put(ctx, model.Credential{SubscriptionID: id, Username: "u", Password: "p"}))

	var got *model.Credential
	s := newSyncer(db, fetchFunc(func(_ context.Context, req ics.Request) ics.Outcome {
		got = req.Credential
		return ics.Unchanged{}
	}))
	_, err := s.Sync(ctx, id, Options{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u", got.Username)
	assert.Equal(t, "p", got.Password)
}

func TestSyncInteractiveSurfacesCertificate(t *testing.T) {
	db := openDB(t)
	id := addSub(t, db, "https://self-signed.example.com/a.ics")
	cert := &ics.CertificateInfo{Subject: "CN=self-signed", Fingerprint: "AA:BB"}

	var trusted []string
	s := newSyncer(db, fetchFunc(func(_ context.Context, req ics.Request) ics.Outcome {
		trusted = req.TrustedFingerprints
		return &ics.Failure{Kind: ics.KindUntrustedCertificate, Certificate: cert}
	}))

	res, err := s.Sync(context.Background(), id, Options{})
	require.NoError(t, err)
	assert.Nil(t, res.Certificate)
	require.NotNil(t, res.Failure)
	assert.Equal(t, ics.KindUntrustedCertificate, res.Failure.Kind)
	assert.Nil(t, res.Failure.Certificate, "certificate details are only shown to interactive runs")

	res, err = s.Sync(context.Background(), id, Options{Interactive: true, TrustedFingerprints: []string{"CC:DD"}})
	require.NoError(t, err)
	require.NotNil(t, res.Certificate)
	assert.Equal(t, "AA:BB", res.Certificate.Fingerprint)
	assert.Equal(t, []string{"CC:DD"}, trusted)
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	good := addSub(t, db, "https://good.example.com/a.ics")
	bad := addSub(t, db, "https://bad.example.com/a.ics")

	s := newSyncer(db, fetchFunc(func(_ context.Context, req ics.Request) ics.Outcome {
		if req.URL == "https://bad.example.com/a.ics" {
			return &ics.Failure{Kind: ics.KindNetwork, Detail: "connection refused"}
		}
		return ics.Success{Body: []byte(feed)}
	}))

	results := s.SyncAll(ctx, []int64{bad, good, 999}, Options{})
	require.Len(t, results, 3)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, StatusSynced, results[1].Status)
	assert.Equal(t, StatusFailed, results[2].Status)
	assert.NotEmpty(t, results[2].Error)
	assert.Equal(t, 2, eventCount(t, db, good))
}

func TestValidate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/moved.ics", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/team.ics", http.StatusPermanentRedirect)
	})
	mux.HandleFunc("/team.ics", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	})
	mux.HandleFunc("/private.ics", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "alice" || p != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(feed))
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx := context.Background()
	db := openDB(t)
	s := newSyncer(db, ics.NewFetcher(ics.FetcherOptions{}))

	t.Run("redirect updates uri", func(t *testing.T) {
		info := s.Validate(ctx, ts.URL+"/moved.ics", "", "", Options{})
		require.Nil(t, info.Failure)
		assert.Equal(t, ts.URL+"/team.ics", info.URI)
		assert.Equal(t, "Team", info.CalendarName)
		assert.Equal(t, 2, info.EventsFound)
		assert.False(t, info.Insecure)
	})

	t.Run("userinfo becomes credential", func(t *testing.T) {
		raw := "webcal://alice:secret@" + ts.Listener.Addr().String() + "/private.ics"
		info := s.Validate(ctx, raw, "", "", Options{})
		require.Nil(t, info.Failure)
		assert.True(t, info.Insecure)
		assert.NotContains(t, info.URI, "secret")
	})

	t.Run("wrong credentials", func(t *testing.T) {
		info := s.Validate(ctx, ts.URL+"/private.ics", "alice", "nope", Options{})
		require.NotNil(t, info.Failure)
		assert.Equal(t, ics.KindUnauthorized, info.Failure.Kind)
	})

	t.Run("not a calendar", func(t *testing.T) {
		info := s.Validate(ctx, ts.URL+"/page.html", "", "", Options{})
		require.NotNil(t, info.Failure)
		assert.Equal(t, ics.KindParse, info.Failure.Kind)
	})

	t.Run("malformed", func(t *testing.T) {
		info := s.Validate(ctx, "ftp://example.com/x.ics", "", "", Options{})
		require.NotNil(t, info.Failure)
		assert.Equal(t, ics.KindMalformedURI, info.Failure.Kind)
	})

	list, err := db.Subscriptions().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
