// Package syncer runs one synchronization of a subscription: fetch,
// validate, reconcile, and record the outcome on the subscription.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"icsync/internal/ics"
	appLog "icsync/internal/log"
	"icsync/internal/model"
	"icsync/internal/reconcile"
	"icsync/internal/storage"
)

type Status string

const (
	StatusSynced     Status = "synced"
	StatusUnchanged  Status = "unchanged"
	StatusFailed     Status = "failed"
	StatusSuperseded Status = "superseded"
	StatusCancelled  Status = "cancelled"
)

// Options tune a single run.
type Options struct {
	// Interactive runs surface certificate details for a trust prompt.
	Interactive bool
	// TrustedFingerprints are accepted for this run only.
	TrustedFingerprints []string
}

// Result describes a finished run.
type Result struct {
	SubscriptionID int64                `json:"subscription_id"`
	RunID          string               `json:"run_id"`
	Status         Status               `json:"status"`
	URL            string               `json:"url"`
	Redirects      int                  `json:"redirects,omitempty"`
	Failure        *ics.Failure         `json:"failure,omitempty"`
	Certificate    *ics.CertificateInfo `json:"certificate,omitempty"`
	Stats          reconcile.Stats      `json:"stats"`
	// Error is set by SyncAll when the run could not be carried out at all.
	Error string `json:"error,omitempty"`
}

// Fetcher is the subset of *ics.Fetcher the syncer needs.
type Fetcher interface {
	Fetch(ctx context.Context, req ics.Request) ics.Outcome
}

// Config configures a Syncer. Zero values pick defaults.
type Config struct {
	MaxRedirects int
	MaxParallel  int
	Now          func() time.Time
}

type Syncer struct {
	db      *storage.DB
	fetcher Fetcher
	cfg     Config
}

// errSuperseded aborts a run whose subscription changed underneath it.
var errSuperseded = errors.New("subscription changed during sync")

func New(db *storage.DB, fetcher Fetcher, cfg Config) *Syncer {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Syncer{db: db, fetcher: fetcher, cfg: cfg}
}

// Sync runs one synchronization. The returned error is reserved for
// problems outside the feed itself (unknown subscription, storage).
func (s *Syncer) Sync(ctx context.Context, id int64, opts Options) (Result, error) {
	res := Result{SubscriptionID: id, RunID: uuid.NewString()}

	sub, err := s.db.Subscriptions().Get(ctx, id)
	if err != nil {
		return res, err
	}
	cred, err := s.db.Credentials().Get(ctx, id)
	if err != nil {
		return res, err
	}
	if !ics.SupportsAuthentication(sub.URL) {
		cred = nil
	}

	logKV := []any{"run", res.RunID, "id", id}
	appLog.Debug("sync start", append(logKV, "url", ics.RedactURL(sub.URL))...)

	res, err = s.run(ctx, sub, cred, opts, res)
	return settle(ctx, res, err, logKV)
}

// settle maps the outcome of run to a final status. A run whose result
// was already committed keeps that result even if ctx ends afterwards.
func settle(ctx context.Context, res Result, err error, logKV []any) (Result, error) {
	switch {
	case errors.Is(err, errSuperseded):
		res.Status = StatusSuperseded
		appLog.Info("sync superseded by concurrent edit", logKV...)
		return res, nil
	case err != nil && ctx.Err() != nil:
		res.Status = StatusCancelled
		res.Failure = nil
		res.Certificate = nil
		appLog.Info("sync cancelled", logKV...)
		return res, nil
	case err != nil:
		appLog.Error("sync aborted", err, logKV...)
		return res, err
	}

	if res.Failure != nil {
		appLog.Warn("sync failed", append(logKV, "kind", res.Failure.Kind, "detail", res.Failure.Detail)...)
	} else {
		appLog.Info("sync finished", append(logKV, "status", res.Status,
			"inserted", res.Stats.Inserted, "updated", res.Stats.Updated, "deleted", res.Stats.Deleted)...)
	}
	return res, nil
}

func (s *Syncer) run(ctx context.Context, sub model.Subscription, cred *model.Credential, opts Options, res Result) (Result, error) {
	url := sub.URL
	validators := sub.Validators
	res.URL = url

	for {
		out := s.fetcher.Fetch(ctx, ics.Request{
			URL:                 url,
			Credential:          cred,
			Validators:          validators,
			TrustedFingerprints: opts.TrustedFingerprints,
		})
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		switch o := out.(type) {
		case ics.Redirected:
			res.Redirects++
			if res.Redirects > s.cfg.MaxRedirects {
				return s.fail(ctx, sub.ID, url, res, &ics.Failure{
					Kind:   ics.KindHTTP,
					Status: o.Status,
					Detail: fmt.Sprintf("more than %d permanent redirects", s.cfg.MaxRedirects),
				}, opts)
			}
			prep, err := ics.PrepareURI(o.Location)
			if err != nil || prep.Scheme == ics.SchemeContent {
				return s.fail(ctx, sub.ID, url, res, &ics.Failure{
					Kind: ics.KindMalformedURI, Detail: "redirect to unsupported address", Err: err,
				}, opts)
			}
			if err := s.persistRedirect(ctx, sub.ID, url, prep.URL); err != nil {
				return res, err
			}
			appLog.Info("subscription moved permanently", "run", res.RunID, "id", sub.ID,
				"from", ics.RedactURL(url), "to", ics.RedactURL(prep.URL))
			url = prep.URL
			res.URL = url
			validators = model.Validators{}

		case ics.Unchanged:
			err := s.commit(ctx, sub.ID, url, func(tx *storage.Tx) error {
				return tx.Subscriptions().RecordSuccess(ctx, sub.ID, nil, s.cfg.Now())
			})
			if err != nil {
				return res, err
			}
			res.Status = StatusUnchanged
			return res, nil

		case ics.Success:
			info, err := ics.Parse(o.Body, o.ContentType, o.DisplayNameHint)
			if err != nil {
				var f *ics.Failure
				if !errors.As(err, &f) {
					f = &ics.Failure{Kind: ics.KindParse, Detail: err.Error(), Err: err}
				}
				return s.fail(ctx, sub.ID, url, res, f, opts)
			}
			v := o.Validators
			err = s.commit(ctx, sub.ID, url, func(tx *storage.Tx) error {
				stats, err := reconcile.Reconcile(ctx, tx.Events(), sub, info.Events)
				if err != nil {
					return err
				}
				res.Stats = stats
				return tx.Subscriptions().RecordSuccess(ctx, sub.ID, &v, s.cfg.Now())
			})
			if err != nil {
				return res, err
			}
			res.Status = StatusSynced
			return res, nil

		case *ics.Failure:
			return s.fail(ctx, sub.ID, url, res, o, opts)

		default:
			return res, fmt.Errorf("unexpected fetch outcome %T", out)
		}
	}
}

// commit runs fn in a transaction after checking that the subscription
// still points at url.
func (s *Syncer) commit(ctx context.Context, id int64, url string, fn func(tx *storage.Tx) error) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		current, err := tx.Subscriptions().URL(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return errSuperseded
		}
		if err != nil {
			return err
		}
		if current != url {
			return errSuperseded
		}
		return fn(tx)
	})
}

func (s *Syncer) persistRedirect(ctx context.Context, id int64, from, to string) error {
	return s.commit(ctx, id, from, func(tx *storage.Tx) error {
		return tx.Subscriptions().SetURL(ctx, id, to)
	})
}

func (s *Syncer) fail(ctx context.Context, id int64, url string, res Result, f *ics.Failure, opts Options) (Result, error) {
	res.Status = StatusFailed
	res.Failure = f
	if opts.Interactive && f.Kind == ics.KindUntrustedCertificate {
		res.Certificate = f.Certificate
	} else {
		f.Certificate = nil
	}
	err := s.commit(ctx, id, url, func(tx *storage.Tx) error {
		return tx.Subscriptions().RecordFailure(ctx, id, string(f.Kind), f.Message(), s.cfg.Now())
	})
	return res, err
}

// SyncAll runs Sync for every id with bounded parallelism. One failing
// subscription never stops the others. Results keep the order of ids.
func (s *Syncer) SyncAll(ctx context.Context, ids []int64, opts Options) []Result {
	results := make([]Result, len(ids))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallel)
	for i, id := range ids {
		g.Go(func() error {
			res, err := s.Sync(ctx, id, opts)
			if err != nil {
				res.Status = StatusFailed
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Validate fetches and parses uri without touching storage. Permanent
// redirects are followed and reflected in the returned URI.
func (s *Syncer) Validate(ctx context.Context, uri, username, password string, opts Options) ics.ResourceInfo {
	prep, err := ics.PrepareURI(uri)
	if err != nil {
		var f *ics.Failure
		errors.As(err, &f)
		return ics.ResourceInfo{URI: uri, Failure: f}
	}

	var cred *model.Credential
	switch {
	case username != "" || password != "":
		cred = &model.Credential{Username: username, Password: password}
	case prep.RequiresAuth:
		cred = &model.Credential{Username: prep.Username, Password: prep.Password}
	}
	if !ics.SupportsAuthentication(prep.URL) {
		cred = nil
	}

	url := prep.URL
	withFailure := func(f *ics.Failure) ics.ResourceInfo {
		if !opts.Interactive {
			f.Certificate = nil
		}
		return ics.ResourceInfo{URI: url, Insecure: ics.IsInsecure(url, cred != nil), Failure: f}
	}

	for redirects := 0; ; {
		out := s.fetcher.Fetch(ctx, ics.Request{URL: url, Credential: cred, TrustedFingerprints: opts.TrustedFingerprints})
		switch o := out.(type) {
		case ics.Redirected:
			redirects++
			next, err := ics.PrepareURI(o.Location)
			if redirects > s.cfg.MaxRedirects {
				return withFailure(&ics.Failure{Kind: ics.KindHTTP, Status: o.Status, Detail: "too many permanent redirects"})
			}
			if err != nil || next.Scheme == ics.SchemeContent {
				return withFailure(&ics.Failure{Kind: ics.KindMalformedURI, Detail: "redirect to unsupported address", Err: err})
			}
			url = next.URL

		case ics.Success:
			info, err := ics.Parse(o.Body, o.ContentType, o.DisplayNameHint)
			if err != nil {
				var f *ics.Failure
				if !errors.As(err, &f) {
					f = &ics.Failure{Kind: ics.KindParse, Detail: err.Error(), Err: err}
				}
				return withFailure(f)
			}
			info.URI = url
			info.Insecure = ics.IsInsecure(url, cred != nil)
			return info

		case ics.Unchanged:
			// No validators are sent, so a 304 here is a server bug.
			return withFailure(&ics.Failure{Kind: ics.KindHTTP, Status: 304, Detail: "unexpected Not Modified"})

		case *ics.Failure:
			return withFailure(o)

		default:
			return withFailure(&ics.Failure{Kind: ics.KindNetwork, Detail: fmt.Sprintf("unexpected outcome %T", out)})
		}
	}
}
