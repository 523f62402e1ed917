// Package engine is the entry point for presentation layers (HTTP API and
// CLI). It owns storage, the fetcher, the syncer and the scheduler.
package engine

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"icsync/internal/config"
	"icsync/internal/ics"
	appLog "icsync/internal/log"
	"icsync/internal/model"
	"icsync/internal/scheduler"
	"icsync/internal/storage"
	"icsync/internal/syncer"
	"icsync/internal/watch"
)

var (
	// ErrValidation wraps bad input from the presentation layer.
	ErrValidation = errors.New("invalid input")
	ErrNotFound   = storage.ErrNotFound
)

// Options carries dependencies that are not part of the config file.
type Options struct {
	DatabasePath string
	// ConfigPath is where "trust always" decisions are persisted. Empty
	// keeps them in memory.
	ConfigPath string

	// Fetcher replaces the network fetcher.
	Fetcher syncer.Fetcher
	Clock   scheduler.Clock
	RootCAs *x509.CertPool

	// WatchFiles enables re-syncing content:// feeds when their file changes.
	WatchFiles bool
}

// SubscriptionInput is an add or edit request. A nil Credential creates a
// subscription without authentication and leaves the stored credential
// untouched on edit.
type SubscriptionInput struct {
	model.SubscriptionFields
	Credential *model.CredentialForm `json:"credential,omitempty"`
}

// SubscriptionView is a subscription as shown to users. Passwords are
// never included.
type SubscriptionView struct {
	model.Subscription
	ColorHex     string `json:"color_hex"`
	RequiresAuth bool   `json:"requires_auth"`
	Username     string `json:"username,omitempty"`
	Insecure     bool   `json:"insecure"`
	EventCount   int    `json:"event_count"`
}

type Engine struct {
	cfgMu      sync.Mutex
	cfg        *config.Config
	configPath string

	db      *storage.DB
	fetcher *ics.Fetcher
	syncer  *syncer.Syncer
	sched   *scheduler.Scheduler
	clock   scheduler.Clock
	watcher *watch.Watcher
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Open opens storage and wires the sync pipeline. Call Start to begin
// periodic syncing and Close when done.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.Normalize()
	if opts.DatabasePath == "" {
		opts.DatabasePath = cfg.Database
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}

	db, err := storage.Open(ctx, opts.DatabasePath, storage.Options{CredentialKey: cfg.CredentialKey})
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, configPath: opts.ConfigPath, db: db, clock: opts.Clock}

	fetcher := opts.Fetcher
	if fetcher == nil {
		e.fetcher = ics.NewFetcher(ics.FetcherOptions{
			Timeout:             cfg.FetchTimeout,
			UserAgent:           cfg.UserAgent,
			TrustedFingerprints: cfg.TrustedCertificates,
			RootCAs:             opts.RootCAs,
		})
		fetcher = e.fetcher
	}

	e.syncer = syncer.New(db, fetcher, syncer.Config{
		MaxRedirects: cfg.MaxRedirects,
		MaxParallel:  cfg.MaxParallel,
		Now:          opts.Clock.Now,
	})
	e.sched, err = scheduler.New(db, e.syncer, scheduler.Config{
		Tick:         cfg.Tick,
		MaxParallel:  cfg.MaxParallel,
		Clock:        opts.Clock,
		NetworkRetry: cfg.NetworkRetry,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.WatchFiles {
		e.watcher, err = watch.New(func(id int64) bool {
			return e.sched.Enqueue(id, syncer.Options{})
		}, watch.DefaultDebounce)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("file watcher: %w", err)
		}
		if err := e.refreshWatches(ctx); err != nil {
			appLog.Error("initial file watch failed", err)
		}
	}
	return e, nil
}

// Start begins periodic syncing.
func (e *Engine) Start(ctx context.Context) error {
	return e.sched.Start(ctx)
}

// Wait blocks until background syncs have finished.
func (e *Engine) Wait() {
	e.sched.Wait()
}

func (e *Engine) Close() error {
	e.sched.Stop()
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			appLog.Error("close file watcher", err)
		}
	}
	return e.db.Close()
}

// Validate fetches and parses a feed without storing anything.
func (e *Engine) Validate(ctx context.Context, uri, username, password string, opts syncer.Options) ics.ResourceInfo {
	return e.syncer.Validate(ctx, uri, username, password, opts)
}

// normalize checks and completes an add/edit request. The returned
// credential form already accounts for userinfo typed into the URL.
func normalize(in SubscriptionInput) (model.SubscriptionFields, *model.CredentialForm, error) {
	f := in.SubscriptionFields
	form := in.Credential

	prep, err := ics.PrepareURI(f.URL)
	if err != nil {
		return f, form, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	f.URL = prep.URL
	if prep.RequiresAuth && (form == nil || !form.RequiresAuth) {
		form = &model.CredentialForm{RequiresAuth: true, Username: prep.Username, Password: prep.Password}
	}
	if form != nil && form.RequiresAuth && !ics.SupportsAuthentication(f.URL) {
		return f, form, fmt.Errorf("%w: %s addresses do not support authentication", ErrValidation, prep.Scheme)
	}

	f.DisplayName = strings.TrimSpace(f.DisplayName)
	if f.DisplayName == "" {
		f.DisplayName = f.URL
	}
	if f.DefaultAlarmMinutes != nil && *f.DefaultAlarmMinutes < 0 {
		return f, form, fmt.Errorf("%w: alarm minutes must not be negative", ErrValidation)
	}
	if f.DefaultAllDayAlarmMinutes != nil && *f.DefaultAllDayAlarmMinutes < 0 {
		return f, form, fmt.Errorf("%w: all-day alarm minutes must not be negative", ErrValidation)
	}
	if f.SyncIntervalSeconds != nil && *f.SyncIntervalSeconds <= 0 {
		f.SyncIntervalSeconds = nil
	}
	return f, form, nil
}

// CreateSubscription stores a subscription and its credential and starts
// a first sync in the background.
func (e *Engine) CreateSubscription(ctx context.Context, in SubscriptionInput) (int64, error) {
	f, form, err := normalize(in)
	if err != nil {
		return 0, err
	}
	if f.Color == nil {
		c := model.DefaultColor
		f.Color = &c
	}

	var id int64
	err = e.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		id, err = tx.Subscriptions().Create(ctx, f, e.clock.Now())
		if err != nil {
			return err
		}
		if form == nil {
			return nil
		}
		if c := form.Credential(id); c != nil {
			return tx.Credentials().Put(ctx, *c)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	appLog.Info("subscription created", "id", id, "url", ics.RedactURL(f.URL))
	e.afterChange(ctx)
	e.sched.Enqueue(id, syncer.Options{})
	return id, nil
}

// AddSubscription validates the feed and creates the subscription only
// when validation succeeds. Name and color fall back to the feed's own,
// and a permanent redirect found during validation is stored.
func (e *Engine) AddSubscription(ctx context.Context, in SubscriptionInput, opts syncer.Options) (int64, ics.ResourceInfo, error) {
	_, form, err := normalize(in)
	if err != nil {
		return 0, ics.ResourceInfo{}, err
	}

	var username, password string
	if form != nil && form.RequiresAuth {
		username, password = form.Username, form.Password
	}
	info := e.syncer.Validate(ctx, in.URL, username, password, opts)
	if info.Failure != nil {
		return 0, info, info.Failure
	}

	in.URL = info.URI
	in.Credential = form
	if strings.TrimSpace(in.DisplayName) == "" {
		in.DisplayName = info.CalendarName
	}
	if in.Color == nil {
		in.Color = info.Color
	}
	id, err := e.CreateSubscription(ctx, in)
	return id, info, err
}

// UpdateSubscription applies a user edit. Without a credential form the
// stored credential is kept, unless the new URL cannot carry one. With a
// form the store is only written when it differs from what is stored;
// switching authentication off deletes the credential.
func (e *Engine) UpdateSubscription(ctx context.Context, id int64, in SubscriptionInput) error {
	f, form, err := normalize(in)
	if err != nil {
		return err
	}
	if form == nil && !ics.SupportsAuthentication(f.URL) {
		form = &model.CredentialForm{}
	}

	err = e.db.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Subscriptions().Update(ctx, id, f); err != nil {
			return err
		}
		if form == nil {
			return nil
		}
		original, err := tx.Credentials().Get(ctx, id)
		if err != nil {
			return err
		}
		if !form.Dirty(original) {
			return nil
		}
		if c := form.Credential(id); c != nil {
			return tx.Credentials().Put(ctx, *c)
		}
		return tx.Credentials().Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	appLog.Info("subscription updated", "id", id)
	e.afterChange(ctx)
	return nil
}

// DeleteSubscription removes a subscription with its credential and events.
func (e *Engine) DeleteSubscription(ctx context.Context, id int64) error {
	if err := e.db.Subscriptions().Delete(ctx, id); err != nil {
		return err
	}
	appLog.Info("subscription deleted", "id", id)
	e.sched.Forget(id)
	e.afterChange(ctx)
	return nil
}

// SetSyncInterval sets the global periodic interval; nil cancels periodic
// syncing for subscriptions without their own interval.
func (e *Engine) SetSyncInterval(ctx context.Context, seconds *int64) error {
	if seconds != nil && *seconds <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrValidation)
	}
	if err := e.db.Settings().SetSyncInterval(ctx, seconds); err != nil {
		return err
	}
	if seconds == nil {
		appLog.Info("periodic sync disabled")
	} else {
		appLog.Info("periodic sync interval set", "seconds", *seconds)
	}
	return nil
}

func (e *Engine) SyncInterval(ctx context.Context) (*int64, error) {
	return e.db.Settings().SyncInterval(ctx)
}

// RequestManualSync runs one subscription now and waits for the result.
func (e *Engine) RequestManualSync(ctx context.Context, id int64, opts syncer.Options) (syncer.Result, error) {
	return e.sched.Run(ctx, id, opts)
}

// RequestManualSyncAll runs every subscription now.
func (e *Engine) RequestManualSyncAll(ctx context.Context, opts syncer.Options) ([]syncer.Result, error) {
	return e.sched.RunAll(ctx, opts)
}

// NetworkAvailable retries subscriptions that failed with a network error.
func (e *Engine) NetworkAvailable(ctx context.Context) ([]int64, error) {
	return e.sched.NetworkAvailable(ctx)
}

// TrustCertificate accepts a certificate fingerprint for all future
// fetches and persists it when a config path is known.
func (e *Engine) TrustCertificate(fingerprint string) error {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	if config.NormalizeFingerprint(fingerprint) == "" {
		return fmt.Errorf("%w: empty fingerprint", ErrValidation)
	}
	if !e.cfg.Trust(fingerprint) {
		return nil
	}
	if e.fetcher != nil {
		e.fetcher.SetTrustedFingerprints(e.cfg.TrustedCertificates)
	}
	appLog.Info("certificate trusted", "fingerprint", config.NormalizeFingerprint(fingerprint))
	if e.configPath == "" {
		return nil
	}
	return config.Save(e.configPath, e.cfg)
}

func (e *Engine) view(ctx context.Context, sub model.Subscription) (SubscriptionView, error) {
	v := SubscriptionView{Subscription: sub}
	color := model.DefaultColor
	if sub.Color != nil {
		color = *sub.Color
	}
	v.ColorHex = ics.FormatColor(color)

	cred, err := e.db.Credentials().Get(ctx, sub.ID)
	if err != nil {
		return v, err
	}
	if cred != nil {
		v.RequiresAuth = true
		v.Username = cred.Username
	}
	v.Insecure = ics.IsInsecure(sub.URL, cred != nil)

	v.EventCount, err = e.db.Events().Count(ctx, sub.ID)
	return v, err
}

func (e *Engine) Subscription(ctx context.Context, id int64) (SubscriptionView, error) {
	sub, err := e.db.Subscriptions().Get(ctx, id)
	if err != nil {
		return SubscriptionView{}, err
	}
	return e.view(ctx, sub)
}

// Credential returns the stored credential of a subscription, or nil.
// Unlike SubscriptionView it includes the password.
func (e *Engine) Credential(ctx context.Context, id int64) (*model.Credential, error) {
	if _, err := e.db.Subscriptions().URL(ctx, id); err != nil {
		return nil, err
	}
	return e.db.Credentials().Get(ctx, id)
}

func (e *Engine) Subscriptions(ctx context.Context) ([]SubscriptionView, error) {
	subs, err := e.db.Subscriptions().List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		v, err := e.view(ctx, sub)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) Status(ctx context.Context, id int64) (scheduler.Status, error) {
	return e.sched.Status(ctx, id)
}

func (e *Engine) Statuses(ctx context.Context) ([]scheduler.Status, error) {
	return e.sched.Statuses(ctx)
}

// Subscribe streams status changes until release is called.
func (e *Engine) Subscribe() (<-chan scheduler.Status, func()) {
	return e.sched.Subscribe()
}

// Occurrences expands the stored events of a subscription in [from, to).
func (e *Engine) Occurrences(ctx context.Context, id int64, from, to time.Time, loc *time.Location) (ics.ExpandResult, error) {
	if !to.After(from) {
		return ics.ExpandResult{}, fmt.Errorf("%w: empty time window", ErrValidation)
	}
	if _, err := e.db.Subscriptions().URL(ctx, id); err != nil {
		return ics.ExpandResult{}, err
	}
	stored, err := e.db.Events().ListCandidates(ctx, id, from, to)
	if err != nil {
		return ics.ExpandResult{}, err
	}
	data := make([]string, 0, len(stored))
	for _, ev := range stored {
		data = append(data, ev.Data)
	}
	events, err := ics.ParseStoredEvents(data)
	if err != nil {
		return ics.ExpandResult{}, err
	}
	return ics.ExpandOccurrences(id, events, ics.ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      from,
		RangeEnd:        to,
	})
}

func (e *Engine) afterChange(ctx context.Context) {
	if e.watcher == nil {
		return
	}
	if err := e.refreshWatches(ctx); err != nil {
		appLog.Error("refresh file watches", err)
	}
}

func (e *Engine) refreshWatches(ctx context.Context) error {
	subs, err := e.db.Subscriptions().List(ctx)
	if err != nil {
		return err
	}
	files := make(map[string][]int64)
	for _, sub := range subs {
		if p, ok := watch.ContentPath(sub.URL); ok {
			files[p] = append(files[p], sub.ID)
		}
	}
	e.watcher.Set(files)
	return nil
}
