// Package scheduler decides when subscriptions are due and runs them
// through the syncer, one run per subscription at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"icsync/internal/ics"
	appLog "icsync/internal/log"
	"icsync/internal/model"
	"icsync/internal/storage"
	"icsync/internal/syncer"
)

var (
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrAlreadyRunning      = errors.New("sync already running")
)

const (
	DefaultTick         = "@every 1m"
	DefaultNetworkRetry = 2 * time.Minute
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Status is a snapshot of one subscription's sync state.
type Status struct {
	SubscriptionID int64         `json:"subscription_id"`
	State          State         `json:"state"`
	LastResult     syncer.Status `json:"last_result,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	FailureKind    string        `json:"failure_kind,omitempty"`
	LastAttemptAt  *time.Time    `json:"last_attempt_at,omitempty"`
	LastSuccessAt  *time.Time    `json:"last_success_at,omitempty"`
	NextDueAt      *time.Time    `json:"next_due_at,omitempty"`
	Deleted        bool          `json:"deleted,omitempty"`
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Runner runs one sync; *syncer.Syncer implements it.
type Runner interface {
	Sync(ctx context.Context, id int64, opts syncer.Options) (syncer.Result, error)
}

type Config struct {
	// Tick is a robfig/cron spec for the periodic due check.
	Tick        string
	MaxParallel int
	Clock       Clock
	// NetworkRetry is how long after a network failure a periodic
	// subscription falls due again, when shorter than its interval.
	NetworkRetry time.Duration
}

type Scheduler struct {
	db     *storage.DB
	runner Runner
	cfg    Config

	// tickMu serializes Tick.
	tickMu sync.Mutex

	mu       sync.Mutex
	running  map[int64]struct{}
	lastRun  map[int64]syncer.Status
	watchers map[chan Status]struct{}

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(db *storage.DB, runner Runner, cfg Config) (*Scheduler, error) {
	if cfg.Tick == "" {
		cfg.Tick = DefaultTick
	}
	if _, err := cron.ParseStandard(cfg.Tick); err != nil {
		return nil, fmt.Errorf("invalid tick %q: %w", cfg.Tick, err)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.NetworkRetry <= 0 {
		cfg.NetworkRetry = DefaultNetworkRetry
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:       db,
		runner:   runner,
		cfg:      cfg,
		running:  make(map[int64]struct{}),
		lastRun:  make(map[int64]syncer.Status),
		watchers: make(map[chan Status]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins periodic ticking. Background runs are bound to ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	l := appLog.CronLogger()
	s.cron = cron.New(
		cron.WithChain(cron.SkipIfStillRunning(l)),
		cron.WithLogger(l),
	)
	base := s.ctx
	if _, err := s.cron.AddFunc(s.cfg.Tick, func() { s.Tick(base) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	s.cron.Start()
	appLog.Info("scheduler started", "tick", s.cfg.Tick, "max_parallel", s.cfg.MaxParallel)
	return nil
}

// Stop halts ticking, cancels running syncs and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	cancel()
	s.wg.Wait()
}

// Wait blocks until every background run started by Enqueue has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// EffectiveInterval is the subscription's own interval, else the global
// one. Nil means manual-only.
func EffectiveInterval(sub model.Subscription, global *int64) *time.Duration {
	var secs *int64
	switch {
	case sub.SyncIntervalSeconds != nil && *sub.SyncIntervalSeconds > 0:
		secs = sub.SyncIntervalSeconds
	case global != nil && *global > 0:
		secs = global
	default:
		return nil
	}
	d := time.Duration(*secs) * time.Second
	return &d
}

// nextDue is nil for manual-only subscriptions. A network failure shortens
// the wait to networkRetry.
func nextDue(sub model.Subscription, global *int64, networkRetry time.Duration) *time.Time {
	iv := EffectiveInterval(sub, global)
	if iv == nil {
		return nil
	}
	if sub.LastAttemptAt == nil {
		t := sub.CreatedAt
		return &t
	}
	wait := *iv
	if sub.FailureKind == string(ics.KindNetwork) && networkRetry < wait {
		wait = networkRetry
	}
	t := sub.LastAttemptAt.Add(wait)
	return &t
}

// Due lists subscriptions whose effective interval has elapsed since the
// last attempt, or whose last attempt hit a network error more than
// NetworkRetry ago. Never-attempted subscriptions with an interval are due.
func (s *Scheduler) Due(ctx context.Context) ([]int64, error) {
	subs, err := s.db.Subscriptions().List(ctx)
	if err != nil {
		return nil, err
	}
	global, err := s.db.Settings().SyncInterval(ctx)
	if err != nil {
		return nil, err
	}

	now := s.cfg.Clock.Now()
	var due []int64
	for _, sub := range subs {
		at := nextDue(sub, global, s.cfg.NetworkRetry)
		if at == nil {
			continue
		}
		if sub.LastAttemptAt == nil || !now.Before(*at) {
			due = append(due, sub.ID)
		}
	}
	return due, nil
}

// Tick runs every due subscription with bounded parallelism. Subscriptions
// already running are skipped.
func (s *Scheduler) Tick(ctx context.Context) []syncer.Result {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	due, err := s.Due(ctx)
	if err != nil {
		appLog.Error("due check failed", err)
		return nil
	}
	if len(due) == 0 {
		return nil
	}
	appLog.Debug("tick", "due", len(due))
	return s.runMany(ctx, due, syncer.Options{})
}

// RunAll syncs every subscription now.
func (s *Scheduler) RunAll(ctx context.Context, opts syncer.Options) ([]syncer.Result, error) {
	subs, err := s.db.Subscriptions().List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.ID)
	}
	return s.runMany(ctx, ids, opts), nil
}

func (s *Scheduler) runMany(ctx context.Context, ids []int64, opts syncer.Options) []syncer.Result {
	var (
		mu      sync.Mutex
		results []syncer.Result
		g       errgroup.Group
	)
	g.SetLimit(s.cfg.MaxParallel)
	for _, id := range ids {
		g.Go(func() error {
			res, err := s.Run(ctx, id, opts)
			if errors.Is(err, ErrAlreadyRunning) {
				return nil
			}
			if err != nil {
				res.SubscriptionID = id
				res.Status = syncer.StatusFailed
				res.Error = err.Error()
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run syncs one subscription synchronously. A trigger for a subscription
// that is already running returns ErrAlreadyRunning.
func (s *Scheduler) Run(ctx context.Context, id int64, opts syncer.Options) (syncer.Result, error) {
	if !s.begin(id) {
		appLog.Debug("sync trigger coalesced", "id", id)
		return syncer.Result{SubscriptionID: id}, ErrAlreadyRunning
	}
	s.publish(ctx, id)

	res, err := s.runner.Sync(ctx, id, opts)
	if errors.Is(err, storage.ErrNotFound) {
		err = ErrUnknownSubscription
	}
	s.finish(ctx, id, res, err)
	return res, err
}

// Enqueue starts a background run and reports whether it was started.
func (s *Scheduler) Enqueue(id int64, opts syncer.Options) bool {
	if !s.begin(id) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.context()
		s.publish(ctx, id)
		res, err := s.runner.Sync(ctx, id, opts)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			appLog.Error("background sync failed", err, "id", id)
		}
		s.finish(ctx, id, res, err)
	}()
	return true
}

// EnqueueAll starts background runs for every subscription and returns the
// ids actually started.
func (s *Scheduler) EnqueueAll(ctx context.Context, opts syncer.Options) ([]int64, error) {
	subs, err := s.db.Subscriptions().List(ctx)
	if err != nil {
		return nil, err
	}
	var started []int64
	for _, sub := range subs {
		if s.Enqueue(sub.ID, opts) {
			started = append(started, sub.ID)
		}
	}
	return started, nil
}

// NetworkAvailable re-queues subscriptions whose last failure was a
// network error. Other failures wait for their normal schedule.
func (s *Scheduler) NetworkAvailable(ctx context.Context) ([]int64, error) {
	subs, err := s.db.Subscriptions().List(ctx)
	if err != nil {
		return nil, err
	}
	var queued []int64
	for _, sub := range subs {
		if sub.FailureKind != string(ics.KindNetwork) {
			continue
		}
		if s.Enqueue(sub.ID, syncer.Options{}) {
			queued = append(queued, sub.ID)
		}
	}
	if len(queued) > 0 {
		appLog.Info("network available, retrying", "count", len(queued))
	}
	return queued, nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) begin(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[id]; busy {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Scheduler) finish(ctx context.Context, id int64, res syncer.Result, err error) {
	s.mu.Lock()
	delete(s.running, id)
	switch {
	case err != nil:
	case res.Status == syncer.StatusCancelled, res.Status == syncer.StatusSuperseded:
		// Keep the previous result.
	default:
		s.lastRun[id] = res.Status
	}
	s.mu.Unlock()
	s.publish(ctx, id)
}

// Forget drops in-memory state for a deleted subscription and tells
// watchers about it.
func (s *Scheduler) Forget(id int64) {
	s.mu.Lock()
	delete(s.lastRun, id)
	s.mu.Unlock()
	s.broadcast(Status{SubscriptionID: id, State: StateIdle, Deleted: true})
}

// Status returns the snapshot of one subscription.
func (s *Scheduler) Status(ctx context.Context, id int64) (Status, error) {
	sub, err := s.db.Subscriptions().Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, ErrUnknownSubscription
	}
	if err != nil {
		return Status{}, err
	}
	global, err := s.db.Settings().SyncInterval(ctx)
	if err != nil {
		return Status{}, err
	}
	return s.snapshot(sub, global), nil
}

// Statuses returns snapshots of all subscriptions ordered by id.
func (s *Scheduler) Statuses(ctx context.Context) ([]Status, error) {
	subs, err := s.db.Subscriptions().List(ctx)
	if err != nil {
		return nil, err
	}
	global, err := s.db.Settings().SyncInterval(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(subs))
	for _, sub := range subs {
		out = append(out, s.snapshot(sub, global))
	}
	return out, nil
}

func (s *Scheduler) snapshot(sub model.Subscription, global *int64) Status {
	st := Status{
		SubscriptionID: sub.ID,
		State:          StateIdle,
		ErrorMessage:   sub.ErrorMessage,
		FailureKind:    sub.FailureKind,
		LastAttemptAt:  sub.LastAttemptAt,
		LastSuccessAt:  sub.LastSuccessAt,
		NextDueAt:      nextDue(sub, global, s.cfg.NetworkRetry),
	}
	s.mu.Lock()
	if _, ok := s.running[sub.ID]; ok {
		st.State = StateRunning
	}
	st.LastResult = s.lastRun[sub.ID]
	s.mu.Unlock()
	return st
}

// Subscribe returns a channel of status changes and a function that
// releases it. Slow readers miss updates rather than block syncs.
func (s *Scheduler) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 32)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Scheduler) publish(ctx context.Context, id int64) {
	st, err := s.Status(context.WithoutCancel(ctx), id)
	if err != nil {
		return
	}
	s.broadcast(st)
}

func (s *Scheduler) broadcast(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- st:
		default:
		}
	}
}
