package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icsync/internal/ics"
	"icsync/internal/model"
	"icsync/internal/storage"
	"icsync/internal/syncer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingRunner stamps attempts through the real repository so due
// computation sees them, and records which ids ran.
type recordingRunner struct {
	db    *storage.DB
	clock *fakeClock

	mu   sync.Mutex
	ran  []int64
	fail map[int64]ics.FailureKind
	// block, when set, holds runs until closed.
	block chan struct{}
}

func (r *recordingRunner) Sync(ctx context.Context, id int64, _ syncer.Options) (syncer.Result, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return syncer.Result{SubscriptionID: id, Status: syncer.StatusCancelled}, nil
		}
	}
	r.mu.Lock()
	r.ran = append(r.ran, id)
	kind, failing := r.fail[id]
	r.mu.Unlock()

	if failing {
		err := r.db.Subscriptions().RecordFailure(ctx, id, string(kind), "failed", r.clock.Now())
		return syncer.Result{SubscriptionID: id, Status: syncer.StatusFailed}, err
	}
	err := r.db.Subscriptions().RecordSuccess(ctx, id, nil, r.clock.Now())
	return syncer.Result{SubscriptionID: id, Status: syncer.StatusSynced}, err
}

func (r *recordingRunner) ranIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ran...)
}

func (r *recordingRunner) reset() {
	r.mu.Lock()
	r.ran = nil
	r.mu.Unlock()
}

type fixture struct {
	db     *storage.DB
	clock  *fakeClock
	runner *recordingRunner
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "s.db"), storage.Options{CredentialKey: "k"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	runner := &recordingRunner{db: db, clock: clock, fail: map[int64]ics.FailureKind{}}
	sched, err := New(db, runner, Config{Clock: clock, MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(sched.Stop)
	return &fixture{db: db, clock: clock, runner: runner, sched: sched}
}

func (f *fixture) add(t *testing.T, interval *int64) int64 {
	t.Helper()
	id, err := f.db.Subscriptions().Create(context.Background(), model.SubscriptionFields{
		URL: "https://example.com/a.ics", SyncIntervalSeconds: interval,
	}, f.clock.Now())
	require.NoError(t, err)
	return id
}

func secs(v int64) *int64 { return &v }

func TestEffectiveInterval(t *testing.T) {
	assert.Nil(t, EffectiveInterval(model.Subscription{}, nil))
	assert.Nil(t, EffectiveInterval(model.Subscription{SyncIntervalSeconds: secs(0)}, secs(-1)))

	got := EffectiveInterval(model.Subscription{}, secs(60))
	require.NotNil(t, got)
	assert.Equal(t, time.Minute, *got)

	got = EffectiveInterval(model.Subscription{SyncIntervalSeconds: secs(3600)}, secs(60))
	require.NotNil(t, got)
	assert.Equal(t, time.Hour, *got)
}

func TestTickRunsDueSubscriptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	manual := f.add(t, nil)
	hourly := f.add(t, secs(3600))

	results := f.sched.Tick(ctx)
	require.Len(t, results, 1, "never-attempted subscription with an interval is due")
	assert.Equal(t, []int64{hourly}, f.runner.ranIDs())

	f.runner.reset()
	f.clock.Advance(59 * time.Minute)
	assert.Empty(t, f.sched.Tick(ctx))

	f.clock.Advance(time.Minute)
	f.sched.Tick(ctx)
	assert.Equal(t, []int64{hourly}, f.runner.ranIDs())

	// A global interval makes the manual subscription periodic.
	require.NoError(t, f.db.Settings().SetSyncInterval(ctx, secs(300)))
	f.runner.reset()
	f.sched.Tick(ctx)
	assert.Equal(t, []int64{manual}, f.runner.ranIDs())

	f.runner.reset()
	f.clock.Advance(5 * time.Minute)
	f.sched.Tick(ctx)
	assert.Equal(t, []int64{manual}, f.runner.ranIDs(), "own interval wins over global")

	require.NoError(t, f.db.Settings().SetSyncInterval(ctx, nil))
	f.runner.reset()
	f.clock.Advance(24 * time.Hour)
	f.sched.Tick(ctx)
	assert.Equal(t, []int64{hourly}, f.runner.ranIDs())
}

func TestNetworkFailureFallsDueBeforeInterval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	offline := f.add(t, secs(3600))
	broken := f.add(t, secs(3600))
	f.runner.fail[offline] = ics.KindNetwork
	f.runner.fail[broken] = ics.KindHTTP

	f.sched.Tick(ctx)
	assert.ElementsMatch(t, []int64{offline, broken}, f.runner.ranIDs())
	f.runner.reset()

	f.clock.Advance(time.Minute)
	due, err := f.sched.Due(ctx)
	require.NoError(t, err)
	assert.Empty(t, due, "retry waits for NetworkRetry")

	f.clock.Advance(DefaultNetworkRetry - time.Minute)
	due, err = f.sched.Due(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{offline}, due)

	st, err := f.sched.Status(ctx, offline)
	require.NoError(t, err)
	require.NotNil(t, st.NextDueAt)
	require.NotNil(t, st.LastAttemptAt)
	assert.Equal(t, DefaultNetworkRetry, st.NextDueAt.Sub(*st.LastAttemptAt))

	st, err = f.sched.Status(ctx, broken)
	require.NoError(t, err)
	require.NotNil(t, st.NextDueAt)
	assert.Equal(t, time.Hour, st.NextDueAt.Sub(*st.LastAttemptAt))

	// Once the network is back the interval applies again.
	delete(f.runner.fail, offline)
	f.sched.Tick(ctx)
	f.clock.Advance(DefaultNetworkRetry)
	due, err = f.sched.Due(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestTriggersWhileRunningAreCoalesced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.add(t, nil)

	f.runner.block = make(chan struct{})
	require.True(t, f.sched.Enqueue(id, syncer.Options{}))
	assert.False(t, f.sched.Enqueue(id, syncer.Options{}))

	_, err := f.sched.Run(ctx, id, syncer.Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	st, err := f.sched.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)

	close(f.runner.block)
	f.sched.Wait()
	assert.Equal(t, []int64{id}, f.runner.ranIDs())

	st, err = f.sched.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, syncer.StatusSynced, st.LastResult)
}

func TestNetworkAvailableRequeuesOnlyNetworkFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	offline := f.add(t, nil)
	unauthorized := f.add(t, nil)
	healthy := f.add(t, nil)

	f.runner.fail[offline] = ics.KindNetwork
	f.runner.fail[unauthorized] = ics.KindUnauthorized
	_, err := f.sched.RunAll(ctx, syncer.Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{offline, unauthorized, healthy}, f.runner.ranIDs())

	f.runner.reset()
	delete(f.runner.fail, offline)
	queued, err := f.sched.NetworkAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{offline}, queued)
	f.sched.Wait()
	assert.Equal(t, []int64{offline}, f.runner.ranIDs())

	st, err := f.sched.Status(ctx, offline)
	require.NoError(t, err)
	assert.Empty(t, st.FailureKind)

	queued, err = f.sched.NetworkAvailable(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestStopCancelsRunningSyncAndKeepsPreviousStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.add(t, nil)

	_, err := f.sched.Run(ctx, id, syncer.Options{})
	require.NoError(t, err)

	f.runner.block = make(chan struct{})
	require.True(t, f.sched.Enqueue(id, syncer.Options{}))
	f.sched.Stop()

	st, err := f.sched.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, syncer.StatusSynced, st.LastResult)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.add(t, nil)

	ch, release := f.sched.Subscribe()
	defer release()

	_, err := f.sched.Run(ctx, id, syncer.Options{})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, StateRunning, first.State)
	second := <-ch
	assert.Equal(t, StateIdle, second.State)
	assert.Equal(t, syncer.StatusSynced, second.LastResult)

	f.sched.Forget(id)
	gone := <-ch
	assert.True(t, gone.Deleted)
}

func TestStatusUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Status(context.Background(), 12)
	assert.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestNewRejectsBadTick(t *testing.T) {
	_, err := New(nil, nil, Config{Tick: "every now and then"})
	assert.Error(t, err)
}
