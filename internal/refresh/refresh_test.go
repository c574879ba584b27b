package refresh

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedtree/internal/config"
	"github.com/pders01/feedtree/internal/feed"
	"github.com/pders01/feedtree/internal/storage"
	"github.com/pders01/feedtree/internal/validation"
)

func openStore(t *testing.T, path string, readOnly bool) *storage.Store {
	t.Helper()
	opts := storage.DefaultOptions()
	opts.URLs = validation.NewPermissiveFeedURLValidator()
	opts.ReadOnly = readOnly
	store, err := storage.Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupStore(t *testing.T) *storage.Store {
	t.Helper()
	return openStore(t, filepath.Join(t.TempDir(), "test.db"), false)
}

func addFeed(t *testing.T, store *storage.Store, in storage.FeedInput) *storage.Feed {
	t.Helper()
	f, err := store.AddFeed(context.Background(), in)
	require.NoError(t, err)
	return f
}

func TestQueue_SingleFlight(t *testing.T) {
	q := NewQueue(false)
	assert.True(t, q.Add(1))
	assert.True(t, q.Add(2))
	assert.False(t, q.Add(1), "already waiting")
	assert.Equal(t, 2, q.Len())

	ctx := context.Background()
	id, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
	assert.True(t, q.Contains(1))
	assert.False(t, q.Add(1), "still being refreshed")

	assert.False(t, q.Done(1), "feed 2 is still waiting")
	assert.True(t, q.Add(1))

	q.Clear()
	assert.Zero(t, q.Len())
	assert.False(t, q.Contains(2))
}

func TestQueue_NextBlocksUntilAdd(t *testing.T) {
	q := NewQueue(false)
	got := make(chan uint32, 1)
	go func() {
		id, err := q.Next(context.Background())
		if err == nil {
			got <- id
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}
	q.Add(7)
	select {
	case id := <-got:
		assert.Equal(t, uint32(7), id)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestQueue_NextHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewQueue(false).Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_DisabledDropsEverything(t *testing.T) {
	q := NewQueue(true)
	assert.False(t, q.Add(1))
	assert.Zero(t, q.Len())
}

var schedulerConfig = config.SchedulerConfig{
	MinSleep:    30 * time.Second,
	MaxSleep:    2 * time.Hour,
	Horizon:     time.Hour,
	BusyBackoff: 10 * time.Second,
}

func TestScheduler_Scan(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	const now = 1_000_000

	due := addFeed(t, store, storage.FeedInput{RSSURL: "https://a.example.com/feed", AutorefreshInterval: 600})
	require.NoError(t, due.RecordRefresh(ctx, now-700, nil))
	soon := addFeed(t, store, storage.FeedInput{RSSURL: "https://b.example.com/feed", AutorefreshInterval: 3600})
	require.NoError(t, soon.RecordRefresh(ctx, now-3500, nil))
	addFeed(t, store, storage.FeedInput{Title: "folder"})
	addFeed(t, store, storage.FeedInput{RSSURL: "https://c.example.com/feed", AutorefreshInterval: -1})

	q := NewQueue(false)
	s := NewScheduler(store, q, schedulerConfig)
	s.now = func() time.Time { return time.Unix(now, 0) }

	sleep, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Second, sleep)
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Contains(due.ID()))

	// Work is still waiting, so the next scan only backs off.
	sleep, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, schedulerConfig.BusyBackoff, sleep)
}

func TestScheduler_SleepIsClamped(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	const now = 1_000_000

	q := NewQueue(false)
	s := NewScheduler(store, q, schedulerConfig)
	s.now = func() time.Time { return time.Unix(now, 0) }

	sleep, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, sleep, "nothing scheduled waits one horizon")

	f := addFeed(t, store, storage.FeedInput{RSSURL: "https://a.example.com/feed", AutorefreshInterval: 60})
	require.NoError(t, f.RecordRefresh(ctx, now-55, nil))
	sleep, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, schedulerConfig.MinSleep, sleep)

	cfg := schedulerConfig
	cfg.Horizon = 10 * time.Hour
	require.NoError(t, f.SetAutorefreshInterval(ctx, -1))
	s.cfg = cfg
	sleep, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxSleep, sleep)
}

type countingLister struct {
	scans atomic.Int32
}

func (c *countingLister) GetFeeds(context.Context) ([]*storage.Feed, error) {
	c.scans.Add(1)
	return nil, nil
}

func TestScheduler_WakeInterruptsSleep(t *testing.T) {
	lister := &countingLister{}
	cfg := config.SchedulerConfig{MinSleep: time.Hour, MaxSleep: time.Hour, Horizon: time.Hour, BusyBackoff: time.Hour}
	s := NewScheduler(lister, NewQueue(false), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return lister.scans.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Wake()
	require.Eventually(t, func() bool { return lister.scans.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type fakeRefresher struct {
	mu      sync.Mutex
	calls   []uint32
	fail    map[uint32]error
	release chan struct{}
}

func (f *fakeRefresher) Refresh(_ context.Context, feed *storage.Feed) (int, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, feed.ID())
	if err := f.fail[feed.ID()]; err != nil {
		return 0, err
	}
	return 1, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestWorker_DrainsQueueAndReports(t *testing.T) {
	store := setupStore(t)
	ok := addFeed(t, store, storage.FeedInput{RSSURL: "https://ok.example.com/feed"})
	broken := addFeed(t, store, storage.FeedInput{RSSURL: "https://broken.example.com/feed"})
	folder := addFeed(t, store, storage.FeedInput{Title: "folder"})

	boom := errors.New("boom")
	refresher := &fakeRefresher{fail: map[uint32]error{broken.ID(): boom}}
	log := &eventLog{}
	q := NewQueue(false)
	w := NewWorker(q, store, refresher, log.observe)

	q.Add(broken.ID())
	q.Add(ok.ID())
	q.Add(folder.ID())
	q.Add(404)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		events := log.snapshot()
		return len(events) > 0 && events[len(events)-1].Kind == QueueFinished
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []uint32{broken.ID(), ok.ID(), folder.ID()}, refresher.calls, "a failure does not stop the queue")
	assert.Equal(t, []Event{
		{Kind: RefreshStarted, FeedID: broken.ID()},
		{Kind: RefreshFinished, FeedID: broken.ID(), Err: boom},
		{Kind: RefreshStarted, FeedID: ok.ID()},
		{Kind: RefreshFinished, FeedID: ok.ID(), Added: 1},
		{Kind: QueueFinished},
	}, log.snapshot(), "folders and missing feeds are silent")
	assert.Zero(t, q.Len())
	assert.False(t, q.Contains(ok.ID()))
}

func TestWorker_FeedCannotBeQueuedWhileRefreshing(t *testing.T) {
	store := setupStore(t)
	f := addFeed(t, store, storage.FeedInput{RSSURL: "https://a.example.com/feed"})
	refresher := &fakeRefresher{release: make(chan struct{})}
	q := NewQueue(false)
	w := NewWorker(q, store, refresher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	q.Add(f.ID())
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, q.Add(f.ID()))

	close(refresher.release)
	require.Eventually(t, func() bool { return !q.Contains(f.ID()) }, time.Second, 5*time.Millisecond)
	assert.True(t, q.Add(f.ID()))
}

func TestService_EnqueueDescendants(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	no := false
	root := addFeed(t, store, storage.FeedInput{Title: "root"})
	manual := addFeed(t, store, storage.FeedInput{Title: "manual", Parent: root, RefreshWithOthers: &no})
	addFeed(t, store, storage.FeedInput{Title: "below manual", Parent: manual})
	addFeed(t, store, storage.FeedInput{Title: "child", Parent: root})

	svc := NewService(feed.NewManager(store, config.TestConfig()), config.TestConfig(), nil)

	n, err := svc.EnqueueDescendants(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, svc.Queue().Contains(manual.ID()))

	n, err = svc.EnqueueDescendants(ctx, manual)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the requested feed is always included")

	n, err = svc.EnqueueAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "everything is already queued")
}

func TestService_ReadOnlyNeverRefreshes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.db")
	rw := openStore(t, path, false)
	f := addFeed(t, rw, storage.FeedInput{RSSURL: "https://a.example.com/feed"})
	require.NoError(t, rw.Close())

	store := openStore(t, path, true)
	svc := NewService(feed.NewManager(store, config.TestConfig()), config.TestConfig(), nil)
	demoFeed, err := store.GetFeed(context.Background(), f.ID())
	require.NoError(t, err)
	assert.False(t, svc.Enqueue(demoFeed))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, svc.Run(ctx))
}
