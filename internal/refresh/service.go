package refresh

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/pders01/feedtree/internal/config"
	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/feed"
	"github.com/pders01/feedtree/internal/storage"
)

// Service owns the refresh queue and runs the scheduler and the worker
// against it. Everything that wants a feed refreshed goes through the
// queue, so at most one fetch is in flight at any time.
type Service struct {
	manager   *feed.Manager
	queue     *Queue
	scheduler *Scheduler
	worker    *Worker
	readOnly  bool
}

func NewService(m *feed.Manager, cfg *config.Config, observe Observer) *Service {
	store := m.Store()
	readOnly := store.ReadOnly()
	queue := NewQueue(readOnly)
	return &Service{
		manager:   m,
		queue:     queue,
		scheduler: NewScheduler(store, queue, cfg.Scheduler),
		worker:    NewWorker(queue, store, m, observe),
		readOnly:  readOnly,
	}
}

func (s *Service) Queue() *Queue {
	return s.queue
}

// Run blocks until ctx is done or the worker fails. In demo mode nothing
// is scheduled and Run just waits.
func (s *Service) Run(ctx context.Context) error {
	if s.readOnly {
		debuglog.Infof("Read-only store, autorefresh disabled")
		<-ctx.Done()
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scheduler.Run(ctx) })
	g.Go(func() error { return s.worker.Run(ctx) })
	return g.Wait()
}

// Enqueue queues a single feed, folders included.
func (s *Service) Enqueue(f *storage.Feed) bool {
	return s.queue.Add(f.ID())
}

// EnqueueDescendants queues start and the descendants that take part in
// bulk refreshes. It returns how many feeds were newly queued.
func (s *Service) EnqueueDescendants(ctx context.Context, start *storage.Feed) (int, error) {
	feeds, err := s.manager.BulkTargets(ctx, start)
	if err != nil {
		return 0, err
	}
	return s.enqueueAll(feeds), nil
}

// EnqueueAll queues every root that refreshes with others, and their
// qualifying descendants.
func (s *Service) EnqueueAll(ctx context.Context) (int, error) {
	feeds, err := s.manager.BulkTargets(ctx, nil)
	if err != nil {
		return 0, err
	}
	return s.enqueueAll(feeds), nil
}

func (s *Service) enqueueAll(feeds []*storage.Feed) int {
	n := 0
	for _, f := range feeds {
		if s.queue.Add(f.ID()) {
			n++
		}
	}
	return n
}

// SetAutorefreshInterval changes the feed's interval and reschedules.
func (s *Service) SetAutorefreshInterval(ctx context.Context, f *storage.Feed, seconds int64) error {
	if err := f.SetAutorefreshInterval(ctx, seconds); err != nil {
		return err
	}
	s.scheduler.Wake()
	return nil
}

// Wake makes the scheduler rescan now.
func (s *Service) Wake() {
	s.scheduler.Wake()
}
