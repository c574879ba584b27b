package refresh

import (
	"context"
	"errors"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/storage"
)

// EventKind names what the worker just did.
type EventKind string

const (
	RefreshStarted  EventKind = "refresh_started"
	RefreshFinished EventKind = "refresh_finished"
	QueueFinished   EventKind = "queue_finished"
)

// Event is reported to the worker's observer. FeedID, Added and Err are
// unset for QueueFinished.
type Event struct {
	Kind   EventKind
	FeedID uint32
	Added  int
	Err    error
}

// Observer receives worker events on the worker goroutine. It must not
// block.
type Observer func(Event)

// Refresher refreshes one feed. *feed.Manager satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, f *storage.Feed) (int, error)
}

type FeedGetter interface {
	GetFeed(ctx context.Context, id uint32) (*storage.Feed, error)
}

// Worker drains the queue one feed at a time.
type Worker struct {
	queue     *Queue
	feeds     FeedGetter
	refresher Refresher
	observe   Observer
}

func NewWorker(queue *Queue, feeds FeedGetter, refresher Refresher, observe Observer) *Worker {
	if observe == nil {
		observe = func(Event) {}
	}
	return &Worker{queue: queue, feeds: feeds, refresher: refresher, observe: observe}
}

// Run refreshes queued feeds until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	debuglog.Infof("Starting refresh worker")
	for {
		id, err := w.queue.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		w.refreshOne(ctx, id)
		if w.queue.Done(id) {
			w.observe(Event{Kind: QueueFinished})
		}
	}
}

// refreshOne never fails the worker: whatever goes wrong is logged and, for
// real feeds, already recorded on the feed by the refresher.
func (w *Worker) refreshOne(ctx context.Context, id uint32) {
	f, err := w.feeds.GetFeed(ctx, id)
	if err != nil {
		debuglog.Warnf("Queued feed %d: %v", id, err)
		return
	}
	folder := f.RSSURL() == ""
	if !folder {
		w.observe(Event{Kind: RefreshStarted, FeedID: id})
	}
	added, err := w.refresher.Refresh(ctx, f)
	if err != nil {
		debuglog.Warnf("%v", err)
	}
	if !folder {
		w.observe(Event{Kind: RefreshFinished, FeedID: id, Added: added, Err: err})
	}
}
