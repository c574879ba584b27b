package refresh

import (
	"context"
	"time"

	"github.com/pders01/feedtree/internal/config"
	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/storage"
)

// FeedLister is the part of the store the scheduler scans.
type FeedLister interface {
	GetFeeds(ctx context.Context) ([]*storage.Feed, error)
}

// Scheduler periodically queues every feed whose autorefresh is due and
// sleeps until the next one will be.
type Scheduler struct {
	feeds FeedLister
	queue *Queue
	cfg   config.SchedulerConfig
	wake  chan struct{}
	now   func() time.Time
}

func NewScheduler(feeds FeedLister, queue *Queue, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		feeds: feeds,
		queue: queue,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Wake cuts the current sleep short. Call it after changing a feed's
// interval so the new schedule takes effect immediately.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Scan queues the due feeds and returns how long to sleep before the next
// scan. While the queue still has work it only backs off briefly, so that
// feeds being refreshed are not judged on stale attempt times.
func (s *Scheduler) Scan(ctx context.Context) (time.Duration, error) {
	if s.queue.Len() > 0 {
		return s.cfg.BusyBackoff, nil
	}
	feeds, err := s.feeds.GetFeeds(ctx)
	if err != nil {
		return s.cfg.BusyBackoff, err
	}

	now := s.now().Unix()
	soonest := now + int64(s.cfg.Horizon/time.Second)
	for _, f := range feeds {
		d := f.Snapshot()
		next := d.NextRefresh()
		if d.IsDue(now) {
			s.queue.Add(d.ID)
			// Whether the refresh succeeds or fails the next attempt is
			// one interval away.
			next = now + d.AutorefreshInterval
		}
		soonest = min(soonest, next)
	}
	return s.clamp(time.Duration(soonest-s.now().Unix()) * time.Second), nil
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	return min(max(d, s.cfg.MinSleep), s.cfg.MaxSleep)
}

// Run scans until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	debuglog.Infof("Starting autorefresh scheduler")
	for {
		sleep, err := s.Scan(ctx)
		if err != nil {
			debuglog.Warnf("Autorefresh scan failed: %v", err)
		}
		debuglog.Infof("Sleeping %s until next refresh", sleep)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
