package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/rules"
	"github.com/pders01/feedtree/internal/storage"
	"github.com/pders01/feedtree/internal/tree"
)

// MaxReroutes bounds how often filters may move one news item to another
// feed during a single pass.
const MaxReroutes = 20

var ErrRoutingCycle = errors.New("filters keep moving news between feeds")

// Ingest stores every entry of doc that feed has not seen yet and runs each
// new item through the filters. Everything happens in one atomic scope, so
// a failure leaves no news behind.
func (m *Manager) Ingest(ctx context.Context, feed *storage.Feed, doc *Document) ([]*storage.News, error) {
	var added []*storage.News
	err := m.store.Atomic(ctx, func(ctx context.Context) error {
		for _, entry := range doc.Entries {
			dup, found, err := m.store.DuplicateNews(ctx, feed, entry.GUID)
			if err != nil {
				return err
			}
			if found {
				debuglog.Debugf("Skipping duplicate news, feed=%d, guid=%s (%s)", feed.ID(), entry.GUID, dup)
				continue
			}
			news, err := m.store.AddNews(ctx, feed, entry)
			if err != nil {
				return err
			}
			if err := m.ProcessNews(ctx, news); err != nil {
				return err
			}
			added = append(added, news)
		}
		if len(added) > 0 {
			m.indexAfterCommit(ctx, added)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// filterQueue lists the filters that apply to news in feedID: the feed's
// own filters first, then those of each ancestor up to the root.
func (m *Manager) filterQueue(ctx context.Context, feedID uint32) ([]*storage.Filter, error) {
	lineage, err := tree.Ancestors(ctx, m.store, feedID, true)
	if err != nil {
		return nil, err
	}
	var queue []*storage.Filter
	for _, id := range lineage {
		feed, err := m.store.GetFeed(ctx, id)
		if err != nil {
			return nil, err
		}
		filters, err := feed.Filters(ctx)
		if err != nil {
			return nil, err
		}
		queue = append(queue, filters...)
	}
	return queue, nil
}

// ProcessNews runs news through the filter chain of its feed. When a
// filter moves it elsewhere, the rest of the chain is dropped and the
// destination's chain starts from the top.
func (m *Manager) ProcessNews(ctx context.Context, news *storage.News) error {
	return m.store.Atomic(ctx, func(ctx context.Context) error {
		feedID := news.FeedID()
		queue, err := m.filterQueue(ctx, feedID)
		if err != nil {
			return err
		}

		reroutes := 0
		for len(queue) > 0 {
			filt := queue[0]
			queue = queue[1:]

			outcome, err := filt.Process(ctx, news)
			if err != nil {
				return err
			}
			if outcome == rules.Stop {
				return nil
			}
			if news.FeedID() == feedID {
				continue
			}

			reroutes++
			if reroutes >= MaxReroutes {
				return fmt.Errorf("%w: %s was moved %d times", ErrRoutingCycle, news, reroutes)
			}
			feedID = news.FeedID()
			debuglog.Debugf("%s moved to feed %d, restarting filters", news, feedID)
			if queue, err = m.filterQueue(ctx, feedID); err != nil {
				return err
			}
		}
		return nil
	})
}
