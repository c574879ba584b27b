package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pders01/feedtree/internal/config"
	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/storage"
	"github.com/pders01/feedtree/internal/tree"
)

// Indexer receives news once the scope that created it has committed.
type Indexer interface {
	IndexNews(news []*storage.News) error
	DeleteNews(ids []uint32) error
}

// Manager ties the store to the network: it fetches, parses and ingests
// feeds and keeps the search index in step.
type Manager struct {
	store   *storage.Store
	fetcher *Fetcher
	parser  *Parser
	config  *config.Config
	index   Indexer
	now     func() time.Time
}

func NewManager(store *storage.Store, cfg *config.Config) *Manager {
	return &Manager{
		store:   store,
		fetcher: NewFetcher(cfg),
		parser:  NewParser(),
		config:  cfg,
		now:     time.Now,
	}
}

// SetIndexer hooks a search index into ingestion and deletion.
func (m *Manager) SetIndexer(idx Indexer) {
	m.index = idx
}

func (m *Manager) Store() *storage.Store {
	return m.store
}

// Forget drops the cached response for rssURL, e.g. when a feed's URL
// changes.
func (m *Manager) Forget(rssURL string) {
	if rssURL != "" {
		m.fetcher.Forget(rssURL)
	}
}

// AddFeed creates a feed. An unset autorefresh interval takes the
// configured default.
func (m *Manager) AddFeed(ctx context.Context, in storage.FeedInput) (*storage.Feed, error) {
	if in.AutorefreshInterval == 0 && m.config.Feed.DefaultAutorefreshInterval != 0 {
		in.AutorefreshInterval = m.config.Feed.DefaultAutorefreshInterval
	}
	return m.store.AddFeed(ctx, in)
}

func (m *Manager) AddFilter(ctx context.Context, name, conditions, actions string) (*storage.Filter, error) {
	return m.store.AddFilter(ctx, name, conditions, actions)
}

// DeleteFeed removes the feed and drops its news from the index once the
// deletion has committed.
func (m *Manager) DeleteFeed(ctx context.Context, feed *storage.Feed) error {
	return m.store.Atomic(ctx, func(ctx context.Context) error {
		ids, err := feed.NewsIDs(ctx)
		if err != nil {
			return err
		}
		if err := feed.Delete(ctx); err != nil {
			return err
		}
		if m.index != nil && len(ids) > 0 {
			storage.AfterCommit(ctx, func() {
				if err := m.index.DeleteNews(ids); err != nil {
					debuglog.Warnf("Removing %d news of deleted %s from index: %v", len(ids), feed, err)
				}
			})
		}
		return nil
	})
}

func (m *Manager) indexAfterCommit(ctx context.Context, news []*storage.News) {
	if m.index == nil {
		return
	}
	storage.AfterCommit(ctx, func() {
		if err := m.index.IndexNews(news); err != nil {
			debuglog.Warnf("Indexing %d news: %v", len(news), err)
		}
	})
}

// Refresh fetches the feed and ingests what is new. The attempt is
// recorded whatever happens; a failed refresh stores its error on the
// feed and returns it. Folders only get their last error cleared.
func (m *Manager) Refresh(ctx context.Context, feed *storage.Feed) (int, error) {
	d := feed.Snapshot()
	if d.RSSURL == "" {
		return 0, feed.ClearLastRefreshError(ctx)
	}
	if feed.Deleted() {
		return 0, fmt.Errorf("refreshing %s: %w", feed, storage.ErrNoSuchFeed)
	}

	debuglog.Infof("Refreshing %s", feed)
	attempt := m.now().Unix()
	added, refreshErr := m.refresh(ctx, feed, d)

	if err := feed.RecordRefresh(ctx, attempt, refreshErr); err != nil {
		return 0, errors.Join(refreshErr, fmt.Errorf("recording refresh of %s: %w", feed, err))
	}
	if refreshErr != nil {
		debuglog.WithFields(map[string]interface{}{"feed": feed.ID(), "url": d.RSSURL}).Warnf("Refresh failed: %v", refreshErr)
		return 0, fmt.Errorf("refreshing %s: %w", feed, refreshErr)
	}
	debuglog.Infof("Refreshed %s, %d new", feed, added)
	return added, nil
}

func (m *Manager) refresh(ctx context.Context, feed *storage.Feed, d storage.FeedData) (int, error) {
	raw, err := m.fetcher.Fetch(ctx, d.RSSURL, d.HTTPHeaders)
	if err != nil {
		return 0, err
	}
	doc, err := m.parser.Parse(raw, feed.ID())
	if err != nil {
		return 0, err
	}

	var icon []byte
	if len(d.Icon) == 0 {
		icon = m.findIcon(ctx, d.RSSURL, doc.IconURL)
	}

	var added []*storage.News
	err = m.store.Atomic(ctx, func(ctx context.Context) error {
		if err := m.fillMetadata(ctx, feed, doc); err != nil {
			return err
		}
		if icon != nil {
			if err := feed.SetIcon(ctx, icon); err != nil {
				return err
			}
		}
		var err error
		added, err = m.Ingest(ctx, feed, doc)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(added), nil
}

// fillMetadata copies title, description and site URL from the document
// into whichever of them the feed does not have yet.
func (m *Manager) fillMetadata(ctx context.Context, feed *storage.Feed, doc *Document) error {
	d := feed.Snapshot()
	if d.Title == "" && doc.Title != "" {
		if err := feed.SetTitle(ctx, doc.Title); err != nil {
			return err
		}
	}
	if d.Description == "" && doc.Description != "" {
		if err := feed.SetDescription(ctx, doc.Description); err != nil {
			return err
		}
	}
	if d.WebURL == "" && doc.WebURL != "" {
		if err := feed.SetWebURL(ctx, doc.WebURL); err != nil {
			return err
		}
	}
	return nil
}

// BulkTargets lists the feeds a bulk refresh starting at start covers:
// start itself and every descendant reachable through feeds that refresh
// with others. A nil start covers every root that refreshes with others.
func (m *Manager) BulkTargets(ctx context.Context, start *storage.Feed) ([]*storage.Feed, error) {
	keep := func(id uint32) bool {
		f, err := m.store.GetFeed(ctx, id)
		return err == nil && f.RefreshWithOthers()
	}
	var ids []uint32
	var err error
	if start == nil {
		// The virtual root is never a feed, so every real root is
		// subject to the predicate.
		ids, err = tree.Descendants(ctx, m.store, tree.Root, keep, false)
	} else {
		ids, err = tree.Descendants(ctx, m.store, start.ID(), keep, true)
	}
	if err != nil {
		return nil, err
	}
	feeds := make([]*storage.Feed, 0, len(ids))
	for _, id := range ids {
		f, err := m.store.GetFeed(ctx, id)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, nil
}

// RefreshDescendants refreshes start and its qualifying descendants one
// after another. Failures are logged and do not stop the sweep.
func (m *Manager) RefreshDescendants(ctx context.Context, start *storage.Feed) error {
	feeds, err := m.BulkTargets(ctx, start)
	if err != nil {
		return err
	}
	m.refreshEach(ctx, feeds)
	return nil
}

// RefreshAll refreshes every feed that takes part in bulk refreshes.
func (m *Manager) RefreshAll(ctx context.Context) error {
	feeds, err := m.BulkTargets(ctx, nil)
	if err != nil {
		return err
	}
	m.refreshEach(ctx, feeds)
	return nil
}

func (m *Manager) refreshEach(ctx context.Context, feeds []*storage.Feed) {
	for _, f := range feeds {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Refresh(ctx, f); err != nil {
			debuglog.Warnf("%v", err)
		}
	}
}
