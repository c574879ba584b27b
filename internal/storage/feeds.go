package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/rules"
	"github.com/pders01/feedtree/internal/tree"
)

// DefaultAutorefreshInterval is one day, in seconds.
const DefaultAutorefreshInterval int64 = 86400

// FeedInput holds the fields for AddFeed. Zero values take the defaults.
type FeedInput struct {
	Parent      *Feed
	RSSURL      string
	WebURL      string
	Title       string
	Description string
	// AutorefreshInterval of zero selects DefaultAutorefreshInterval. A
	// negative interval disables autorefresh.
	AutorefreshInterval int64
	// RefreshWithOthers defaults to true when nil.
	RefreshWithOthers *bool
	IsolateGUIDs      bool
	Icon              []byte
	// UIOrderRank of zero places the feed after every existing one.
	UIOrderRank float64
}

func (s *Store) AddFeed(ctx context.Context, in FeedInput) (*Feed, error) {
	d := FeedData{
		Title:               strings.TrimSpace(in.Title),
		Description:         strings.TrimSpace(in.Description),
		WebURL:              strings.TrimSpace(in.WebURL),
		AutorefreshInterval: in.AutorefreshInterval,
		RefreshWithOthers:   true,
		IsolateGUIDs:        in.IsolateGUIDs,
		UIOrderRank:         in.UIOrderRank,
	}
	if d.AutorefreshInterval == 0 {
		d.AutorefreshInterval = DefaultAutorefreshInterval
	}
	if in.RefreshWithOthers != nil {
		d.RefreshWithOthers = *in.RefreshWithOthers
	}
	if d.UIOrderRank < 0 {
		return nil, invalid("ui_order_rank must be positive, got %v", d.UIOrderRank)
	}
	var err error
	if d.RSSURL, err = s.normalizeRSSURL(in.RSSURL); err != nil {
		return nil, err
	}
	if len(in.Icon) > 0 {
		if d.Icon, err = NormalizeIcon(in.Icon); err != nil {
			return nil, err
		}
	}

	var feed *Feed
	err = s.update(ctx, func(ctx context.Context, sc *scope) error {
		if in.Parent != nil {
			if _, err := s.loadFeed(sc, sc.tx, in.Parent.ID()); err != nil {
				return err
			}
			d.ParentID = in.Parent.ID()
		}
		if d.UIOrderRank == 0 {
			last, err := s.lastRank(sc, sc.tx)
			if err != nil {
				return err
			}
			d.UIOrderRank = last + 1
		}
		d.ID = s.newID(sc.tx, feedsBucket)
		d.Created = s.unixNow()
		if err := putJSON(sc.tx, feedsBucket, d.ID, d); err != nil {
			return err
		}
		if err := sc.tx.Bucket(feedsByParentBucket).Put(pairKey(d.ParentID, d.ID), nil); err != nil {
			return err
		}
		feed = s.cacheFeed(sc, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adding feed: %w", err)
	}
	debuglog.Infof("Added %s", feed)
	return feed, nil
}

func (s *Store) normalizeRSSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	normalized, err := s.urls.ValidateAndNormalize(raw)
	if err != nil {
		return "", invalid("rss_url: %v", err)
	}
	return normalized, nil
}

// cacheFeed registers a freshly inserted row. Rollback forgets it again.
func (s *Store) cacheFeed(sc *scope, d FeedData) *Feed {
	f := &Feed{store: s, id: d.ID, data: d}
	s.feeds.put(d.ID, f)
	sc.onRollback(func() {
		f.mu.Lock()
		f.deleted = true
		f.mu.Unlock()
		s.feeds.remove(d.ID)
	})
	return f
}

// loadFeed returns the canonical instance for id. sc may be nil for
// read-only transactions.
func (s *Store) loadFeed(sc *scope, tx *bolt.Tx, id uint32) (*Feed, error) {
	if f, ok := s.feeds.get(id); ok {
		return f, nil
	}
	var d FeedData
	found, err := getJSON(tx, feedsBucket, id, &d)
	if err != nil {
		return nil, fmt.Errorf("decoding feed %d: %w", id, err)
	}
	if !found {
		return nil, &NotFoundError{Kind: kindFeed, ID: id}
	}
	f := s.feeds.adopt(id, &Feed{store: s, id: d.ID, data: d})
	if sc != nil {
		// The row may carry writes that are not committed yet.
		sc.onRollback(func() { s.feeds.remove(id) })
	}
	return f, nil
}

func (s *Store) GetFeed(ctx context.Context, id uint32) (*Feed, error) {
	var feed *Feed
	err := s.view(ctx, func(tx *bolt.Tx) (err error) {
		feed, err = s.loadFeed(scopeFrom(ctx), tx, id)
		return err
	})
	return feed, err
}

func (s *Store) allFeeds(sc *scope, tx *bolt.Tx) ([]*Feed, error) {
	var feeds []*Feed
	err := tx.Bucket(feedsBucket).ForEach(func(k, _ []byte) error {
		f, err := s.loadFeed(sc, tx, btoi(k))
		if err != nil {
			return err
		}
		feeds = append(feeds, f)
		return nil
	})
	return feeds, err
}

// GetFeeds returns every feed ordered by ui_order_rank.
func (s *Store) GetFeeds(ctx context.Context) ([]*Feed, error) {
	var feeds []*Feed
	err := s.view(ctx, func(tx *bolt.Tx) (err error) {
		feeds, err = s.allFeeds(scopeFrom(ctx), tx)
		return err
	})
	sortByRank(feeds)
	return feeds, err
}

// RootFeeds returns the top-level feeds in rank order.
func (s *Store) RootFeeds(ctx context.Context) ([]*Feed, error) {
	return s.feedsUnder(ctx, tree.Root)
}

func (s *Store) feedsUnder(ctx context.Context, parent uint32) ([]*Feed, error) {
	var feeds []*Feed
	err := s.view(ctx, func(tx *bolt.Tx) error {
		for _, id := range childrenOf(tx, feedsByParentBucket, parent) {
			f, err := s.loadFeed(scopeFrom(ctx), tx, id)
			if err != nil {
				return err
			}
			feeds = append(feeds, f)
		}
		return nil
	})
	sortByRank(feeds)
	return feeds, err
}

func sortByRank(feeds []*Feed) {
	sort.SliceStable(feeds, func(i, j int) bool {
		ri, rj := feeds[i].UIOrderRank(), feeds[j].UIOrderRank()
		if ri != rj {
			return ri < rj
		}
		return feeds[i].ID() < feeds[j].ID()
	})
}

// Children implements tree.Source.
func (s *Store) Children(ctx context.Context, id uint32) ([]uint32, error) {
	feeds, err := s.feedsUnder(ctx, id)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, len(feeds))
	for i, f := range feeds {
		ids[i] = f.ID()
	}
	return ids, nil
}

// Parent implements tree.Source.
func (s *Store) Parent(ctx context.Context, id uint32) (uint32, error) {
	f, err := s.GetFeed(ctx, id)
	if err != nil {
		return tree.Root, err
	}
	return f.ParentID(), nil
}

func (s *Store) lastRank(sc *scope, tx *bolt.Tx) (float64, error) {
	feeds, err := s.allFeeds(sc, tx)
	if err != nil {
		return 0, err
	}
	var last float64
	for _, f := range feeds {
		last = max(last, f.UIOrderRank())
	}
	return last, nil
}

// ReassignRanks renumbers every feed 1..N in depth-first tree order,
// keeping the existing sibling order.
func (s *Store) ReassignRanks(ctx context.Context) error {
	return s.Atomic(ctx, func(ctx context.Context) error {
		order, err := tree.Order(ctx, s)
		if err != nil {
			return err
		}
		for i, id := range order {
			f, err := s.GetFeed(ctx, id)
			if err != nil {
				return err
			}
			rank := float64(i + 1)
			if f.UIOrderRank() == rank {
				continue
			}
			if err := f.update(ctx, func(_ context.Context, d *FeedData) error {
				d.UIOrderRank = rank
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// update re-reads the row inside the transaction, applies mutate, persists
// it and swaps it in. The instance may be stale when the identity map has
// evicted it; the stored row is the base either way. Rollback restores the
// instance's previous row.
func (f *Feed) update(ctx context.Context, mutate func(ctx context.Context, d *FeedData) error) error {
	return f.store.update(ctx, func(ctx context.Context, sc *scope) error {
		f.mu.RLock()
		deleted := f.deleted
		prev := f.data
		f.mu.RUnlock()
		if deleted {
			return &NotFoundError{Kind: kindFeed, ID: f.ID()}
		}

		var next FeedData
		found, err := getJSON(sc.tx, feedsBucket, f.ID(), &next)
		if err != nil {
			return err
		}
		if !found {
			return &NotFoundError{Kind: kindFeed, ID: f.ID()}
		}
		if err := mutate(ctx, &next); err != nil {
			return err
		}
		if err := putJSON(sc.tx, feedsBucket, next.ID, next); err != nil {
			return err
		}
		f.mu.Lock()
		f.data = next
		f.mu.Unlock()
		sc.onRollback(func() {
			f.mu.Lock()
			f.data = prev
			f.mu.Unlock()
		})
		return nil
	})
}

func (f *Feed) SetTitle(ctx context.Context, title string) error {
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.Title = strings.TrimSpace(title)
		return nil
	})
}

func (f *Feed) SetDescription(ctx context.Context, description string) error {
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.Description = strings.TrimSpace(description)
		return nil
	})
}

func (f *Feed) SetWebURL(ctx context.Context, webURL string) error {
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.WebURL = strings.TrimSpace(webURL)
		return nil
	})
}

// SetRSSURL validates and stores the remote URL. An empty URL turns the
// feed into a folder.
func (f *Feed) SetRSSURL(ctx context.Context, rssURL string) error {
	normalized, err := f.store.normalizeRSSURL(rssURL)
	if err != nil {
		return err
	}
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.RSSURL = normalized
		return nil
	})
}

// SetAutorefreshInterval stores the interval in seconds. Values below 1
// disable autorefresh.
func (f *Feed) SetAutorefreshInterval(ctx context.Context, seconds int64) error {
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.AutorefreshInterval = seconds
		return nil
	})
}

func (f *Feed) SetRefreshWithOthers(ctx context.Context, refresh bool) error {
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.RefreshWithOthers = refresh
		return nil
	})
}

func (f *Feed) SetHTTPHeaders(ctx context.Context, headers map[string]string) error {
	clean := make(map[string]string, len(headers))
	for k, v := range headers {
		k = strings.TrimSpace(k)
		if k == "" {
			return invalid("http header with empty name")
		}
		clean[k] = strings.TrimSpace(v)
	}
	if len(clean) == 0 {
		clean = nil
	}
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.HTTPHeaders = clean
		return nil
	})
}

// ParseHTTPHeaders reads "Key: value" lines. Blank lines are skipped and a
// line without a colon is rejected.
func ParseHTTPHeaders(text string) (map[string]string, error) {
	headers := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, invalid("%q does not have a key:value pair", line)
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers, nil
}

// SetIcon normalizes raw image bytes into a small PNG. Nil clears the icon.
func (f *Feed) SetIcon(ctx context.Context, icon []byte) error {
	var normalized []byte
	if len(icon) > 0 {
		var err error
		if normalized, err = NormalizeIcon(icon); err != nil {
			return err
		}
	}
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.Icon = normalized
		return nil
	})
}

func (f *Feed) SetUIOrderRank(ctx context.Context, rank float64) error {
	if rank <= 0 {
		return invalid("ui_order_rank must be positive, got %v", rank)
	}
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.UIOrderRank = rank
		return nil
	})
}

// SetParent moves the feed under parent, or to the top level when parent
// is nil. A positive rank replaces the current one before every rank is
// reassigned.
func (f *Feed) SetParent(ctx context.Context, parent *Feed, rank float64) error {
	if rank < 0 {
		return invalid("ui_order_rank must be positive, got %v", rank)
	}
	s := f.store
	return s.Atomic(ctx, func(ctx context.Context) error {
		parentID := tree.Root
		if parent != nil {
			if _, err := s.GetFeed(ctx, parent.ID()); err != nil {
				return err
			}
			parentID = parent.ID()
		}
		if err := tree.CheckParent(ctx, s, f.ID(), parentID); err != nil {
			return fmt.Errorf("moving %s under %d: %w", f, parentID, err)
		}
		err := f.update(ctx, func(ctx context.Context, d *FeedData) error {
			index := scopeFrom(ctx).tx.Bucket(feedsByParentBucket)
			if err := index.Delete(pairKey(d.ParentID, d.ID)); err != nil {
				return err
			}
			if err := index.Put(pairKey(parentID, d.ID), nil); err != nil {
				return err
			}
			d.ParentID = parentID
			if rank > 0 {
				d.UIOrderRank = rank
			}
			return nil
		})
		if err != nil {
			return err
		}
		return s.ReassignRanks(ctx)
	})
}

// RecordRefresh stores the outcome of a refresh attempt made at unix time
// attempt. A nil err clears the last error and marks the refresh
// successful.
func (f *Feed) RecordRefresh(ctx context.Context, attempt int64, refreshErr error) error {
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.LastRefreshAttempt = attempt
		if refreshErr != nil {
			msg := refreshErr.Error()
			d.LastRefreshError = &msg
			return nil
		}
		d.LastRefresh = attempt
		d.LastRefreshError = nil
		return nil
	})
}

func (f *Feed) ClearLastRefreshError(ctx context.Context) error {
	if f.Snapshot().LastRefreshError == nil {
		return nil
	}
	return f.update(ctx, func(_ context.Context, d *FeedData) error {
		d.LastRefreshError = nil
		return nil
	})
}

// Filters returns the filters attached to this feed in rank order.
func (f *Feed) Filters(ctx context.Context) ([]*Filter, error) {
	s := f.store
	var filters []*Filter
	err := s.view(ctx, func(tx *bolt.Tx) error {
		type ranked struct {
			id   uint32
			rank uint32
		}
		var rows []ranked
		prefix := itob(f.ID())
		c := tx.Bucket(feedFiltersBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && btoi(k[:4]) == f.ID(); k, v = c.Next() {
			rows = append(rows, ranked{id: btoi(k[4:]), rank: btoi(v)})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].rank < rows[j].rank })
		for _, row := range rows {
			filt, err := s.loadFilter(scopeFrom(ctx), tx, row.id)
			if err != nil {
				return err
			}
			filters = append(filters, filt)
		}
		return nil
	})
	return filters, err
}

// SetFilters replaces the ordered list of filters attached to the feed.
func (f *Feed) SetFilters(ctx context.Context, filters []*Filter) error {
	seen := make(map[uint32]bool, len(filters))
	for _, filt := range filters {
		if seen[filt.ID()] {
			return invalid("%s was provided in the list twice", filt)
		}
		seen[filt.ID()] = true
	}

	s := f.store
	return s.update(ctx, func(ctx context.Context, sc *scope) error {
		if _, err := s.loadFeed(sc, sc.tx, f.ID()); err != nil {
			return err
		}
		for _, filt := range filters {
			if _, err := s.loadFilter(sc, sc.tx, filt.ID()); err != nil {
				return err
			}
		}

		forward := sc.tx.Bucket(feedFiltersBucket)
		reverse := sc.tx.Bucket(filterFeedsBucket)
		for _, old := range childrenOf(sc.tx, feedFiltersBucket, f.ID()) {
			if err := forward.Delete(pairKey(f.ID(), old)); err != nil {
				return err
			}
			if err := reverse.Delete(pairKey(old, f.ID())); err != nil {
				return err
			}
		}
		for i, filt := range filters {
			if err := forward.Put(pairKey(f.ID(), filt.ID()), itob(uint32(i+1))); err != nil {
				return err
			}
			if err := reverse.Put(pairKey(filt.ID(), f.ID()), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// movesTo reports whether raw action text contains move_to_feed:id.
func movesTo(actions string, id uint32) bool {
	for _, line := range strings.Split(actions, "\n") {
		name, arg, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) != "move_to_feed" {
			continue
		}
		if target, err := rules.ParseFeedID(strings.TrimSpace(arg)); err == nil && target == id {
			return true
		}
	}
	return false
}

// Delete removes the feed and the news it currently owns. Children move up
// to the feed's parent. It fails with an InUseError while any filter moves
// news into this feed.
func (f *Feed) Delete(ctx context.Context) error {
	s := f.store
	err := s.Atomic(ctx, func(ctx context.Context) error {
		sc := scopeFrom(ctx)
		if _, err := s.loadFeed(sc, sc.tx, f.ID()); err != nil {
			return err
		}

		var users []uint32
		err := sc.tx.Bucket(filtersBucket).ForEach(func(k, v []byte) error {
			var d FilterData
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decoding filter %d: %w", btoi(k), err)
			}
			if movesTo(d.Actions, f.ID()) {
				users = append(users, d.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(users) > 0 {
			return &InUseError{Kind: kindFeed, ID: f.ID(), Users: users}
		}

		debuglog.Infof("Deleting %s", f)
		var parent *Feed
		if pid := f.ParentID(); pid != tree.Root {
			if parent, err = s.GetFeed(ctx, pid); err != nil {
				return err
			}
		}
		children, err := s.feedsUnder(ctx, f.ID())
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := child.SetParent(ctx, parent, 0); err != nil {
				return err
			}
		}
		if err := f.SetFilters(ctx, nil); err != nil {
			return err
		}
		for _, newsID := range childrenOf(sc.tx, newsByFeedBucket, f.ID()) {
			if err := s.deleteNews(sc, newsID); err != nil {
				return err
			}
		}

		if err := sc.tx.Bucket(feedsByParentBucket).Delete(pairKey(f.ParentID(), f.ID())); err != nil {
			return err
		}
		if err := sc.tx.Bucket(feedsBucket).Delete(itob(f.ID())); err != nil {
			return err
		}
		f.mu.Lock()
		f.deleted = true
		f.mu.Unlock()
		s.feeds.remove(f.ID())
		sc.onRollback(func() {
			f.mu.Lock()
			f.deleted = false
			f.mu.Unlock()
			s.feeds.put(f.ID(), f)
		})
		return s.ReassignRanks(ctx)
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", f, err)
	}
	return nil
}

// Deleted reports whether the feed has been removed.
func (f *Feed) Deleted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.deleted
}

// UnreadCount counts news that are neither read nor recycled in this feed
// and every descendant.
func (f *Feed) UnreadCount(ctx context.Context) (int, error) {
	s := f.store
	ids, err := tree.Descendants(ctx, s, f.ID(), nil, true)
	if err != nil {
		return 0, err
	}
	total := 0
	err = s.view(ctx, func(tx *bolt.Tx) error {
		for _, id := range ids {
			for _, newsID := range childrenOf(tx, newsByFeedBucket, id) {
				var d NewsData
				if _, err := getJSON(tx, newsBucket, newsID, &d); err != nil {
					return err
				}
				if !d.Read && !d.Recycled {
					total++
				}
			}
		}
		return nil
	})
	return total, err
}

// BulkUnreadCounts computes UnreadCount for every feed with one pass over
// the news rows. Feeds with nothing unread map to zero.
func (s *Store) BulkUnreadCounts(ctx context.Context) (map[uint32]int, error) {
	direct := map[uint32]int{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(newsBucket).ForEach(func(_, v []byte) error {
			var d NewsData
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if !d.Read && !d.Recycled {
				direct[d.FeedID]++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tree.Rollup(ctx, s, direct)
}

// MapOptions selects the expanded fields of Feed.Map.
type MapOptions struct {
	Filters     bool
	Icon        bool
	UnreadCount bool
}

// Map serializes the feed into a plain attribute map.
func (f *Feed) Map(ctx context.Context, opts MapOptions) (map[string]any, error) {
	d := f.Snapshot()
	m := map[string]any{
		"type":                 "feed",
		"id":                   d.ID,
		"autorefresh_interval": d.AutorefreshInterval,
		"created":              d.Created,
		"description":          d.Description,
		"display_name":         d.DisplayName(),
		"http_headers":         d.HTTPHeaders,
		"isolate_guids":        d.IsolateGUIDs,
		"last_refresh":         d.LastRefresh,
		"last_refresh_attempt": d.LastRefreshAttempt,
		"last_refresh_error":   d.LastRefreshError,
		"parent_id":            d.ParentID,
		"refresh_with_others":  d.RefreshWithOthers,
		"rss_url":              d.RSSURL,
		"title":                d.Title,
		"ui_order_rank":        d.UIOrderRank,
		"web_url":              d.WebURL,
	}
	if opts.Filters {
		filters, err := f.Filters(ctx)
		if err != nil {
			return nil, err
		}
		list := make([]map[string]any, len(filters))
		for i, filt := range filters {
			list[i] = filt.Map()
		}
		m["filters"] = list
	}
	if opts.Icon {
		var icon any
		if len(d.Icon) > 0 {
			icon = base64.StdEncoding.EncodeToString(d.Icon)
		}
		m["icon"] = icon
	}
	if opts.UnreadCount {
		n, err := f.UnreadCount(ctx)
		if err != nil {
			return nil, err
		}
		m["unread_count"] = n
	}
	return m, nil
}
