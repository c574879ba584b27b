package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/rules"
	"github.com/pders01/feedtree/internal/tree"
)

// IsolationPrefix is prepended to the GUIDs of news first ingested into a
// feed with isolate_guids set.
func IsolationPrefix(feedID uint32) string {
	return fmt.Sprintf("_isolate_%d_", feedID)
}

// NewsInput is one parsed entry, ready to be stored.
type NewsInput struct {
	GUID        string
	Published   int64
	Updated     int64
	Title       string
	Text        string
	WebURL      string
	CommentsURL string
	Authors     []Author
	Enclosures  []Enclosure
}

// NormalizeGUID strips NUL bytes and surrounding space. An empty result is
// rejected.
func NormalizeGUID(guid string) (string, error) {
	guid = strings.TrimSpace(strings.ReplaceAll(guid, "\x00", ""))
	if guid == "" {
		return "", invalid("guid is empty")
	}
	return guid, nil
}

// dedupGUID is the stored form of guid for news entering feed.
func dedupGUID(feed *Feed, guid string) string {
	if feed.IsolateGUIDs() {
		return IsolationPrefix(feed.ID()) + guid
	}
	return guid
}

func pruneAuthors(authors []Author) []Author {
	var kept []Author
	for _, a := range authors {
		a = Author{Name: strings.TrimSpace(a.Name), Email: strings.TrimSpace(a.Email), URI: strings.TrimSpace(a.URI)}
		if a != (Author{}) {
			kept = append(kept, a)
		}
	}
	return kept
}

func pruneEnclosures(enclosures []Enclosure) []Enclosure {
	var kept []Enclosure
	for _, e := range enclosures {
		e = Enclosure{Type: strings.TrimSpace(e.Type), URL: strings.TrimSpace(e.URL), Size: max(e.Size, 0)}
		if e != (Enclosure{}) {
			kept = append(kept, e)
		}
	}
	return kept
}

// DuplicateNews looks up the news that an entry with raw guid would
// collide with if ingested into feed.
func (s *Store) DuplicateNews(ctx context.Context, feed *Feed, guid string) (*News, bool, error) {
	guid, err := NormalizeGUID(guid)
	if err != nil {
		return nil, false, err
	}
	n, err := s.NewsByGUID(ctx, dedupGUID(feed, guid))
	switch {
	case err == nil:
		return n, true, nil
	case IsNotFound(err):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// NewsByGUID finds news by its stored, isolation-adjusted GUID.
func (s *Store) NewsByGUID(ctx context.Context, guid string) (*News, error) {
	var news *News
	err := s.view(ctx, func(tx *bolt.Tx) error {
		prefix := append([]byte(guid), 0)
		k, _ := tx.Bucket(newsByGUIDBucket).Cursor().Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) || len(k) != len(prefix)+4 {
			return &NotFoundError{Kind: kindNews}
		}
		var err error
		news, err = s.loadNews(scopeFrom(ctx), tx, btoi(k[len(prefix):]))
		return err
	})
	return news, err
}

// AddNews stores a new entry in feed. The caller checks for duplicates
// first; AddNews only refuses an identical stored GUID.
func (s *Store) AddNews(ctx context.Context, feed *Feed, in NewsInput) (*News, error) {
	guid, err := NormalizeGUID(in.GUID)
	if err != nil {
		return nil, err
	}
	var news *News
	err = s.update(ctx, func(ctx context.Context, sc *scope) error {
		if _, err := s.loadFeed(sc, sc.tx, feed.ID()); err != nil {
			return err
		}
		d := NewsData{
			FeedID:         feed.ID(),
			OriginalFeedID: feed.ID(),
			GUID:           dedupGUID(feed, guid),
			Published:      in.Published,
			Updated:        in.Updated,
			Title:          strings.TrimSpace(in.Title),
			Text:           strings.TrimSpace(in.Text),
			WebURL:         strings.TrimSpace(in.WebURL),
			CommentsURL:    strings.TrimSpace(in.CommentsURL),
			Created:        s.unixNow(),
			Authors:        pruneAuthors(in.Authors),
			Enclosures:     pruneEnclosures(in.Enclosures),
		}
		if existing, err := s.NewsByGUID(ctx, d.GUID); err == nil {
			return invalid("guid %q already belongs to %s", d.GUID, existing)
		} else if !IsNotFound(err) {
			return err
		}

		d.ID = s.newID(sc.tx, newsBucket)
		if err := putJSON(sc.tx, newsBucket, d.ID, d); err != nil {
			return err
		}
		if err := sc.tx.Bucket(newsByFeedBucket).Put(pairKey(d.FeedID, d.ID), nil); err != nil {
			return err
		}
		if err := sc.tx.Bucket(newsByOriginalBucket).Put(pairKey(d.OriginalFeedID, d.ID), nil); err != nil {
			return err
		}
		if err := sc.tx.Bucket(newsByGUIDBucket).Put(guidKey(d.GUID, d.ID), nil); err != nil {
			return err
		}

		news = &News{store: s, id: d.ID, data: d}
		s.news.put(d.ID, news)
		sc.onRollback(func() {
			news.mu.Lock()
			news.deleted = true
			news.mu.Unlock()
			s.news.remove(d.ID)
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adding news to %s: %w", feed, err)
	}
	return news, nil
}

func (s *Store) loadNews(sc *scope, tx *bolt.Tx, id uint32) (*News, error) {
	if n, ok := s.news.get(id); ok {
		return n, nil
	}
	var d NewsData
	found, err := getJSON(tx, newsBucket, id, &d)
	if err != nil {
		return nil, fmt.Errorf("decoding news %d: %w", id, err)
	}
	if !found {
		return nil, &NotFoundError{Kind: kindNews, ID: id}
	}
	n := s.news.adopt(id, &News{store: s, id: id, data: d})
	if sc != nil {
		sc.onRollback(func() { s.news.remove(id) })
	}
	return n, nil
}

func (s *Store) GetNews(ctx context.Context, id uint32) (*News, error) {
	var news *News
	err := s.view(ctx, func(tx *bolt.Tx) (err error) {
		news, err = s.loadNews(scopeFrom(ctx), tx, id)
		return err
	})
	return news, err
}

// deleteNews removes a row and its index entries.
func (s *Store) deleteNews(sc *scope, id uint32) error {
	n, err := s.loadNews(sc, sc.tx, id)
	if err != nil {
		return err
	}
	d := n.Snapshot()
	for _, op := range []struct {
		bucket []byte
		key    []byte
	}{
		{newsBucket, itob(id)},
		{newsByFeedBucket, pairKey(d.FeedID, id)},
		{newsByOriginalBucket, pairKey(d.OriginalFeedID, id)},
		{newsByGUIDBucket, guidKey(d.GUID, id)},
	} {
		if err := sc.tx.Bucket(op.bucket).Delete(op.key); err != nil {
			return err
		}
	}
	n.mu.Lock()
	n.deleted = true
	n.mu.Unlock()
	s.news.remove(id)
	sc.onRollback(func() {
		n.mu.Lock()
		n.deleted = false
		n.mu.Unlock()
		s.news.put(id, n)
	})
	return nil
}

// NewsIDs lists the news currently owned by the feed itself.
func (f *Feed) NewsIDs(ctx context.Context) ([]uint32, error) {
	var ids []uint32
	err := f.store.view(ctx, func(tx *bolt.Tx) error {
		ids = childrenOf(tx, newsByFeedBucket, f.ID())
		return nil
	})
	return ids, err
}

// NewsQuery selects news for ListNews. Nil flags match either value.
type NewsQuery struct {
	// Feed restricts the result to this feed and its descendants.
	Feed     *Feed
	Read     *bool
	Recycled *bool
	Limit    int
}

// ListNews returns matching news, most recently published first.
func (s *Store) ListNews(ctx context.Context, q NewsQuery) ([]*News, error) {
	var feedIDs []uint32
	if q.Feed != nil {
		var err error
		if feedIDs, err = tree.Descendants(ctx, s, q.Feed.ID(), nil, true); err != nil {
			return nil, err
		}
	}

	keep := func(d NewsData) bool {
		if q.Read != nil && d.Read != *q.Read {
			return false
		}
		return q.Recycled == nil || d.Recycled == *q.Recycled
	}

	var news []*News
	err := s.view(ctx, func(tx *bolt.Tx) error {
		sc := scopeFrom(ctx)
		add := func(id uint32) error {
			n, err := s.loadNews(sc, tx, id)
			if err != nil {
				return err
			}
			if keep(n.Snapshot()) {
				news = append(news, n)
			}
			return nil
		}
		if q.Feed == nil {
			return tx.Bucket(newsBucket).ForEach(func(k, _ []byte) error {
				return add(btoi(k))
			})
		}
		for _, feedID := range feedIDs {
			for _, id := range childrenOf(tx, newsByFeedBucket, feedID) {
				if err := add(id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(news, func(i, j int) bool {
		pi, pj := news[i].Published(), news[j].Published()
		if pi != pj {
			return pi > pj
		}
		return news[i].ID() < news[j].ID()
	})
	if q.Limit > 0 && len(news) > q.Limit {
		news = news[:q.Limit]
	}
	return news, nil
}

func (n *News) Published() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.data.Published
}

func (n *News) update(ctx context.Context, mutate func(ctx context.Context, sc *scope, d *NewsData) error) error {
	return n.store.update(ctx, func(ctx context.Context, sc *scope) error {
		n.mu.RLock()
		deleted := n.deleted
		prev := n.data
		n.mu.RUnlock()
		if deleted {
			return &NotFoundError{Kind: kindNews, ID: n.ID()}
		}

		// The stored row is the base: an evicted instance may be stale.
		var next NewsData
		found, err := getJSON(sc.tx, newsBucket, n.ID(), &next)
		if err != nil {
			return err
		}
		if !found {
			return &NotFoundError{Kind: kindNews, ID: n.ID()}
		}
		if err := mutate(ctx, sc, &next); err != nil {
			return err
		}
		if err := putJSON(sc.tx, newsBucket, next.ID, next); err != nil {
			return err
		}
		n.mu.Lock()
		n.data = next
		n.mu.Unlock()
		sc.onRollback(func() {
			n.mu.Lock()
			n.data = prev
			n.mu.Unlock()
		})
		return nil
	})
}

// MoveToFeed changes the news' current feed. The original feed is kept.
func (n *News) MoveToFeed(ctx context.Context, feedID uint32) error {
	return n.update(ctx, func(ctx context.Context, sc *scope, d *NewsData) error {
		if d.FeedID == feedID {
			return invalid("%s is already in feed %d", n, feedID)
		}
		if _, err := n.store.loadFeed(sc, sc.tx, feedID); err != nil {
			return err
		}
		debuglog.Debugf("Moving %s from feed %d to feed %d", n, d.FeedID, feedID)
		index := sc.tx.Bucket(newsByFeedBucket)
		if err := index.Delete(pairKey(d.FeedID, d.ID)); err != nil {
			return err
		}
		if err := index.Put(pairKey(feedID, d.ID), nil); err != nil {
			return err
		}
		d.FeedID = feedID
		return nil
	})
}

func (n *News) SetRead(ctx context.Context, read bool) error {
	return n.update(ctx, func(_ context.Context, _ *scope, d *NewsData) error {
		d.Read = read
		return nil
	})
}

func (n *News) SetRecycled(ctx context.Context, recycled bool) error {
	return n.update(ctx, func(_ context.Context, _ *scope, d *NewsData) error {
		d.Recycled = recycled
		return nil
	})
}

// Feed returns the feed the news currently belongs to.
func (n *News) Feed(ctx context.Context) (*Feed, error) {
	return n.store.GetFeed(ctx, n.FeedID())
}

// RuleView projects the news for condition and script evaluation.
func (n *News) RuleView() rules.View {
	d := n.Snapshot()
	v := rules.View{
		ID:          d.ID,
		FeedID:      d.FeedID,
		Title:       d.Title,
		Text:        d.Text,
		WebURL:      d.WebURL,
		CommentsURL: d.CommentsURL,
		Published:   d.Published,
		Read:        d.Read,
		Recycled:    d.Recycled,
	}
	for _, a := range d.Authors {
		switch {
		case a.Name != "":
			v.Authors = append(v.Authors, a.Name)
		case a.Email != "":
			v.Authors = append(v.Authors, a.Email)
		default:
			v.Authors = append(v.Authors, a.URI)
		}
	}
	for _, e := range d.Enclosures {
		v.Enclosures = append(v.Enclosures, e.URL)
	}
	return v
}

// Map serializes the news. complete adds the body text.
func (n *News) Map(complete bool) map[string]any {
	d := n.Snapshot()
	published := time.Unix(d.Published, 0)
	m := map[string]any{
		"type":                   "news",
		"id":                     d.ID,
		"authors":                d.Authors,
		"comments_url":           d.CommentsURL,
		"created":                d.Created,
		"enclosures":             d.Enclosures,
		"feed_id":                d.FeedID,
		"original_feed_id":       d.OriginalFeedID,
		"published_unix":         d.Published,
		"published_string":       published.UTC().Format("2006-01-02 15:04"),
		"published_string_local": published.Local().Format("2006-01-02 15:04"),
		"read":                   d.Read,
		"recycled":               d.Recycled,
		"rss_guid":               d.GUID,
		"title":                  d.Title,
		"updated":                d.Updated,
		"web_url":                d.WebURL,
	}
	if complete {
		m["text"] = d.Text
	}
	return m
}

// SetIsolateGUIDs toggles GUID isolation and rewrites the GUIDs of every
// news originally ingested into this feed, wherever it lives now.
func (f *Feed) SetIsolateGUIDs(ctx context.Context, isolate bool) error {
	if f.IsolateGUIDs() == isolate {
		return nil
	}
	s := f.store
	prefix := IsolationPrefix(f.ID())
	return s.Atomic(ctx, func(ctx context.Context) error {
		err := f.update(ctx, func(_ context.Context, d *FeedData) error {
			d.IsolateGUIDs = isolate
			return nil
		})
		if err != nil {
			return err
		}

		sc := scopeFrom(ctx)
		guids := sc.tx.Bucket(newsByGUIDBucket)
		for _, id := range childrenOf(sc.tx, newsByOriginalBucket, f.ID()) {
			n, err := s.loadNews(sc, sc.tx, id)
			if err != nil {
				return err
			}
			err = n.update(ctx, func(_ context.Context, _ *scope, d *NewsData) error {
				old := d.GUID
				if isolate {
					d.GUID = prefix + old
				} else {
					d.GUID = strings.TrimPrefix(old, prefix)
				}
				if err := guids.Delete(guidKey(old, id)); err != nil {
					return err
				}
				return guids.Put(guidKey(d.GUID, id), nil)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
