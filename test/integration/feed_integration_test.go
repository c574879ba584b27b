package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedtree/internal/config"
	"github.com/pders01/feedtree/internal/feed"
	"github.com/pders01/feedtree/internal/refresh"
	"github.com/pders01/feedtree/internal/search"
	"github.com/pders01/feedtree/internal/storage"
	"github.com/pders01/feedtree/internal/validation"
)

// fixtures serves the feeds every test reads from.
var (
	fixtures    *httptest.Server
	cachedHits  atomic.Int32
	notModified atomic.Int32
)

func TestMain(m *testing.M) {
	fixtures = httptest.NewServer(fixtureHandler())
	code := m.Run()
	fixtures.Close()
	os.Exit(code)
}

func fixtureHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.rss", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Fixture RSS</title><link>%[1]s/</link><description>three items</description>
<item><guid>rss-1</guid><title>First</title><link>%[1]s/1</link><pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
<enclosure url="%[1]s/image1.jpg" type="image/jpeg" length="1234"/></item>
<item><guid>rss-2</guid><title>[ad] Second</title><link>%[1]s/2</link><pubDate>Tue, 03 Jan 2006 15:04:05 GMT</pubDate></item>
<item><guid>rss-3</guid><title>Third about golang</title><link>%[1]s/3</link><pubDate>Wed, 04 Jan 2006 15:04:05 GMT</pubDate></item>
</channel></rss>`, fixtures.URL)
	})
	mux.HandleFunc("/feed.atom", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
<title>Fixture Atom</title><link rel="alternate" href="%[1]s/atom"/>
<id>urn:fixture</id><updated>2006-01-02T15:04:05Z</updated>
<entry><id>urn:fixture:1</id><title>Atom one</title><updated>2006-01-02T15:04:05Z</updated><summary>first summary</summary></entry>
<entry><id>urn:fixture:2</id><title>Atom two</title><updated>2006-01-03T15:04:05Z</updated><content type="html">&lt;p&gt;second&lt;/p&gt;</content></entry>
</feed>`, fixtures.URL)
	})
	mux.HandleFunc("/cached-feed.rss", func(w http.ResponseWriter, r *http.Request) {
		cachedHits.Add(1)
		const etag = `"test-etag-123"`
		if r.Header.Get("If-None-Match") == etag {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		fmt.Fprint(w, `<rss version="2.0"><channel><title>Cached</title>
<item><guid>cached-1</guid><title>Only</title></item></channel></rss>`)
	})
	mux.HandleFunc("/rate-limited.rss", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3600")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	return mux
}

func setupTestEnvironment(t *testing.T) (*storage.Store, *feed.Manager) {
	t.Helper()
	opts := storage.DefaultOptions()
	opts.URLs = validation.NewPermissiveFeedURLValidator()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, feed.NewManager(store, config.TestConfig())
}

func addAndRefresh(t *testing.T, m *feed.Manager, path string) (*storage.Feed, int, error) {
	t.Helper()
	f, err := m.AddFeed(context.Background(), storage.FeedInput{RSSURL: fixtures.URL + path})
	require.NoError(t, err)
	added, err := m.Refresh(context.Background(), f)
	return f, added, err
}

func newsOf(t *testing.T, store *storage.Store, f *storage.Feed) []storage.NewsData {
	t.Helper()
	news, err := store.ListNews(context.Background(), storage.NewsQuery{Feed: f})
	require.NoError(t, err)
	out := make([]storage.NewsData, len(news))
	for i, n := range news {
		out[i] = n.Snapshot()
	}
	return out
}

func TestIntegration_FetchRSSFeed(t *testing.T) {
	store, m := setupTestEnvironment(t)

	f, added, err := addAndRefresh(t, m, "/feed.rss")
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	assert.Equal(t, "Fixture RSS", f.Title())
	assert.Equal(t, fixtures.URL+"/", f.Snapshot().WebURL)

	news := newsOf(t, store, f)
	require.Len(t, news, 3)
	assert.Equal(t, "Third about golang", news[0].Title, "newest first")
	for _, n := range news {
		assert.NotEmpty(t, n.Title)
		assert.NotEmpty(t, n.WebURL)
		assert.False(t, n.Read)
	}
}

func TestIntegration_FetchAtomFeed(t *testing.T) {
	store, m := setupTestEnvironment(t)

	f, added, err := addAndRefresh(t, m, "/feed.atom")
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, "Fixture Atom", f.Title())

	news := newsOf(t, store, f)
	require.Len(t, news, 2)
	assert.Equal(t, "<p>second</p>", news[0].Text)
	assert.Equal(t, "first summary", news[1].Text)
}

func TestIntegration_CachingHeaders(t *testing.T) {
	_, m := setupTestEnvironment(t)
	hits, unchanged := cachedHits.Load(), notModified.Load()

	f, added, err := addAndRefresh(t, m, "/cached-feed.rss")
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	added, err = m.Refresh(context.Background(), f)
	require.NoError(t, err, "a 304 reuses the cached document")
	assert.Zero(t, added)
	assert.Equal(t, hits+2, cachedHits.Load())
	assert.Equal(t, unchanged+1, notModified.Load())
	assert.Nil(t, f.Snapshot().LastRefreshError)
}

func TestIntegration_RateLimiting(t *testing.T) {
	store, m := setupTestEnvironment(t)

	f, _, err := addAndRefresh(t, m, "/rate-limited.rss")
	require.Error(t, err)
	assert.True(t, errors.Is(err, feed.ErrHTTPStatus))
	var httpErr *feed.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)

	d := f.Snapshot()
	require.NotNil(t, d.LastRefreshError)
	assert.Contains(t, *d.LastRefreshError, "429")
	assert.Zero(t, d.LastRefresh)
	assert.NotZero(t, d.LastRefreshAttempt)
	assert.Empty(t, newsOf(t, store, f))
}

func TestIntegration_EnclosureExtraction(t *testing.T) {
	store, m := setupTestEnvironment(t)

	f, _, err := addAndRefresh(t, m, "/feed.rss")
	require.NoError(t, err)

	var found bool
	for _, n := range newsOf(t, store, f) {
		for _, e := range n.Enclosures {
			if e.URL == fixtures.URL+"/image1.jpg" {
				found = true
				assert.Equal(t, "image/jpeg", e.Type)
				assert.Equal(t, int64(1234), e.Size)
			}
		}
	}
	assert.True(t, found, "expected the image enclosure to be stored")
}

// TestIntegration_RefreshService runs the scheduler and worker against the
// fixtures: every due feed is refreshed once, filters route news while it
// is ingested and the search index follows.
func TestIntegration_RefreshService(t *testing.T) {
	store, m := setupTestEnvironment(t)
	ctx := context.Background()

	index, err := search.NewMemIndex(ctx, store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })
	m.SetIndexer(index)

	folder, err := m.AddFeed(ctx, storage.FeedInput{Title: "Reading"})
	require.NoError(t, err)
	trash, err := m.AddFeed(ctx, storage.FeedInput{Title: "Ads"})
	require.NoError(t, err)
	rss, err := m.AddFeed(ctx, storage.FeedInput{RSSURL: fixtures.URL + "/feed.rss", Parent: folder})
	require.NoError(t, err)
	atom, err := m.AddFeed(ctx, storage.FeedInput{RSSURL: fixtures.URL + "/feed.atom", Parent: folder})
	require.NoError(t, err)
	broken, err := m.AddFeed(ctx, storage.FeedInput{RSSURL: fixtures.URL + "/rate-limited.rss"})
	require.NoError(t, err)

	ads, err := m.AddFilter(ctx, "ads", `title_regex:^\[ad\]`, fmt.Sprintf("move_to_feed:%d\nthen_stop_filters", trash.ID()))
	require.NoError(t, err)
	require.NoError(t, folder.SetFilters(ctx, []*storage.Filter{ads}))

	var (
		mu       sync.Mutex
		finished = map[uint32]error{}
	)
	svc := refresh.NewService(m, config.TestConfig(), func(ev refresh.Event) {
		if ev.Kind != refresh.RefreshFinished {
			return
		}
		mu.Lock()
		finished[ev.FeedID] = ev.Err
		mu.Unlock()
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, a := finished[rss.ID()]
		_, b := finished[atom.ID()]
		_, c := finished[broken.ID()]
		return a && b && c
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	assert.NoError(t, finished[rss.ID()])
	assert.NoError(t, finished[atom.ID()])
	assert.ErrorIs(t, finished[broken.ID()], feed.ErrHTTPStatus)
	mu.Unlock()

	assert.Len(t, newsOf(t, store, rss), 2, "the ad was routed away")
	assert.Len(t, newsOf(t, store, atom), 2)
	moved := newsOf(t, store, trash)
	require.Len(t, moved, 1)
	assert.Equal(t, "[ad] Second", moved[0].Title)
	assert.Equal(t, rss.ID(), moved[0].OriginalFeedID)

	assert.NotZero(t, rss.Snapshot().LastRefresh)
	assert.NotNil(t, broken.Snapshot().LastRefreshError)

	results, err := index.Search(ctx, "golang", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Third about golang", results[0].Title)
}
