package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedtree/internal/config"
	"github.com/pders01/feedtree/internal/storage"
	"github.com/pders01/feedtree/internal/validation"
)

var fixedNow = time.Unix(1_700_000_000, 0)

const twoEntryRSS = `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Two Entries</title>
  <link>https://example.com/</link>
  <item><title>one</title><guid>guid-1</guid></item>
  <item><title>two</title><guid>guid-2</guid></item>
</channel></rss>`

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	opts := storage.DefaultOptions()
	opts.URLs = validation.NewPermissiveFeedURLValidator()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store := openStore(t)
	m := NewManager(store, config.TestConfig())
	m.now = func() time.Time { return fixedNow }
	return m, store
}

func mustAddFeed(t *testing.T, m *Manager, in storage.FeedInput) *storage.Feed {
	t.Helper()
	f, err := m.AddFeed(context.Background(), in)
	require.NoError(t, err)
	return f
}

func mustAddFilter(t *testing.T, m *Manager, name, conditions, actions string) *storage.Filter {
	t.Helper()
	f, err := m.AddFilter(context.Background(), name, conditions, actions)
	require.NoError(t, err)
	return f
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// feedServer serves body at /feed.xml with an ETag, a PNG at
// /favicon.png and nothing at /favicon.ico.
type feedServer struct {
	*httptest.Server
	mu          sync.Mutex
	body        string
	status      int
	notModified atomic.Int32
	feedHits    atomic.Int32
}

func newFeedServer(t *testing.T, body string) *feedServer {
	t.Helper()
	fs := &feedServer{body: body, status: http.StatusOK}
	icon := pngBytes(t, 64, 64)
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		fs.feedHits.Add(1)
		fs.mu.Lock()
		body, status := fs.body, fs.status
		fs.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		etag := fmt.Sprintf(`"%x"`, len(body))
		if r.Header.Get("If-None-Match") == etag {
			fs.notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/favicon.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(icon)
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) set(status int, body string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.status, fs.body = status, body
}

func TestManager_RefreshEndToEnd(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()
	srv := newFeedServer(t, twoEntryRSS)

	feed := mustAddFeed(t, m, storage.FeedInput{RSSURL: srv.URL + "/feed.xml", AutorefreshInterval: 3600})

	added, err := m.Refresh(ctx, feed)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	d := feed.Snapshot()
	assert.Equal(t, "Two Entries", d.Title)
	assert.Equal(t, "https://example.com/", d.WebURL)
	assert.Equal(t, fixedNow.Unix(), d.LastRefreshAttempt)
	assert.Equal(t, fixedNow.Unix(), d.LastRefresh)
	assert.Nil(t, d.LastRefreshError)
	assert.Equal(t, fixedNow.Unix()+3600, feed.NextRefresh())
	require.NotEmpty(t, d.Icon, "favicon.png fallback")
	cfg, err := png.DecodeConfig(bytes.NewReader(d.Icon))
	require.NoError(t, err)
	assert.Equal(t, storage.IconSize, cfg.Width)

	news, err := store.ListNews(ctx, storage.NewsQuery{Feed: feed})
	require.NoError(t, err)
	assert.Len(t, news, 2)

	// The second fetch revalidates, gets a 304 and still ingests nothing new.
	added, err = m.Refresh(ctx, feed)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, int32(1), srv.notModified.Load())

	_, _, count, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestManager_RefreshFailureIsRecorded(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	srv := newFeedServer(t, twoEntryRSS)
	srv.set(http.StatusServiceUnavailable, "")

	feed := mustAddFeed(t, m, storage.FeedInput{RSSURL: srv.URL + "/feed.xml", AutorefreshInterval: 600})

	_, err := m.Refresh(ctx, feed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHTTPStatus)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)

	d := feed.Snapshot()
	require.NotNil(t, d.LastRefreshError)
	assert.Contains(t, *d.LastRefreshError, "503")
	assert.Equal(t, fixedNow.Unix(), d.LastRefreshAttempt)
	assert.Zero(t, d.LastRefresh)
	assert.Equal(t, fixedNow.Unix()+600, feed.NextRefresh())

	srv.set(http.StatusOK, twoEntryRSS)
	added, err := m.Refresh(ctx, feed)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Nil(t, feed.Snapshot().LastRefreshError)
}

func TestManager_RefreshBadDocumentKeepsNothing(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()
	srv := newFeedServer(t, `<html><body>not a feed</body></html>`)

	feed := mustAddFeed(t, m, storage.FeedInput{RSSURL: srv.URL + "/feed.xml"})
	_, err := m.Refresh(ctx, feed)
	assert.ErrorIs(t, err, ErrNeitherAtomNorRSS)
	assert.Empty(t, feed.Title(), "metadata is not touched when parsing fails")

	_, _, count, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestManager_RefreshFolder(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	folder := mustAddFeed(t, m, storage.FeedInput{Title: "folder"})
	require.NoError(t, folder.RecordRefresh(ctx, 5, errors.New("stale")))

	added, err := m.Refresh(ctx, folder)
	require.NoError(t, err)
	assert.Zero(t, added)
	d := folder.Snapshot()
	assert.Nil(t, d.LastRefreshError)
	assert.Equal(t, int64(5), d.LastRefreshAttempt, "folders are never fetched")
}

func TestManager_IngestDedup(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()
	doc, err := NewParser().Parse([]byte(twoEntryRSS), 0)
	require.NoError(t, err)

	shared := mustAddFeed(t, m, storage.FeedInput{Title: "shared"})
	added, err := m.Ingest(ctx, shared, doc)
	require.NoError(t, err)
	assert.Len(t, added, 2)

	added, err = m.Ingest(ctx, shared, doc)
	require.NoError(t, err)
	assert.Empty(t, added)

	// Without isolation the same guids collide across feeds.
	other := mustAddFeed(t, m, storage.FeedInput{Title: "other"})
	added, err = m.Ingest(ctx, other, doc)
	require.NoError(t, err)
	assert.Empty(t, added)

	isolated := mustAddFeed(t, m, storage.FeedInput{Title: "isolated", IsolateGUIDs: true})
	added, err = m.Ingest(ctx, isolated, doc)
	require.NoError(t, err)
	assert.Len(t, added, 2)

	_, _, count, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestManager_RoutingCycleRollsBack(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	a := mustAddFeed(t, m, storage.FeedInput{Title: "a"})
	b := mustAddFeed(t, m, storage.FeedInput{Title: "b"})
	toB := mustAddFilter(t, m, "to b", "always", fmt.Sprintf("move_to_feed:%d\nthen_continue_filters", b.ID()))
	toA := mustAddFilter(t, m, "to a", "always", fmt.Sprintf("move_to_feed:%d\nthen_continue_filters", a.ID()))
	require.NoError(t, a.SetFilters(ctx, []*storage.Filter{toB}))
	require.NoError(t, b.SetFilters(ctx, []*storage.Filter{toA}))

	doc := &Document{Entries: []storage.NewsInput{{GUID: "ping-pong", Title: "ping"}}}
	_, err := m.Ingest(ctx, a, doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRoutingCycle)
	assert.Contains(t, err.Error(), "20 times")

	_, _, count, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	_, found, err := store.DuplicateNews(ctx, a, "ping-pong")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_FiltersFallThroughToAncestors(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	parent := mustAddFeed(t, m, storage.FeedInput{Title: "parent"})
	child := mustAddFeed(t, m, storage.FeedInput{Title: "child", Parent: parent})
	ads := mustAddFilter(t, m, "ads", `title_regex:^\[ad\]`, "set_recycled:true\nthen_stop_filters")
	markRead := mustAddFilter(t, m, "mark read", "always", "set_read:true\nthen_stop_filters")
	require.NoError(t, child.SetFilters(ctx, []*storage.Filter{ads}))
	require.NoError(t, parent.SetFilters(ctx, []*storage.Filter{markRead}))

	doc := &Document{Entries: []storage.NewsInput{
		{GUID: "ad", Title: "[ad] buy now"},
		{GUID: "real", Title: "real news"},
	}}
	added, err := m.Ingest(ctx, child, doc)
	require.NoError(t, err)
	require.Len(t, added, 2)

	ad := added[0].Snapshot()
	assert.True(t, ad.Recycled)
	assert.False(t, ad.Read, "the chain stopped before the parent's filter")

	real := added[1].Snapshot()
	assert.False(t, real.Recycled)
	assert.True(t, real.Read, "inherited filter ran")
}

func TestManager_MoveRestartsChainAtDestination(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	inbox := mustAddFeed(t, m, storage.FeedInput{Title: "inbox"})
	archive := mustAddFeed(t, m, storage.FeedInput{Title: "archive"})
	route := mustAddFilter(t, m, "route", "has_url", fmt.Sprintf("move_to_feed:%d\nthen_continue_filters", archive.ID()))
	never := mustAddFilter(t, m, "never", "always", "set_recycled:true\nthen_stop_filters")
	markRead := mustAddFilter(t, m, "archive read", "always", "set_read:true\nthen_stop_filters")
	require.NoError(t, inbox.SetFilters(ctx, []*storage.Filter{route, never}))
	require.NoError(t, archive.SetFilters(ctx, []*storage.Filter{markRead}))

	doc := &Document{Entries: []storage.NewsInput{{GUID: "x", Title: "x", WebURL: "https://example.com/x"}}}
	added, err := m.Ingest(ctx, inbox, doc)
	require.NoError(t, err)
	require.Len(t, added, 1)

	d := added[0].Snapshot()
	assert.Equal(t, archive.ID(), d.FeedID)
	assert.Equal(t, inbox.ID(), d.OriginalFeedID)
	assert.True(t, d.Read)
	assert.False(t, d.Recycled, "the rest of the inbox chain was dropped")
}

func TestManager_BulkTargets(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	no := false

	root := mustAddFeed(t, m, storage.FeedInput{Title: "root"})
	manual := mustAddFeed(t, m, storage.FeedInput{Title: "manual", Parent: root, RefreshWithOthers: &no})
	grandchild := mustAddFeed(t, m, storage.FeedInput{Title: "grandchild", Parent: manual})
	sibling := mustAddFeed(t, m, storage.FeedInput{Title: "sibling", Parent: root})
	mustAddFeed(t, m, storage.FeedInput{Title: "manual root", RefreshWithOthers: &no})

	ids := func(feeds []*storage.Feed) []uint32 {
		out := make([]uint32, len(feeds))
		for i, f := range feeds {
			out[i] = f.ID()
		}
		return out
	}

	all, err := m.BulkTargets(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{root.ID(), sibling.ID()}, ids(all))

	fromManual, err := m.BulkTargets(ctx, manual)
	require.NoError(t, err)
	assert.Equal(t, []uint32{manual.ID(), grandchild.ID()}, ids(fromManual), "the requested feed is never excluded")
}

func TestManager_RefreshDescendantsContinuesOnFailure(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()
	good := newFeedServer(t, twoEntryRSS)
	bad := newFeedServer(t, "")
	bad.set(http.StatusInternalServerError, "")

	folder := mustAddFeed(t, m, storage.FeedInput{Title: "folder"})
	broken := mustAddFeed(t, m, storage.FeedInput{RSSURL: bad.URL + "/feed.xml", Parent: folder})
	working := mustAddFeed(t, m, storage.FeedInput{RSSURL: good.URL + "/feed.xml", Parent: folder})

	require.NoError(t, m.RefreshDescendants(ctx, folder))

	assert.NotNil(t, broken.Snapshot().LastRefreshError)
	assert.Nil(t, working.Snapshot().LastRefreshError)
	news, err := store.ListNews(ctx, storage.NewsQuery{Feed: folder})
	require.NoError(t, err)
	assert.Len(t, news, 2)
}

type recordingIndex struct {
	mu      sync.Mutex
	indexed []uint32
	deleted []uint32
}

func (r *recordingIndex) IndexNews(news []*storage.News) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range news {
		r.indexed = append(r.indexed, n.ID())
	}
	return nil
}

func (r *recordingIndex) DeleteNews(ids []uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, ids...)
	return nil
}

func TestManager_IndexFollowsCommits(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	idx := &recordingIndex{}
	m.SetIndexer(idx)

	feed := mustAddFeed(t, m, storage.FeedInput{Title: "f"})
	doc := &Document{Entries: []storage.NewsInput{{GUID: "1"}, {GUID: "2"}}}
	added, err := m.Ingest(ctx, feed, doc)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{added[0].ID(), added[1].ID()}, idx.indexed)

	// A rolled back ingestion indexes nothing.
	failing := errors.New("boom")
	err = m.store.Atomic(ctx, func(ctx context.Context) error {
		if _, err := m.Ingest(ctx, feed, &Document{Entries: []storage.NewsInput{{GUID: "3"}}}); err != nil {
			return err
		}
		return failing
	})
	require.ErrorIs(t, err, failing)
	assert.Len(t, idx.indexed, 2)

	require.NoError(t, m.DeleteFeed(ctx, feed))
	assert.ElementsMatch(t, idx.indexed, idx.deleted)
}

func TestIconCandidates(t *testing.T) {
	tests := []struct {
		name    string
		rssURL  string
		docIcon string
		want    []string
	}{
		{
			"fallbacks only",
			"https://blog.example.com/feed.xml?x=1",
			"",
			[]string{"https://blog.example.com/favicon.ico", "https://blog.example.com/favicon.png"},
		},
		{
			"relative document icon",
			"http://example.com/a/feed.xml",
			"/static/icon.png",
			[]string{"http://example.com/static/icon.png", "http://example.com/favicon.ico", "http://example.com/favicon.png"},
		},
		{"unparseable", "::", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, iconCandidates(tt.rssURL, tt.docIcon))
		})
	}
}
