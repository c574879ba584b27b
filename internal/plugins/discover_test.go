package plugins

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blogPage = `<!DOCTYPE html>
<html><head>
<title>  A Blog </title>
<link rel="stylesheet" href="/style.css">
<link rel="alternate" type="application/json" href="/feed.json">
<link rel="alternate" type="application/atom+xml" href="/atom.xml">
<link rel="alternate" type="application/rss+xml" title="RSS" href="/rss.xml">
</head><body>
<link rel="alternate" type="application/rss+xml" href="/late.xml">
</body></html>`

func discoveryServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, blogPage)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><head><title>No feeds</title></head><body></body></html>")
	})
	mux.HandleFunc("/untyped.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel/></rss>`)
	})
	mux.HandleFunc("/missing", http.NotFound)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscovery_FindsFirstFeedLink(t *testing.T) {
	srv := discoveryServer(t)
	info, err := NewDiscovery().EnhanceFeed(context.Background(), srv.URL+"/blog", srv.Client())
	require.NoError(t, err)

	assert.True(t, info.Resolved())
	assert.Equal(t, srv.URL+"/atom.xml", info.FeedURL)
	assert.Equal(t, "A Blog", info.Title, "the page title stands in for an untitled link")
	assert.Equal(t, "2", info.Metadata["alternates"])
}

func TestDiscovery_PagesAndFeeds(t *testing.T) {
	srv := discoveryServer(t)
	d := NewDiscovery()

	info, err := d.EnhanceFeed(context.Background(), srv.URL+"/plain", srv.Client())
	require.NoError(t, err)
	assert.False(t, info.Resolved(), "a page without feed links is kept")
	assert.Equal(t, "page", info.Metadata["kind"])

	info, err = d.EnhanceFeed(context.Background(), srv.URL+"/untyped.xml", srv.Client())
	require.NoError(t, err)
	assert.Equal(t, "feed", info.Metadata["kind"])

	_, err = d.EnhanceFeed(context.Background(), srv.URL+"/missing", srv.Client())
	assert.Error(t, err)
}

func TestDiscovery_CanHandle(t *testing.T) {
	d := NewDiscovery()
	assert.True(t, d.CanHandle("https://example.com"))
	assert.True(t, d.CanHandle("HTTP://example.com"))
	assert.False(t, d.CanHandle("ftp://example.com"))
	assert.False(t, d.CanHandle("example.com"))
}

func TestDiscoverLinks(t *testing.T) {
	p, err := discoverLinks(strings.NewReader(blogPage))
	require.NoError(t, err)
	require.Len(t, p.links, 2, "links after </head> are ignored")
	assert.Equal(t, alternate{href: "/rss.xml", title: "RSS"}, p.links[1])
}

func TestIsHTML(t *testing.T) {
	tests := []struct {
		contentType string
		body        string
		want        bool
	}{
		{"text/html; charset=utf-8", "", true},
		{"application/xhtml+xml", "", true},
		{"application/rss+xml", "<html>", false},
		{"text/xml", "", false},
		{"", "\xef\xbb\xbf  <!DOCTYPE html><html>", true},
		{"", "<?xml version=\"1.0\"?><feed/>", false},
		{"text/plain", "<HTML><body>", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isHTML(tt.contentType, []byte(tt.body)), "%q %q", tt.contentType, tt.body)
	}
}
