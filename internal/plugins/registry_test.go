package plugins

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedtree/internal/validation"
)

// mockPlugin is a test plugin for testing the registry
type mockPlugin struct {
	name      string
	priority  int
	canHandle func(string) bool
	enhance   func(context.Context, string, *http.Client) (*FeedInfo, error)
}

func (p *mockPlugin) Name() string { return p.name }

func (p *mockPlugin) CanHandle(url string) bool {
	return p.canHandle != nil && p.canHandle(url)
}

func (p *mockPlugin) EnhanceFeed(ctx context.Context, url string, client *http.Client) (*FeedInfo, error) {
	if p.enhance != nil {
		return p.enhance(ctx, url, client)
	}
	return &FeedInfo{OriginalURL: url, FeedURL: url + "/feed", Title: "Mock Feed"}, nil
}

func (p *mockPlugin) Priority() int { return p.priority }

func always(string) bool { return true }

func TestRegistry_FindPlugin(t *testing.T) {
	r := NewRegistry(time.Second, "", nil)
	assert.Nil(t, r.FindPlugin("https://example.com"))

	low := &mockPlugin{name: "low", priority: 10, canHandle: always}
	high := &mockPlugin{name: "high", priority: 90, canHandle: always}
	picky := &mockPlugin{name: "picky", priority: 100, canHandle: func(u string) bool { return u == "https://picky.example" }}
	twin := &mockPlugin{name: "twin", priority: 90, canHandle: always}
	r.Register(low, high, picky, twin)

	assert.Same(t, high, r.FindPlugin("https://example.com"), "ties go to the first registered")
	assert.Same(t, picky, r.FindPlugin("https://picky.example"))

	names := []string{}
	for _, p := range r.ListPlugins() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"picky", "high", "twin", "low"}, names)
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(time.Second, "", validation.NewFeedURLValidator())

	info, err := r.Resolve(context.Background(), "example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/rss", info.FeedURL, "no plugin keeps the normalized url")
	assert.False(t, info.Resolved())

	_, err = r.Resolve(context.Background(), "http://127.0.0.1/feed")
	assert.Error(t, err, "the validator runs before any plugin")

	r.Register(&mockPlugin{name: "mock", priority: 1, canHandle: always})
	info, err = r.Resolve(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.True(t, info.Resolved())
	assert.Equal(t, "https://example.com/feed", info.FeedURL)
	assert.Equal(t, "mock", info.Metadata["plugin"])
}

func TestRegistry_ResolveErrors(t *testing.T) {
	r := NewRegistry(time.Second, "", validation.NewFeedURLValidator())
	boom := errors.New("boom")
	r.Register(&mockPlugin{name: "failing", priority: 1, canHandle: always,
		enhance: func(context.Context, string, *http.Client) (*FeedInfo, error) { return nil, boom }})
	_, err := r.Resolve(context.Background(), "https://example.com")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")

	r = NewRegistry(time.Second, "", validation.NewFeedURLValidator())
	r.Register(&mockPlugin{name: "sneaky", priority: 1, canHandle: always,
		enhance: func(_ context.Context, u string, _ *http.Client) (*FeedInfo, error) {
			return &FeedInfo{OriginalURL: u, FeedURL: "http://localhost/feed"}, nil
		}})
	_, err = r.Resolve(context.Background(), "https://example.com")
	assert.Error(t, err, "resolved urls are validated too")
}

func TestRegistry_UserAgent(t *testing.T) {
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.UserAgent()
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(`<rss version="2.0"><channel/></rss>`))
	}))
	defer srv.Close()

	r := NewRegistry(time.Second, "feedtree-test/1.0", validation.NewPermissiveFeedURLValidator())
	r.Register(NewDiscovery())
	info, err := r.Resolve(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, "feedtree-test/1.0", agent)
	assert.Equal(t, "feed", info.Metadata["kind"])
	assert.False(t, info.Resolved())
}
