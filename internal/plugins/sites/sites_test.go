package sites

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedtree/internal/plugins"
)

func TestReddit(t *testing.T) {
	p := NewReddit()
	assert.True(t, p.CanHandle("https://www.reddit.com/r/golang/"))
	assert.True(t, p.CanHandle("https://old.reddit.com/r/golang"))
	assert.True(t, p.CanHandle("https://reddit.com/user/spez"))
	assert.False(t, p.CanHandle("https://www.reddit.com/r/golang.rss"))
	assert.False(t, p.CanHandle("https://www.reddit.com/"))
	assert.False(t, p.CanHandle("https://notreddit.com/r/golang"))

	info, err := p.EnhanceFeed(context.Background(), "https://old.reddit.com/r/golang/", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://www.reddit.com/r/golang.rss", info.FeedURL)
	assert.Equal(t, "Reddit - r/golang", info.Title)
	assert.Equal(t, "golang", info.Metadata["subreddit"])

	info, err = p.EnhanceFeed(context.Background(), "https://reddit.com/user/spez", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://www.reddit.com/user/spez.rss", info.FeedURL)
	assert.Equal(t, "Reddit - u/spez", info.Title)
}

func TestYouTube(t *testing.T) {
	p := NewYouTube()
	assert.False(t, p.CanHandle("https://www.youtube.com/@golang"))
	assert.False(t, p.CanHandle("https://www.youtube.com/watch?v=abc"))
	assert.False(t, p.CanHandle("https://example.com/channel/UC1"))

	info, err := p.EnhanceFeed(context.Background(), "https://www.youtube.com/channel/UCabc/videos", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://www.youtube.com/feeds/videos.xml?channel_id=UCabc", info.FeedURL)

	info, err = p.EnhanceFeed(context.Background(), "https://m.youtube.com/playlist?list=PL42", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://www.youtube.com/feeds/videos.xml?playlist_id=PL42", info.FeedURL)
	assert.Equal(t, "PL42", info.Metadata["playlist_id"])
}

func TestRegisterPrefersSites(t *testing.T) {
	r := plugins.NewRegistry(time.Second, "", nil)
	Register(r)
	require.Len(t, r.ListPlugins(), 3)

	assert.Equal(t, "reddit", r.FindPlugin("https://www.reddit.com/r/golang").Name())
	assert.Equal(t, "youtube", r.FindPlugin("https://www.youtube.com/channel/UC1").Name())
	assert.Equal(t, "discovery", r.FindPlugin("https://www.youtube.com/@golang").Name())

	info, err := r.Resolve(context.Background(), "https://www.reddit.com/r/golang")
	require.NoError(t, err, "site plugins resolve without fetching")
	assert.Equal(t, "reddit", info.Metadata["plugin"])
}
