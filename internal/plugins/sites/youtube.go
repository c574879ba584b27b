package sites

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pders01/feedtree/internal/plugins"
)

const youtubeFeeds = "https://www.youtube.com/feeds/videos.xml"

// YouTube maps channel and playlist pages to the videos.xml feed. Handle
// pages (@name) carry a feed link and are left to discovery.
type YouTube struct{}

func NewYouTube() *YouTube { return &YouTube{} }

func (*YouTube) Name() string { return "youtube" }

func (*YouTube) Priority() int { return 50 }

func (*YouTube) CanHandle(rawURL string) bool {
	_, _, ok := youtubeFeed(rawURL)
	return ok
}

func (*YouTube) EnhanceFeed(_ context.Context, rawURL string, _ *http.Client) (*plugins.FeedInfo, error) {
	key, id, _ := youtubeFeed(rawURL)
	q := url.Values{key: {id}}
	info := &plugins.FeedInfo{
		OriginalURL: rawURL,
		FeedURL:     youtubeFeeds + "?" + q.Encode(),
		Metadata:    map[string]string{key: id},
	}
	if key == "playlist_id" {
		info.Description = "Videos of playlist " + id
	} else {
		info.Description = "Videos of channel " + id
	}
	return info, nil
}

func youtubeFeed(rawURL string) (key, id string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}
	switch strings.ToLower(u.Hostname()) {
	case "youtube.com", "www.youtube.com", "m.youtube.com":
	default:
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case len(parts) >= 2 && parts[0] == "channel" && parts[1] != "":
		return "channel_id", parts[1], true
	case len(parts) == 1 && parts[0] == "playlist" && u.Query().Get("list") != "":
		return "playlist_id", u.Query().Get("list"), true
	}
	return "", "", false
}

// Register adds every site plugin and the discovery fallback to r.
func Register(r *plugins.Registry) {
	r.Register(NewReddit(), NewYouTube(), plugins.NewDiscovery())
}
