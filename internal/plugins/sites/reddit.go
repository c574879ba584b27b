// Package sites holds plugins for hosts whose feeds live at known paths.
package sites

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pders01/feedtree/internal/plugins"
)

// Reddit maps subreddit and user pages to their .rss endpoints.
type Reddit struct{}

func NewReddit() *Reddit { return &Reddit{} }

func (*Reddit) Name() string { return "reddit" }

func (*Reddit) Priority() int { return 50 }

func (*Reddit) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || !isRedditHost(u.Hostname()) {
		return false
	}
	kind, name := redditPath(u.Path)
	return kind != "" && name != "" && !strings.HasSuffix(u.Path, ".rss")
}

func (*Reddit) EnhanceFeed(_ context.Context, rawURL string, _ *http.Client) (*plugins.FeedInfo, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	kind, name := redditPath(u.Path)
	feed := url.URL{
		Scheme: "https",
		Host:   "www.reddit.com",
		Path:   strings.TrimSuffix(u.Path, "/") + ".rss",
	}

	info := &plugins.FeedInfo{
		OriginalURL: rawURL,
		FeedURL:     feed.String(),
		Metadata:    map[string]string{"subreddit": name},
	}
	switch kind {
	case "r":
		info.Title = "Reddit - r/" + name
		info.Description = "Posts from r/" + name
	case "user", "u":
		info.Title = "Reddit - u/" + name
		info.Description = "Posts by u/" + name
		info.Metadata = map[string]string{"user": name}
	}
	return info, nil
}

func isRedditHost(host string) bool {
	host = strings.ToLower(host)
	return host == "reddit.com" || strings.HasSuffix(host, ".reddit.com")
}

// redditPath splits "/r/golang/..." into ("r", "golang").
func redditPath(path string) (kind, name string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return "", ""
	}
	switch parts[0] {
	case "r", "user", "u":
		return parts[0], parts[1]
	}
	return "", ""
}
