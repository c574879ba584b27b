// Package plugins turns the URL a user pastes into the URL of a feed.
//
// Sites that hide their feeds behind well-known paths get a dedicated
// plugin; everything else goes through HTML autodiscovery.
package plugins

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// FeedInfo is what a plugin learned about a URL.
type FeedInfo struct {
	// OriginalURL is the URL that was asked about.
	OriginalURL string
	// FeedURL is where the feed document lives.
	FeedURL string
	// Title is a suggested feed title, empty when nothing better than the
	// document's own title is known.
	Title       string
	Description string
	Metadata    map[string]string
}

// Resolved reports whether the feed lives somewhere else than asked.
func (i *FeedInfo) Resolved() bool {
	return i.FeedURL != i.OriginalURL
}

// Plugin maps a class of URLs to feed URLs.
type Plugin interface {
	Name() string

	// CanHandle returns true if this plugin can handle the given URL.
	CanHandle(url string) bool

	// EnhanceFeed may fetch the URL with client to find the feed.
	EnhanceFeed(ctx context.Context, url string, client *http.Client) (*FeedInfo, error)

	// Priority orders plugins that handle the same URL; higher wins.
	Priority() int
}

// URLValidator normalizes a URL and rejects hosts that may not be fetched.
type URLValidator interface {
	ValidateAndNormalize(input string) (string, error)
}

// Registry picks a plugin per URL.
type Registry struct {
	plugins   []Plugin
	client    *http.Client
	validator URLValidator
}

// NewRegistry creates a registry whose plugins fetch with the given timeout.
// userAgent is sent on every request the plugins make.
func NewRegistry(timeout time.Duration, userAgent string, validator URLValidator) *Registry {
	client := &http.Client{Timeout: timeout}
	if userAgent != "" {
		client.Transport = agentTransport{agent: userAgent, next: http.DefaultTransport}
	}
	return &Registry{client: client, validator: validator}
}

type agentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(req)
}

// Register adds plugins to the registry.
func (r *Registry) Register(plugins ...Plugin) {
	r.plugins = append(r.plugins, plugins...)
}

// FindPlugin returns the highest priority plugin that handles url, or nil.
// Ties go to the plugin registered first.
func (r *Registry) FindPlugin(url string) Plugin {
	var best Plugin
	for _, p := range r.plugins {
		if p.CanHandle(url) && (best == nil || p.Priority() > best.Priority()) {
			best = p
		}
	}
	return best
}

// Resolve validates url and asks the best plugin where its feed is. Without
// a plugin the URL is taken as the feed itself.
func (r *Registry) Resolve(ctx context.Context, url string) (*FeedInfo, error) {
	if r.validator != nil {
		normalized, err := r.validator.ValidateAndNormalize(url)
		if err != nil {
			return nil, err
		}
		url = normalized
	}
	p := r.FindPlugin(url)
	if p == nil {
		return &FeedInfo{OriginalURL: url, FeedURL: url, Metadata: map[string]string{}}, nil
	}
	info, err := p.EnhanceFeed(ctx, url, r.client)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	if info.Metadata == nil {
		info.Metadata = map[string]string{}
	}
	info.Metadata["plugin"] = p.Name()
	if r.validator != nil && info.Resolved() {
		if info.FeedURL, err = r.validator.ValidateAndNormalize(info.FeedURL); err != nil {
			return nil, fmt.Errorf("%s resolved to a rejected url: %w", p.Name(), err)
		}
	}
	return info, nil
}

// ListPlugins returns the registered plugins, highest priority first.
func (r *Registry) ListPlugins() []Plugin {
	out := append([]Plugin(nil), r.plugins...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() > out[j].Priority() })
	return out
}
