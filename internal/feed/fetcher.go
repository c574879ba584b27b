package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/pders01/feedtree/internal/config"
	"github.com/pders01/feedtree/internal/debuglog"
)

const (
	defaultUserAgent = "feedtree/0.1 (github.com/pders01/feedtree)"
	defaultTimeout   = 30 * time.Second
	maxBodySize      = 16 << 20
	acceptFeeds      = "application/rss+xml, application/atom+xml, application/xml, text/xml"
)

// ErrHTTPStatus matches every *HTTPError.
var ErrHTTPStatus = errors.New("unexpected http status")

// ErrTooLarge is returned for responses over the body size limit.
var ErrTooLarge = errors.New("response too large")

type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// cachedDocument is the last body served with an ETag, valid for requests
// made with the same headers.
type cachedDocument struct {
	headers map[string]string
	etag    string
	body    []byte
}

type Fetcher struct {
	client    *http.Client
	userAgent string
	cache     *lru.Cache[string, cachedDocument]

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perHost  rate.Limit
}

func NewFetcher(cfg *config.Config) *Fetcher {
	timeout := cfg.Feed.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	agent := cfg.Feed.UserAgent
	if agent == "" {
		agent = defaultUserAgent
	}
	size := cfg.Cache.XML
	if size <= 0 {
		size = 100
	}
	cache, _ := lru.New[string, cachedDocument](size)

	perHost := rate.Inf
	if cfg.Feed.RequestsPerSecond > 0 {
		perHost = rate.Limit(cfg.Feed.RequestsPerSecond)
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: agent,
		cache:     cache,
		limiters:  make(map[string]*rate.Limiter),
		perHost:   perHost,
	}
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(f.perHost, 1)
		f.limiters[host] = lim
	}
	return lim
}

func (f *Fetcher) get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", u.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	debuglog.Debugf("Fetching %s", rawURL)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	return resp, nil
}

// Fetch downloads a feed document. A previous response carrying an ETag
// is revalidated with If-None-Match as long as the feed's request headers
// have not changed since, and a 304 returns the cached body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	reqHeaders := map[string]string{"Accept": acceptFeeds}
	maps.Copy(reqHeaders, headers)

	cached, ok := f.cache.Get(rawURL)
	if ok && !maps.Equal(cached.headers, headers) {
		ok = false
	}
	if ok {
		reqHeaders["If-None-Match"] = cached.etag
	}

	resp, err := f.get(ctx, rawURL, reqHeaders)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if ok && resp.StatusCode == http.StatusNotModified {
		debuglog.Debugf("304 Using cached XML for %s", rawURL)
		return cached.body, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := readBody(rawURL, resp.Body)
	if err != nil {
		return nil, err
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		f.cache.Add(rawURL, cachedDocument{headers: maps.Clone(headers), etag: etag, body: body})
	}
	return body, nil
}

// FetchBytes downloads rawURL without any caching.
func (f *Fetcher) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := f.get(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	body, err := readBody(rawURL, resp.Body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Forget drops the cached document for rawURL.
func (f *Fetcher) Forget(rawURL string) {
	f.cache.Remove(rawURL)
}

// readBody reads at most maxBodySize bytes and fails rather than truncate.
func readBody(rawURL string, r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("%s: %w (over %d bytes)", rawURL, ErrTooLarge, maxBodySize)
	}
	return body, nil
}
