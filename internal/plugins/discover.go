package plugins

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxPageSize = 2 << 20

var feedTypes = map[string]bool{
	"application/rss+xml":  true,
	"application/atom+xml": true,
	"application/rdf+xml":  true,
}

// Discovery handles any web URL. A feed document is kept as is; an HTML
// page is searched for <link rel="alternate"> feed links.
type Discovery struct{}

func NewDiscovery() *Discovery { return &Discovery{} }

func (*Discovery) Name() string { return "discovery" }

func (*Discovery) Priority() int { return 0 }

func (*Discovery) CanHandle(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (*Discovery) EnhanceFeed(ctx context.Context, rawURL string, client *http.Client) (*FeedInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, text/html;q=0.8, */*;q=0.5")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, err
	}

	info := &FeedInfo{OriginalURL: rawURL, FeedURL: rawURL, Metadata: map[string]string{}}
	if !isHTML(resp.Header.Get("Content-Type"), body) {
		info.Metadata["kind"] = "feed"
		return info, nil
	}

	found, err := discoverLinks(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	info.Metadata["kind"] = "page"
	if len(found.links) == 0 {
		return info, nil
	}
	base := resp.Request.URL
	ref, err := url.Parse(found.links[0].href)
	if err != nil {
		return nil, fmt.Errorf("feed link %q: %w", found.links[0].href, err)
	}
	info.FeedURL = base.ResolveReference(ref).String()
	info.Title = found.links[0].title
	if info.Title == "" {
		info.Title = found.title
	}
	info.Metadata["alternates"] = fmt.Sprint(len(found.links))
	return info, nil
}

// isHTML trusts an explicit html or xml content type and sniffs otherwise.
func isHTML(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case mt == "text/html" || mt == "application/xhtml+xml":
			return true
		case strings.HasSuffix(mt, "xml"):
			return false
		}
	}
	head := bytes.ToLower(bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))))
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.Contains(head, []byte("<html"))
}

type alternate struct {
	href  string
	title string
}

type page struct {
	title string
	links []alternate
}

// discoverLinks collects feed links from a page head. The body is not
// scanned: feed links outside <head> are ignored by browsers too.
func discoverLinks(r io.Reader) (page, error) {
	var (
		p       page
		inTitle bool
	)
	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return p, nil
			}
			return p, z.Err()
		case html.TextToken:
			if inTitle && p.title == "" {
				p.title = strings.TrimSpace(string(z.Text()))
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Title:
				inTitle = false
			case atom.Head:
				return p, nil
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch atom.Lookup(name) {
			case atom.Title:
				inTitle = tt == html.StartTagToken
			case atom.Body:
				return p, nil
			case atom.Link:
				if hasAttr {
					if link, ok := feedLink(z); ok {
						p.links = append(p.links, link)
					}
				}
			}
		}
	}
}

func feedLink(z *html.Tokenizer) (alternate, bool) {
	var (
		link      alternate
		rel, kind string
	)
	for {
		key, val, more := z.TagAttr()
		switch string(key) {
		case "rel":
			rel = strings.ToLower(string(val))
		case "type":
			kind = strings.ToLower(strings.TrimSpace(string(val)))
		case "href":
			link.href = strings.TrimSpace(string(val))
		case "title":
			link.title = strings.TrimSpace(string(val))
		}
		if !more {
			break
		}
	}
	isAlternate := false
	for _, r := range strings.Fields(rel) {
		if r == "alternate" {
			isAlternate = true
		}
	}
	return link, isAlternate && feedTypes[kind] && link.href != ""
}
