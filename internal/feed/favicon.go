package feed

import (
	"context"
	"net/url"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/storage"
)

var faviconPaths = []string{"/favicon.ico", "/favicon.png"}

// iconCandidates lists where to look for a feed icon: the document's own
// icon, resolved against the feed URL, then the usual favicon paths on
// the feed's host.
func iconCandidates(rssURL, docIcon string) []string {
	base, err := url.Parse(rssURL)
	if err != nil || base.Host == "" {
		return nil
	}
	var out []string
	if docIcon != "" {
		if ref, err := url.Parse(docIcon); err == nil {
			out = append(out, base.ResolveReference(ref).String())
		}
	}
	for _, path := range faviconPaths {
		u := url.URL{Scheme: base.Scheme, Host: base.Host, Path: path}
		out = append(out, u.String())
	}
	return out
}

// findIcon returns the first candidate that downloads and decodes, already
// normalized, or nil.
func (m *Manager) findIcon(ctx context.Context, rssURL, docIcon string) []byte {
	for _, candidate := range iconCandidates(rssURL, docIcon) {
		debuglog.Debugf("Trying icon %s", candidate)
		raw, err := m.fetcher.FetchBytes(ctx, candidate)
		if err != nil {
			debuglog.Debugf("Icon %s: %v", candidate, err)
			continue
		}
		icon, err := storage.NormalizeIcon(raw)
		if err != nil {
			debuglog.Warnf("Icon %s is not a usable image: %v", candidate, err)
			continue
		}
		return icon
	}
	return nil
}
