package storage

import (
	"maps"
	"math"
	"slices"
	"strconv"
	"sync"
)

// Never is the next-refresh time of a feed that is never due.
const Never int64 = math.MaxInt64

type Author struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	URI   string `json:"uri,omitempty"`
}

type Enclosure struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// FeedData is the persisted row of a feed. Timestamps are unix seconds.
type FeedData struct {
	ID                  uint32            `json:"id"`
	ParentID            uint32            `json:"parent_id,omitempty"`
	RSSURL              string            `json:"rss_url,omitempty"`
	WebURL              string            `json:"web_url,omitempty"`
	Title               string            `json:"title,omitempty"`
	Description         string            `json:"description,omitempty"`
	Created             int64             `json:"created"`
	RefreshWithOthers   bool              `json:"refresh_with_others"`
	LastRefresh         int64             `json:"last_refresh"`
	LastRefreshAttempt  int64             `json:"last_refresh_attempt"`
	LastRefreshError    *string           `json:"last_refresh_error"`
	AutorefreshInterval int64             `json:"autorefresh_interval"`
	HTTPHeaders         map[string]string `json:"http_headers,omitempty"`
	IsolateGUIDs        bool              `json:"isolate_guids"`
	Icon                []byte            `json:"icon,omitempty"`
	UIOrderRank         float64           `json:"ui_order_rank"`
}

func (d FeedData) clone() FeedData {
	d.HTTPHeaders = maps.Clone(d.HTTPHeaders)
	d.Icon = slices.Clone(d.Icon)
	if d.LastRefreshError != nil {
		msg := *d.LastRefreshError
		d.LastRefreshError = &msg
	}
	return d
}

// NextRefresh is last_refresh_attempt + autorefresh_interval, or Never for
// folders and feeds with autorefresh disabled.
func (d FeedData) NextRefresh() int64 {
	if d.RSSURL == "" || d.AutorefreshInterval < 1 {
		return Never
	}
	return d.LastRefreshAttempt + d.AutorefreshInterval
}

// IsDue reports whether the feed should be refreshed at unix time now.
func (d FeedData) IsDue(now int64) bool {
	next := d.NextRefresh()
	return next != Never && now > next
}

func (d FeedData) DisplayName() string {
	switch {
	case d.Title != "":
		return d.Title
	case d.RSSURL != "":
		return d.RSSURL
	default:
		return strconv.FormatUint(uint64(d.ID), 10)
	}
}

// Feed is the shared in-memory instance of a feed row.
type Feed struct {
	store   *Store
	id      uint32
	mu      sync.RWMutex
	data    FeedData
	deleted bool
}

func (f *Feed) ID() uint32 { return f.id }

// Snapshot returns a copy of the current row.
func (f *Feed) Snapshot() FeedData {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.clone()
}

func (f *Feed) ParentID() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.ParentID
}

func (f *Feed) Title() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.Title
}

func (f *Feed) RSSURL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.RSSURL
}

func (f *Feed) IsolateGUIDs() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.IsolateGUIDs
}

func (f *Feed) RefreshWithOthers() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.RefreshWithOthers
}

func (f *Feed) UIOrderRank() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.UIOrderRank
}

func (f *Feed) NextRefresh() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.NextRefresh()
}

func (f *Feed) DisplayName() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data.DisplayName()
}

func (f *Feed) String() string {
	if title := f.Title(); title != "" {
		return "Feed:" + strconv.FormatUint(uint64(f.ID()), 10) + ":" + title
	}
	return "Feed:" + strconv.FormatUint(uint64(f.ID()), 10)
}

// NewsData is the persisted row of a news item.
type NewsData struct {
	ID             uint32      `json:"id"`
	FeedID         uint32      `json:"feed_id"`
	OriginalFeedID uint32      `json:"original_feed_id"`
	GUID           string      `json:"rss_guid"`
	Published      int64       `json:"published"`
	Updated        int64       `json:"updated"`
	Title          string      `json:"title,omitempty"`
	Text           string      `json:"text,omitempty"`
	WebURL         string      `json:"web_url,omitempty"`
	CommentsURL    string      `json:"comments_url,omitempty"`
	Created        int64       `json:"created"`
	Read           bool        `json:"read"`
	Recycled       bool        `json:"recycled"`
	Authors        []Author    `json:"authors,omitempty"`
	Enclosures     []Enclosure `json:"enclosures,omitempty"`
}

func (d NewsData) clone() NewsData {
	d.Authors = slices.Clone(d.Authors)
	d.Enclosures = slices.Clone(d.Enclosures)
	return d
}

// News is the shared in-memory instance of a news row.
type News struct {
	store   *Store
	id      uint32
	mu      sync.RWMutex
	data    NewsData
	deleted bool
}

func (n *News) ID() uint32 { return n.id }

func (n *News) Snapshot() NewsData {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.data.clone()
}

func (n *News) FeedID() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.data.FeedID
}

func (n *News) GUID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.data.GUID
}

func (n *News) String() string {
	return "News:" + strconv.FormatUint(uint64(n.ID()), 10)
}

// FilterData is the persisted row of a filter. Conditions and Actions hold
// normalized rule text.
type FilterData struct {
	ID         uint32 `json:"id"`
	Name       string `json:"name,omitempty"`
	Created    int64  `json:"created"`
	Conditions string `json:"conditions"`
	Actions    string `json:"actions"`
}

func (d FilterData) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return strconv.FormatUint(uint64(d.ID), 10)
}
