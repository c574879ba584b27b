package feed

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/pders01/feedtree/internal/rules"
	"github.com/pders01/feedtree/internal/storage"
	"github.com/pders01/feedtree/internal/tree"
)

// Snapshot is the TOML form of the feed tree and its filters. News is not
// included.
type Snapshot struct {
	Filters []SnapshotFilter `toml:"filter"`
	Feeds   []SnapshotFeed   `toml:"feed"`
}

type SnapshotFilter struct {
	ID         uint32 `toml:"id"`
	Name       string `toml:"name,omitempty"`
	Conditions string `toml:"conditions"`
	Actions    string `toml:"actions,multiline"`
}

// SnapshotFeed lists feeds parent first.
type SnapshotFeed struct {
	ID                  uint32            `toml:"id"`
	Parent              uint32            `toml:"parent,omitempty"`
	Title               string            `toml:"title,omitempty"`
	RSSURL              string            `toml:"rss_url,omitempty"`
	WebURL              string            `toml:"web_url,omitempty"`
	Description         string            `toml:"description,omitempty"`
	AutorefreshInterval int64             `toml:"autorefresh_interval"`
	RefreshWithOthers   bool              `toml:"refresh_with_others"`
	IsolateGUIDs        bool              `toml:"isolate_guids"`
	HTTPHeaders         map[string]string `toml:"http_headers,omitempty"`
	Filters             []uint32          `toml:"filters,omitempty"`
}

// Export writes every filter and the feed tree as TOML.
func (m *Manager) Export(ctx context.Context, w io.Writer) error {
	var snap Snapshot

	filters, err := m.store.GetFilters(ctx)
	if err != nil {
		return err
	}
	for _, f := range filters {
		d := f.Snapshot()
		snap.Filters = append(snap.Filters, SnapshotFilter{ID: d.ID, Name: d.Name, Conditions: d.Conditions, Actions: d.Actions})
	}

	order, err := tree.Order(ctx, m.store)
	if err != nil {
		return err
	}
	for _, id := range order {
		feed, err := m.store.GetFeed(ctx, id)
		if err != nil {
			return err
		}
		attached, err := feed.Filters(ctx)
		if err != nil {
			return err
		}
		d := feed.Snapshot()
		sf := SnapshotFeed{
			ID:                  d.ID,
			Parent:              d.ParentID,
			Title:               d.Title,
			RSSURL:              d.RSSURL,
			WebURL:              d.WebURL,
			Description:         d.Description,
			AutorefreshInterval: d.AutorefreshInterval,
			RefreshWithOthers:   d.RefreshWithOthers,
			IsolateGUIDs:        d.IsolateGUIDs,
			HTTPHeaders:         d.HTTPHeaders,
		}
		for _, f := range attached {
			sf.Filters = append(sf.Filters, f.ID())
		}
		snap.Feeds = append(snap.Feeds, sf)
	}

	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return nil
}

// Import recreates an exported tree under fresh ids. Filters that move news
// are pointed at the new ids of their target feeds. Nothing is written
// unless the whole snapshot applies.
func (m *Manager) Import(ctx context.Context, r io.Reader) (feeds, filters int, err error) {
	var snap Snapshot
	if err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&snap); err != nil {
		return 0, 0, fmt.Errorf("decoding snapshot: %w", err)
	}

	err = m.store.Atomic(ctx, func(ctx context.Context) error {
		newFeeds := make(map[uint32]*storage.Feed, len(snap.Feeds))
		for _, sf := range snap.Feeds {
			var parent *storage.Feed
			if sf.Parent != tree.Root {
				var ok bool
				if parent, ok = newFeeds[sf.Parent]; !ok {
					return fmt.Errorf("feed %d is listed before its parent %d", sf.ID, sf.Parent)
				}
			}
			refresh := sf.RefreshWithOthers
			interval := sf.AutorefreshInterval
			if interval == 0 {
				interval = -1
			}
			feed, err := m.store.AddFeed(ctx, storage.FeedInput{
				Parent:              parent,
				RSSURL:              sf.RSSURL,
				WebURL:              sf.WebURL,
				Title:               sf.Title,
				Description:         sf.Description,
				AutorefreshInterval: interval,
				RefreshWithOthers:   &refresh,
				IsolateGUIDs:        sf.IsolateGUIDs,
			})
			if err != nil {
				return fmt.Errorf("feed %d: %w", sf.ID, err)
			}
			if len(sf.HTTPHeaders) > 0 {
				if err := feed.SetHTTPHeaders(ctx, sf.HTTPHeaders); err != nil {
					return fmt.Errorf("feed %d: %w", sf.ID, err)
				}
			}
			newFeeds[sf.ID] = feed
		}

		newFilters := make(map[uint32]*storage.Filter, len(snap.Filters))
		for _, sf := range snap.Filters {
			actions, err := remapMoves(sf.Actions, newFeeds)
			if err != nil {
				return fmt.Errorf("filter %d: %w", sf.ID, err)
			}
			filt, err := m.store.AddFilter(ctx, sf.Name, sf.Conditions, actions)
			if err != nil {
				return fmt.Errorf("filter %d: %w", sf.ID, err)
			}
			newFilters[sf.ID] = filt
		}

		for _, sf := range snap.Feeds {
			if len(sf.Filters) == 0 {
				continue
			}
			attached := make([]*storage.Filter, 0, len(sf.Filters))
			for _, id := range sf.Filters {
				filt, ok := newFilters[id]
				if !ok {
					return fmt.Errorf("feed %d uses unknown filter %d", sf.ID, id)
				}
				attached = append(attached, filt)
			}
			if err := newFeeds[sf.ID].SetFilters(ctx, attached); err != nil {
				return fmt.Errorf("feed %d: %w", sf.ID, err)
			}
		}
		feeds, filters = len(newFeeds), len(newFilters)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return feeds, filters, nil
}

func remapMoves(actions string, feeds map[uint32]*storage.Feed) (string, error) {
	list, err := rules.ParseActions(actions)
	if err != nil {
		return "", err
	}
	for i, a := range list {
		if a.Name != "move_to_feed" {
			continue
		}
		old, err := rules.ParseFeedID(a.Arg)
		if err != nil {
			return "", err
		}
		target, ok := feeds[old]
		if !ok {
			return "", fmt.Errorf("move_to_feed names feed %d which is not in the snapshot", old)
		}
		list[i].Arg = strconv.FormatUint(uint64(target.ID()), 10)
	}
	return list.String(), nil
}
