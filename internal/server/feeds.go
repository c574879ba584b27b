package server

import (
	"context"
	"net/http"
	"slices"
	"strconv"

	"github.com/spf13/cast"

	"github.com/pders01/feedtree/internal/rules"
	"github.com/pders01/feedtree/internal/storage"
)

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	feeds, err := s.store.GetFeeds(ctx)
	if err != nil {
		fail(w, err)
		return
	}
	unread, err := s.store.BulkUnreadCounts(ctx)
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(feeds))
	for _, f := range feeds {
		m, err := f.Map(ctx, storage.MapOptions{})
		if err != nil {
			fail(w, err)
			return
		}
		m["unread_count"] = unread[f.ID()]
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

type addFeedRequest struct {
	RSSURL              string `json:"rss_url"`
	Title               string `json:"title"`
	ParentID            uint32 `json:"parent_id"`
	IsolateGUIDs        bool   `json:"isolate_guids"`
	AutorefreshInterval int64  `json:"autorefresh_interval"`
}

// handleAddFeed creates the feed and queues its first refresh.
func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req addFeedRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, err)
		return
	}
	ctx := r.Context()
	in := storage.FeedInput{
		RSSURL:              req.RSSURL,
		Title:               req.Title,
		IsolateGUIDs:        req.IsolateGUIDs,
		AutorefreshInterval: req.AutorefreshInterval,
	}
	if req.ParentID != 0 {
		parent, err := s.store.GetFeed(ctx, req.ParentID)
		if err != nil {
			fail(w, err)
			return
		}
		in.Parent = parent
	}
	f, err := s.manager.AddFeed(ctx, in)
	if err != nil {
		fail(w, err)
		return
	}
	if f.RSSURL() != "" {
		s.refresh.Enqueue(f)
	}
	s.writeFeed(ctx, w, http.StatusCreated, f)
}

func (s *Server) writeFeed(ctx context.Context, w http.ResponseWriter, status int, f *storage.Feed) {
	m, err := f.Map(ctx, storage.MapOptions{Filters: true, Icon: true, UnreadCount: true})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, status, m)
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	f, err := s.feedParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	s.writeFeed(r.Context(), w, http.StatusOK, f)
}

// handleUpdateFeed applies every field present in the body in one atomic
// scope. A rejected field leaves the feed untouched.
func (s *Server) handleUpdateFeed(w http.ResponseWriter, r *http.Request) {
	f, err := s.feedParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	var patch map[string]any
	if err := decodeBody(w, r, &patch); err != nil {
		fail(w, err)
		return
	}
	err = s.store.Atomic(r.Context(), func(ctx context.Context) error {
		return s.applyFeedPatch(ctx, f, patch)
	})
	if err != nil {
		fail(w, err)
		return
	}
	s.writeFeed(r.Context(), w, http.StatusOK, f)
}

// feedFields is the order patch fields are applied in. parent_id goes
// last because moving a feed renumbers every rank.
var feedFields = []string{
	"title", "description", "web_url", "rss_url", "autorefresh_interval",
	"refresh_with_others", "isolate_guids", "http_headers", "filter_ids",
	"ui_order_rank", "parent_id",
}

func (s *Server) applyFeedPatch(ctx context.Context, f *storage.Feed, patch map[string]any) error {
	for key := range patch {
		if !slices.Contains(feedFields, key) {
			return badRequest("unknown feed field %q", key)
		}
	}
	_, moving := patch["parent_id"]
	for _, key := range feedFields {
		value, ok := patch[key]
		if !ok {
			continue
		}
		var err error
		switch key {
		case "title":
			err = withString(value, key, func(v string) error { return f.SetTitle(ctx, v) })
		case "description":
			err = withString(value, key, func(v string) error { return f.SetDescription(ctx, v) })
		case "web_url":
			err = withString(value, key, func(v string) error { return f.SetWebURL(ctx, v) })
		case "rss_url":
			err = withString(value, key, func(v string) error {
				s.manager.Forget(f.RSSURL())
				return f.SetRSSURL(ctx, v)
			})
		case "autorefresh_interval":
			var seconds int64
			if seconds, err = cast.ToInt64E(value); err != nil {
				return badRequest("%s: %v", key, err)
			}
			if err = f.SetAutorefreshInterval(ctx, seconds); err == nil {
				storage.AfterCommit(ctx, s.refresh.Wake)
			}
		case "refresh_with_others":
			err = withBool(value, key, func(v bool) error { return f.SetRefreshWithOthers(ctx, v) })
		case "isolate_guids":
			err = withBool(value, key, func(v bool) error { return f.SetIsolateGUIDs(ctx, v) })
		case "http_headers":
			err = s.setHeaders(ctx, f, value)
		case "filter_ids":
			err = s.setFilters(ctx, f, value)
		case "ui_order_rank":
			if moving {
				continue
			}
			var rank float64
			if rank, err = cast.ToFloat64E(value); err != nil {
				return badRequest("%s: %v", key, err)
			}
			err = f.SetUIOrderRank(ctx, rank)
		case "parent_id":
			err = s.setParent(ctx, f, value, patch["ui_order_rank"])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func withString(value any, key string, set func(string) error) error {
	v, err := cast.ToStringE(value)
	if err != nil {
		return badRequest("%s: %v", key, err)
	}
	return set(v)
}

func withBool(value any, key string, set func(bool) error) error {
	var v bool
	var err error
	if text, ok := value.(string); ok {
		v, err = rules.ParseBool(text)
	} else {
		v, err = cast.ToBoolE(value)
	}
	if err != nil {
		return badRequest("%s: %v", key, err)
	}
	return set(v)
}

// setHeaders takes either an object or "Key: value" lines.
func (s *Server) setHeaders(ctx context.Context, f *storage.Feed, value any) error {
	if text, ok := value.(string); ok {
		headers, err := storage.ParseHTTPHeaders(text)
		if err != nil {
			return err
		}
		return f.SetHTTPHeaders(ctx, headers)
	}
	headers, err := cast.ToStringMapStringE(value)
	if err != nil {
		return badRequest("http_headers: %v", err)
	}
	return f.SetHTTPHeaders(ctx, headers)
}

// setParent moves f, placing it at rank when one is given.
func (s *Server) setParent(ctx context.Context, f *storage.Feed, value, rank any) error {
	id, err := cast.ToUint32E(value)
	if err != nil {
		return badRequest("parent_id: %v", err)
	}
	var position float64
	if rank != nil {
		if position, err = cast.ToFloat64E(rank); err != nil {
			return badRequest("ui_order_rank: %v", err)
		}
	}
	var parent *storage.Feed
	if id != 0 {
		if parent, err = s.store.GetFeed(ctx, id); err != nil {
			return err
		}
	}
	return f.SetParent(ctx, parent, position)
}

func (s *Server) setFilters(ctx context.Context, f *storage.Feed, value any) error {
	raw, err := cast.ToSliceE(value)
	if err != nil {
		return badRequest("filter_ids: %v", err)
	}
	filters := make([]*storage.Filter, 0, len(raw))
	for _, item := range raw {
		id, err := cast.ToUint32E(item)
		if err != nil {
			return badRequest("filter_ids: %v", err)
		}
		filt, err := s.store.GetFilter(ctx, id)
		if err != nil {
			return err
		}
		filters = append(filters, filt)
	}
	return f.SetFilters(ctx, filters)
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	f, err := s.feedParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.manager.DeleteFeed(r.Context(), f); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handleRefreshFeed queues the feed and the descendants that refresh with
// others.
func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	f, err := s.feedParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	n, err := s.refresh.EnqueueDescendants(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.refresh.EnqueueAll(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

func (s *Server) handleFeedIcon(w http.ResponseWriter, r *http.Request) {
	f, err := s.feedParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	icon := f.Snapshot().Icon
	if len(icon) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(icon)))
	w.Header().Set("Cache-Control", "max-age=3600")
	_, _ = w.Write(icon)
}
