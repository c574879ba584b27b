package server

import (
	"context"
	"net/http"

	"github.com/pders01/feedtree/internal/storage"
)

func (s *Server) handleListFilters(w http.ResponseWriter, r *http.Request) {
	filters, err := s.store.GetFilters(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(filters))
	for _, f := range filters {
		out = append(out, f.Map())
	}
	writeJSON(w, http.StatusOK, out)
}

type filterRequest struct {
	Name       *string `json:"name"`
	Conditions *string `json:"conditions"`
	Actions    *string `json:"actions"`
}

func (s *Server) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, err)
		return
	}
	if req.Conditions == nil || req.Actions == nil {
		fail(w, badRequest("conditions and actions are required"))
		return
	}
	name := ""
	if req.Name != nil {
		name = *req.Name
	}
	f, err := s.manager.AddFilter(r.Context(), name, *req.Conditions, *req.Actions)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f.Map())
}

func (s *Server) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	f, err := s.filterParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	m := f.Map()
	feeds, err := f.Feeds(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	ids := make([]uint32, len(feeds))
	for i, feed := range feeds {
		ids[i] = feed.ID()
	}
	m["feed_ids"] = ids
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpdateFilter(w http.ResponseWriter, r *http.Request) {
	f, err := s.filterParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	var req filterRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, err)
		return
	}
	err = s.store.Atomic(r.Context(), func(ctx context.Context) error {
		if req.Name != nil {
			if err := f.SetName(ctx, *req.Name); err != nil {
				return err
			}
		}
		if req.Conditions != nil {
			if err := f.SetConditions(ctx, *req.Conditions); err != nil {
				return err
			}
		}
		if req.Actions != nil {
			return f.SetActions(ctx, *req.Actions)
		}
		return nil
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f.Map())
}

func (s *Server) handleDeleteFilter(w http.ResponseWriter, r *http.Request) {
	f, err := s.filterParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	if err := f.Delete(r.Context()); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type runFilterRequest struct {
	FeedID uint32 `json:"feed_id"`
}

// handleRunFilter applies one filter to existing news, all of it or that
// of one feed and its descendants, regardless of where it is attached.
func (s *Server) handleRunFilter(w http.ResponseWriter, r *http.Request) {
	filt, err := s.filterParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	var req runFilterRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			fail(w, err)
			return
		}
	}

	ctx := r.Context()
	var q storage.NewsQuery
	if req.FeedID != 0 {
		if q.Feed, err = s.store.GetFeed(ctx, req.FeedID); err != nil {
			fail(w, err)
			return
		}
	}
	news, err := s.store.ListNews(ctx, q)
	if err != nil {
		fail(w, err)
		return
	}
	err = s.store.Atomic(ctx, func(ctx context.Context) error {
		for _, n := range news {
			if _, err := filt.Process(ctx, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": len(news)})
}
