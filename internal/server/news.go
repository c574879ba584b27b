package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pders01/feedtree/internal/rules"
	"github.com/pders01/feedtree/internal/storage"
)

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", key)
	}
	return n, nil
}

// queryFlag reads a tri-state flag: absent or "any" means either value.
func queryFlag(r *http.Request, key string) (*bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" || raw == "any" {
		return nil, nil
	}
	v, err := rules.ParseBool(raw)
	if err != nil {
		return nil, badRequest("%s: %v", key, err)
	}
	return &v, nil
}

// handleListNews lists news of the whole store, or of one feed and its
// descendants when mounted under a feed. It defaults to unread news that
// is not recycled.
func (s *Server) handleListNews(w http.ResponseWriter, r *http.Request) {
	var q storage.NewsQuery
	if chi.URLParam(r, "feedID") != "" {
		f, err := s.feedParam(r)
		if err != nil {
			fail(w, err)
			return
		}
		q.Feed = f
	}
	no := false
	q.Read, q.Recycled = &no, &no
	var err error
	if r.URL.Query().Has("read") {
		if q.Read, err = queryFlag(r, "read"); err != nil {
			fail(w, err)
			return
		}
	}
	if r.URL.Query().Has("recycled") {
		if q.Recycled, err = queryFlag(r, "recycled"); err != nil {
			fail(w, err)
			return
		}
	}
	if q.Limit, err = queryInt(r, "limit", 0); err != nil {
		fail(w, err)
		return
	}

	news, err := s.store.ListNews(r.Context(), q)
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(news))
	for _, n := range news {
		out = append(out, n.Map(false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetNews(w http.ResponseWriter, r *http.Request) {
	n, err := s.newsParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n.Map(true))
}

type newsFlags struct {
	Read     *bool `json:"read"`
	Recycled *bool `json:"recycled"`
}

func (f newsFlags) apply(ctx context.Context, n *storage.News) error {
	if f.Read != nil {
		if err := n.SetRead(ctx, *f.Read); err != nil {
			return err
		}
	}
	if f.Recycled != nil {
		if err := n.SetRecycled(ctx, *f.Recycled); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleUpdateNews(w http.ResponseWriter, r *http.Request) {
	n, err := s.newsParam(r)
	if err != nil {
		fail(w, err)
		return
	}
	var flags newsFlags
	if err := decodeBody(w, r, &flags); err != nil {
		fail(w, err)
		return
	}
	if err := s.store.Atomic(r.Context(), func(ctx context.Context) error { return flags.apply(ctx, n) }); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n.Map(true))
}

type batchNewsRequest struct {
	NewsIDs []uint32 `json:"news_ids"`
	newsFlags
}

// handleBatchNews sets flags on several news at once. Every id must exist.
func (s *Server) handleBatchNews(w http.ResponseWriter, r *http.Request) {
	var req batchNewsRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, err)
		return
	}
	err := s.store.Atomic(r.Context(), func(ctx context.Context) error {
		for _, id := range req.NewsIDs {
			n, err := s.store.GetNews(ctx, id)
			if err != nil {
				return err
			}
			if err := req.apply(ctx, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.NewsIDs)})
}
