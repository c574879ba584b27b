// Package server exposes the store over a small JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pders01/feedtree/internal/config"
	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/feed"
	"github.com/pders01/feedtree/internal/refresh"
	"github.com/pders01/feedtree/internal/rules"
	"github.com/pders01/feedtree/internal/search"
	"github.com/pders01/feedtree/internal/storage"
	"github.com/pders01/feedtree/internal/tree"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP front of a feed manager. Handlers never fetch: refresh
// requests only queue feeds for the refresh service.
type Server struct {
	manager  *feed.Manager
	store    *storage.Store
	refresh  *refresh.Service
	searcher search.Searcher
	cfg      config.ServerConfig
	readOnly bool
	router   chi.Router
}

// New builds the router. searcher may be nil when search is disabled.
func New(m *feed.Manager, svc *refresh.Service, searcher search.Searcher, cfg config.ServerConfig) *Server {
	s := &Server{
		manager:  m,
		store:    m.Store(),
		refresh:  svc,
		searcher: searcher,
		cfg:      cfg,
		readOnly: m.Store().ReadOnly(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLog)
	r.Use(middleware.Recoverer)
	if s.cfg.LocalhostOnly {
		r.Use(localhostOnly)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.mutating(s.handleAddFeed))
		r.Post("/feeds/refresh", s.mutating(s.handleRefreshAll))
		r.Route("/feeds/{feedID}", func(r chi.Router) {
			r.Get("/", s.handleGetFeed)
			r.Patch("/", s.mutating(s.handleUpdateFeed))
			r.Delete("/", s.mutating(s.handleDeleteFeed))
			r.Post("/refresh", s.mutating(s.handleRefreshFeed))
			r.Get("/icon.png", s.handleFeedIcon)
			r.Get("/news", s.handleListNews)
		})

		r.Get("/news", s.handleListNews)
		r.Post("/news/batch", s.mutating(s.handleBatchNews))
		r.Get("/news/{newsID}", s.handleGetNews)
		r.Patch("/news/{newsID}", s.mutating(s.handleUpdateNews))

		r.Get("/filters", s.handleListFilters)
		r.Post("/filters", s.mutating(s.handleAddFilter))
		r.Get("/filters/{filterID}", s.handleGetFilter)
		r.Patch("/filters/{filterID}", s.mutating(s.handleUpdateFilter))
		r.Delete("/filters/{filterID}", s.mutating(s.handleDeleteFilter))
		r.Post("/filters/{filterID}/run", s.mutating(s.handleRunFilter))

		r.Get("/rules", s.handleRules)
		r.Get("/search", s.handleSearch)
	})

	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		debuglog.Infof("Server listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// mutating swaps h for a handler that does nothing when the store is read
// only, so demo clients see every action succeed without effect.
func (s *Server) mutating(h http.HandlerFunc) http.HandlerFunc {
	if !s.readOnly {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		debuglog.WithFields(map[string]interface{}{
			"status":     ww.Status(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debugf("%s %s in %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func localhostOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, errors.New("this server only answers localhost"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debuglog.Warnf("Writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// fail maps store and rule errors onto status codes.
func fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case storage.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalid), errors.Is(err, rules.ErrInvalid), errors.Is(err, tree.ErrCycle), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrInUse):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrReadOnly):
		status = http.StatusForbidden
	default:
		debuglog.Errorf("Request failed: %v", err)
	}
	writeError(w, status, err)
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return badRequest("decoding body: %v", err)
	}
	return nil
}

func parseID(r *http.Request, param string) (uint32, error) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, badRequest("%s %q is not an id", param, raw)
	}
	return uint32(id), nil
}

func (s *Server) feedParam(r *http.Request) (*storage.Feed, error) {
	id, err := parseID(r, "feedID")
	if err != nil {
		return nil, err
	}
	return s.store.GetFeed(r.Context(), id)
}

func (s *Server) filterParam(r *http.Request) (*storage.Filter, error) {
	id, err := parseID(r, "filterID")
	if err != nil {
		return nil, err
	}
	return s.store.GetFilter(r.Context(), id)
}

func (s *Server) newsParam(r *http.Request) (*storage.News, error) {
	id, err := parseID(r, "newsID")
	if err != nil {
		return nil, err
	}
	return s.store.GetNews(r.Context(), id)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"conditions": rules.ConditionNames(),
		"actions":    rules.ActionNames(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		writeError(w, http.StatusNotImplemented, errors.New("search is disabled"))
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		fail(w, err)
		return
	}
	results, err := s.searcher.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"news_id": res.NewsID,
			"feed_id": res.FeedID,
			"title":   res.Title,
			"web_url": res.WebURL,
			"score":   res.Score,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
