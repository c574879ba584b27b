package search

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/storage"
)

// Index is a bleve full-text index over news. Hits are resolved against
// the store, so moved or edited news is reported as it is now.
type Index struct {
	store *storage.Store
	idx   bleve.Index
}

// OpenIndex opens the index at indexPath, creating and filling it from the
// store when it does not exist yet.
func OpenIndex(ctx context.Context, store *storage.Store, indexPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, err
	}

	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, err
		}
		ix := &Index{store: store, idx: idx}
		if err := ix.Reindex(ctx); err != nil {
			idx.Close()
			return nil, err
		}
		return ix, nil
	}
	if err != nil {
		return nil, err
	}
	return &Index{store: store, idx: idx}, nil
}

// NewMemIndex builds an in-memory index, filled from the store.
func NewMemIndex(ctx context.Context, store *storage.Store) (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, err
	}
	ix := &Index{store: store, idx: idx}
	if err := ix.Reindex(ctx); err != nil {
		return nil, err
	}
	return ix, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.Store = true
	title.IncludeTermVectors = true

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = false

	authors := bleve.NewTextFieldMapping()
	authors.Analyzer = standard.Name

	url := bleve.NewTextFieldMapping()
	url.Analyzer = standard.Name
	url.Store = true

	feedID := bleve.NewTextFieldMapping()
	feedID.Analyzer = keyword.Name
	feedID.Store = true

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("text", text)
	dm.AddFieldMappingsAt("authors", authors)
	dm.AddFieldMappingsAt("url", url)
	dm.AddFieldMappingsAt("feed_id", feedID)

	im.DefaultMapping = dm
	return im
}

func docID(id uint32) string { return "news:" + strconv.FormatUint(uint64(id), 10) }

func parseDocID(doc string) (uint32, bool) {
	raw, ok := strings.CutPrefix(doc, "news:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	return uint32(id), err == nil
}

func document(d storage.NewsData) map[string]any {
	authors := make([]string, 0, len(d.Authors))
	for _, a := range d.Authors {
		authors = append(authors, strings.TrimSpace(a.Name+" "+a.Email))
	}
	return map[string]any{
		"type":    "news",
		"feed_id": strconv.FormatUint(uint64(d.FeedID), 10),
		"title":   d.Title,
		"text":    d.Text,
		"authors": strings.Join(authors, " "),
		"url":     d.WebURL,
	}
}

// Reindex indexes every stored news item.
func (ix *Index) Reindex(ctx context.Context) error {
	news, err := ix.store.ListNews(ctx, storage.NewsQuery{})
	if err != nil {
		return err
	}
	return ix.IndexNews(news)
}

func (ix *Index) IndexNews(news []*storage.News) error {
	batch := ix.idx.NewBatch()
	for _, n := range news {
		if err := batch.Index(docID(n.ID()), document(n.Snapshot())); err != nil {
			return err
		}
	}
	return ix.idx.Batch(batch)
}

func (ix *Index) DeleteNews(ids []uint32) error {
	batch := ix.idx.NewBatch()
	for _, id := range ids {
		batch.Delete(docID(id))
	}
	return ix.idx.Batch(batch)
}

func (ix *Index) Search(ctx context.Context, query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}
	// Tokenize input and build an OR of per-term matches across key fields with boosts
	fields := []struct {
		name  string
		boost float64
	}{
		{"title", 4.0},
		{"text", 1.5},
		{"authors", 1.0},
		{"url", 0.5},
	}
	var qs []bleveQuery.Query
	for _, tok := range tokenize(query) {
		for _, f := range fields {
			mq := bleve.NewMatchQuery(tok)
			mq.SetField(f.name)
			mq.SetBoost(f.boost)
			qs = append(qs, mq)

			pq := bleve.NewPrefixQuery(tok)
			pq.SetField(f.name)
			pq.SetBoost(f.boost * 0.8)
			qs = append(qs, pq)
		}
	}
	if len(qs) == 0 {
		return []*Result{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(qs...), limit, 0, false)
	req.Fields = []string{"title"}
	req.IncludeLocations = true
	res, err := ix.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, ok := parseDocID(h.ID)
		if !ok {
			continue
		}
		n, err := ix.store.GetNews(ctx, id)
		if storage.IsNotFound(err) {
			debuglog.Debugf("Search hit %s no longer exists", h.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		d := n.Snapshot()
		r := &Result{NewsID: d.ID, FeedID: d.FeedID, Title: d.Title, WebURL: d.WebURL, Score: h.Score}
		for _, field := range slices.Sorted(maps.Keys(h.Locations)) {
			r.Matches = append(r.Matches, Match{Field: field})
		}
		out = append(out, r)
	}
	return out, nil
}

// DocCount reports total documents in the index.
func (ix *Index) DocCount() (int, error) {
	n, err := ix.idx.DocCount()
	return int(n), err
}

func (ix *Index) Close() error {
	return ix.idx.Close()
}
