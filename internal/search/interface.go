package search

import (
	"context"

	"github.com/pders01/feedtree/internal/storage"
)

// Result is one news item matching a query.
type Result struct {
	NewsID  uint32
	FeedID  uint32
	Title   string
	WebURL  string
	Score   float64
	Matches []Match
}

// Match represents where text was found
type Match struct {
	Field  string // "title", "text", "authors"
	Text   string // matched text snippet
	Weight float64
}

// Searcher defines the minimal search API used by the CLI and server.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]*Result, error)
}

// Indexer is implemented by engines that keep an external index and must
// hear about new and deleted news.
type Indexer interface {
	IndexNews(news []*storage.News) error
	DeleteNews(ids []uint32) error
}

// DebugStatser provides lightweight stats for visibility/debugging.
// Implemented by engines that can report index doc counts, etc.
type DebugStatser interface {
	DocCount() (int, error)
}
