package search

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedtree/internal/storage"
)

func TestIndexIndexesAndSearches(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	_, news := seedNews(t, store,
		storage.NewsInput{GUID: "a1", Title: "Hello World", Text: "greeting article", WebURL: "https://example.com/1"},
		storage.NewsInput{GUID: "a2", Title: "Golang Tips", Text: "Using bleve for full text search", WebURL: "https://example.com/2"},
	)

	idxPath := filepath.Join(t.TempDir(), "index.bleve")
	ix, err := OpenIndex(ctx, store, idxPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	count, err := ix.DocCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	res, err := ix.Search(ctx, "Golang", 10)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, news[1].ID(), res[0].NewsID)
	assert.Equal(t, "Golang Tips", res[0].Title)

	res, err = ix.Search(ctx, "bleve", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)

	fi, err := os.Stat(idxPath)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestIndexDeleteAndStaleHits(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	feed, news := seedNews(t, store,
		storage.NewsInput{GUID: "a1", Title: "Kubernetes operators"},
		storage.NewsInput{GUID: "a2", Title: "Kubernetes networking"},
	)

	ix, err := NewMemIndex(ctx, store)
	require.NoError(t, err)

	require.NoError(t, ix.DeleteNews([]uint32{news[0].ID()}))
	res, err := ix.Search(ctx, "kubernetes", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, news[1].ID(), res[0].NewsID)

	// Deleting the feed removes the rows; the index still holds the doc
	// but the hit is dropped.
	require.NoError(t, feed.Delete(ctx))
	res, err = ix.Search(ctx, "kubernetes", 10)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestIndexSatisfiesInterfaces(t *testing.T) {
	var _ Searcher = (*Index)(nil)
	var _ Indexer = (*Index)(nil)
	var _ DebugStatser = (*Index)(nil)
	var _ Searcher = (*Engine)(nil)
}
