package feed

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedtree/internal/storage"
	"github.com/pders01/feedtree/internal/tree"
)

func TestManager_ExportImportRoundTrip(t *testing.T) {
	src, _ := setupManager(t)
	ctx := context.Background()
	no := false

	folder := mustAddFeed(t, src, storage.FeedInput{Title: "Tech"})
	blog := mustAddFeed(t, src, storage.FeedInput{
		Title:               "Blog",
		Parent:              folder,
		RSSURL:              "https://blog.example.com/feed.xml",
		AutorefreshInterval: -1,
		RefreshWithOthers:   &no,
		IsolateGUIDs:        true,
	})
	require.NoError(t, blog.SetHTTPHeaders(ctx, map[string]string{"Authorization": "Bearer x"}))
	archive := mustAddFeed(t, src, storage.FeedInput{Title: "Archive"})
	route := mustAddFilter(t, src, "route", "has_url", fmt.Sprintf("move_to_feed:%d\nthen_stop_filters", archive.ID()))
	require.NoError(t, blog.SetFilters(ctx, []*storage.Filter{route}))

	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, &buf))
	assert.Contains(t, buf.String(), "[[feed]]")
	assert.Contains(t, buf.String(), "[[filter]]")

	// Importing into a store that already has feeds shifts every id.
	dst, dstStore := setupManager(t)
	mustAddFeed(t, dst, storage.FeedInput{Title: "existing"})
	mustAddFeed(t, dst, storage.FeedInput{Title: "existing too"})

	feeds, filters, err := dst.Import(ctx, strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, 3, feeds)
	assert.Equal(t, 1, filters)

	order, err := tree.Order(ctx, dstStore)
	require.NoError(t, err)
	byTitle := map[string]*storage.Feed{}
	for _, id := range order {
		f, err := dstStore.GetFeed(ctx, id)
		require.NoError(t, err)
		byTitle[f.Title()] = f
	}

	newBlog := byTitle["Blog"]
	require.NotNil(t, newBlog)
	d := newBlog.Snapshot()
	assert.Equal(t, byTitle["Tech"].ID(), d.ParentID)
	assert.Equal(t, "https://blog.example.com/feed.xml", d.RSSURL)
	assert.Equal(t, int64(-1), d.AutorefreshInterval)
	assert.False(t, d.RefreshWithOthers)
	assert.True(t, d.IsolateGUIDs)
	assert.Equal(t, map[string]string{"Authorization": "Bearer x"}, d.HTTPHeaders)

	attached, err := newBlog.Filters(ctx)
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.Equal(t, fmt.Sprintf("move_to_feed:%d\nthen_stop_filters", byTitle["Archive"].ID()), attached[0].Actions())
	assert.NotEqual(t, archive.ID(), byTitle["Archive"].ID())
}

func TestManager_ImportIsAllOrNothing(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	snapshot := `
[[feed]]
id = 1
title = "fine"
autorefresh_interval = 60
refresh_with_others = true
isolate_guids = false
filters = [9]
`
	_, _, err := m.Import(ctx, strings.NewReader(snapshot))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown filter 9")

	feeds, filters, _, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, feeds)
	assert.Zero(t, filters)
}

func TestManager_ImportRejects(t *testing.T) {
	tests := []struct {
		name     string
		snapshot string
		wantErr  string
	}{
		{
			"child before parent",
			"[[feed]]\nid = 2\nparent = 1\nautorefresh_interval = 0\nrefresh_with_others = true\nisolate_guids = false\n",
			"listed before its parent",
		},
		{
			"unknown field",
			"[[feed]]\nid = 1\ncolour = \"red\"\n",
			"decoding snapshot",
		},
		{
			"move to a feed outside the snapshot",
			"[[filter]]\nid = 1\nconditions = \"always\"\nactions = \"move_to_feed:77\\nthen_stop_filters\"\n",
			"not in the snapshot",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := setupManager(t)
			_, _, err := m.Import(context.Background(), strings.NewReader(tt.snapshot))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
