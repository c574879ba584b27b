// Package render draws feeds and news for the terminal.
package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pders01/feedtree/internal/storage"
	"github.com/pders01/feedtree/internal/tree"
)

// TreeOptions tunes FeedTree.
type TreeOptions struct {
	// MaxTitle truncates display names; zero keeps them whole.
	MaxTitle int
	// HideErrors leaves out the last refresh error of each feed.
	HideErrors bool
}

// FeedTree renders feeds as an indented tree ordered by ui rank. unread
// maps feed ids to their own unread count; folders show the sum of their
// subtree. Feeds whose parent is missing from feeds are drawn as roots.
func FeedTree(feeds []*storage.Feed, unread map[uint32]int, opts TreeOptions) string {
	byID := make(map[uint32]storage.FeedData, len(feeds))
	for _, f := range feeds {
		d := f.Snapshot()
		byID[d.ID] = d
	}
	children := map[uint32][]storage.FeedData{}
	for _, d := range byID {
		parent := d.ParentID
		if _, ok := byID[parent]; !ok {
			parent = tree.Root
		}
		children[parent] = append(children[parent], d)
	}
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool {
			if list[i].UIOrderRank != list[j].UIOrderRank {
				return list[i].UIOrderRank < list[j].UIOrderRank
			}
			return list[i].ID < list[j].ID
		})
	}

	totals := map[uint32]int{}
	var total func(id uint32) int
	total = func(id uint32) int {
		n := unread[id]
		for _, c := range children[id] {
			n += total(c.ID)
		}
		totals[id] = n
		return n
	}
	total(tree.Root)

	var b strings.Builder
	var draw func(parent uint32, prefix string)
	draw = func(parent uint32, prefix string) {
		list := children[parent]
		for i, d := range list {
			last := i == len(list)-1
			branch, indent := "├── ", "│   "
			if last {
				branch, indent = "└── ", "    "
			}
			b.WriteString(BranchStyle.Render(prefix + branch))
			b.WriteString(feedLine(d, totals[d.ID], opts))
			b.WriteByte('\n')
			draw(d.ID, prefix+indent)
		}
	}
	draw(tree.Root, "")
	return b.String()
}

func feedLine(d storage.FeedData, unread int, opts TreeOptions) string {
	name := d.DisplayName()
	if opts.MaxTitle > 0 {
		name = truncateEnd(name, opts.MaxTitle)
	}
	style := FeedStyle
	if d.RSSURL == "" {
		style = FolderStyle
		name += "/"
	}
	parts := []string{style.Render(name), IDStyle.Render(fmt.Sprintf("#%d", d.ID))}
	if unread > 0 {
		parts = append(parts, UnreadStyle.Render(fmt.Sprintf("(%d)", unread)))
	}
	if !opts.HideErrors && d.LastRefreshError != nil {
		parts = append(parts, ErrorStyle.Render("! "+*d.LastRefreshError))
	}
	return strings.Join(parts, " ")
}

// NewsLine renders one news item as a single listing row.
func NewsLine(d storage.NewsData, maxTitle int) string {
	title := d.Title
	if title == "" {
		title = d.WebURL
	}
	if maxTitle > 0 {
		title = truncateEnd(title, maxTitle)
	}
	style := UnreadStyle
	if d.Read {
		style = ReadStyle
	}
	return IDStyle.Render(fmt.Sprintf("%6d", d.ID)) + " " + style.Render(title)
}
