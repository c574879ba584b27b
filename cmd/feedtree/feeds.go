package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/render"
	"github.com/pders01/feedtree/internal/storage"
)

func newFeedsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "feeds",
		Aliases: []string{"feed"},
		Short:   "Manage the feed tree",
	}
	cmd.AddCommand(
		newFeedsAddCmd(flags),
		newFeedsTreeCmd(flags),
		newFeedsShowCmd(flags),
		newFeedsMoveCmd(flags),
		newFeedsRemoveCmd(flags),
	)
	return cmd
}

func newFeedsAddCmd(flags *globalFlags) *cobra.Command {
	var (
		title    string
		parentID uint32
		isolate  bool
		interval time.Duration
		folder    bool
		noFetch   bool
		noResolve bool
	)
	cmd := &cobra.Command{
		Use:   "add [rss-url]",
		Short: "Add a feed, or a folder with --folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			in := storage.FeedInput{Title: title, IsolateGUIDs: isolate}
			switch {
			case folder && len(args) > 0:
				return fmt.Errorf("a folder has no rss url")
			case !folder && len(args) == 0:
				return fmt.Errorf("an rss url is required unless --folder is given")
			case !folder:
				in.RSSURL = args[0]
			}
			if a.store.ReadOnly() {
				return storage.ErrReadOnly
			}
			out := cmd.OutOrStdout()
			if in.RSSURL != "" && !noFetch && !noResolve {
				resolveFeedURL(cmd, a, &in)
			}
			if interval != 0 {
				in.AutorefreshInterval = int64(interval / time.Second)
				if interval < 0 {
					in.AutorefreshInterval = -1
				}
			}
			if parentID != 0 {
				parent, err := a.store.GetFeed(ctx, parentID)
				if err != nil {
					return err
				}
				in.Parent = parent
			}
			f, err := a.manager.AddFeed(ctx, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Added %s\n", f)
			if folder || noFetch {
				return nil
			}
			added, err := a.manager.Refresh(ctx, f)
			if err != nil {
				// The feed stays; its error is recorded for the next look.
				fmt.Fprintf(out, "First refresh failed: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "Fetched %q, %d news\n", f.Title(), added)
			return nil
		}),
	}
	cmd.Flags().StringVar(&title, "title", "", "feed title (taken from the feed when empty)")
	cmd.Flags().Uint32Var(&parentID, "parent", 0, "id of the parent feed or folder")
	cmd.Flags().BoolVar(&isolate, "isolate-guids", false, "keep this feed's guids apart from other feeds")
	cmd.Flags().DurationVar(&interval, "interval", 0, "autorefresh interval; negative disables")
	cmd.Flags().BoolVar(&folder, "folder", false, "create a folder instead of a feed")
	cmd.Flags().BoolVar(&noFetch, "no-fetch", false, "do not touch the network; the url is stored as given")
	cmd.Flags().BoolVar(&noResolve, "no-resolve", false, "do not look for a feed behind a page url")
	return cmd
}

// resolveFeedURL replaces a page url with the feed it points to. Failures
// keep the url as given; the first refresh reports what is wrong with it.
func resolveFeedURL(cmd *cobra.Command, a *app, in *storage.FeedInput) {
	info, err := a.resolver.Resolve(cmd.Context(), in.RSSURL)
	if err != nil {
		debuglog.Warnf("Resolving %s: %v", in.RSSURL, err)
		return
	}
	if info.Resolved() {
		fmt.Fprintf(cmd.OutOrStdout(), "Found feed %s (%s)\n", info.FeedURL, info.Metadata["plugin"])
		in.RSSURL = info.FeedURL
	}
	if in.Title == "" {
		in.Title = info.Title
	}
}

func newFeedsTreeCmd(flags *globalFlags) *cobra.Command {
	var width int
	cmd := &cobra.Command{
		Use:     "tree",
		Aliases: []string{"list", "ls"},
		Short:   "Print the feed tree with unread counts",
		Args:    cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()
			feeds, err := a.store.GetFeeds(ctx)
			if err != nil {
				return err
			}
			if len(feeds) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No feeds yet. Add one with: feedtree feeds add <url>")
				return nil
			}
			unread, err := a.store.BulkUnreadCounts(ctx)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), render.FeedTree(feeds, unread, render.TreeOptions{MaxTitle: width}))
			return nil
		}),
	}
	cmd.Flags().IntVar(&width, "max-title", 60, "truncate titles to this many characters")
	return cmd
}

func newFeedsShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <feed-id>",
		Short: "Show a feed's settings and refresh state",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0], "feed")
			if err != nil {
				return err
			}
			f, err := a.store.GetFeed(ctx, id)
			if err != nil {
				return err
			}
			d := f.Snapshot()
			unread, err := f.UnreadCount(ctx)
			if err != nil {
				return err
			}
			filters, err := f.Filters(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, render.HeaderStyle.Render(d.DisplayName()))
			row := func(k string, v any) { fmt.Fprintf(out, "  %-20s %v\n", k, v) }
			row("id", d.ID)
			row("parent", d.ParentID)
			row("rss url", d.RSSURL)
			row("web url", d.WebURL)
			row("unread", unread)
			row("autorefresh", formatInterval(d.AutorefreshInterval))
			row("refresh with others", d.RefreshWithOthers)
			row("isolate guids", d.IsolateGUIDs)
			row("last refresh", formatUnix(d.LastRefresh))
			row("last attempt", formatUnix(d.LastRefreshAttempt))
			if next := d.NextRefresh(); next != storage.Never {
				row("next refresh", formatUnix(next))
			}
			if d.LastRefreshError != nil {
				row("last error", *d.LastRefreshError)
			}
			for k, v := range d.HTTPHeaders {
				row("header", k+": "+v)
			}
			for _, filt := range filters {
				row("filter", filt)
			}
			return nil
		}),
	}
}

func formatInterval(seconds int64) string {
	if seconds < 1 {
		return "disabled"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "never"
	}
	return time.Unix(ts, 0).Local().Format("2006-01-02 15:04:05")
}

func newFeedsMoveCmd(flags *globalFlags) *cobra.Command {
	var rank float64
	cmd := &cobra.Command{
		Use:   "mv <feed-id> <parent-id>",
		Short: "Move a feed under another one; parent 0 is the top level",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0], "feed")
			if err != nil {
				return err
			}
			f, err := a.store.GetFeed(ctx, id)
			if err != nil {
				return err
			}
			var parent *storage.Feed
			if args[1] != "0" {
				parentID, err := parseID(args[1], "parent")
				if err != nil {
					return err
				}
				if parent, err = a.store.GetFeed(ctx, parentID); err != nil {
					return err
				}
			}
			if err := f.SetParent(ctx, parent, rank); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved %s\n", f)
			return nil
		}),
	}
	cmd.Flags().Float64Var(&rank, "rank", 0, "position among the new siblings")
	return cmd
}

func newFeedsRemoveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <feed-id>",
		Aliases: []string{"remove"},
		Short:   "Delete a feed and its news; children move up a level",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0], "feed")
			if err != nil {
				return err
			}
			f, err := a.store.GetFeed(ctx, id)
			if err != nil {
				return err
			}
			if err := a.manager.DeleteFeed(ctx, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", f)
			return nil
		}),
	}
}

func newRefreshCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [feed-id]",
		Short: "Refresh one feed and its descendants, or every feed",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			var start *storage.Feed
			if len(args) == 1 {
				id, err := parseID(args[0], "feed")
				if err != nil {
					return err
				}
				if start, err = a.store.GetFeed(ctx, id); err != nil {
					return err
				}
			}
			targets, err := a.manager.BulkTargets(ctx, start)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var failed int
			for _, f := range targets {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if f.RSSURL() == "" {
					continue
				}
				added, err := a.manager.Refresh(ctx, f)
				if err != nil {
					failed++
					fmt.Fprintln(out, render.ErrorStyle.Render(fmt.Sprintf("%s: %v", f.DisplayName(), err)))
					continue
				}
				fmt.Fprintf(out, "%s: %d new\n", f.DisplayName(), added)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d feeds failed to refresh", failed, len(targets))
			}
			return nil
		}),
	}
}
