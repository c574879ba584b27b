package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pders01/feedtree/internal/render"
	"github.com/pders01/feedtree/internal/storage"
)

func newNewsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "news",
		Short: "Read and mark news",
	}
	cmd.AddCommand(
		newNewsListCmd(flags),
		newNewsShowCmd(flags),
		newNewsOpenCmd(flags),
		newNewsMarkCmd(flags, "read", "Mark news read", func(ctx context.Context, n *storage.News, undo bool) error {
			return n.SetRead(ctx, !undo)
		}),
		newNewsMarkCmd(flags, "recycle", "Move news to the recycle bin", func(ctx context.Context, n *storage.News, undo bool) error {
			return n.SetRecycled(ctx, !undo)
		}),
	)
	return cmd
}

func newNewsListCmd(flags *globalFlags) *cobra.Command {
	var (
		feedID   uint32
		all      bool
		recycled bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List unread news, newest first",
		Args:    cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()
			q := storage.NewsQuery{Limit: limit}
			if feedID != 0 {
				f, err := a.store.GetFeed(ctx, feedID)
				if err != nil {
					return err
				}
				q.Feed = f
			}
			if !all {
				no := false
				q.Read = &no
			}
			q.Recycled = &recycled
			news, err := a.store.ListNews(ctx, q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, n := range news {
				fmt.Fprintln(out, render.NewsLine(n.Snapshot(), 80))
			}
			return nil
		}),
	}
	cmd.Flags().Uint32Var(&feedID, "feed", 0, "only news of this feed and its descendants")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include read news")
	cmd.Flags().BoolVar(&recycled, "recycled", false, "list the recycle bin instead")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "at most this many news; 0 lists all")
	return cmd
}

func newNewsShowCmd(flags *globalFlags) *cobra.Command {
	var (
		width       int
		style       string
		keepUnread  bool
		rawMarkdown bool
	)
	cmd := &cobra.Command{
		Use:   "show <news-id>",
		Short: "Render a news item and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0], "news")
			if err != nil {
				return err
			}
			n, err := a.store.GetNews(ctx, id)
			if err != nil {
				return err
			}
			var feedName string
			if f, err := n.Feed(ctx); err == nil {
				feedName = f.DisplayName()
			}
			view := render.ViewOf(n.Snapshot(), feedName)

			var text string
			if rawMarkdown {
				text, err = render.Markdown(view)
			} else {
				var r *render.NewsRenderer
				if r, err = render.NewNewsRenderer(width, style); err != nil {
					return err
				}
				text, err = r.Render(view)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)

			if keepUnread || a.store.ReadOnly() {
				return nil
			}
			return n.SetRead(ctx, true)
		}),
	}
	cmd.Flags().IntVarP(&width, "width", "w", 100, "terminal width to wrap for")
	cmd.Flags().StringVar(&style, "style", "", "glamour style (dark, light, notty); detected when empty")
	cmd.Flags().BoolVar(&keepUnread, "keep-unread", false, "do not mark the news read")
	cmd.Flags().BoolVar(&rawMarkdown, "markdown", false, "print markdown instead of rendering it")
	return cmd
}

// newNewsMarkCmd builds a command applying set to each listed news in one
// atomic scope; --undo reverses the flag.
func newNewsMarkCmd(flags *globalFlags, use, short string, set func(ctx context.Context, n *storage.News, undo bool) error) *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   use + " <news-id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			ids := make([]uint32, len(args))
			for i, raw := range args {
				id, err := parseID(raw, "news")
				if err != nil {
					return err
				}
				ids[i] = id
			}
			err := a.store.Atomic(cmd.Context(), func(ctx context.Context) error {
				for _, id := range ids {
					n, err := a.store.GetNews(ctx, id)
					if err != nil {
						return err
					}
					if err := set(ctx, n, undo); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %d news\n", len(ids))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "clear the flag instead of setting it")
	return cmd
}
