package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pders01/feedtree/internal/render"
	"github.com/pders01/feedtree/internal/rules"
	"github.com/pders01/feedtree/internal/storage"
)

func newFiltersCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "filters",
		Aliases: []string{"filter"},
		Short:   "Manage filters and their attachment to feeds",
	}
	cmd.AddCommand(
		newFiltersListCmd(flags),
		newFiltersAddCmd(flags),
		newFiltersRemoveCmd(flags),
		newFiltersAttachCmd(flags),
		newFiltersRunCmd(flags),
		newFiltersRulesCmd(),
	)
	return cmd
}

func newFiltersListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List filters",
		Args:    cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, _ []string) error {
			filters, err := a.store.GetFilters(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range filters {
				d := f.Snapshot()
				fmt.Fprintf(out, "%s %s\n", render.IDStyle.Render(fmt.Sprintf("#%d", d.ID)), render.HeaderStyle.Render(d.DisplayName()))
				fmt.Fprintf(out, "    if   %s\n", d.Conditions)
				fmt.Fprintf(out, "    then %s\n", strings.ReplaceAll(d.Actions, "\n", "; "))
			}
			return nil
		}),
	}
}

func newFiltersAddCmd(flags *globalFlags) *cobra.Command {
	var name, conditions string
	var actions []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a filter",
		Long: `Create a filter from a condition expression and a list of actions.
The last action must be then_continue_filters or then_stop_filters.

  feedtree filters add --name ads --if 'title_regex:^\[ad\]' \
      --then set_recycled:yes --then then_stop_filters`,
		Args: cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, _ []string) error {
			f, err := a.manager.AddFilter(cmd.Context(), name, conditions, strings.Join(actions, "\n"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", f)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "filter name")
	cmd.Flags().StringVar(&conditions, "if", "", "condition expression")
	cmd.Flags().StringArrayVar(&actions, "then", nil, "action, repeatable and applied in order")
	_ = cmd.MarkFlagRequired("if")
	_ = cmd.MarkFlagRequired("then")
	return cmd
}

func newFiltersRemoveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <filter-id>",
		Aliases: []string{"remove"},
		Short:   "Delete a filter that no feed uses",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			f, err := filterArg(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			if err := f.Delete(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", f)
			return nil
		}),
	}
}

func filterArg(ctx context.Context, a *app, raw string) (*storage.Filter, error) {
	id, err := parseID(raw, "filter")
	if err != nil {
		return nil, err
	}
	return a.store.GetFilter(ctx, id)
}

func newFiltersAttachCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <feed-id> [filter-id]...",
		Short: "Set the ordered filters of a feed; no filter ids detaches all",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			feedID, err := parseID(args[0], "feed")
			if err != nil {
				return err
			}
			f, err := a.store.GetFeed(ctx, feedID)
			if err != nil {
				return err
			}
			filters := make([]*storage.Filter, 0, len(args)-1)
			for _, raw := range args[1:] {
				filt, err := filterArg(ctx, a, raw)
				if err != nil {
					return err
				}
				filters = append(filters, filt)
			}
			if err := f.SetFilters(ctx, filters); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now has %d filters\n", f, len(filters))
			return nil
		}),
	}
}

func newFiltersRunCmd(flags *globalFlags) *cobra.Command {
	var feedID uint32
	cmd := &cobra.Command{
		Use:   "run <filter-id>",
		Short: "Apply a filter to news already stored",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			filt, err := filterArg(ctx, a, args[0])
			if err != nil {
				return err
			}
			var q storage.NewsQuery
			if feedID != 0 {
				if q.Feed, err = a.store.GetFeed(ctx, feedID); err != nil {
					return err
				}
			}
			news, err := a.store.ListNews(ctx, q)
			if err != nil {
				return err
			}
			matched := 0
			err = a.store.Atomic(ctx, func(ctx context.Context) error {
				for _, n := range news {
					if filt.Rule().Condition.Match(n.RuleView()) {
						matched++
					}
					if _, err := filt.Process(ctx, n); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s matched %d of %d news\n", filt, matched, len(news))
			return nil
		}),
	}
	cmd.Flags().Uint32Var(&feedID, "feed", 0, "only news of this feed and its descendants")
	return cmd
}

func newFiltersRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the conditions and actions filters can use",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, render.HeaderStyle.Render("Conditions"))
			for _, name := range rules.ConditionNames() {
				fmt.Fprintf(out, "  %s\n", name)
			}
			fmt.Fprintln(out, render.HeaderStyle.Render("Actions"))
			for _, name := range rules.ActionNames() {
				fmt.Fprintf(out, "  %s\n", name)
			}
		},
	}
}
