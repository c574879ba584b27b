package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pders01/feedtree/internal/render"
)

func newSearchCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the title, text and authors of stored news",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			query := args[0]
			for _, more := range args[1:] {
				query += " " + more
			}
			results, err := a.searcher.Search(cmd.Context(), query, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "No matches")
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(out, "%s %s %s\n",
					render.IDStyle.Render(fmt.Sprintf("%6d", r.NewsID)),
					r.Title,
					render.IDStyle.Render(fmt.Sprintf("(%.2f)", r.Score)))
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "at most this many results")
	return cmd
}

func newExportCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write the feed tree and filters as TOML",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			var w io.Writer = cmd.OutOrStdout()
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return a.manager.Export(cmd.Context(), w)
		}),
	}
}

func newImportCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Add the feeds and filters of an exported snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			feeds, filters, err := a.manager.Import(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d feeds and %d filters\n", feeds, filters)
			return nil
		}),
	}
}
