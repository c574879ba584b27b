package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pders01/feedtree/internal/media"
)

func newNewsOpenCmd(flags *globalFlags) *cobra.Command {
	var (
		enclosure  int
		dryRun     bool
		keepUnread bool
	)
	cmd := &cobra.Command{
		Use:   "open <news-id>",
		Short: "Open a news link or enclosure in an external program",
		Long: "Opens the web page of a news item, or with --enclosure the n-th enclosure.\n" +
			"Players per media type are configured in the [media] section.",
		Args: cobra.ExactArgs(1),
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
			d := n.Snapshot()

			target, mimeType := d.WebURL, ""
			switch {
			case enclosure > 0:
				if enclosure > len(d.Enclosures) {
					return fmt.Errorf("news %d has %d enclosures", d.ID, len(d.Enclosures))
				}
				e := d.Enclosures[enclosure-1]
				target, mimeType = e.URL, e.Type
			case target == "" && len(d.Enclosures) > 0:
				target, mimeType = d.Enclosures[0].URL, d.Enclosures[0].Type
			}
			if target == "" {
				return fmt.Errorf("news %d has no link", d.ID)
			}

			launcher := media.NewLauncher(a.cfg.Media)
			if dryRun {
				c, _ := launcher.Command(target, mimeType)
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(c.Args, " "))
				return nil
			}
			if err := launcher.Open(target, mimeType); err != nil {
				return err
			}
			if keepUnread || a.store.ReadOnly() {
				return nil
			}
			return n.SetRead(ctx, true)
		}),
	}
	cmd.Flags().IntVarP(&enclosure, "enclosure", "e", 0, "open the n-th enclosure, counting from 1")
	cmd.Flags().BoolVar(&dryRun, "print", false, "print the command instead of running it")
	cmd.Flags().BoolVar(&keepUnread, "keep-unread", false, "do not mark the news read")
	return cmd
}
