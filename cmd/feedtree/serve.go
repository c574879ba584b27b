package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/refresh"
	"github.com/pders01/feedtree/internal/server"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON API and the background refresher",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			svc := refresh.NewService(a.manager, a.cfg, logEvent)
			srv := server.New(a.manager, svc, a.searcher, a.cfg.Server)

			mode := ""
			if a.store.ReadOnly() {
				mode = " (read-only)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s%s\n", addr, mode)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return svc.Run(ctx) })
			g.Go(func() error { return srv.ListenAndServe(ctx, addr) })
			return g.Wait()
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func logEvent(ev refresh.Event) {
	fields := map[string]interface{}{"event": string(ev.Kind)}
	if ev.FeedID != 0 {
		fields["feed"] = ev.FeedID
	}
	switch {
	case ev.Err != nil:
		debuglog.WithFields(fields).Warnf("%v", ev.Err)
	case ev.Kind == refresh.RefreshFinished:
		debuglog.WithFields(fields).Infof("%d new", ev.Added)
	default:
		debuglog.WithFields(fields).Debugf("refresh event")
	}
}
