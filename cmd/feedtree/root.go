package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pders01/feedtree/internal/config"
	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/feed"
	"github.com/pders01/feedtree/internal/plugins"
	"github.com/pders01/feedtree/internal/plugins/sites"
	"github.com/pders01/feedtree/internal/search"
	"github.com/pders01/feedtree/internal/storage"
	"github.com/pders01/feedtree/internal/validation"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	dbPath     string
	readOnly   bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "feedtree",
		Short:         "A feed aggregator with a hierarchy of feeds and declarative filters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "path to database file (overrides config)")
	root.PersistentFlags().BoolVar(&flags.readOnly, "read-only", false, "open the database read-only")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newFeedsCmd(flags),
		newRefreshCmd(flags),
		newNewsCmd(flags),
		newFiltersCmd(flags),
		newSearchCmd(flags),
		newExportCmd(flags),
		newImportCmd(flags),
		newServeCmd(flags),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "feedtree %s\n", Version)
			fmt.Fprintln(out, "github.com/pders01/feedtree")
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var path string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				path = filepath.Join(home, ".config", "feedtree", "config.toml")
			}
			if err := config.GenerateDefaultConfig(path); err != nil {
				return fmt.Errorf("generating config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration at: %s\n", path)
			return nil
		},
	}
	generate.Flags().StringVarP(&path, "output", "o", "", "where to write the file")
	cmd.AddCommand(generate)
	return cmd
}

// app holds what a command needs once the configuration is loaded.
type app struct {
	cfg      *config.Config
	store    *storage.Store
	manager  *feed.Manager
	searcher search.Searcher
	index    *search.Index
	resolver *plugins.Registry
}

func openApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.dbPath != "" {
		cfg.Database.Path = flags.dbPath
	}
	if flags.readOnly {
		cfg.Database.ReadOnly = true
	}

	if flags.verbose {
		debuglog.SetOutput(debuglog.LevelDebug, os.Stderr)
	} else if err := debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), cfg.Log.File); err != nil {
		return nil, err
	}

	paths := validation.NewSecurePathHandler()
	dbPath, err := paths.DBPath(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}
	urls := validation.NewFeedURLValidator()
	if cfg.Feed.AllowPrivateHosts {
		urls = validation.NewPermissiveFeedURLValidator()
	}
	store, err := storage.Open(dbPath, storage.Options{
		Timeout:     cfg.Database.Timeout,
		ReadOnly:    cfg.Database.ReadOnly,
		FeedCache:   cfg.Cache.Feeds,
		FilterCache: cfg.Cache.Filters,
		NewsCache:   cfg.Cache.News,
		URLs:        urls,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		store:    store,
		manager:  feed.NewManager(store, cfg),
		resolver: plugins.NewRegistry(cfg.Feed.HTTPTimeout, cfg.Feed.UserAgent, urls),
	}
	sites.Register(a.resolver)
	if cfg.Database.SearchIndex == "" || cfg.Database.ReadOnly {
		a.searcher = search.NewEngine(store)
		return a, nil
	}
	indexPath, err := paths.IndexPath(cfg.Database.SearchIndex)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("search index path: %w", err)
	}
	if a.index, err = search.OpenIndex(ctx, store, indexPath); err != nil {
		store.Close()
		return nil, fmt.Errorf("opening search index: %w", err)
	}
	a.manager.SetIndexer(a.index)
	a.searcher = a.index
	return a, nil
}

func (a *app) Close() error {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			debuglog.Warnf("Closing search index: %v", err)
		}
	}
	err := a.store.Close()
	_ = debuglog.Close()
	return err
}

// withApp wraps a command body with opening and closing the app.
func withApp(flags *globalFlags, run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, a, args)
	}
}

func parseID(raw, what string) (uint32, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, raw)
	}
	return uint32(id), nil
}
