package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Media     MediaConfig     `mapstructure:"media"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SearchIndex string        `mapstructure:"search_index"`
	// ReadOnly puts the whole process in demo mode.
	ReadOnly bool `mapstructure:"read_only"`
}

// CacheConfig sizes the in-process identity maps and the conditional fetch cache.
type CacheConfig struct {
	Feeds   int `mapstructure:"feeds"`
	Filters int `mapstructure:"filters"`
	News    int `mapstructure:"news"`
	XML     int `mapstructure:"xml"`
}

type FeedConfig struct {
	HTTPTimeout                time.Duration `mapstructure:"http_timeout"`
	UserAgent                  string        `mapstructure:"user_agent"`
	RequestsPerSecond          float64       `mapstructure:"requests_per_second"`
	DefaultAutorefreshInterval int64         `mapstructure:"default_autorefresh_interval"`
	AllowPrivateHosts          bool          `mapstructure:"allow_private_hosts"`
}

type SchedulerConfig struct {
	MinSleep    time.Duration `mapstructure:"min_sleep"`
	MaxSleep    time.Duration `mapstructure:"max_sleep"`
	Horizon     time.Duration `mapstructure:"horizon"`
	BusyBackoff time.Duration `mapstructure:"busy_backoff"`
}

type ServerConfig struct {
	Addr          string `mapstructure:"addr"`
	LocalhostOnly bool   `mapstructure:"localhost_only"`
}

// MediaConfig lists candidate players per media type; the first one found
// in PATH is used. DefaultOpener handles everything else and may carry
// arguments.
type MediaConfig struct {
	DefaultOpener string   `mapstructure:"default_opener"`
	Video         []string `mapstructure:"video"`
	Audio         []string `mapstructure:"audio"`
	Image         []string `mapstructure:"image"`
	PDF           []string `mapstructure:"pdf"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".feedtree")

	return &Config{
		Database: DatabaseConfig{
			Path:        filepath.Join(dataDir, "feedtree.db"),
			Timeout:     1 * time.Second,
			SearchIndex: filepath.Join(dataDir, "index.bleve"),
		},
		Cache: CacheConfig{
			Feeds:   2000,
			Filters: 1000,
			News:    20000,
			XML:     100,
		},
		Feed: FeedConfig{
			HTTPTimeout:                30 * time.Second,
			UserAgent:                  "feedtree/0.1 (github.com/pders01/feedtree)",
			RequestsPerSecond:          1,
			DefaultAutorefreshInterval: 86400,
		},
		Scheduler: SchedulerConfig{
			MinSleep:    30 * time.Second,
			MaxSleep:    2 * time.Hour,
			Horizon:     1 * time.Hour,
			BusyBackoff: 10 * time.Second,
		},
		Server: ServerConfig{
			Addr:          "127.0.0.1:27464",
			LocalhostOnly: true,
		},
		Log: LogConfig{
			Level: "off",
			File:  filepath.Join(dataDir, "feedtree.log"),
		},
		Media: MediaConfig{
			Video: []string{"mpv", "vlc"},
			Audio: []string{"mpv", "vlc"},
			Image: []string{"imv", "feh"},
			PDF:   []string{"zathura"},
		},
	}
}

// Defaults returns a fresh copy of the built-in configuration.
func Defaults() *Config {
	return defaultConfig()
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.timeout", cfg.Database.Timeout)
	v.SetDefault("database.search_index", cfg.Database.SearchIndex)
	v.SetDefault("database.read_only", cfg.Database.ReadOnly)

	v.SetDefault("cache.feeds", cfg.Cache.Feeds)
	v.SetDefault("cache.filters", cfg.Cache.Filters)
	v.SetDefault("cache.news", cfg.Cache.News)
	v.SetDefault("cache.xml", cfg.Cache.XML)

	v.SetDefault("feed.http_timeout", cfg.Feed.HTTPTimeout)
	v.SetDefault("feed.user_agent", cfg.Feed.UserAgent)
	v.SetDefault("feed.requests_per_second", cfg.Feed.RequestsPerSecond)
	v.SetDefault("feed.default_autorefresh_interval", cfg.Feed.DefaultAutorefreshInterval)
	v.SetDefault("feed.allow_private_hosts", cfg.Feed.AllowPrivateHosts)

	v.SetDefault("scheduler.min_sleep", cfg.Scheduler.MinSleep)
	v.SetDefault("scheduler.max_sleep", cfg.Scheduler.MaxSleep)
	v.SetDefault("scheduler.horizon", cfg.Scheduler.Horizon)
	v.SetDefault("scheduler.busy_backoff", cfg.Scheduler.BusyBackoff)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.localhost_only", cfg.Server.LocalhostOnly)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)

	v.SetDefault("media.default_opener", cfg.Media.DefaultOpener)
	v.SetDefault("media.video", cfg.Media.Video)
	v.SetDefault("media.audio", cfg.Media.Audio)
	v.SetDefault("media.image", cfg.Media.Image)
	v.SetDefault("media.pdf", cfg.Media.PDF)
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		configDir := filepath.Join(homeDir, ".config", "feedtree")

		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FEEDTREE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	expandPaths(&config)

	return &config, nil
}

// Validate rejects settings the scheduler and caches cannot work with.
func (c *Config) Validate() error {
	if c.Scheduler.MinSleep <= 0 || c.Scheduler.MaxSleep < c.Scheduler.MinSleep {
		return fmt.Errorf("scheduler: min_sleep must be positive and not above max_sleep")
	}
	if c.Cache.Feeds < 1 || c.Cache.Filters < 1 || c.Cache.News < 1 || c.Cache.XML < 1 {
		return fmt.Errorf("cache: sizes must be positive")
	}
	if c.Feed.RequestsPerSecond < 0 {
		return fmt.Errorf("feed: requests_per_second cannot be negative")
	}
	return nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Database.SearchIndex = expandPath(cfg.Database.SearchIndex)
	cfg.Log.File = expandPath(cfg.Log.File)
}

func Save(config *Config, path string) error {
	v := viper.New()

	// Durations as strings keep the TOML readable.
	v.Set("database", map[string]interface{}{
		"path":         config.Database.Path,
		"timeout":      config.Database.Timeout.String(),
		"search_index": config.Database.SearchIndex,
		"read_only":    config.Database.ReadOnly,
	})
	v.Set("cache", map[string]interface{}{
		"feeds":   config.Cache.Feeds,
		"filters": config.Cache.Filters,
		"news":    config.Cache.News,
		"xml":     config.Cache.XML,
	})
	v.Set("feed", map[string]interface{}{
		"http_timeout":                 config.Feed.HTTPTimeout.String(),
		"user_agent":                   config.Feed.UserAgent,
		"requests_per_second":          config.Feed.RequestsPerSecond,
		"default_autorefresh_interval": config.Feed.DefaultAutorefreshInterval,
		"allow_private_hosts":          config.Feed.AllowPrivateHosts,
	})
	v.Set("scheduler", map[string]interface{}{
		"min_sleep":    config.Scheduler.MinSleep.String(),
		"max_sleep":    config.Scheduler.MaxSleep.String(),
		"horizon":      config.Scheduler.Horizon.String(),
		"busy_backoff": config.Scheduler.BusyBackoff.String(),
	})
	v.Set("server", map[string]interface{}{
		"addr":           config.Server.Addr,
		"localhost_only": config.Server.LocalhostOnly,
	})
	v.Set("log", map[string]interface{}{
		"level": config.Log.Level,
		"file":  config.Log.File,
	})
	v.Set("media", map[string]interface{}{
		"default_opener": config.Media.DefaultOpener,
		"video":          config.Media.Video,
		"audio":          config.Media.Audio,
		"image":          config.Media.Image,
		"pdf":            config.Media.PDF,
	})

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
