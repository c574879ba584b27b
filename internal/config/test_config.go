package config

import "time"

// TestConfig returns a config suitable for testing
func TestConfig() *Config {
	cfg := defaultConfig()
	cfg.Database.Path = ""
	cfg.Database.SearchIndex = ""
	cfg.Cache = CacheConfig{Feeds: 64, Filters: 64, News: 256, XML: 8}
	cfg.Feed.HTTPTimeout = 5 * time.Second
	cfg.Feed.UserAgent = "feedtree-test/1.0"
	cfg.Feed.RequestsPerSecond = 0
	cfg.Feed.AllowPrivateHosts = true
	cfg.Scheduler = SchedulerConfig{
		MinSleep:    10 * time.Millisecond,
		MaxSleep:    200 * time.Millisecond,
		Horizon:     100 * time.Millisecond,
		BusyBackoff: 10 * time.Millisecond,
	}
	cfg.Log = LogConfig{Level: "off"}
	cfg.Media = MediaConfig{DefaultOpener: "feedtree-test-open"}
	return cfg
}
