// Package config loads and validates the buildwatch configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Workspaces []WorkspaceConfig `yaml:"workspaces"`
	Watch      WatchConfig       `yaml:"watch"`
	Poll       PollConfig        `yaml:"poll"`
	Build      BuildConfig       `yaml:"build"`
	Admin      AdminConfig       `yaml:"admin"`
	History    HistoryConfig     `yaml:"history"`
	Logging    LoggingConfig     `yaml:"logging"`
}

// ServerConfig points at the build server's RPC endpoint.
type ServerConfig struct {
	// URL is the base URL of the build server. The BUILDWATCH_SERVER_URL
	// environment variable overrides it.
	URL string `yaml:"url"`
	// Timeout caps a single RPC round trip.
	Timeout time.Duration `yaml:"timeout"`
}

// WorkspaceConfig declares one tracked workspace root.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
	// Poll opts the workspace into background status polling at startup.
	Poll bool `yaml:"poll"`
}

// WatchConfig tunes the file watcher and reload debouncing.
type WatchConfig struct {
	Enabled     bool          `yaml:"enabled"`
	QuietWindow time.Duration `yaml:"quiet_window"`
}

// PollConfig tunes the adaptive status poll cadence.
type PollConfig struct {
	FastInterval   time.Duration `yaml:"fast_interval"`
	SlowInterval   time.Duration `yaml:"slow_interval"`
	ResyncInterval time.Duration `yaml:"resync_interval"`
}

// BuildConfig tunes build command orchestration.
type BuildConfig struct {
	// Tool is the default build tool: auto, maven or gradle.
	Tool string `yaml:"tool"`
	// PollCeiling caps how long a build command waits for completion.
	PollCeiling time.Duration `yaml:"poll_ceiling"`
}

// AdminConfig configures the local admin/metrics HTTP listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// HistoryConfig configures build history persistence.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Load reads, expands, defaults and validates the configuration at path.
// A missing file yields the defaults (server URL still required via env).
func Load(path string) (*Config, error) {
	loadEnvFiles()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}

	if env := os.Getenv("BUILDWATCH_SERVER_URL"); env != "" {
		cfg.Server.URL = env
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads .env/.env.local if present. Existing process
// environment variables are not overwritten.
func loadEnvFiles() {
	for _, p := range []string{".env", ".env.local"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Timeout <= 0 {
		c.Server.Timeout = 5 * time.Minute
	}
	if c.Watch.QuietWindow <= 0 {
		c.Watch.QuietWindow = time.Second
	}
	if c.Poll.FastInterval <= 0 {
		c.Poll.FastInterval = 1500 * time.Millisecond
	}
	if c.Poll.SlowInterval <= 0 {
		c.Poll.SlowInterval = 15 * time.Second
	}
	if c.Poll.ResyncInterval < 0 {
		c.Poll.ResyncInterval = 0
	}
	if c.Build.Tool == "" {
		c.Build.Tool = "auto"
	}
	if c.Build.PollCeiling <= 0 {
		c.Build.PollCeiling = 15 * time.Minute
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:7432"
	}
	if c.History.Path == "" {
		c.History.Path = defaultHistoryPath()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func defaultHistoryPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "buildwatch-history.db"
	}
	return filepath.Join(dir, "buildwatch", "history.db")
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required (or set BUILDWATCH_SERVER_URL)")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.url is not a valid URL: %q", c.Server.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url must be http or https, got %q", u.Scheme)
	}

	switch c.Build.Tool {
	case "auto", "maven", "gradle":
	default:
		return fmt.Errorf("build.tool must be auto, maven or gradle, got %q", c.Build.Tool)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	seen := make(map[string]struct{}, len(c.Workspaces))
	for i, ws := range c.Workspaces {
		if ws.Root == "" {
			return fmt.Errorf("workspaces[%d].root is required", i)
		}
		if _, dup := seen[ws.Root]; dup {
			return fmt.Errorf("workspaces[%d].root duplicates %q", i, ws.Root)
		}
		seen[ws.Root] = struct{}{}
	}

	if c.Watch.QuietWindow > time.Minute {
		return fmt.Errorf("watch.quiet_window above one minute defeats its purpose")
	}
	if c.Poll.FastInterval > c.Poll.SlowInterval {
		return fmt.Errorf("poll.fast_interval must not exceed poll.slow_interval")
	}
	return nil
}
