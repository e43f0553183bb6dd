package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds all agent configuration loaded from environment variables.
type Config struct {
	// InstancesDir is the root directory holding one subdirectory per
	// managed instance.
	InstancesDir string

	// DataDir is the directory for the agent's own durable state (the
	// instance registry database).
	DataDir string

	// LogDir is the directory for log files.
	LogDir string

	// StartPort is the first candidate when probing for a free instance
	// port.
	StartPort int

	// PM2Binary is the path or name of the pm2 executable.
	PM2Binary string

	// ReleasesURL is the GitHub API endpoint listing PocketBase releases.
	ReleasesURL string

	// ReleaseCacheTTL bounds how long fetched release metadata is reused.
	ReleaseCacheTTL time.Duration

	// HTTPPort is the port the boundary HTTP API listens on.
	HTTPPort int

	// APISecret guards the boundary HTTP API.
	APISecret string

	// RefreshInterval is the cadence of the periodic status refresh.
	RefreshInterval time.Duration

	// Debug enables verbose logging.
	Debug bool
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	return &Config{
		InstancesDir:    filepath.Join(home, "pocketbase-instances"),
		DataDir:         "/var/lib/pbfleet",
		LogDir:          "/var/log/pbfleet",
		StartPort:       7200,
		PM2Binary:       "pm2",
		ReleasesURL:     "https://api.github.com/repos/pocketbase/pocketbase/releases",
		ReleaseCacheTTL: time.Hour,
		HTTPPort:        8420,
		RefreshInterval: 15 * time.Second,
	}
}

// Load reads configuration from environment variables, applying defaults for
// anything not explicitly set. Returns an error if required values are
// missing or malformed.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.APISecret = strings.TrimSpace(os.Getenv("PBFLEET_API_SECRET"))
	if cfg.APISecret == "" {
		return nil, fmt.Errorf("PBFLEET_API_SECRET is required")
	}

	if v := os.Getenv("PBFLEET_INSTANCES_DIR"); v != "" {
		cfg.InstancesDir = v
	}
	if v := os.Getenv("PBFLEET_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PBFLEET_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("PBFLEET_PM2_BINARY"); v != "" {
		cfg.PM2Binary = v
	}
	if v := os.Getenv("PBFLEET_RELEASES_URL"); v != "" {
		cfg.ReleasesURL = v
	}

	if v := os.Getenv("PBFLEET_START_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("PBFLEET_START_PORT must be a valid port, got %q", v)
		}
		cfg.StartPort = port
	}

	if v := os.Getenv("PBFLEET_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("PBFLEET_HTTP_PORT must be a valid port, got %q", v)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("PBFLEET_RELEASE_CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("PBFLEET_RELEASE_CACHE_TTL: %w", err)
		}
		cfg.ReleaseCacheTTL = ttl
	}

	if v := os.Getenv("PBFLEET_REFRESH_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("PBFLEET_REFRESH_INTERVAL: %w", err)
		}
		cfg.RefreshInterval = interval
	}

	cfg.Debug = os.Getenv("PBFLEET_DEBUG") == "true"

	return cfg, nil
}

// DownloadsDir is the shared cache directory for downloaded version
// artifacts, kept under the instances root like the rest of the managed
// layout.
func (c *Config) DownloadsDir() string {
	return filepath.Join(c.InstancesDir, ".downloads")
}

// NewLogger creates a structured logger that writes to a log file under
// LogDir.
func NewLogger(cfg *Config, name string) (*slog.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir, name+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}
