package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Config holds all configuration for the bookfetch engine
type Config struct {
	// Server configuration
	Host string
	Port int
	Addr string // computed from Host:Port

	// File system
	OutputDir    string // user-provided
	AbsOutputDir string // resolved/absolute path
	DBPath       string // user-provided
	AbsDBPath    string // resolved/absolute path

	// Download behavior
	Workers    int           // concurrent transfers
	QueueCap   int           // max pending tasks
	MaxRetries int           // transient-error retries per transfer
	RetryDelay time.Duration // base backoff delay between retries

	// Instance ranking
	ProbeTimeout time.Duration // per-instance latency probe timeout
	RankInterval time.Duration // minimum interval between startup rankings

	// Logging
	LogLevel          string // debug|info|warn|error
	UnsafeLogPayloads bool

	// Validation & computed
	Version   string    // app version
	StartTime time.Time // when the app started
}

// New creates a Config with default values
func New() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         8080,
		Workers:      3,
		QueueCap:     64,
		MaxRetries:   3,
		RetryDelay:   2 * time.Second,
		ProbeTimeout: 8 * time.Second,
		RankInterval: 24 * time.Hour,
		LogLevel:     "info",
		StartTime:    time.Now(),
		Version:      "1.0.0",
	}
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	// Validate port range
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	// Validate workers
	if c.Workers < 1 {
		c.Workers = runtime.NumCPU()
		if c.Workers < 1 {
			c.Workers = 1
		}
	}

	// Validate queue capacity
	if c.QueueCap < 1 {
		c.QueueCap = 64
	}

	// Retry policy
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}

	// Ranking knobs
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 8 * time.Second
	}
	if c.RankInterval <= 0 {
		c.RankInterval = 24 * time.Hour
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	c.LogLevel = strings.ToLower(c.LogLevel)
	valid := false
	for _, level := range validLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}

	// Compute address
	c.Addr = c.ComputeAddr()

	return nil
}

// ResolveOutputDir expands the output directory path and resolves it to an absolute path
// If empty, defaults to $HOME/Books/bookfetch
func (c *Config) ResolveOutputDir() error {
	if c.OutputDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home directory: %w", err)
		}
		c.OutputDir = filepath.Join(home, "Books", "bookfetch")
	}

	// Expand ~ if present
	if strings.HasPrefix(c.OutputDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expand home directory: %w", err)
		}
		c.OutputDir = filepath.Join(home, c.OutputDir[2:]) // Skip "~/"
	} else if c.OutputDir == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expand home directory: %w", err)
		}
		c.OutputDir = home
	}

	// Resolve to absolute path
	abs, err := filepath.Abs(c.OutputDir)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", c.OutputDir, err)
	}
	c.AbsOutputDir = abs

	return nil
}

// ResolveDBPath expands the database path and resolves it to an absolute path
// If empty, defaults to OS cache directory
func (c *Config) ResolveDBPath() error {
	if c.DBPath == "" {
		c.DBPath = defaultCacheDBPath()
	}

	// Expand ~ if present
	if strings.HasPrefix(c.DBPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expand home directory: %w", err)
		}
		c.DBPath = filepath.Join(home, c.DBPath[2:]) // Skip "~/"
	} else if c.DBPath == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expand home directory: %w", err)
		}
		c.DBPath = home
	}

	// Resolve to absolute path
	abs, err := filepath.Abs(c.DBPath)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", c.DBPath, err)
	}
	c.AbsDBPath = abs

	return nil
}

// ComputeAddr returns the full server address as host:port
func (c *Config) ComputeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Summary returns a one-line summary of key configuration
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"addr":          c.Addr,
		"output_dir":    c.AbsOutputDir,
		"db_path":       c.AbsDBPath,
		"workers":       c.Workers,
		"queue":         c.QueueCap,
		"max_retries":   c.MaxRetries,
		"probe_timeout": c.ProbeTimeout.String(),
		"rank_interval": c.RankInterval.String(),
		"log_level":     c.LogLevel,
		"version":       c.Version,
	}
}

// defaultCacheDBPath returns the cross-platform default path for the SQLite DB
// - Windows: %APPDATA%/bookfetch/bookfetch.db
// - Linux/macOS: $HOME/.cache/bookfetch/bookfetch.db
func defaultCacheDBPath() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "bookfetch", "bookfetch.db")
		}
		// Fallback to user home if APPDATA is not set
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "AppData", "Roaming", "bookfetch", "bookfetch.db")
		}
		// Last resort: current directory
		return "bookfetch.db"
	}
	// Linux/macOS default cache location
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "bookfetch", "bookfetch.db")
	}
	// Fallback: place in working directory
	return filepath.Join("bookfetch", "bookfetch.db")
}
