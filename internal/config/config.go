// Package config handles configuration loading, validation, and hot reload
// for editlog.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"editlog/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete editlog configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configures the record store, journal and key locations.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// History configures the history engine.
	History HistoryConfig `toml:"history" json:"history" yaml:"history"`

	// Commit configures the commit-policy controller.
	Commit CommitConfig `toml:"commit" json:"commit" yaml:"commit"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// DataDir holds the database, journal, key and lock files unless they
	// are set individually.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// DBPath overrides the SQLite database location.
	DBPath string `toml:"db_path" json:"db_path" yaml:"db_path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// MaxOpenConns limits the database connection pool.
	MaxOpenConns int `toml:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns"`

	// JournalPath overrides the draft journal location.
	JournalPath string `toml:"journal_path" json:"journal_path" yaml:"journal_path"`

	// KeyPath overrides the journal master key location.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`
}

// HistoryConfig holds history engine settings.
type HistoryConfig struct {
	// CacheSize is the number of reconstructed texts kept in memory.
	CacheSize int `toml:"cache_size" json:"cache_size" yaml:"cache_size"`

	// AllowWhitespaceOnly records commits that only change whitespace.
	AllowWhitespaceOnly bool `toml:"allow_whitespace_only" json:"allow_whitespace_only" yaml:"allow_whitespace_only"`

	// IntegrityMode is "strict", "warn" or "off".
	IntegrityMode string `toml:"integrity_mode" json:"integrity_mode" yaml:"integrity_mode"`
}

// CommitConfig holds commit policy settings.
type CommitConfig struct {
	// QuietPeriodMs is how long text must stay unchanged before it is
	// committed.
	QuietPeriodMs int `toml:"quiet_period_ms" json:"quiet_period_ms" yaml:"quiet_period_ms"`

	// CommitTimeoutMs bounds a background commit.
	CommitTimeoutMs int `toml:"commit_timeout_ms" json:"commit_timeout_ms" yaml:"commit_timeout_ms"`

	// Journal enables the draft journal.
	Journal bool `toml:"journal" json:"journal" yaml:"journal"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file, both or discard.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the size that triggers rotation.
	MaxSizeMB int64 `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// MaxBackups is how many rotated files are kept.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics exposition settings.
type MetricsConfig struct {
	// Enabled turns on the HTTP endpoint.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the host:port of the /metrics endpoint.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Backend:       "sqlite",
			DataDir:       DataDir(),
			BusyTimeoutMs: 5000,
			MaxOpenConns:  4,
		},
		History: HistoryConfig{
			CacheSize:     256,
			IntegrityMode: "strict",
		},
		Commit: CommitConfig{
			QuietPeriodMs:   3000,
			CommitTimeoutMs: 30000,
			Journal:         true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "editlog.log"),
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			MaxBackups: 5,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if path := FindConfigFile(); path != "" {
		return path
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the data directory, honoring EDITLOG_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("EDITLOG_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies EDITLOG_* environment variables. Malformed
// numeric values are reported and leave the setting unchanged.
func (c *Config) ApplyEnvOverrides() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs ValidationErrors

	if v := os.Getenv("EDITLOG_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("EDITLOG_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("EDITLOG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EDITLOG_INTEGRITY_MODE"); v != "" {
		c.History.IntegrityMode = v
	}
	if v := os.Getenv("EDITLOG_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("EDITLOG_QUIET_PERIOD_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: "EDITLOG_QUIET_PERIOD_MS", Message: fmt.Sprintf("not an integer: %q", v)})
		} else {
			c.Commit.QuietPeriodMs = ms
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version: c.Version,
		Storage: c.Storage,
		History: c.History,
		Commit:  c.Commit,
		Logging: c.Logging,
		Metrics: c.Metrics,
	}
}

// EnsureDirectories creates the data directory with owner-only access.
func (c *Config) EnsureDirectories() error {
	if c.Storage.Backend != "sqlite" {
		return nil
	}
	for _, dir := range []string{c.Storage.DataDir, filepath.Dir(c.DatabasePath())} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.Storage.DataDir, "editlog.db")
}

// JournalPath returns the draft journal path.
func (c *Config) JournalPath() string {
	if c.Storage.JournalPath != "" {
		return c.Storage.JournalPath
	}
	return filepath.Join(c.Storage.DataDir, "drafts.journal")
}

// KeyPath returns the journal master key path.
func (c *Config) KeyPath() string {
	if c.Storage.KeyPath != "" {
		return c.Storage.KeyPath
	}
	return filepath.Join(c.Storage.DataDir, "journal.key")
}

// LockPath returns the single-writer lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.Storage.DataDir, "editlog.lock")
}

// QuietPeriod returns the commit quiet period.
func (c *Config) QuietPeriod() time.Duration {
	return time.Duration(c.Commit.QuietPeriodMs) * time.Millisecond
}

// CommitTimeout returns the background commit timeout.
func (c *Config) CommitTimeout() time.Duration {
	return time.Duration(c.Commit.CommitTimeoutMs) * time.Millisecond
}

// BusyTimeout returns the SQLite busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	if c.Logging.FilePath != "" {
		lc.FilePath = c.Logging.FilePath
	}
	lc.MaxSize = c.Logging.MaxSizeMB
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.MaxBackups = c.Logging.MaxBackups
	lc.Compress = c.Logging.Compress
	return lc, nil
}
