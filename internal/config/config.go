// Package config handles configuration loading, validation, and management for pulsed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
)

// Version is the current configuration schema version.
const Version = 1

// AppName names the platform directories used by pulsed.
const AppName = "pulsed"

// Config holds the complete agent configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// DataDir holds the queue, history database, agent id and state files.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	Collector CollectorConfig `toml:"collector" json:"collector" yaml:"collector"`
	Tracking  TrackingConfig  `toml:"tracking" json:"tracking" yaml:"tracking"`
	Queue     QueueConfig     `toml:"queue" json:"queue" yaml:"queue"`
	Store     StoreConfig     `toml:"store" json:"store" yaml:"store"`
	Privacy   PrivacyConfig   `toml:"privacy" json:"privacy" yaml:"privacy"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
	Status    StatusConfig    `toml:"status" json:"status" yaml:"status"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// CollectorConfig describes the remote sink.
type CollectorConfig struct {
	// BaseURL is the API root, e.g. https://pulse.example.com/api.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// Token is sent as a Bearer token. Prefer PULSED_COLLECTOR_TOKEN.
	Token string `toml:"token" json:"token,omitempty" yaml:"token,omitempty"`

	// TimeoutSec bounds every collector request.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// HeartbeatEnabled sends the legacy heartbeat every cycle.
	HeartbeatEnabled bool `toml:"heartbeat_enabled" json:"heartbeat_enabled" yaml:"heartbeat_enabled"`
}

// TrackingConfig holds the cadences of the tracking pipeline.
type TrackingConfig struct {
	HeartbeatIntervalSec int `toml:"heartbeat_interval_sec" json:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec"`
	ClockPollIntervalSec int `toml:"clock_poll_interval_sec" json:"clock_poll_interval_sec" yaml:"clock_poll_interval_sec"`
	IdleThresholdSec     int `toml:"idle_threshold_sec" json:"idle_threshold_sec" yaml:"idle_threshold_sec"`
	MinSegmentMs         int `toml:"min_segment_ms" json:"min_segment_ms" yaml:"min_segment_ms"`
	WindowPollMs         int `toml:"window_poll_ms" json:"window_poll_ms" yaml:"window_poll_ms"`
	MouseMoveThrottleMs  int `toml:"mouse_move_throttle_ms" json:"mouse_move_throttle_ms" yaml:"mouse_move_throttle_ms"`
	IdleProbeIntervalSec int `toml:"idle_probe_interval_sec" json:"idle_probe_interval_sec" yaml:"idle_probe_interval_sec"`
	ShutdownGraceSec     int `toml:"shutdown_grace_sec" json:"shutdown_grace_sec" yaml:"shutdown_grace_sec"`

	// RequireClockIn tracks only while the collector reports the user
	// clocked in. When false a session runs for the agent's lifetime.
	RequireClockIn bool `toml:"require_clock_in" json:"require_clock_in" yaml:"require_clock_in"`

	// InputSource is "auto", "evdev" or "none".
	InputSource string `toml:"input_source" json:"input_source" yaml:"input_source"`
}

// QueueConfig holds durable queue settings.
type QueueConfig struct {
	// Path defaults to <data_dir>/offline-queue.json.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Format is "snapshot" or "journal".
	Format       string `toml:"format" json:"format" yaml:"format"`
	MaxItems     int    `toml:"max_items" json:"max_items" yaml:"max_items"`
	BatchSize    int    `toml:"batch_size" json:"batch_size" yaml:"batch_size"`
	CompactAfter int    `toml:"compact_after" json:"compact_after" yaml:"compact_after"`
}

// StoreConfig holds local history settings.
type StoreConfig struct {
	Enabled       bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path          string `toml:"path" json:"path" yaml:"path"`
	RetentionDays int    `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// PrivacyConfig controls what window information leaves the machine.
type PrivacyConfig struct {
	CaptureTitles     bool     `toml:"capture_titles" json:"capture_titles" yaml:"capture_titles"`
	SensitiveKeywords []string `toml:"sensitive_keywords" json:"sensitive_keywords" yaml:"sensitive_keywords"`
	IgnoredApps       []string `toml:"ignored_apps" json:"ignored_apps" yaml:"ignored_apps"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr" or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// RedactKeys are attribute keys whose values are never logged.
	RedactKeys []string `toml:"redact_keys" json:"redact_keys" yaml:"redact_keys"`
}

// StatusConfig holds the local status server settings.
type StatusConfig struct {
	// Listen is a loopback address. Empty disables the server.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns a configuration with every field set.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Version: Version,
		DataDir: dataDir,
		Collector: CollectorConfig{
			BaseURL:          "http://localhost:8080/api",
			TimeoutSec:       15,
			HeartbeatEnabled: true,
		},
		Tracking: TrackingConfig{
			HeartbeatIntervalSec: 5,
			ClockPollIntervalSec: 30,
			IdleThresholdSec:     120,
			MinSegmentMs:         1000,
			WindowPollMs:         2000,
			MouseMoveThrottleMs:  1000,
			IdleProbeIntervalSec: 5,
			ShutdownGraceSec:     10,
			RequireClockIn:       true,
			InputSource:          "auto",
		},
		Queue: QueueConfig{
			Format:       "snapshot",
			MaxItems:     10000,
			BatchSize:    50,
			CompactAfter: 512,
		},
		Store: StoreConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Privacy: PrivacyConfig{
			CaptureTitles:     true,
			SensitiveKeywords: []string{"bank", "password", "credential", "secret", "private", "payroll", "salary"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
			RedactKeys: []string{"token", "authorization"},
		},
		Status: StatusConfig{
			Listen: "127.0.0.1:7531",
		},
	}
}

// DefaultDataDir returns the data directory, honoring PULSED_DATA_DIR.
func DefaultDataDir() string {
	if dir := os.Getenv("PULSED_DATA_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(xdg.DataHome, AppName)
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if p := os.Getenv("PULSED_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, AppName, "config.toml")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the agent writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.QueuePath())}
	if c.Store.Enabled {
		dirs = append(dirs, filepath.Dir(c.StorePath()))
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.LogPath()))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies PULSED_* environment variables. TEAMPULSE_API_URL
// is honored as a fallback for the collector URL.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("TEAMPULSE_API_URL"); v != "" {
		c.Collector.BaseURL = v
	}
	if v := os.Getenv("PULSED_COLLECTOR_URL"); v != "" {
		c.Collector.BaseURL = v
	}
	if v := os.Getenv("PULSED_COLLECTOR_TOKEN"); v != "" {
		c.Collector.Token = v
	}
	if v := os.Getenv("PULSED_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PULSED_QUEUE_FORMAT"); v != "" {
		c.Queue.Format = v
	}
	if v := os.Getenv("PULSED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PULSED_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PULSED_STATUS_LISTEN"); v != "" {
		c.Status.Listen = v
	}
	if v, ok := envBool("PULSED_REQUIRE_CLOCK_IN"); ok {
		c.Tracking.RequireClockIn = v
	}
	if v, ok := envBool("PULSED_CAPTURE_TITLES"); ok {
		c.Privacy.CaptureTitles = v
	}
	if v := os.Getenv("PULSED_INPUT_SOURCE"); v != "" {
		c.Tracking.InputSource = v
	}
}

func envBool(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		DataDir:   c.DataDir,
		Collector: c.Collector,
		Tracking:  c.Tracking,
		Queue:     c.Queue,
		Store:     c.Store,
		Privacy:   c.Privacy,
		Logging:   c.Logging,
		Status:    c.Status,
	}
	clone.Privacy.SensitiveKeywords = append([]string{}, c.Privacy.SensitiveKeywords...)
	clone.Privacy.IgnoredApps = append([]string{}, c.Privacy.IgnoredApps...)
	clone.Logging.RedactKeys = append([]string{}, c.Logging.RedactKeys...)
	return clone
}

// QueuePath returns the durable queue file.
func (c *Config) QueuePath() string {
	if c.Queue.Path != "" {
		return expandPath(c.Queue.Path)
	}
	return filepath.Join(c.DataDir, "offline-queue.json")
}

// StorePath returns the history database file.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return expandPath(c.Store.Path)
	}
	return filepath.Join(c.DataDir, "history.db")
}

// LogPath returns the log file used when logging to a file.
func (c *Config) LogPath() string {
	if c.Logging.FilePath != "" {
		return expandPath(c.Logging.FilePath)
	}
	return filepath.Join(xdg.StateHome, AppName, "pulsed.log")
}

// AgentIDPath returns the file holding this installation's agent id.
func (c *Config) AgentIDPath() string {
	return filepath.Join(c.DataDir, "agent-id")
}

// PIDPath returns the daemon pid file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "pulsed.pid")
}

// StatePath returns the daemon state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

func (t TrackingConfig) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatIntervalSec) * time.Second
}

func (t TrackingConfig) ClockPollInterval() time.Duration {
	return time.Duration(t.ClockPollIntervalSec) * time.Second
}

func (t TrackingConfig) IdleThreshold() time.Duration {
	return time.Duration(t.IdleThresholdSec) * time.Second
}

func (t TrackingConfig) MinSegment() time.Duration {
	return time.Duration(t.MinSegmentMs) * time.Millisecond
}

func (t TrackingConfig) WindowPoll() time.Duration {
	return time.Duration(t.WindowPollMs) * time.Millisecond
}

func (t TrackingConfig) MouseMoveThrottle() time.Duration {
	return time.Duration(t.MouseMoveThrottleMs) * time.Millisecond
}

func (t TrackingConfig) IdleProbeInterval() time.Duration {
	return time.Duration(t.IdleProbeIntervalSec) * time.Second
}

func (t TrackingConfig) ShutdownGrace() time.Duration {
	return time.Duration(t.ShutdownGraceSec) * time.Second
}

// Timeout returns the per-request collector timeout.
func (c CollectorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Retention returns how long history is kept.
func (s StoreConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}
