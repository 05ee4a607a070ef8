package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidConfig is matched by errors.Is for any ValidationErrors.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, v := range e {
		out = append(out, v.Field)
	}
	return out
}

// ValidateConfig checks every section and returns ValidationErrors or nil.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	if c.DataDir == "" {
		errs = append(errs, *RequiredFieldError("data_dir"))
	}

	errs = append(errs, validateCollector(&c.Collector)...)
	errs = append(errs, validateTracking(&c.Tracking)...)
	errs = append(errs, validateQueue(&c.Queue)...)
	errs = append(errs, validateStore(&c.Store)...)
	errs = append(errs, validatePrivacy(&c.Privacy)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateStatus(&c.Status)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateCollector(c *CollectorConfig) ValidationErrors {
	var errs ValidationErrors
	if !isValidURL(c.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "collector.base_url",
			Message: fmt.Sprintf("invalid URL %q (must be http or https)", c.BaseURL),
		})
	}
	if c.TimeoutSec < 1 || c.TimeoutSec > 300 {
		errs = append(errs, *RangeError("collector.timeout_sec", 1, 300))
	}
	return errs
}

func validateTracking(t *TrackingConfig) ValidationErrors {
	var errs ValidationErrors
	ranges := []struct {
		field    string
		value    int
		min, max int
	}{
		{"tracking.heartbeat_interval_sec", t.HeartbeatIntervalSec, 1, 300},
		{"tracking.clock_poll_interval_sec", t.ClockPollIntervalSec, 1, 3600},
		{"tracking.idle_threshold_sec", t.IdleThresholdSec, 10, 3600},
		{"tracking.min_segment_ms", t.MinSegmentMs, 0, 60000},
		{"tracking.window_poll_ms", t.WindowPollMs, 100, 60000},
		{"tracking.mouse_move_throttle_ms", t.MouseMoveThrottleMs, 0, 60000},
		{"tracking.idle_probe_interval_sec", t.IdleProbeIntervalSec, 1, 300},
		{"tracking.shutdown_grace_sec", t.ShutdownGraceSec, 0, 120},
	}
	for _, r := range ranges {
		if r.value < r.min || r.value > r.max {
			errs = append(errs, *RangeError(r.field, r.min, r.max))
		}
	}
	if t.IdleThresholdSec > 0 && t.HeartbeatIntervalSec >= t.IdleThresholdSec {
		errs = append(errs, ValidationError{
			Field:   "tracking.heartbeat_interval_sec",
			Message: "must be shorter than tracking.idle_threshold_sec",
		})
	}
	switch t.InputSource {
	case "auto", "evdev", "none":
	default:
		errs = append(errs, ValidationError{
			Field:   "tracking.input_source",
			Message: fmt.Sprintf("invalid input source: %s (valid: auto, evdev, none)", t.InputSource),
		})
	}
	return errs
}

func validateQueue(q *QueueConfig) ValidationErrors {
	var errs ValidationErrors
	switch q.Format {
	case "snapshot", "journal":
	default:
		errs = append(errs, ValidationError{
			Field:   "queue.format",
			Message: fmt.Sprintf("invalid queue format: %s (valid: snapshot, journal)", q.Format),
		})
	}
	if q.MaxItems < 1 {
		errs = append(errs, ValidationError{Field: "queue.max_items", Message: "must be at least 1"})
	}
	if q.BatchSize < 1 || (q.MaxItems > 0 && q.BatchSize > q.MaxItems) {
		errs = append(errs, *RangeError("queue.batch_size", 1, q.MaxItems))
	}
	if q.CompactAfter < 1 {
		errs = append(errs, ValidationError{Field: "queue.compact_after", Message: "must be at least 1"})
	}
	return errs
}

func validateStore(s *StoreConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Enabled && s.RetentionDays < 1 {
		errs = append(errs, ValidationError{Field: "store.retention_days", Message: "must be at least 1"})
	}
	return errs
}

func validatePrivacy(p *PrivacyConfig) ValidationErrors {
	var errs ValidationErrors
	for i, pattern := range p.IgnoredApps {
		if !isValidGlobPattern(pattern) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("privacy.ignored_apps[%d]", i),
				Message: fmt.Sprintf("invalid glob pattern: %q", pattern),
			})
		}
	}
	for i, kw := range p.SensitiveKeywords {
		if strings.TrimSpace(kw) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("privacy.sensitive_keywords[%d]", i),
				Message: "keyword must not be blank",
			})
		}
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file)", l.Output),
		})
	}

	if l.Output == "file" && l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	return errs
}

func validateStatus(s *StatusConfig) ValidationErrors {
	if s.Listen == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return ValidationErrors{{Field: "status.listen", Message: fmt.Sprintf("invalid address: %v", err)}}
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return ValidationErrors{{Field: "status.listen", Message: "status server must bind a loopback address"}}
	}
	return nil
}

// Helper functions

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, p[2:])
	}
	return p
}

func isValidGlobPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := path.Match(pattern, "test")
	return err == nil
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
