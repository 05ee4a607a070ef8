package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	Component    string         `json:"component,omitempty"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context,omitempty"`
}

// PanicError is returned by Guard when fn panicked.
type PanicError struct {
	Component string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: recovered panic: %v", e.Component, e.Value)
}

// CrashHandler turns panics in long-running goroutines into errors and
// writes a report for each one.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	logger    *slog.Logger
	maxAge    time.Duration
	onCrash   func(CrashReport)
	lastWrite string
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// CrashDir receives crash-*.json reports. Empty disables writing.
	CrashDir string

	// Version is the application version.
	Version string

	// Logger receives an ERROR record per crash.
	Logger *slog.Logger

	// MaxAge prunes older reports when a new one is written.
	MaxAge time.Duration

	// OnCrash is called after a crash is recorded.
	OnCrash func(CrashReport)
}

// NewCrashHandler creates a crash handler.
func NewCrashHandler(cfg CrashHandlerConfig) *CrashHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	return &CrashHandler{
		crashDir: cfg.CrashDir,
		version:  cfg.Version,
		logger:   cfg.Logger,
		maxAge:   cfg.MaxAge,
		onCrash:  cfg.OnCrash,
	}
}

// Guard runs fn and converts a panic into a *PanicError.
func (h *CrashHandler) Guard(component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.HandlePanic(component, r, nil)
			err = &PanicError{Component: component, Value: r}
		}
	}()
	return fn()
}

// HandlePanic records a recovered panic value.
func (h *CrashHandler) HandlePanic(component string, value any, contextInfo map[string]any) CrashReport {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Component:    component,
		PanicValue:   fmt.Sprintf("%v", value),
		StackTrace:   string(debug.Stack()),
		Context:      contextInfo,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	path, werr := h.writeCrashDump(report)
	h.logger.Error("recovered panic",
		"component", component,
		"panic", report.PanicValue,
		"report", path,
		"write_error", werr,
	)
	if h.onCrash != nil {
		h.onCrash(report)
	}
	return report
}

func (h *CrashHandler) writeCrashDump(report CrashReport) (string, error) {
	if h.crashDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(h.crashDir, 0700); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	name := fmt.Sprintf("crash-%s-%s.json", report.Component, report.Timestamp.Format("20060102-150405.000"))
	path := filepath.Join(h.crashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	h.lastWrite = path
	h.cleanupLocked()
	return path, nil
}

// CrashReports returns stored reports, oldest first.
func (h *CrashHandler) CrashReports() ([]CrashReport, error) {
	if h.crashDir == "" {
		return nil, nil
	}
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var reports []CrashReport
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			reports = append(reports, r)
		}
	}
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].Timestamp.Before(reports[j].Timestamp) })
	return reports, nil
}

func (h *CrashHandler) cleanupLocked() {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-h.maxAge)
	for _, f := range files {
		if f == h.lastWrite {
			continue
		}
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
}
