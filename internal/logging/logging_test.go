package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"trace", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, mustParse(t, LevelString(got)))
		})
	}
}

func mustParse(t *testing.T, s string) Level {
	t.Helper()
	l, err := ParseLevel(s)
	require.NoError(t, err)
	return l
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("logfmt")
	assert.Error(t, err)
}

func newBufferLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg.Writer = &buf
	l, err := New(cfg)
	require.NoError(t, err)
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestJSONFormatWithComponent(t *testing.T) {
	l, buf := newBufferLogger(t, &Config{Format: FormatJSON, Component: "pulsed"})
	l.WithComponent("queue").Info("pruned", "dropped", 50)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "pruned", lines[0]["msg"])
	assert.Equal(t, "queue", lines[0]["component"])
	assert.Equal(t, float64(50), lines[0]["dropped"])
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, &Config{Format: FormatJSON, RedactKeys: []string{"window_title"}})
	l.Info("request",
		"token", "abc",
		"Authorization", "Bearer abc",
		"window_title", "My Bank",
		"app_name", "firefox",
	)

	line := decodeLines(t, buf)[0]
	assert.Equal(t, Redacted, line["token"])
	assert.Equal(t, Redacted, line["Authorization"])
	assert.Equal(t, Redacted, line["window_title"])
	assert.Equal(t, "firefox", line["app_name"])
}

func TestSetLevelPropagates(t *testing.T) {
	l, buf := newBufferLogger(t, &Config{Format: FormatJSON, Level: LevelInfo})
	child := l.WithComponent("engine")

	child.Debug("hidden")
	l.SetLevel(LevelDebug)
	child.Debug("shown")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.Equal(t, LevelDebug, child.Level())
}

func TestFileOutputRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pulsed.log")
	l, err := New(&Config{Output: "file", FilePath: path, MaxSizeMB: 1, MaxBackups: 2})
	require.NoError(t, err)
	defer l.Close()

	l.Info("first")
	require.NoError(t, l.Rotate())
	l.Info("second")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "second")
	assert.NotContains(t, string(data), "first")

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "pulsed-*.log"))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "one rotated backup")
}

func TestFileOutputRequiresPath(t *testing.T) {
	_, err := New(&Config{Output: "file"})
	assert.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	l := Discard()
	ctx := NewContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

// =============================================================================
// Crash handler
// =============================================================================

func TestGuardRecoversPanic(t *testing.T) {
	dir := t.TempDir()
	var got []CrashReport
	h := NewCrashHandler(CrashHandlerConfig{
		CrashDir: dir,
		Version:  "1.2.3",
		Logger:   Discard().Logger,
		OnCrash:  func(r CrashReport) { got = append(got, r) },
	})

	err := h.Guard("session", func() error { panic("boom") })
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "session", pe.Component)

	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0].PanicValue)
	assert.Contains(t, got[0].StackTrace, "Guard")

	reports, err := h.CrashReports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "1.2.3", reports[0].Version)
}

func TestGuardPassesThroughErrors(t *testing.T) {
	h := NewCrashHandler(CrashHandlerConfig{Logger: Discard().Logger})
	want := errors.New("plain")
	assert.Equal(t, want, h.Guard("x", func() error { return want }))
	assert.NoError(t, h.Guard("x", func() error { return nil }))

	reports, err := h.CrashReports()
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestCrashReportsPruned(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "crash-old-20000101-000000.000.json")
	require.NoError(t, os.WriteFile(old, []byte(`{}`), 0600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	h := NewCrashHandler(CrashHandlerConfig{CrashDir: dir, MaxAge: 24 * time.Hour, Logger: Discard().Logger})
	_ = h.Guard("agent", func() error { panic(errors.New("nil map")) })

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	reports, err := h.CrashReports()
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}
