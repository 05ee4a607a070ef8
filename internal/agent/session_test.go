package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsed/internal/collector"
	"pulsed/internal/input"
	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/queue"
	"pulsed/internal/segment"
	"pulsed/internal/window"
)

func newTestSession(t *testing.T, mock *quartz.Mock, fs *fakeServer, mutate func(*SessionConfig)) (*Session, *input.Simulated) {
	t.Helper()
	src := input.NewSimulated()
	cfg := SessionConfig{
		HeartbeatInterval: 5 * time.Second,
		WindowPoll:        5 * time.Second,
		ShutdownGrace:     time.Second,
		BatchSize:         50,
		QueuePath:         filepath.Join(t.TempDir(), "offline-queue.json"),
		Input:             src,
		Window:            &staticProber{snap: window.Snapshot{AppName: "code", WindowTitle: "main.go"}},
		Collector:         fs.client,
		Metrics:           metrics.NewAgent(nil),
		Clock:             mock,
		Logger:            logging.Discard().Logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s, src
}

func startSession(t *testing.T, s *Session, src *input.Simulated) {
	t.Helper()
	s.Start(testContext(t))
	if src == nil {
		return
	}
	select {
	case <-src.Started():
	case <-time.After(waitFor):
		t.Fatal("input source did not start")
	}
}

// =============================================================================
// Delivery
// =============================================================================

func TestSessionDeliversSegments(t *testing.T) {
	ctx := testContext(t)
	mock := quartz.NewMock(t)
	fs := newFakeServer(t)
	hist := &fakeHistory{}
	s, src := newTestSession(t, mock, fs, func(c *SessionConfig) { c.History = hist })
	startSession(t, s, src)
	t0 := mock.Now()

	require.True(t, src.Emit(input.Keystroke, 5))
	mock.Advance(5 * time.Second).MustWait(ctx)

	require.Eventually(t, func() bool { return s.Status().Delivered == 1 }, waitFor, pollEvery)
	accepted := fs.Accepted()
	require.Len(t, accepted, 1)
	require.Len(t, accepted[0], 1)

	got := accepted[0][0]
	assert.Equal(t, segment.TypeActive, got.Type)
	assert.Equal(t, "code", got.AppName)
	assert.Equal(t, "main.go", got.WindowTitle)
	assert.Equal(t, 5, got.Keystrokes)
	assert.True(t, got.Start.Equal(t0))
	assert.Equal(t, 5*time.Second, got.Duration())

	st := s.Status()
	assert.Zero(t, st.QueueDepth)
	assert.False(t, st.InFlight)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, hist.Len())

	require.NoError(t, s.Stop())
	assert.Equal(t, "stopped", s.Status().State)
}

func TestSessionRetriesFailedBatch(t *testing.T) {
	ctx := testContext(t)
	mock := quartz.NewMock(t)
	fs := newFakeServer(t)
	fs.failNext.Store(1)
	s, src := newTestSession(t, mock, fs, nil)
	startSession(t, s, src)

	src.Emit(input.MouseClick, 1)
	mock.Advance(5 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return s.Status().LastError != "" }, waitFor, pollEvery)
	assert.Equal(t, 1, s.Status().QueueDepth, "failed batch stays queued")
	assert.Contains(t, s.Status().LastError, "maintenance")

	src.Emit(input.MouseClick, 1)
	mock.Advance(5 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return s.Status().Delivered == 2 }, waitFor, pollEvery)

	attempts := fs.Attempts()
	require.Len(t, attempts, 2)
	require.Len(t, attempts[1], 2)
	assert.True(t, attempts[1][0].Start.Equal(attempts[0][0].Start), "retried batch is resent verbatim first")
	assert.Empty(t, s.Status().LastError)
	assert.Zero(t, s.Status().QueueDepth)

	require.NoError(t, s.Stop())
}

func TestSessionOneDeliveryInFlight(t *testing.T) {
	ctx := testContext(t)
	mock := quartz.NewMock(t)
	fs := newFakeServer(t)
	release := make(chan struct{})
	fs.setBlock(release)
	s, src := newTestSession(t, mock, fs, nil)
	startSession(t, s, src)

	src.Emit(input.Keystroke, 1)
	mock.Advance(5 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return len(fs.Attempts()) == 1 }, waitFor, pollEvery)

	src.Emit(input.Keystroke, 1)
	mock.Advance(5 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return s.Status().Cycles == 2 }, waitFor, pollEvery)
	assert.Len(t, fs.Attempts(), 1, "no second delivery while one is in flight")
	assert.True(t, s.Status().InFlight)
	assert.Equal(t, 2, s.Status().QueueDepth)

	fs.setBlock(nil)
	close(release)
	require.Eventually(t, func() bool {
		st := s.Status()
		return !st.InFlight && st.Delivered == 1
	}, waitFor, pollEvery)

	mock.Advance(5 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return s.Status().Delivered >= 2 }, waitFor, pollEvery)
	assert.Len(t, fs.Attempts(), 2)

	require.NoError(t, s.Stop())
}

// =============================================================================
// Stop
// =============================================================================

func TestSessionStopDrainsEngineIntoQueue(t *testing.T) {
	mock := quartz.NewMock(t)
	fs := newFakeServer(t)
	var path string
	s, src := newTestSession(t, mock, fs, func(c *SessionConfig) {
		c.HeartbeatInterval = 30 * time.Second
		c.WindowPoll = 30 * time.Second
		path = c.QueuePath
	})
	startSession(t, s, src)

	src.Emit(input.Scroll, 4)
	mock.Advance(3 * time.Second).MustWait(testContext(t))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	items, _, err := queue.ReadFile(path, queue.FormatSnapshot)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3*time.Second, items[0].Segment.Duration())
	assert.Equal(t, 4, items[0].Segment.ScrollEvents)
	assert.Empty(t, fs.Attempts(), "nothing is delivered during stop")

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestSessionStopWithoutStart(t *testing.T) {
	s, _ := newTestSession(t, quartz.NewMock(t), newFakeServer(t), nil)
	require.NoError(t, s.Stop())
}

// =============================================================================
// Heartbeat and degraded sources
// =============================================================================

func TestSessionSendsHeartbeat(t *testing.T) {
	ctx := testContext(t)
	mock := quartz.NewMock(t)
	fs := newFakeServer(t)
	m := metrics.NewAgent(nil)
	s, src := newTestSession(t, mock, fs, func(c *SessionConfig) {
		c.SendHeartbeat = true
		c.Metrics = m
	})
	startSession(t, s, src)

	src.Emit(input.MouseClick, 2)
	src.Emit(input.Keystroke, 7)
	mock.Advance(5 * time.Second).MustWait(ctx)

	require.Eventually(t, func() bool { return m.HeartbeatsSent.Value() == 1 }, waitFor, pollEvery)
	hbs := fs.Heartbeats()
	require.Len(t, hbs, 1)
	assert.Equal(t, collector.Heartbeat{
		MouseClicks: 2, Keystrokes: 7,
		ActiveApp: "code", ActiveWindowTitle: "main.go",
		IdleSeconds: 5,
	}, hbs[0])

	require.NoError(t, s.Stop())
}

func TestSessionWithoutCapabilities(t *testing.T) {
	ctx := testContext(t)
	mock := quartz.NewMock(t)
	fs := newFakeServer(t)
	s, _ := newTestSession(t, mock, fs, func(c *SessionConfig) {
		c.Input = input.Unavailable("no devices")
		c.Window = window.Unavailable("wayland")
	})
	startSession(t, s, nil)

	st := s.Status()
	assert.False(t, st.InputOK)
	assert.False(t, st.WindowOK)
	assert.Equal(t, "active", st.State)

	mock.Advance(5 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return s.Status().Delivered == 1 }, waitFor, pollEvery)
	got := fs.Accepted()[0][0]
	assert.Equal(t, segment.TypeActive, got.Type)
	assert.Empty(t, got.AppName)
	assert.Zero(t, got.Keystrokes)

	require.NoError(t, s.Stop())
}

func TestSessionWindowChangeSplitsSegment(t *testing.T) {
	ctx := testContext(t)
	mock := quartz.NewMock(t)
	fs := newFakeServer(t)
	prober := &staticProber{snap: window.Snapshot{AppName: "chrome", WindowTitle: "Docs"}}
	m := metrics.NewAgent(nil)
	s, src := newTestSession(t, mock, fs, func(c *SessionConfig) {
		c.Window = prober
		c.Metrics = m
		c.HeartbeatInterval = 10 * time.Second
	})
	startSession(t, s, src)

	src.Emit(input.Keystroke, 5)
	prober.mu.Lock()
	prober.snap = window.Snapshot{AppName: "slack", WindowTitle: "#general"}
	prober.mu.Unlock()

	mock.Advance(5 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return s.Status().App == "slack" }, waitFor, pollEvery)
	assert.Equal(t, uint64(1), m.WindowChanges.Value())

	mock.Advance(5 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return s.Status().Delivered == 2 }, waitFor, pollEvery)

	batch := fs.Accepted()[0]
	require.Len(t, batch, 2)
	assert.Equal(t, "chrome", batch[0].AppName)
	assert.Equal(t, 5*time.Second, batch[0].Duration())
	assert.Equal(t, "slack", batch[1].AppName)
	assert.Equal(t, 5*time.Second, batch[1].Duration())
	// Counters land on the segment open when the heartbeat reads them.
	assert.Zero(t, batch[0].Keystrokes)
	assert.Equal(t, 5, batch[1].Keystrokes)

	require.NoError(t, s.Stop())
}

// =============================================================================
// Panics
// =============================================================================

type panickingCollector struct{ Collector }

func (panickingCollector) SendSegments(context.Context, []segment.Segment) (int, error) {
	panic("collector exploded")
}

func TestSessionRecoversDeliveryPanic(t *testing.T) {
	ctx := testContext(t)
	mock := quartz.NewMock(t)
	fs := newFakeServer(t)
	m := metrics.NewAgent(nil)
	crash := logging.NewCrashHandler(logging.CrashHandlerConfig{
		CrashDir: t.TempDir(),
		Logger:   logging.Discard().Logger,
	})
	s, src := newTestSession(t, mock, fs, func(c *SessionConfig) {
		c.Collector = panickingCollector{fs.client}
		c.Crash = crash
		c.Metrics = m
	})
	startSession(t, s, src)

	mock.Advance(5 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return s.Status().LastError != "" }, waitFor, pollEvery)
	assert.Contains(t, s.Status().LastError, "collector exploded")
	assert.Equal(t, uint64(1), m.Panics.Value())
	assert.Equal(t, 1, s.Status().QueueDepth)

	reports, err := crash.CrashReports()
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	require.NoError(t, s.Stop())
}

func TestNewSessionRequiresCollector(t *testing.T) {
	_, err := NewSession(SessionConfig{QueuePath: filepath.Join(t.TempDir(), "q.json")})
	require.Error(t, err)
}
