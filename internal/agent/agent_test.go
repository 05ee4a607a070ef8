package agent

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsed/internal/config"
	"pulsed/internal/input"
	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/window"
)

// testConfig aligns every cadence at 30s so one Advance fires them together.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Tracking.HeartbeatIntervalSec = 30
	cfg.Tracking.ClockPollIntervalSec = 30
	cfg.Tracking.WindowPollMs = 30000
	cfg.Tracking.ShutdownGraceSec = 1
	cfg.Collector.HeartbeatEnabled = false
	return cfg
}

type agentHarness struct {
	agent   *Agent
	mock    *quartz.Mock
	fs      *fakeServer
	prober  *staticProber
	metrics *metrics.Agent
	cancel  context.CancelFunc
	done    chan error
}

func newAgentHarness(t *testing.T, cfg *config.Config, hist History) *agentHarness {
	t.Helper()
	h := &agentHarness{
		mock:    quartz.NewMock(t),
		fs:      newFakeServer(t),
		prober:  &staticProber{snap: window.Snapshot{AppName: "code", WindowTitle: "secret plans"}},
		metrics: metrics.NewAgent(nil),
		done:    make(chan error, 1),
	}
	a, err := New(Options{
		Config:    cfg,
		Collector: h.fs.client,
		History:   hist,
		Metrics:   h.metrics,
		Sources: Sources{
			Input:  func() input.Source { return input.NewSimulated() },
			Window: func() window.Prober { return h.prober },
		},
		Clock:  h.mock,
		Logger: logging.Discard().Logger,
	})
	require.NoError(t, err)
	h.agent = a
	return h
}

// run starts the agent and waits until its clock or retry ticker exists.
func (h *agentHarness) run(t *testing.T) {
	t.Helper()
	ctx := testContext(t)
	tag := "clock"
	if h.agent.Mode() == ModeAlwaysOn {
		tag = "retry"
	}
	trap := h.mock.Trap().NewTicker("agent", tag)
	defer trap.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.agent.Run(runCtx) }()

	trap.MustWait(ctx).MustRelease(ctx)
	t.Cleanup(func() { h.stop(t) })
}

func (h *agentHarness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("agent did not stop")
	}
}

// =============================================================================
// Clock-driven sessions
// =============================================================================

func TestAgentFollowsClockStatus(t *testing.T) {
	ctx := testContext(t)
	h := newAgentHarness(t, testConfig(t), nil)
	h.run(t)

	st := h.agent.Status()
	assert.Equal(t, ModeClock, st.Mode)
	assert.False(t, st.ClockedIn)
	assert.False(t, st.SessionActive)
	assert.Equal(t, 1, h.fs.ClockPolls(), "first poll is immediate")

	h.fs.clockedIn.Store(true)
	h.mock.Advance(30 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return h.agent.Status().SessionActive }, waitFor, pollEvery)
	assert.True(t, h.agent.Status().ClockedIn)
	assert.Equal(t, uint64(1), h.metrics.SessionsStarted.Value())

	h.fs.clockedIn.Store(false)
	h.mock.Advance(30 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return !h.agent.Status().SessionActive }, waitFor, pollEvery)
	assert.Equal(t, int64(0), h.metrics.SessionActive.Value())
	assert.Equal(t, uint64(1), h.metrics.SessionsStarted.Value())

	h.stop(t)
}

func TestAgentPollFailureKeepsSession(t *testing.T) {
	ctx := testContext(t)
	h := newAgentHarness(t, testConfig(t), nil)
	h.fs.clockedIn.Store(true)
	h.run(t)
	require.Eventually(t, func() bool { return h.agent.Status().SessionActive }, waitFor, pollEvery)

	h.fs.clockFails.Store(true)
	h.mock.Advance(30 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return h.agent.Status().ClockError != "" }, waitFor, pollEvery)

	st := h.agent.Status()
	assert.True(t, st.SessionActive, "a failed poll never stops tracking")
	assert.True(t, st.ClockedIn)
	assert.Equal(t, uint64(1), h.metrics.ClockPollFailures.Value())

	h.stop(t)
	assert.False(t, h.agent.Status().SessionActive)
}

func TestAgentAlwaysOn(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracking.RequireClockIn = false
	h := newAgentHarness(t, cfg, nil)
	h.run(t)

	require.Eventually(t, func() bool { return h.agent.Status().SessionActive }, waitFor, pollEvery)
	st := h.agent.Status()
	assert.Equal(t, ModeAlwaysOn, st.Mode)
	assert.True(t, st.ClockedIn)
	assert.Zero(t, h.fs.ClockPolls())

	h.stop(t)
}

func TestAgentAlwaysOnRetriesSessionStart(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig(t)
	cfg.Tracking.RequireClockIn = false

	// Another process holds the queue.
	lock := flock.New(cfg.QueuePath() + ".lock")
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lock.Close()

	h := newAgentHarness(t, cfg, nil)
	h.run(t)
	assert.False(t, h.agent.Status().SessionActive)

	h.mock.Advance(30 * time.Second).MustWait(ctx)
	assert.Never(t, func() bool { return h.agent.Status().SessionActive }, 100*time.Millisecond, pollEvery)

	require.NoError(t, lock.Unlock())
	h.mock.Advance(30 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return h.agent.Status().SessionActive }, waitFor, pollEvery)
	assert.Equal(t, uint64(1), h.metrics.SessionsStarted.Value())

	h.stop(t)
}

func TestAgentDeliversAndRecordsHistory(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig(t)
	cfg.Tracking.RequireClockIn = false
	hist := &fakeHistory{}
	h := newAgentHarness(t, cfg, hist)
	h.run(t)
	require.Eventually(t, func() bool { return h.agent.Status().SessionActive }, waitFor, pollEvery)

	h.mock.Advance(30 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return hist.Len() == 1 }, waitFor, pollEvery)
	require.Eventually(t, func() bool { return !h.agent.LastDelivery().IsZero() }, waitFor, pollEvery)
	assert.Zero(t, h.agent.QueueDepth())

	hist.mu.Lock()
	require.Len(t, hist.pruned, 1, "retention runs at startup")
	assert.True(t, hist.pruned[0].Equal(h.mock.Now().Add(-30*time.Second).Add(-cfg.Store.Retention())))
	hist.mu.Unlock()

	h.stop(t)
	assert.False(t, h.agent.LastDelivery().IsZero(), "last delivery survives the session")
}

// =============================================================================
// Reload
// =============================================================================

func TestAgentApplyConfigUpdatesTitleFilter(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig(t)
	cfg.Tracking.RequireClockIn = false
	h := newAgentHarness(t, cfg, nil)
	h.run(t)
	require.Eventually(t, func() bool { return h.agent.Status().SessionActive }, waitFor, pollEvery)
	require.Equal(t, window.RedactedTitle, h.agent.Status().Session.Title)

	updated := cfg.Clone()
	updated.Privacy.CaptureTitles = false
	h.agent.ApplyConfig(updated)

	h.mock.Advance(30 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool {
		st := h.agent.Status()
		return st.Session != nil && st.Session.Title == "" && st.Session.App == "code"
	}, waitFor, pollEvery)

	h.stop(t)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Config: config.DefaultConfig()})
	assert.Error(t, err)
}
