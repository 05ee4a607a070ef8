// Package agent drives tracking sessions: it follows the user's clock-in
// state, runs one Session per clocked-in period, and exposes status for the
// local status server.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"pulsed/internal/collector"
	"pulsed/internal/config"
	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/queue"
	"pulsed/internal/window"
)

const (
	ModeClock    = "clock"
	ModeAlwaysOn = "always_on"
)

// pruneInterval is how often history retention runs.
const pruneInterval = 24 * time.Hour

// Options configures an Agent.
type Options struct {
	Config    *config.Config
	Collector Collector
	History   History
	Metrics   *metrics.Agent
	Crash     *logging.CrashHandler
	Sources   Sources
	Clock     quartz.Clock
	Logger    *slog.Logger
}

// Status is the agent state served at /v1/status.
type Status struct {
	Mode          string         `json:"mode"`
	ClockedIn     bool           `json:"clocked_in"`
	LastClockPoll time.Time      `json:"last_clock_poll,omitempty"`
	ClockError    string         `json:"clock_error,omitempty"`
	SessionActive bool           `json:"session_active"`
	Session       *SessionStatus `json:"session,omitempty"`
	QueueDepth    int            `json:"queue_depth"`
	LastDelivery  time.Time      `json:"last_delivery,omitempty"`
}

// Agent is safe for concurrent use; Run must be called once.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	client  Collector
	history History
	metrics *metrics.Agent
	crash   *logging.CrashHandler
	sources Sources
	clock   quartz.Clock
	base    *slog.Logger
	logger  *slog.Logger

	mu            sync.Mutex
	session       *Session
	clockedIn     bool
	lastPoll      time.Time
	pollErr       error
	lastDepth     int
	lastDelivered time.Time
}

// New creates an Agent.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("agent: config is required")
	}
	if opts.Collector == nil {
		return nil, errors.New("agent: collector is required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewAgent(nil)
	}
	if opts.Sources.Input == nil && opts.Sources.Window == nil {
		opts.Sources = PlatformSources(opts.Config.Tracking.InputSource)
	}

	a := &Agent{
		client:  opts.Collector,
		history: opts.History,
		metrics: opts.Metrics,
		crash:   opts.Crash,
		sources: opts.Sources,
		clock:   opts.Clock,
		base:    opts.Logger,
		logger:  opts.Logger.With("component", "agent"),
	}
	a.cfg.Store(opts.Config.Clone())
	return a, nil
}

func (a *Agent) config() *config.Config {
	return a.cfg.Load()
}

// Mode reports whether sessions follow the collector clock.
func (a *Agent) Mode() string {
	if a.config().Tracking.RequireClockIn {
		return ModeClock
	}
	return ModeAlwaysOn
}

// Run polls the clock status, or in always-on mode keeps one session
// running, until ctx is done. It then stops any running session and
// returns its teardown error.
func (a *Agent) Run(ctx context.Context) error {
	a.prune(ctx)
	prune := a.clock.NewTicker(pruneInterval, "agent", "prune")
	defer prune.Stop()

	// In always-on mode the ticker only restarts a session that failed
	// to start, at the same cadence as clock polling.
	interval := a.config().Tracking.ClockPollInterval()
	var (
		poll <-chan time.Time
		tick func(context.Context)
	)
	if a.Mode() == ModeAlwaysOn {
		a.logger.Info("clock-in not required; tracking continuously")
		a.ensureSession(ctx)
		t := a.clock.NewTicker(interval, "agent", "retry")
		defer t.Stop()
		poll, tick = t.C, a.ensureSession
	} else {
		a.pollClock(ctx)
		t := a.clock.NewTicker(interval, "agent", "clock")
		defer t.Stop()
		poll, tick = t.C, a.pollClock
	}

	for {
		select {
		case <-ctx.Done():
			return a.stopSession("agent shutting down")
		case <-poll:
			tick(ctx)
		case <-prune.C:
			a.prune(ctx)
		}
		a.metrics.UpdateUptime()
	}
}

// pollClock starts or stops the session on a clock transition. A failed
// poll leaves the session as it is.
func (a *Agent) pollClock(ctx context.Context) {
	timeout := a.config().Collector.Timeout()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	st, err := a.client.ClockStatus(pctx)
	cancel()

	a.mu.Lock()
	a.lastPoll = a.clock.Now()
	a.pollErr = err
	if err == nil {
		a.clockedIn = st.ClockedIn
	}
	running := a.session != nil
	a.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.metrics.ClockPollFailures.Inc()
		if errors.Is(err, collector.ErrUnauthorized) {
			a.logger.Error("clock status rejected; check the collector token", "error", err)
		} else {
			a.logger.Warn("clock status poll failed", "error", err)
		}
		return
	}

	switch {
	case st.ClockedIn && !running:
		a.logger.Info("clocked in", "elapsed_seconds", st.ElapsedSeconds)
		a.startSession(ctx)
	case !st.ClockedIn && running:
		if err := a.stopSession("clocked out"); err != nil {
			a.logger.Warn("session teardown", "error", err)
		}
	}
}

// ensureSession starts a session unless one is already running.
func (a *Agent) ensureSession(ctx context.Context) {
	a.mu.Lock()
	running := a.session != nil
	a.mu.Unlock()
	if !running {
		a.startSession(ctx)
	}
}

func (a *Agent) startSession(ctx context.Context) {
	cfg := a.config()
	sc := SessionConfig{
		HeartbeatInterval: cfg.Tracking.HeartbeatInterval(),
		IdleThreshold:     cfg.Tracking.IdleThreshold(),
		MinSegment:        cfg.Tracking.MinSegment(),
		MouseMoveThrottle: cfg.Tracking.MouseMoveThrottle(),
		IdleProbeInterval: cfg.Tracking.IdleProbeInterval(),
		WindowPoll:        cfg.Tracking.WindowPoll(),
		ShutdownGrace:     cfg.Tracking.ShutdownGrace(),
		BatchSize:         cfg.Queue.BatchSize,
		SendHeartbeat:     cfg.Collector.HeartbeatEnabled,
		QueuePath:         cfg.QueuePath(),
		Queue: queue.Options{
			MaxItems:     cfg.Queue.MaxItems,
			Format:       queue.Format(cfg.Queue.Format),
			CompactAfter: cfg.Queue.CompactAfter,
		},
		Filter:    TitleFilter(cfg),
		Collector: a.client,
		History:   a.history,
		Metrics:   a.metrics,
		Crash:     a.crash,
		Clock:     a.clock,
		Logger:    a.base,
	}
	a.sources.fill(&sc, a.logger)

	s, err := NewSession(sc)
	if err != nil {
		// Usually the queue lock. The next clock poll or retry tick tries again.
		a.logger.Error("cannot start session", "error", err)
		if sc.Idle != nil {
			sc.Idle.Close()
		}
		return
	}
	s.Start(ctx)

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
}

// stopSession stops the running session, if any.
func (a *Agent) stopSession(reason string) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return nil
	}

	a.logger.Info("stopping session", "reason", reason)
	err := s.Stop()
	st := s.Status()

	a.mu.Lock()
	a.session = nil
	a.lastDepth = st.QueueDepth
	if st.LastDelivery.After(a.lastDelivered) {
		a.lastDelivered = st.LastDelivery
	}
	a.mu.Unlock()
	return err
}

func (a *Agent) prune(ctx context.Context) {
	if a.history == nil {
		return
	}
	retention := a.config().Store.Retention()
	if retention <= 0 {
		return
	}
	n, err := a.history.Prune(ctx, a.clock.Now().Add(-retention))
	if err != nil {
		a.logger.Warn("history prune failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("pruned history", "segments", n, "retention", retention)
	}
}

// ApplyConfig takes a reloaded configuration. The privacy filter applies
// to the running session immediately; everything else applies from the
// next session.
func (a *Agent) ApplyConfig(cfg *config.Config) {
	a.cfg.Store(cfg.Clone())

	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s != nil {
		s.SetFilter(TitleFilter(cfg))
	}
	a.logger.Info("configuration applied")
}

// TitleFilter builds the window title filter from the privacy settings.
func TitleFilter(cfg *config.Config) *window.TitleFilter {
	return window.NewTitleFilter(window.FilterConfig{
		CaptureTitles:     cfg.Privacy.CaptureTitles,
		SensitiveKeywords: cfg.Privacy.SensitiveKeywords,
		IgnoredApps:       cfg.Privacy.IgnoredApps,
	})
}

// Status returns the current agent state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		Mode:          a.Mode(),
		ClockedIn:     a.clockedIn,
		LastClockPoll: a.lastPoll,
		QueueDepth:    a.lastDepth,
		LastDelivery:  a.lastDelivered,
	}
	if a.pollErr != nil {
		st.ClockError = a.pollErr.Error()
	}
	if a.session != nil {
		ss := a.session.Status()
		st.SessionActive = true
		st.Session = &ss
		st.QueueDepth = ss.QueueDepth
		if ss.LastDelivery.After(st.LastDelivery) {
			st.LastDelivery = ss.LastDelivery
		}
	}
	if st.Mode == ModeAlwaysOn {
		st.ClockedIn = st.SessionActive
	}
	return st
}

// QueueDepth is the number of segments awaiting delivery.
func (a *Agent) QueueDepth() int {
	return a.Status().QueueDepth
}

// LastDelivery is when the collector last accepted a batch.
func (a *Agent) LastDelivery() time.Time {
	return a.Status().LastDelivery
}

// InputAvailable reports the input capability of the running session.
func (a *Agent) InputAvailable() (bool, string) {
	st := a.Status()
	if st.Session == nil {
		return true, "no session"
	}
	if !st.Session.InputOK {
		return false, st.Session.InputSource
	}
	return true, st.Session.InputSource
}

// WindowAvailable reports the window capability of the running session.
func (a *Agent) WindowAvailable() (bool, string) {
	st := a.Status()
	if st.Session == nil {
		return true, "no session"
	}
	if !st.Session.WindowOK {
		return false, st.Session.WindowProber
	}
	return true, st.Session.WindowProber
}
