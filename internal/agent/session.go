package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"pulsed/internal/collector"
	"pulsed/internal/input"
	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/queue"
	"pulsed/internal/segment"
	"pulsed/internal/window"
)

// Collector is the remote side of a session.
type Collector interface {
	SendSegments(ctx context.Context, segs []segment.Segment) (int, error)
	SendHeartbeat(ctx context.Context, hb collector.Heartbeat) error
	ClockStatus(ctx context.Context) (collector.ClockStatus, error)
}

// History keeps delivered segments locally.
type History interface {
	RecordSegments(ctx context.Context, segs []segment.Segment) (int, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	HeartbeatInterval time.Duration
	IdleThreshold     time.Duration
	MinSegment        time.Duration
	MouseMoveThrottle time.Duration
	IdleProbeInterval time.Duration
	WindowPoll        time.Duration
	ShutdownGrace     time.Duration
	BatchSize         int
	SendHeartbeat     bool

	QueuePath string
	Queue     queue.Options

	Input  input.Source
	Idle   input.IdleProbe
	Window window.Prober
	Filter *window.TitleFilter

	Collector Collector
	History   History
	Metrics   *metrics.Agent
	Crash     *logging.CrashHandler
	Clock     quartz.Clock
	Logger    *slog.Logger
}

// SessionStatus is a point-in-time view of a running session.
type SessionStatus struct {
	StartedAt    time.Time        `json:"started_at"`
	State        string           `json:"state"`
	Open         *segment.Segment `json:"open_segment,omitempty"`
	App          string           `json:"app,omitempty"`
	Title        string           `json:"title,omitempty"`
	InputSource  string           `json:"input_source"`
	InputOK      bool             `json:"input_available"`
	WindowProber string           `json:"window_prober"`
	WindowOK     bool             `json:"window_available"`
	Cycles       uint64           `json:"cycles"`
	QueueDepth   int              `json:"queue_depth"`
	InFlight     bool             `json:"delivery_in_flight"`
	Delivered    uint64           `json:"delivered"`
	LastDelivery time.Time        `json:"last_delivery,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
}

type deliveryResult struct {
	ids      []int64
	count    int
	received int
	err      error
	started  time.Time
	finished time.Time
}

// Session is one tracking period between clock-in and clock-out. A single
// actor goroutine owns the engine and the queue; sources, deliveries and
// heartbeats run on their own goroutines and report back over channels.
type Session struct {
	cfg     SessionConfig
	clock   quartz.Clock
	logger  *slog.Logger
	metrics *metrics.Agent

	engine   *segment.Engine
	queue    *queue.Queue
	counter  *input.Counter
	observer *window.Observer

	sources    errgroup.Group
	srcCancel  context.CancelFunc
	workers    errgroup.Group
	workCtx    context.Context
	workCancel context.CancelFunc

	results chan deliveryResult
	stopCh  chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error

	// Actor-owned.
	inflight     bool
	cycles       uint64
	delivered    uint64
	lastDelivery time.Time
	lastErr      error
	persistFails uint64
	inputOK      bool
	windowOK     bool
	startedAt    time.Time
	window       window.Snapshot

	hbInflight atomic.Bool
	status     atomic.Pointer[SessionStatus]
}

// NewSession opens the queue and prepares a session. Nothing runs until Start.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Collector == nil {
		return nil, errors.New("session: collector is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewAgent(nil)
	}
	if cfg.Input == nil {
		cfg.Input = input.Unavailable("no input source configured")
	}
	if cfg.Window == nil {
		cfg.Window = window.Unavailable("no window prober configured")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.IdleProbeInterval <= 0 {
		cfg.IdleProbeInterval = 5 * time.Second
	}

	logger := cfg.Logger.With("component", "session")
	qopts := cfg.Queue
	qopts.Logger = cfg.Logger
	q, err := queue.Open(cfg.QueuePath, qopts)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logger,
		metrics: cfg.Metrics,
		engine: segment.NewEngine(cfg.Clock,
			segment.WithIdleThreshold(cfg.IdleThreshold),
			segment.WithMinSegment(cfg.MinSegment)),
		queue:   q,
		counter: input.NewCounter(cfg.Clock, cfg.MouseMoveThrottle),
		observer: window.NewObserver(cfg.Window, window.ObserverConfig{
			PollInterval: cfg.WindowPoll,
			Filter:       cfg.Filter,
			Clock:        cfg.Clock,
			Logger:       cfg.Logger,
		}),
		results: make(chan deliveryResult, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.persistFails = q.Stats().PersistFailures
	s.workCtx, s.workCancel = context.WithCancel(context.Background())
	return s, nil
}

// Start launches the sources and the actor. Missing input or window
// capabilities degrade the session but never fail it.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() { s.start(ctx) })
}

func (s *Session) start(ctx context.Context) {
	srcCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.srcCancel = cancel

	if err := s.observer.Start(srcCtx); err == nil {
		s.windowOK = true
	}

	if ok, reason := s.cfg.Input.Available(); ok {
		s.inputOK = true
		s.sources.Go(func() error {
			err := s.guard("input", func() error { return s.cfg.Input.Run(srcCtx, s.counter) })
			if err != nil && !errors.Is(err, input.ErrNotAvailable) {
				s.logger.Warn("input source stopped", "source", s.cfg.Input.Name(), "error", err)
			}
			return nil
		})
	} else {
		s.logger.Warn("input counting unavailable; idle detection only", "source", s.cfg.Input.Name(), "reason", reason)
	}

	if s.cfg.Idle != nil {
		s.sources.Go(func() error {
			return s.guard("input.idle", func() error {
				input.WatchIdle(srcCtx, s.clock, s.cfg.Idle, s.counter, s.cfg.IdleProbeInterval, s.cfg.Logger)
				return nil
			})
		})
	}

	win, _ := s.observer.Current()
	s.window = win
	s.engine.Start(win.AppName, win.WindowTitle)
	s.startedAt = s.clock.Now()
	s.metrics.SessionsStarted.Inc()
	s.metrics.SessionActive.Set(1)
	s.publish()

	heartbeat := s.clock.NewTicker(s.cfg.HeartbeatInterval, "session", "heartbeat")
	tick := s.clock.NewTicker(s.cfg.HeartbeatInterval, "session", "tick")
	go s.run(heartbeat, tick)

	s.logger.Info("session started",
		"input", s.cfg.Input.Name(), "input_ok", s.inputOK,
		"window", s.cfg.Window.Name(), "window_ok", s.windowOK,
		"queued", s.queue.Len())
}

// Stop drains the engine into the queue and tears the session down. It
// blocks until the actor has exited and is safe to call more than once.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		select {
		case <-s.done:
			return
		default:
		}
		if s.srcCancel == nil {
			// Never started.
			s.workCancel()
			s.stopErr = s.queue.Close()
			close(s.done)
			return
		}
		close(s.stopCh)
		<-s.done
	})
	return s.stopErr
}

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns the last published session state.
func (s *Session) Status() SessionStatus {
	if st := s.status.Load(); st != nil {
		return *st
	}
	return SessionStatus{}
}

// SetFilter replaces the title filter from the next window probe on.
func (s *Session) SetFilter(f *window.TitleFilter) {
	s.observer.SetFilter(f)
}

func (s *Session) run(heartbeat, tick *quartz.Ticker) {
	defer close(s.done)
	defer heartbeat.Stop()
	defer tick.Stop()

	for {
		select {
		case <-s.stopCh:
			s.stopErr = s.shutdown()
			return
		case <-heartbeat.C:
			s.heartbeat()
		case <-tick.C:
			s.engine.Tick()
		case snap := <-s.observer.Changes():
			s.windowChanged(snap)
		case res := <-s.results:
			s.deliveryDone(res)
		}
		s.publish()
	}
}

// heartbeat is one sync cycle.
func (s *Session) heartbeat() {
	s.cycles++
	snap := s.counter.ReadAndReset()
	s.metrics.InputEvents.Add(uint64(snap.Total()))
	s.metrics.IdleSeconds.Set(int64(snap.IdleSeconds))
	if snap.Active(s.cfg.HeartbeatInterval) {
		s.engine.RecordInput(snap)
	}

	win, seen := s.observer.Current()
	if seen {
		s.windowChanged(win)
	}

	if s.cfg.SendHeartbeat {
		s.sendHeartbeat(collector.Heartbeat{
			MouseMoves:        snap.MouseMoves,
			MouseClicks:       snap.MouseClicks,
			Keystrokes:        snap.Keystrokes,
			ScrollEvents:      snap.ScrollEvents,
			ActiveApp:         win.AppName,
			ActiveWindowTitle: win.WindowTitle,
			IdleSeconds:       snap.IdleSeconds,
		})
	}

	s.enqueue(s.engine.Flush())
	s.deliver()
}

func (s *Session) windowChanged(snap window.Snapshot) {
	if s.window.SameFocus(snap) {
		return
	}
	s.window = snap
	s.metrics.WindowChanges.Inc()
	s.engine.RecordAppChange(snap.AppName, snap.WindowTitle)
}

func (s *Session) enqueue(segs []segment.Segment) {
	if len(segs) == 0 {
		return
	}
	s.metrics.SegmentsProduced.Add(uint64(len(segs)))
	if pruned := s.queue.Enqueue(segs); pruned > 0 {
		s.metrics.QueuePruned.Add(uint64(pruned))
	}
	s.syncQueueMetrics()
}

func (s *Session) syncQueueMetrics() {
	st := s.queue.Stats()
	s.metrics.QueueDepth.Set(int64(st.Items))
	if st.PersistFailures > s.persistFails {
		s.metrics.QueuePersistErrors.Add(st.PersistFailures - s.persistFails)
		s.persistFails = st.PersistFailures
	}
}

// deliver hands the oldest batch to a worker unless one is already out.
func (s *Session) deliver() {
	if s.inflight {
		return
	}
	items := s.queue.Dequeue(s.cfg.BatchSize)
	if len(items) == 0 {
		return
	}
	ids := make([]int64, len(items))
	segs := make([]segment.Segment, len(items))
	for i, it := range items {
		ids[i] = it.ID
		segs[i] = it.Segment
	}

	s.inflight = true
	started := s.clock.Now()
	s.workers.Go(func() error {
		var received int
		err := s.guard("delivery", func() error {
			n, err := s.cfg.Collector.SendSegments(s.workCtx, segs)
			received = n
			return err
		})
		if err == nil {
			s.record(segs)
		}
		s.results <- deliveryResult{
			ids: ids, count: len(segs), received: received, err: err,
			started: started, finished: s.clock.Now(),
		}
		return nil
	})
}

// record appends a delivered batch to the local history. Best effort.
func (s *Session) record(segs []segment.Segment) {
	if s.cfg.History == nil {
		return
	}
	n, err := s.cfg.History.RecordSegments(s.workCtx, segs)
	if err != nil {
		s.logger.Warn("record history failed", "error", err)
		return
	}
	s.metrics.HistorySegments.Add(int64(n))
}

func (s *Session) deliveryDone(res deliveryResult) {
	s.inflight = false
	s.metrics.RecordDelivery(res.count, res.finished.Sub(res.started), res.err, res.finished)

	if res.err != nil {
		s.lastErr = res.err
		level := slog.LevelWarn
		if errors.Is(res.err, collector.ErrUnauthorized) {
			level = slog.LevelError
		}
		s.logger.Log(context.Background(), level, "delivery failed; batch kept for retry",
			"segments", res.count, "transient", collector.IsTransient(res.err), "error", res.err)
		return
	}

	removed := s.queue.MarkSent(res.ids)
	s.delivered += uint64(removed)
	s.lastDelivery = res.finished
	s.lastErr = nil
	s.syncQueueMetrics()
	if res.received < res.count {
		s.logger.Debug("collector skipped segments", "sent", res.count, "received", res.received)
	}
	s.logger.Debug("batch delivered", "segments", res.count, "remaining", s.queue.Len())
}

func (s *Session) sendHeartbeat(hb collector.Heartbeat) {
	if !s.hbInflight.CompareAndSwap(false, true) {
		return
	}
	s.workers.Go(func() error {
		defer s.hbInflight.Store(false)
		err := s.guard("heartbeat", func() error {
			return s.cfg.Collector.SendHeartbeat(s.workCtx, hb)
		})
		if err != nil {
			s.metrics.HeartbeatFailures.Inc()
			s.logger.Debug("heartbeat failed", "error", err)
			return nil
		}
		s.metrics.HeartbeatsSent.Inc()
		return nil
	})
}

// shutdown drains the engine before anything else is torn down.
func (s *Session) shutdown() error {
	if snap := s.counter.ReadAndReset(); snap.Total() > 0 {
		s.engine.RecordInput(snap)
	}
	s.enqueue(s.engine.Stop())

	if s.inflight {
		grace := s.clock.NewTimer(s.cfg.ShutdownGrace, "session", "grace")
		select {
		case res := <-s.results:
			s.deliveryDone(res)
		case <-grace.C:
			s.logger.Warn("delivery still in flight at shutdown; batch stays queued")
		}
		grace.Stop()
	}
	s.workCancel()
	_ = s.workers.Wait()

	var result *multierror.Error
	if err := s.queue.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close queue: %w", err))
	}

	s.observer.Stop()
	s.srcCancel()
	_ = s.sources.Wait()
	if s.cfg.Idle != nil {
		if err := s.cfg.Idle.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close idle probe: %w", err))
		}
	}

	s.metrics.SessionActive.Set(0)
	s.metrics.EngineState.Set(int64(segment.StateStopped))
	s.publish()
	s.logger.Info("session stopped", "queued", s.queue.Len(), "delivered", s.delivered)
	return result.ErrorOrNil()
}

func (s *Session) guard(component string, fn func() error) error {
	if s.cfg.Crash == nil {
		return fn()
	}
	err := s.cfg.Crash.Guard(component, fn)
	var pe *logging.PanicError
	if errors.As(err, &pe) {
		s.metrics.Panics.Inc()
	}
	return err
}

func (s *Session) publish() {
	st := &SessionStatus{
		StartedAt:    s.startedAt,
		State:        s.engine.State().String(),
		InputSource:  s.cfg.Input.Name(),
		InputOK:      s.inputOK,
		WindowProber: s.cfg.Window.Name(),
		WindowOK:     s.windowOK,
		Cycles:       s.cycles,
		QueueDepth:   s.queue.Len(),
		InFlight:     s.inflight,
		Delivered:    s.delivered,
		LastDelivery: s.lastDelivery,
	}
	if open, ok := s.engine.Open(); ok {
		st.Open = &open
		st.App, st.Title = open.AppName, open.WindowTitle
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.metrics.EngineState.Set(int64(s.engine.State()))
	s.status.Store(st)
}
