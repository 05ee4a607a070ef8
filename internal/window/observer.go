package window

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
)

// DefaultPollInterval is how often the focused window is probed.
const DefaultPollInterval = 2 * time.Second

// probeTimeout bounds a single probe so a hung helper cannot stall polling.
const probeTimeout = time.Second

// ObserverConfig configures an Observer.
type ObserverConfig struct {
	PollInterval time.Duration
	Filter       *TitleFilter
	Clock        quartz.Clock
	Logger       *slog.Logger
}

// ObserverStats counts probe outcomes.
type ObserverStats struct {
	Prober   string    `json:"prober"`
	Polls    uint64    `json:"polls"`
	Failures uint64    `json:"failures"`
	Changes  uint64    `json:"changes"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Observer polls a Prober and remembers the last successful snapshot.
// Probe errors skip the tick; Current keeps returning the previous value.
type Observer struct {
	prober   Prober
	interval time.Duration
	clock    quartz.Clock
	logger   *slog.Logger
	filter   atomic.Pointer[TitleFilter]

	mu       sync.RWMutex
	current  Snapshot
	seen     bool
	lastSeen time.Time
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	polls    atomic.Uint64
	failures atomic.Uint64
	nchanges atomic.Uint64

	changes chan Snapshot
}

// NewObserver creates an Observer for p.
func NewObserver(p Prober, cfg ObserverConfig) *Observer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Observer{
		prober:   p,
		interval: cfg.PollInterval,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "window", "prober", p.Name()),
		changes:  make(chan Snapshot, 1),
	}
	o.filter.Store(cfg.Filter)
	return o
}

// SetFilter replaces the title filter. Applies from the next probe.
func (o *Observer) SetFilter(f *TitleFilter) {
	o.filter.Store(f)
}

// Start probes once and then polls until Stop or ctx is done. It returns
// ErrNotAvailable if the prober cannot work; the observer then never
// reports a window.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	if ok, reason := o.prober.Available(); !ok {
		o.mu.Unlock()
		o.logger.Warn("window observation unavailable", "reason", reason)
		return ErrNotAvailable
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	o.running = true
	o.mu.Unlock()

	o.poll(ctx)
	go o.loop(ctx)

	o.logger.Info("window observer started", "poll_interval", o.interval)
	return nil
}

// Stop ends polling and waits for the poll loop to exit.
func (o *Observer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	<-done
}

// Current returns the last successfully observed window. The boolean is
// false until the first successful probe.
func (o *Observer) Current() (Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current, o.seen
}

// Changes delivers the latest snapshot whenever the app or title differs
// from the previous one. Only the newest undelivered change is kept.
func (o *Observer) Changes() <-chan Snapshot {
	return o.changes
}

// Stats returns probe counters.
func (o *Observer) Stats() ObserverStats {
	o.mu.RLock()
	last := o.lastSeen
	o.mu.RUnlock()
	return ObserverStats{
		Prober:   o.prober.Name(),
		Polls:    o.polls.Load(),
		Failures: o.failures.Load(),
		Changes:  o.nchanges.Load(),
		LastSeen: last,
	}
}

func (o *Observer) loop(ctx context.Context) {
	defer close(o.done)

	ticker := o.clock.NewTicker(o.interval, "window", "poll")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

func (o *Observer) poll(ctx context.Context) {
	o.polls.Add(1)

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	snap, err := o.prober.Probe(pctx)
	cancel()
	if err != nil {
		if o.failures.Add(1) == 1 {
			o.logger.Debug("window probe failed", "error", err)
		}
		return
	}
	snap = o.filter.Load().Apply(snap)

	o.mu.Lock()
	changed := !o.seen || !o.current.SameFocus(snap)
	o.current = snap
	o.seen = true
	o.lastSeen = o.clock.Now()
	o.mu.Unlock()

	if changed {
		o.nchanges.Add(1)
		o.publish(snap)
	}
}

// publish replaces any undelivered change with snap.
func (o *Observer) publish(snap Snapshot) {
	select {
	case o.changes <- snap:
		return
	default:
	}
	select {
	case <-o.changes:
	default:
	}
	select {
	case o.changes <- snap:
	default:
	}
}
