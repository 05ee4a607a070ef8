package segment

import (
	"time"

	"github.com/coder/quartz"

	"pulsed/internal/input"
)

const (
	// DefaultIdleThreshold is how long input must be absent before the
	// engine switches to idle.
	DefaultIdleThreshold = 120 * time.Second

	// DefaultMinSegment is the shortest segment that is kept. Shorter
	// fragments are measurement noise.
	DefaultMinSegment = time.Second
)

// State is the engine's activity state.
type State int

const (
	StateStopped State = iota
	StateActive
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	default:
		return "stopped"
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithIdleThreshold overrides DefaultIdleThreshold.
func WithIdleThreshold(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idleThreshold = d
		}
	}
}

// WithMinSegment overrides DefaultMinSegment.
func WithMinSegment(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.minSegment = d
		}
	}
}

// Engine is the segmentation state machine. It keeps exactly one open
// segment while started and a list of closed segments waiting to be
// flushed.
//
// Engine is not safe for concurrent use. The session actor is its only
// caller.
type Engine struct {
	clock         quartz.Clock
	idleThreshold time.Duration
	minSegment    time.Duration

	state     State
	open      *Segment
	completed []Segment
	lastInput time.Time

	// Last known focus. While idle this keeps following the window
	// observer so the next active segment starts with the right app; the
	// open idle segment keeps the app from idle onset.
	app   string
	title string
}

// NewEngine creates a stopped engine.
func NewEngine(clock quartz.Clock, opts ...Option) *Engine {
	if clock == nil {
		clock = quartz.NewReal()
	}
	e := &Engine{
		clock:         clock,
		idleThreshold: DefaultIdleThreshold,
		minSegment:    DefaultMinSegment,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current state.
func (e *Engine) State() State { return e.state }

// LastInput returns the time of the most recent physical input seen.
func (e *Engine) LastInput() time.Time { return e.lastInput }

// IdleThreshold returns the configured idle threshold.
func (e *Engine) IdleThreshold() time.Duration { return e.idleThreshold }

// Open returns a copy of the open segment.
func (e *Engine) Open() (Segment, bool) {
	if e.open == nil {
		return Segment{}, false
	}
	return *e.open, true
}

// Pending returns the number of closed segments not yet flushed.
func (e *Engine) Pending() int { return len(e.completed) }

// Start begins a tracking session in the active state. Calling Start on a
// running engine discards nothing; it is a no-op.
func (e *Engine) Start(app, title string) {
	if e.state != StateStopped {
		return
	}
	now := e.clock.Now()
	e.state = StateActive
	e.lastInput = now
	e.app, e.title = app, title
	e.openSegment(TypeActive, app, title, now)
}

// RecordInput applies one input snapshot. The snapshot's idle time places
// the last physical input at now - IdleSeconds. While idle, any recorded
// input ends the idle period.
func (e *Engine) RecordInput(snap input.Snapshot) {
	if e.state == StateStopped {
		return
	}
	now := e.clock.Now()

	at := now.Add(-time.Duration(snap.IdleSeconds) * time.Second)
	if at.After(e.lastInput) {
		e.lastInput = at
	}

	if e.state == StateIdle {
		e.closeAt(now)
		e.state = StateActive
		e.openSegment(TypeActive, e.app, e.title, now)
	}
	if e.open != nil {
		e.open.Add(snap)
		if now.After(e.open.End) {
			e.open.End = now
		}
	}
}

// RecordAppChange splits the active segment when the focused app or title
// changes. While idle it only remembers the new focus.
func (e *Engine) RecordAppChange(app, title string) {
	if e.state == StateStopped {
		return
	}
	if app == e.app && title == e.title {
		return
	}
	e.app, e.title = app, title
	if e.state == StateIdle {
		return
	}
	now := e.clock.Now()
	e.closeAt(now)
	e.openSegment(TypeActive, app, title, now)
}

// Tick detects the start of idleness and grows the open idle segment.
func (e *Engine) Tick() {
	if e.state == StateStopped {
		return
	}
	now := e.clock.Now()

	if e.state == StateActive && now.Sub(e.lastInput) >= e.idleThreshold {
		onset := e.lastInput
		// A segment split by Flush after the last input must not be
		// overlapped by the idle segment.
		if e.open != nil && onset.Before(e.open.Start) {
			onset = e.open.Start
		}
		var app, title string
		if e.open != nil {
			app, title = e.open.AppName, e.open.WindowTitle
		} else {
			app, title = e.app, e.title
		}
		e.closeAt(onset)
		e.state = StateIdle
		e.openSegment(TypeIdle, app, title, onset)
	}

	if e.state == StateIdle && e.open != nil && now.After(e.open.End) {
		e.open.End = now
	}
}

// Flush resolves pending idle detection, splits the open segment if it has
// run for at least the minimum length, and returns every closed segment.
// The returned slice is owned by the caller.
func (e *Engine) Flush() []Segment {
	if e.state == StateStopped {
		return e.drain()
	}
	e.Tick()

	now := e.clock.Now()
	if e.open != nil && now.Sub(e.open.Start) >= e.minSegment {
		cont := *e.open
		e.closeAt(now)
		e.openSegment(cont.Type, cont.AppName, cont.WindowTitle, now)
	}
	return e.drain()
}

// Stop ends the session: idle detection is resolved, the open segment is
// closed at now, and every closed segment is returned. The engine returns
// to the stopped state and can be started again.
func (e *Engine) Stop() []Segment {
	if e.state == StateStopped {
		return e.drain()
	}
	e.Tick()
	e.closeAt(e.clock.Now())

	out := e.drain()
	e.state = StateStopped
	e.open = nil
	e.lastInput = time.Time{}
	e.app, e.title = "", ""
	return out
}

func (e *Engine) openSegment(typ Type, app, title string, at time.Time) {
	e.open = &Segment{
		Start:       at,
		End:         at,
		Type:        typ,
		AppName:     app,
		WindowTitle: title,
	}
}

// closeAt ends the open segment at the given time. Segments shorter than
// the minimum length are dropped.
func (e *Engine) closeAt(at time.Time) {
	if e.open == nil {
		return
	}
	seg := *e.open
	e.open = nil
	seg.End = at
	if seg.Duration() < e.minSegment {
		return
	}
	e.completed = append(e.completed, seg)
}

func (e *Engine) drain() []Segment {
	out := e.completed
	e.completed = nil
	return out
}
