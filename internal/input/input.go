// Package input counts pointer and keyboard activity.
//
// IMPORTANT: This package counts input events - it does NOT record which
// keys are pressed, where the pointer is, or how far a wheel turned. Every
// raw event is reduced to one of four kinds and then discarded:
// - Keylogger: Records "h", "e", "l", "l", "o" → "hello"
// - This package: Records "5 keystrokes occurred"
//
// Platform support:
// - Linux: /dev/input/event* (requires input group or root), plus an
//   optional session-bus idle probe
// - Other platforms: unavailable; snapshots report zero activity
package input

import (
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// DefaultMouseMoveThrottle is the minimum spacing between counted mouse moves.
const DefaultMouseMoveThrottle = time.Second

// Kind identifies a class of input event.
type Kind int

const (
	MouseMove Kind = iota
	MouseClick
	Keystroke
	Scroll

	numKinds
)

func (k Kind) String() string {
	switch k {
	case MouseMove:
		return "mouse_move"
	case MouseClick:
		return "mouse_click"
	case Keystroke:
		return "keystroke"
	case Scroll:
		return "scroll"
	default:
		return "unknown"
	}
}

// Snapshot is the activity accumulated since the previous read.
type Snapshot struct {
	MouseMoves   int `json:"mouse_moves"`
	MouseClicks  int `json:"mouse_clicks"`
	Keystrokes   int `json:"keystrokes"`
	ScrollEvents int `json:"scroll_events"`

	// IdleSeconds is the time since the last physical input, in whole seconds.
	IdleSeconds int `json:"idle_seconds"`
}

// Total returns the sum of the four counters.
func (s Snapshot) Total() int {
	return s.MouseMoves + s.MouseClicks + s.Keystrokes + s.ScrollEvents
}

// Active reports whether the snapshot shows physical input within the given
// window, either as counted events or as a recent last-activity time.
func (s Snapshot) Active(within time.Duration) bool {
	if s.Total() > 0 {
		return true
	}
	return time.Duration(s.IdleSeconds)*time.Second < within
}

// Recorder receives input events from a Source.
type Recorder interface {
	RecordEvent(kind Kind)
}

// Counter accumulates event counts between reads. It is safe for concurrent
// use: sources record from their own goroutines while the session reads.
type Counter struct {
	clock    quartz.Clock
	throttle time.Duration

	mu           sync.Mutex
	counts       [numKinds]int
	lastActivity time.Time
	lastMove     time.Time
}

// NewCounter creates a Counter. Last activity starts at the current time so
// a freshly started session is not immediately idle.
func NewCounter(clock quartz.Clock, throttle time.Duration) *Counter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if throttle < 0 {
		throttle = 0
	}
	return &Counter{
		clock:        clock,
		throttle:     throttle,
		lastActivity: clock.Now(),
	}
}

// RecordEvent counts one event of the given kind. Mouse moves closer together
// than the throttle interval still refresh last activity but are not counted.
func (c *Counter) RecordEvent(kind Kind) {
	if kind < 0 || kind >= numKinds {
		return
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	if kind == MouseMove {
		if !c.lastMove.IsZero() && now.Sub(c.lastMove) < c.throttle {
			return
		}
		c.lastMove = now
	}
	c.counts[kind]++
}

// Touch moves last activity forward to at. It never moves it backward.
func (c *Counter) Touch(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.lastActivity) {
		c.lastActivity = at
	}
}

// LastActivity returns the time of the most recent physical input.
func (c *Counter) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ReadAndReset returns the accumulated counters and zeroes them. Last
// activity is not reset, so IdleSeconds keeps growing across reads until
// new input arrives.
func (c *Counter) ReadAndReset() Snapshot {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	idle := now.Sub(c.lastActivity)
	if idle < 0 {
		idle = 0
	}
	snap := Snapshot{
		MouseMoves:   c.counts[MouseMove],
		MouseClicks:  c.counts[MouseClick],
		Keystrokes:   c.counts[Keystroke],
		ScrollEvents: c.counts[Scroll],
		IdleSeconds:  int(idle / time.Second),
	}
	c.counts = [numKinds]int{}
	return snap
}

// ErrNotAvailable is returned when a source cannot run on this system.
var ErrNotAvailable = errors.New("input source not available")

// ErrAlreadyRunning is returned when Run is called on a source that is running.
var ErrAlreadyRunning = errors.New("input source already running")
