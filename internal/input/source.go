package input

import (
	"context"
	"sync"
)

// Source delivers raw input events to a Recorder.
type Source interface {
	// Name identifies the source in logs and status output.
	Name() string

	// Available reports whether the source can run with current
	// permissions, and why not when it cannot.
	Available() (bool, string)

	// Run records events until ctx is cancelled. It returns
	// ErrNotAvailable when the source cannot start.
	Run(ctx context.Context, rec Recorder) error
}

// NewSource returns the input source for the current platform.
func NewSource() Source {
	return newPlatformSource()
}

type unavailableSource struct {
	reason string
}

// Unavailable returns a Source that never produces events.
func Unavailable(reason string) Source {
	return unavailableSource{reason: reason}
}

func (u unavailableSource) Name() string { return "unavailable" }

func (u unavailableSource) Available() (bool, string) { return false, u.reason }

func (u unavailableSource) Run(context.Context, Recorder) error { return ErrNotAvailable }

// Simulated is a Source driven by test code.
type Simulated struct {
	mu      sync.Mutex
	rec     Recorder
	started chan struct{}
	once    sync.Once
}

// NewSimulated creates a simulated source.
func NewSimulated() *Simulated {
	return &Simulated{started: make(chan struct{})}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Available() (bool, string) { return true, "simulated input" }

// Run attaches the recorder until ctx is done.
func (s *Simulated) Run(ctx context.Context, rec Recorder) error {
	s.mu.Lock()
	if s.rec != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.rec = rec
	s.mu.Unlock()
	s.once.Do(func() { close(s.started) })

	<-ctx.Done()

	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
	return nil
}

// Started is closed once Run has attached a recorder.
func (s *Simulated) Started() <-chan struct{} {
	return s.started
}

// Emit records n events of kind synchronously. It reports false when the
// source is not running.
func (s *Simulated) Emit(kind Kind, n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return false
	}
	for i := 0; i < n; i++ {
		s.rec.RecordEvent(kind)
	}
	return true
}
