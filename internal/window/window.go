// Package window observes which application has keyboard focus.
//
// Platform-specific probers live in probe_linux.go and probe_other.go. The
// Observer polls a Prober on a fixed interval and keeps the last good
// answer.
package window

import (
	"context"
	"errors"
)

// Snapshot is the focused application identity.
type Snapshot struct {
	AppName     string `json:"app_name"`
	WindowTitle string `json:"window_title"`

	// PID of the owning process, when known. Not sent anywhere.
	PID int `json:"-"`
}

// SameFocus reports whether two snapshots name the same app and title.
func (s Snapshot) SameFocus(o Snapshot) bool {
	return s.AppName == o.AppName && s.WindowTitle == o.WindowTitle
}

// Prober reads the focused window from the OS.
type Prober interface {
	// Name identifies the prober in logs and status output.
	Name() string

	// Available reports whether the prober can work in this session.
	Available() (bool, string)

	// Probe returns the currently focused window.
	Probe(ctx context.Context) (Snapshot, error)
}

// Errors
var (
	ErrNotAvailable   = errors.New("window observation not available")
	ErrAlreadyRunning = errors.New("window observer already running")
	ErrNoActiveWindow = errors.New("no active window")
)

// NewProber returns the prober for the current platform and session.
func NewProber() Prober {
	return newPlatformProber()
}

type unavailableProber struct {
	reason string
}

// Unavailable returns a Prober that always fails with ErrNotAvailable.
func Unavailable(reason string) Prober {
	return unavailableProber{reason: reason}
}

func (u unavailableProber) Name() string { return "unavailable" }

func (u unavailableProber) Available() (bool, string) { return false, u.reason }

func (u unavailableProber) Probe(context.Context) (Snapshot, error) {
	return Snapshot{}, ErrNotAvailable
}
