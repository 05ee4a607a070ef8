//go:build linux

package window

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// commandRunner runs a helper binary and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// X11Prober reads the focused window with xdotool, falling back to xprop.
type X11Prober struct {
	run        commandRunner
	lookPath   func(string) (string, error)
	procName   func(ctx context.Context, pid int) string
	hasXdotool bool
	hasXprop   bool
}

func newPlatformProber() Prober {
	switch detectDisplay() {
	case "x11":
		return newX11Prober(execRunner, exec.LookPath, processName)
	case "wayland":
		return Unavailable("Wayland session without XWayland; focused window cannot be read")
	default:
		return Unavailable("no display server detected")
	}
}

func newX11Prober(run commandRunner, lookPath func(string) (string, error), procName func(context.Context, int) string) *X11Prober {
	p := &X11Prober{run: run, lookPath: lookPath, procName: procName}
	_, err := lookPath("xdotool")
	p.hasXdotool = err == nil
	_, err = lookPath("xprop")
	p.hasXprop = err == nil
	return p
}

// detectDisplay determines the display server type.
func detectDisplay() string {
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		// XWayland still answers X11 queries.
		if os.Getenv("DISPLAY") != "" {
			return "x11"
		}
		return "wayland"
	}
	if os.Getenv("DISPLAY") != "" {
		return "x11"
	}
	return "unknown"
}

func (p *X11Prober) Name() string { return "x11" }

func (p *X11Prober) Available() (bool, string) {
	switch {
	case p.hasXdotool:
		return true, "X11 focus tracking available (xdotool)"
	case p.hasXprop:
		return true, "X11 focus tracking available (xprop)"
	default:
		return false, "X11 detected but xdotool/xprop not found. Install: sudo apt install xdotool"
	}
}

// Probe returns the focused window.
func (p *X11Prober) Probe(ctx context.Context) (Snapshot, error) {
	if p.hasXdotool {
		if snap, err := p.probeXdotool(ctx); err == nil {
			return snap, nil
		}
	}
	if p.hasXprop {
		return p.probeXprop(ctx)
	}
	return Snapshot{}, ErrNotAvailable
}

func (p *X11Prober) probeXdotool(ctx context.Context) (Snapshot, error) {
	out, err := p.run(ctx, "xdotool", "getactivewindow")
	if err != nil {
		return Snapshot{}, fmt.Errorf("xdotool getactivewindow: %w", err)
	}
	windowID := strings.TrimSpace(string(out))
	if windowID == "" {
		return Snapshot{}, ErrNoActiveWindow
	}

	var snap Snapshot
	if out, err := p.run(ctx, "xdotool", "getwindowname", windowID); err == nil {
		snap.WindowTitle = strings.TrimSpace(string(out))
	}
	if out, err := p.run(ctx, "xdotool", "getwindowpid", windowID); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil {
			snap.PID = pid
			snap.AppName = p.procName(ctx, pid)
		}
	}
	if snap.AppName == "" {
		if out, err := p.run(ctx, "xdotool", "getwindowclassname", windowID); err == nil {
			snap.AppName = strings.TrimSpace(string(out))
		}
	}
	return snap, nil
}

func (p *X11Prober) probeXprop(ctx context.Context) (Snapshot, error) {
	out, err := p.run(ctx, "xprop", "-root", "_NET_ACTIVE_WINDOW")
	if err != nil {
		return Snapshot{}, fmt.Errorf("xprop -root: %w", err)
	}
	windowID, err := parseActiveWindowID(string(out))
	if err != nil {
		return Snapshot{}, err
	}

	out, err = p.run(ctx, "xprop", "-id", windowID, "_NET_WM_NAME", "WM_NAME", "WM_CLASS", "_NET_WM_PID")
	if err != nil {
		return Snapshot{}, fmt.Errorf("xprop -id %s: %w", windowID, err)
	}
	props := parseWindowProps(string(out))

	snap := Snapshot{WindowTitle: props.title, PID: props.pid}
	if props.pid > 0 {
		snap.AppName = p.procName(ctx, props.pid)
	}
	if snap.AppName == "" {
		snap.AppName = props.class
	}
	return snap, nil
}

// processName resolves a pid to its executable name.
func processName(ctx context.Context, pid int) string {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}
