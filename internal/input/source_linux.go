//go:build linux

package input

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const pollTimeoutMillis = 250

// EvdevSource reads /dev/input event devices.
type EvdevSource struct {
	devicesFile string
	logger      *slog.Logger
}

func newPlatformSource() Source {
	return &EvdevSource{
		devicesFile: "/proc/bus/input/devices",
		logger:      slog.Default().With("component", "input.evdev"),
	}
}

func (e *EvdevSource) Name() string { return "evdev" }

func (e *EvdevSource) devices() ([]device, error) {
	f, err := os.Open(e.devicesFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseDevices(f)
}

// Available checks if at least one input device can be opened.
func (e *EvdevSource) Available() (bool, string) {
	devices, err := e.devices()
	if err != nil {
		return false, fmt.Sprintf("cannot list input devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard or pointer devices found"
	}
	for _, dev := range devices {
		f, err := os.OpenFile(dev.Path, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("reading %d input devices", len(devices))
		}
	}
	return false, "cannot read input devices (need to be in 'input' group or run as root)"
}

// Run opens every readable device and records events until ctx is done.
func (e *EvdevSource) Run(ctx context.Context, rec Recorder) error {
	devices, err := e.devices()
	if err != nil || len(devices) == 0 {
		return ErrNotAvailable
	}

	type openDevice struct {
		fd   int
		path string
	}
	var open []openDevice
	for _, dev := range devices {
		fd, err := unix.Open(dev.Path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			e.logger.Debug("skipping input device", "device", dev.Path, "name", dev.Name, "error", err)
			continue
		}
		open = append(open, openDevice{fd: fd, path: dev.Path})
	}
	if len(open) == 0 {
		return ErrNotAvailable
	}
	defer func() {
		for _, d := range open {
			unix.Close(d.fd)
		}
	}()

	e.logger.Info("input source started", "devices", len(open))

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range open {
		g.Go(func() error {
			return e.readDevice(gctx, d.fd, d.path, rec)
		})
	}
	return g.Wait()
}

func (e *EvdevSource) readDevice(ctx context.Context, fd int, path string, rec Recorder) error {
	buf := make([]byte, eventSize*64)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.Poll(fds, pollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll %s: %w", path, err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			// Device unplugged; other devices keep running.
			e.logger.Info("input device removed", "device", path)
			return nil
		}

		nr, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			e.logger.Debug("input device read failed", "device", path, "error", err)
			return nil
		}
		for off := 0; off+eventSize <= nr; off += eventSize {
			if kind, ok := decodeEvent(buf[off : off+eventSize]); ok {
				rec.RecordEvent(kind)
			}
		}
	}
}
