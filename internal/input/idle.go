package input

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"
)

// IdleProbe asks the desktop session how long it has been idle. It covers
// systems where raw devices cannot be read but the compositor still knows
// when the user last touched something.
type IdleProbe interface {
	Name() string
	Idle(ctx context.Context) (time.Duration, error)
	Close() error
}

// NewIdleProbe connects to the platform idle service.
func NewIdleProbe() (IdleProbe, error) {
	return newPlatformIdleProbe()
}

// WatchIdle polls probe every interval and moves the counter's last activity
// forward whenever the session reports more recent input. It returns when
// ctx is done. Probe errors skip the tick.
func WatchIdle(ctx context.Context, clock quartz.Clock, probe IdleProbe, c *Counter, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "input.idle", "probe", probe.Name())

	ticker := clock.NewTicker(interval, "input", "idle")
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle, err := probe.Idle(ctx)
			if err != nil {
				failures++
				if failures == 1 {
					logger.Warn("idle probe failed", "error", err)
				}
				continue
			}
			if failures > 0 {
				logger.Info("idle probe recovered", "failures", failures)
				failures = 0
			}
			c.Touch(clock.Now().Add(-idle))
		}
	}
}
