package agent

import (
	"log/slog"

	"pulsed/internal/input"
	"pulsed/internal/window"
)

// Sources builds the per-session capability providers. Any nil field means
// the capability is absent.
type Sources struct {
	Input  func() input.Source
	Idle   func() (input.IdleProbe, error)
	Window func() window.Prober
}

// PlatformSources returns the sources for this platform. inputSource is
// the tracking.input_source setting.
func PlatformSources(inputSource string) Sources {
	src := Sources{
		Idle:   input.NewIdleProbe,
		Window: window.NewProber,
	}
	switch inputSource {
	case "none":
		src.Input = func() input.Source { return input.Unavailable("disabled by configuration") }
	default:
		src.Input = input.NewSource
	}
	return src
}

func (s Sources) fill(sc *SessionConfig, logger *slog.Logger) {
	if s.Input != nil {
		sc.Input = s.Input()
	}
	if s.Window != nil {
		sc.Window = s.Window()
	}
	if s.Idle != nil {
		probe, err := s.Idle()
		if err != nil {
			logger.Debug("no idle probe", "error", err)
			return
		}
		sc.Idle = probe
	}
}
