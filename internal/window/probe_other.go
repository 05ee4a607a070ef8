//go:build !linux

package window

func newPlatformProber() Prober {
	return Unavailable("window observation not implemented for this platform")
}
