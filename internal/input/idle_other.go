//go:build !linux

package input

func newPlatformIdleProbe() (IdleProbe, error) {
	return nil, ErrNotAvailable
}
