//go:build !linux

package input

func newPlatformSource() Source {
	return Unavailable("input counting not implemented for this platform")
}
