//go:build !linux || !cgo

package capture

func newPlatformSource() (FrameSource, error) {
	return nil, ErrNotSupported
}
