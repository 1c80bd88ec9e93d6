//go:build !cgo

package audio

// Malgo needs cgo; without it audio capture is unavailable and sessions
// record video only.
type Malgo struct{}

func NewMalgo() (*Malgo, error) { return nil, ErrBackendUnavailable }

func (m *Malgo) ListDevices() (mics, speakers []DeviceDescriptor, err error) {
	return nil, nil, ErrBackendUnavailable
}

func (m *Malgo) OpenStream(StreamConfig, func([]byte, uint32)) (Stream, error) {
	return nil, ErrBackendUnavailable
}

func (m *Malgo) Close() error { return nil }
