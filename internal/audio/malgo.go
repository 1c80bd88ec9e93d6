//go:build cgo

package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Malgo is the miniaudio-backed Catalog and Backend. One context serves the
// whole process; Close releases it.
type Malgo struct {
	ctx *malgo.AllocatedContext

	mu  sync.Mutex
	ids map[string]malgo.DeviceID
}

func NewMalgo() (*Malgo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &Malgo{ctx: ctx, ids: make(map[string]malgo.DeviceID)}, nil
}

// ListDevices enumerates capture devices as mics and playback devices as
// speakers. IDs are "capture:<n>" and "playback:<n>" for this context.
func (m *Malgo) ListDevices() (mics, speakers []DeviceDescriptor, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mics, err = m.list(malgo.Capture, "capture")
	if err != nil {
		return nil, nil, err
	}
	speakers, err = m.list(malgo.Playback, "playback")
	if err != nil {
		return nil, nil, err
	}
	return mics, speakers, nil
}

func (m *Malgo) list(kind malgo.DeviceType, prefix string) ([]DeviceDescriptor, error) {
	infos, err := m.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerate %s devices: %w", prefix, err)
	}

	out := make([]DeviceDescriptor, 0, len(infos))
	for i, info := range infos {
		id := fmt.Sprintf("%s:%d", prefix, i)
		m.ids[id] = info.ID

		channels := DefaultFormat.Channels
		if full, err := m.ctx.DeviceInfo(kind, info.ID, malgo.Shared); err == nil {
			if n := maxChannels(full); n > 0 {
				channels = n
			}
		}

		d := DeviceDescriptor{
			ID:        id,
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		}
		if kind == malgo.Capture {
			d.MaxInputChannels = channels
		} else {
			d.MaxOutputChannels = channels
		}
		out = append(out, d)
	}
	return out, nil
}

func maxChannels(info malgo.DeviceInfo) int {
	n := 0
	count := int(info.FormatCount)
	if count > len(info.Formats) {
		count = len(info.Formats)
	}
	for _, f := range info.Formats[:count] {
		if int(f.Channels) > n {
			n = int(f.Channels)
		}
	}
	return n
}

// OpenStream initializes (but does not start) a capture or loopback device.
// An empty device ID selects the system default.
func (m *Malgo) OpenStream(cfg StreamConfig, onData func(data []byte, frames uint32)) (Stream, error) {
	kind := malgo.Capture
	if cfg.Loopback {
		kind = malgo.Loopback
	}

	dc := malgo.DefaultDeviceConfig(kind)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.PeriodFrames)

	if cfg.Device.ID != "" {
		m.mu.Lock()
		id, ok := m.ids[cfg.Device.ID]
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, cfg.Device.ID)
		}
		dc.Capture.DeviceID = id.Pointer()
	}

	dev, err := malgo.InitDevice(m.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) {
			onData(input, frames)
		},
	})
	if err != nil {
		return nil, err
	}
	return &malgoStream{dev: dev, channels: cfg.Channels}, nil
}

// Close frees the miniaudio context. Streams must be closed first.
func (m *Malgo) Close() error {
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

type malgoStream struct {
	dev      *malgo.Device
	channels int
	once     sync.Once
}

func (s *malgoStream) Format() (SampleFormat, int) { return SampleF32, s.channels }
func (s *malgoStream) Start() error                { return s.dev.Start() }
func (s *malgoStream) Stop() error                 { return s.dev.Stop() }

func (s *malgoStream) Close() error {
	s.once.Do(s.dev.Uninit)
	return nil
}
