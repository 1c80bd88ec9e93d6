// Package audio captures microphone and system audio into WAV files.
//
// A Channel owns one hardware stream and one PCM sink. The hardware
// callback is the sink's only writer; it checks an atomic active flag before
// every write so teardown never blocks on it.
package audio

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoDevice            = errors.New("no audio device selected")
	ErrAllStrategiesFailed = errors.New("no system audio capture strategy succeeded")
	ErrBackendUnavailable  = errors.New("audio backend unavailable")
	ErrDeviceNotFound      = errors.New("audio device not found")
)

// Role is the purpose of a capture channel. It is fixed at creation.
type Role int

const (
	RoleMic Role = iota
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleMic:
		return "mic"
	case RoleSystem:
		return "system"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Mode is how a channel ended up capturing.
type Mode int

const (
	ModeNone Mode = iota
	// ModeNativeLoopback captures an output device in loopback mode.
	ModeNativeLoopback
	// ModeDirectDevice opens the device as a plain capture device.
	ModeDirectDevice
	// ModeAlternateLoopback uses a loopback pseudo device found by name.
	ModeAlternateLoopback
)

func (m Mode) String() string {
	switch m {
	case ModeNativeLoopback:
		return "native_loopback"
	case ModeDirectDevice:
		return "direct_device"
	case ModeAlternateLoopback:
		return "alternate_loopback"
	default:
		return "none"
	}
}

// DeviceDescriptor is an enumerated audio endpoint. IDs are only meaningful
// to the backend that produced them.
type DeviceDescriptor struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	MaxInputChannels  int    `yaml:"max_input_channels"`
	MaxOutputChannels int    `yaml:"max_output_channels"`
	IsDefault         bool   `yaml:"is_default,omitempty"`
}

// Catalog enumerates capture-capable (mic) and output (speaker) devices.
type Catalog interface {
	ListDevices() (mics, speakers []DeviceDescriptor, err error)
}

// DefaultSpeaker returns the default output device, else the first one.
func DefaultSpeaker(speakers []DeviceDescriptor) (DeviceDescriptor, bool) {
	for _, d := range speakers {
		if d.IsDefault {
			return d, true
		}
	}
	if len(speakers) > 0 {
		return speakers[0], true
	}
	return DeviceDescriptor{}, false
}

// FindDevice resolves a user selection against a device list by exact ID,
// then by case-insensitive name substring.
func FindDevice(devices []DeviceDescriptor, sel string) (DeviceDescriptor, bool) {
	if sel == "" {
		return DeviceDescriptor{}, false
	}
	for _, d := range devices {
		if d.ID == sel {
			return d, true
		}
	}
	for _, d := range devices {
		if containsFold(d.Name, sel) {
			return d, true
		}
	}
	return DeviceDescriptor{}, false
}

// SampleFormat is the wire format the hardware callback delivers.
type SampleFormat int

const (
	SampleS16 SampleFormat = iota
	SampleF32
	SampleS32
	SampleU8
)

func (f SampleFormat) bytes() int {
	switch f {
	case SampleF32, SampleS32:
		return 4
	case SampleU8:
		return 1
	default:
		return 2
	}
}

// Format is the canonical PCM layout of a session's audio sinks.
type Format struct {
	SampleRate   int
	Channels     int
	BitDepth     int
	PeriodFrames int
}

// DefaultFormat is 16-bit stereo at 44.1 kHz in 1024-frame periods.
var DefaultFormat = Format{SampleRate: 44100, Channels: 2, BitDepth: 16, PeriodFrames: 1024}

// StreamConfig requests one hardware stream.
type StreamConfig struct {
	Device       DeviceDescriptor
	Loopback     bool
	SampleRate   int
	Channels     int
	PeriodFrames int
}

// Stream is an opened, not yet started, hardware stream.
type Stream interface {
	// Format reports the layout of bytes handed to the data callback.
	Format() (SampleFormat, int)
	Start() error
	Stop() error
	Close() error
}

// Backend opens hardware streams. onData runs on the backend's callback
// thread and must not block.
type Backend interface {
	OpenStream(cfg StreamConfig, onData func(data []byte, frames uint32)) (Stream, error)
}

// TeardownError reports a stream or sink that did not close within its
// bound and was abandoned.
type TeardownError struct {
	Resource string
	Timeout  time.Duration
	Err      error
}

func (e *TeardownError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s teardown exceeded %s: %v", e.Resource, e.Timeout, e.Err)
	}
	return fmt.Sprintf("%s teardown exceeded %s, resource abandoned", e.Resource, e.Timeout)
}

func (e *TeardownError) Unwrap() error { return e.Err }
