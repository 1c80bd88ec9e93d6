// Package capture grabs display regions at a fixed cadence, composites the
// cursor and fans composited frames out to subscribers.
package capture

import (
	"errors"
	"fmt"
	"image"
	"time"
)

var (
	ErrNotSupported     = errors.New("screen capture not supported on this platform")
	ErrDisplayNotFound  = errors.New("display not found")
	ErrInvalidRegion    = errors.New("capture region is empty or outside the display")
	ErrSchedulerStopped = errors.New("capture scheduler stopped")
)

// MonitorDescriptor identifies a capture region in virtual-screen
// coordinates. It is immutable once enumerated.
type MonitorDescriptor struct {
	ID        int    `yaml:"id"`
	Name      string `yaml:"name,omitempty"`
	Top       int    `yaml:"top"`
	Left      int    `yaml:"left"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	IsPrimary bool   `yaml:"primary,omitempty"`
}

// Rect is the monitor area as an image.Rectangle in screen coordinates.
func (m MonitorDescriptor) Rect() image.Rectangle {
	return image.Rect(m.Left, m.Top, m.Left+m.Width, m.Top+m.Height)
}

func (m MonitorDescriptor) Valid() bool {
	return m.Width > 0 && m.Height > 0
}

func (m MonitorDescriptor) String() string {
	return fmt.Sprintf("monitor %d %dx%d+%d+%d", m.ID, m.Width, m.Height, m.Left, m.Top)
}

// Frame is one composited capture. Pixels are RGBA, origin at the region's
// top-left corner. Subscribers each own their Frame.
type Frame struct {
	Image      *image.RGBA
	CapturedAt time.Time
	Seq        uint64
}

// Clone returns a deep copy so the receiver can mutate or retain it freely.
func (f Frame) Clone() Frame {
	if f.Image == nil {
		return f
	}
	img := &image.RGBA{
		Pix:    make([]byte, len(f.Image.Pix)),
		Stride: f.Image.Stride,
		Rect:   f.Image.Rect,
	}
	copy(img.Pix, f.Image.Pix)
	return Frame{Image: img, CapturedAt: f.CapturedAt, Seq: f.Seq}
}

// FrameSource grabs raw pixels for a screen region.
type FrameSource interface {
	// Grab returns an RGBA image of exactly region.Dx() x region.Dy()
	// pixels. Failures are transient and wrapped in *CaptureError.
	Grab(region image.Rectangle) (*image.RGBA, error)
	// Monitors lists the regions this source can capture.
	Monitors() ([]MonitorDescriptor, error)
	Close() error
}

// CaptureError is a single failed grab. It never ends a capture loop.
type CaptureError struct {
	Region image.Rectangle
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %v: %v", e.Region, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// NewFrameSource returns the platform source for kind "x11" (or "" for the
// platform default) or the synthetic source for kind "test".
func NewFrameSource(kind string) (FrameSource, error) {
	switch kind {
	case "test":
		return NewPatternSource(1280, 720), nil
	case "", "x11":
		return newPlatformSource()
	default:
		return nil, fmt.Errorf("unknown frame source %q", kind)
	}
}
