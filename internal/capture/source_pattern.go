package capture

import (
	"image"
	"sync"
)

// PatternSource is a synthetic display that renders a moving bar over a
// colour gradient. It backs the "test" source and unit tests.
type PatternSource struct {
	width, height int

	mu     sync.Mutex
	tick   int
	closed bool
}

func NewPatternSource(width, height int) *PatternSource {
	return &PatternSource{width: width, height: height}
}

func (p *PatternSource) Grab(region image.Rectangle) (*image.RGBA, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, &CaptureError{Region: region, Err: ErrSchedulerStopped}
	}
	if region.Empty() || !region.In(image.Rect(0, 0, p.width, p.height)) {
		return nil, &CaptureError{Region: region, Err: ErrInvalidRegion}
	}

	p.tick++
	barX := (p.tick * 8) % p.width
	img := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	for y := 0; y < region.Dy(); y++ {
		sy := region.Min.Y + y
		row := img.Pix[y*img.Stride:]
		for x := 0; x < region.Dx(); x++ {
			sx := region.Min.X + x
			off := x * 4
			if sx >= barX && sx < barX+16 {
				row[off], row[off+1], row[off+2] = 255, 255, 255
			} else {
				row[off] = byte(sx * 255 / p.width)
				row[off+1] = byte(sy * 255 / p.height)
				row[off+2] = 96
			}
			row[off+3] = 255
		}
	}
	return img, nil
}

func (p *PatternSource) Monitors() ([]MonitorDescriptor, error) {
	return []MonitorDescriptor{{ID: 0, Name: "test pattern", Width: p.width, Height: p.height, IsPrimary: true}}, nil
}

func (p *PatternSource) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Cursor walks the built-in arrow diagonally across the pattern.
func (p *PatternSource) Cursor() (CursorImage, bool, error) {
	p.mu.Lock()
	t := p.tick
	p.mu.Unlock()

	w, h := p.width-12, p.height-20
	if w <= 0 || h <= 0 {
		return CursorImage{}, false, nil
	}
	return ArrowCursor((t*5)%w, (t*3)%h), true, nil
}
