package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PreviewSink keeps the most recent composited frame, scaled for display.
// Every offered frame replaces the held one; only the update signal is held
// to the configured preview rate. Readers pull with Latest or JPEG; Updates
// signals pushers when a new frame is available.
type PreviewSink struct {
	scale   float64
	limiter *rate.Limiter

	mu       sync.Mutex
	latest   Frame
	scaled   bool
	has      bool
	version  uint64
	notify   chan struct{}
	trailing bool
	sub      *Subscription
}

// NewPreviewSink creates a sink that accepts at most fps frames per second
// and scales them by scale (values >= 1 keep the original size).
func NewPreviewSink(fps int, scale float64) *PreviewSink {
	if fps < 1 {
		fps = 1
	}
	return &PreviewSink{
		scale:   scale,
		limiter: rate.NewLimiter(rate.Every(time.Second/time.Duration(fps)), 1),
		notify:  make(chan struct{}),
	}
}

// Attach subscribes the sink to a scheduler with a single-slot queue, so the
// preview always trails the newest frame by at most one.
func (p *PreviewSink) Attach(s *Scheduler) error {
	sub, err := s.SubscribeDepth("preview", 1, p.Offer)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()
	return nil
}

// Detach unsubscribes from the scheduler, if attached.
func (p *PreviewSink) Detach() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Offer stores f as the latest preview frame. Viewers are signalled at most
// once per preview interval; a frame offered inside the interval is announced
// when it ends.
func (p *PreviewSink) Offer(f Frame) {
	p.mu.Lock()
	p.latest = f
	p.scaled = false
	p.has = true
	p.version++
	if p.trailing {
		p.mu.Unlock()
		return
	}
	if d := p.limiter.Reserve().Delay(); d > 0 {
		p.trailing = true
		p.mu.Unlock()
		time.AfterFunc(d, p.announce)
		return
	}
	ch := p.swapNotify()
	p.mu.Unlock()
	close(ch)
}

func (p *PreviewSink) announce() {
	p.mu.Lock()
	p.trailing = false
	ch := p.swapNotify()
	p.mu.Unlock()
	close(ch)
}

// swapNotify must be called with p.mu held.
func (p *PreviewSink) swapNotify() chan struct{} {
	ch := p.notify
	p.notify = make(chan struct{})
	return ch
}

// Latest returns the newest preview frame, scaled on first read. The image
// must be treated as read-only.
func (p *PreviewSink) Latest() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.has && !p.scaled && p.latest.Image != nil {
		p.latest.Image = ScaleImage(p.latest.Image, p.scale)
		p.scaled = true
	}
	return p.latest, p.has
}

// Updates returns a channel closed when a new frame is announced, together
// with the version of the frame currently held.
func (p *PreviewSink) Updates() (<-chan struct{}, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notify, p.version
}

// JPEG encodes the latest frame.
func (p *PreviewSink) JPEG(quality int) ([]byte, bool, error) {
	f, ok := p.Latest()
	if !ok || f.Image == nil {
		return nil, false, nil
	}
	data, err := EncodeJPEG(f.Image, quality)
	return data, err == nil, err
}

// EncodeJPEG encodes an image as JPEG with the specified quality (1-100)
func EncodeJPEG(img *image.RGBA, quality int) ([]byte, error) {
	quality = max(1, min(quality, 100))

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ScaleImage scales an image by the given factor using nearest neighbour.
// Factors >= 1 return img unchanged.
func ScaleImage(img *image.RGBA, factor float64) *image.RGBA {
	if factor >= 1.0 || factor == 0 {
		return img
	}
	if factor < 0.05 {
		factor = 0.05
	}

	b := img.Bounds()
	newW := max(1, int(float64(b.Dx())*factor))
	newH := max(1, int(float64(b.Dy())*factor))
	scaled := image.NewRGBA(image.Rect(0, 0, newW, newH))

	for y := 0; y < newH; y++ {
		sy := b.Min.Y + y*b.Dy()/newH
		for x := 0; x < newW; x++ {
			sx := b.Min.X + x*b.Dx()/newW
			so := img.PixOffset(sx, sy)
			do := scaled.PixOffset(x, y)
			copy(scaled.Pix[do:do+4], img.Pix[so:so+4])
		}
	}
	return scaled
}
