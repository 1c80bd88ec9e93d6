package capture

import "image"

// CursorImage is a cursor bitmap in premultiplied RGBA with its top-left
// corner (hotspot already applied) in screen coordinates.
type CursorImage struct {
	Image *image.RGBA
	X, Y  int
}

// Rect is the on-screen rectangle the cursor covers.
func (c CursorImage) Rect() image.Rectangle {
	if c.Image == nil {
		return image.Rectangle{}
	}
	return image.Rect(c.X, c.Y, c.X+c.Image.Rect.Dx(), c.Y+c.Image.Rect.Dy())
}

// CursorSource reports the current cursor bitmap and position. visible is
// false when the cursor is hidden.
type CursorSource interface {
	Cursor() (img CursorImage, visible bool, err error)
}

// Overlay alpha-blends cur onto frame, whose pixel (0,0) corresponds to
// region.Min on screen. The overlay is skipped, leaving frame untouched, when
// the cursor rectangle is not fully inside region. Reports whether it drew.
func Overlay(frame *image.RGBA, region image.Rectangle, cur CursorImage) bool {
	if frame == nil || cur.Image == nil {
		return false
	}
	rect := cur.Rect()
	if rect.Empty() || !rect.In(region) {
		return false
	}
	dstOrigin := rect.Min.Sub(region.Min).Add(frame.Rect.Min)
	dstRect := image.Rectangle{Min: dstOrigin, Max: dstOrigin.Add(rect.Size())}
	if !dstRect.In(frame.Rect) {
		return false
	}

	src := cur.Image
	w, h := rect.Dx(), rect.Dy()
	for y := 0; y < h; y++ {
		so := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y)
		do := frame.PixOffset(dstOrigin.X, dstOrigin.Y+y)
		for x := 0; x < w; x++ {
			s := src.Pix[so : so+4 : so+4]
			d := frame.Pix[do : do+4 : do+4]
			a := uint32(s[3])
			switch a {
			case 0:
			case 255:
				d[0], d[1], d[2], d[3] = s[0], s[1], s[2], 255
			default:
				inv := 255 - a
				d[0] = blend(s[0], d[0], inv)
				d[1] = blend(s[1], d[1], inv)
				d[2] = blend(s[2], d[2], inv)
				d[3] = blend(s[3], d[3], inv)
			}
			so += 4
			do += 4
		}
	}
	return true
}

// blend is premultiplied source-over for one channel.
func blend(src, dst byte, inv uint32) byte {
	v := uint32(src) + (uint32(dst)*inv+127)/255
	if v > 255 {
		v = 255
	}
	return byte(v)
}

// 0=transparent, 1=black border, 2=white fill
var arrowSprite = [20][12]byte{
	{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	{1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	{1, 2, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	{1, 2, 2, 1, 0, 0, 0, 0, 0, 0, 0, 0},
	{1, 2, 2, 2, 1, 0, 0, 0, 0, 0, 0, 0},
	{1, 2, 2, 2, 2, 1, 0, 0, 0, 0, 0, 0},
	{1, 2, 2, 2, 2, 2, 1, 0, 0, 0, 0, 0},
	{1, 2, 2, 2, 2, 2, 2, 1, 0, 0, 0, 0},
	{1, 2, 2, 2, 2, 2, 2, 2, 1, 0, 0, 0},
	{1, 2, 2, 2, 2, 2, 2, 2, 2, 1, 0, 0},
	{1, 2, 2, 2, 2, 2, 2, 2, 2, 2, 1, 0},
	{1, 2, 2, 2, 2, 2, 2, 1, 1, 1, 1, 1},
	{1, 2, 2, 2, 1, 2, 2, 1, 0, 0, 0, 0},
	{1, 2, 2, 1, 0, 1, 2, 2, 1, 0, 0, 0},
	{1, 2, 1, 0, 0, 1, 2, 2, 1, 0, 0, 0},
	{1, 1, 0, 0, 0, 0, 1, 2, 2, 1, 0, 0},
	{1, 0, 0, 0, 0, 0, 1, 2, 2, 1, 0, 0},
	{0, 0, 0, 0, 0, 0, 0, 1, 2, 2, 1, 0},
	{0, 0, 0, 0, 0, 0, 0, 1, 2, 2, 1, 0},
	{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 0, 0},
}

// ArrowCursor renders the built-in 12x20 arrow with its tip at (x, y).
func ArrowCursor(x, y int) CursorImage {
	img := image.NewRGBA(image.Rect(0, 0, 12, 20))
	for dy, row := range arrowSprite {
		for dx, v := range row {
			off := img.PixOffset(dx, dy)
			switch v {
			case 1:
				img.Pix[off+3] = 255
			case 2:
				img.Pix[off], img.Pix[off+1], img.Pix[off+2], img.Pix[off+3] = 255, 255, 255, 255
			}
		}
	}
	return CursorImage{Image: img, X: x, Y: y}
}

// StaticCursor always reports the same cursor.
type StaticCursor CursorImage

func (s StaticCursor) Cursor() (CursorImage, bool, error) {
	return CursorImage(s), s.Image != nil, nil
}
