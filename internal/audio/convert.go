package audio

import (
	"encoding/binary"
	"math"
	"strings"
)

// converter turns raw callback bytes into interleaved 16-bit samples in the
// session format, applying gain with clipping. It reuses its output buffer
// and must only be used from the callback thread.
type converter struct {
	in    SampleFormat
	inCh  int
	outCh int
	gain  float64
	out   []int
	frame []float64
}

func newConverter(in SampleFormat, inCh, outCh int, gain float64) *converter {
	if inCh < 1 {
		inCh = 1
	}
	if outCh < 1 {
		outCh = 1
	}
	return &converter{in: in, inCh: inCh, outCh: outCh, gain: gain, frame: make([]float64, inCh)}
}

// convert returns a slice valid until the next call.
func (c *converter) convert(data []byte, frames uint32) []int {
	width := c.in.bytes()
	n := int(frames)
	if avail := len(data) / (width * c.inCh); n > avail {
		n = avail
	}
	need := n * c.outCh
	if cap(c.out) < need {
		c.out = make([]int, need)
	}
	out := c.out[:need]

	for f := 0; f < n; f++ {
		base := f * c.inCh * width
		for ch := 0; ch < c.inCh; ch++ {
			c.frame[ch] = decodeSample(data[base+ch*width:], c.in)
		}
		for ch := 0; ch < c.outCh; ch++ {
			out[f*c.outCh+ch] = quantize16(mapChannel(c.frame, ch, c.outCh) * c.gain)
		}
	}
	return out
}

// mapChannel picks or mixes input channels for output channel ch: mono is
// duplicated, stereo to mono is averaged, extra inputs are dropped.
func mapChannel(frame []float64, ch, outCh int) float64 {
	inCh := len(frame)
	switch {
	case inCh == 1:
		return frame[0]
	case outCh == 1:
		var sum float64
		for _, v := range frame {
			sum += v
		}
		return sum / float64(inCh)
	case ch < inCh:
		return frame[ch]
	default:
		return frame[inCh-1]
	}
}

func decodeSample(b []byte, f SampleFormat) float64 {
	switch f {
	case SampleF32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case SampleS32:
		return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648.0
	case SampleU8:
		return (float64(b[0]) - 128) / 128.0
	default:
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768.0
	}
}

// quantize16 clamps to [-1, 1] and scales to the int16 range.
func quantize16(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int(math.Round(v * 32767))
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
