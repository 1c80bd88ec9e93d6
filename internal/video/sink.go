// Package video writes captured frames to the intermediate video artifact by
// piping raw RGBA into an ffmpeg encoder process.
package video

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/AIWaveSystems/screenRecording/internal/ffmpeg"
	"github.com/AIWaveSystems/screenRecording/internal/logging"
)

var log = logging.L("video")

// Sink accepts frames of a fixed size in capture order. WriteFrame and
// Close are called from one goroutine at a time.
type Sink interface {
	WriteFrame(img *image.RGBA) error
	Close(timeout time.Duration) error
	Path() string
	Frames() uint64
}

// Options select the intermediate encoding.
type Options struct {
	FFmpegPath  string
	Codec       string
	Tag         string
	Quality     int
	PixelFormat string
}

func DefaultOptions() Options {
	return Options{FFmpegPath: "ffmpeg", Codec: "mpeg4", Tag: "xvid", Quality: 1, PixelFormat: "yuv420p"}
}

// FFmpegSink is a Sink backed by an ffmpeg process reading rawvideo.
type FFmpegSink struct {
	path          string
	width, height int
	pipe          *ffmpeg.Pipe
	frames        atomic.Uint64
}

// Args builds the encoder command line for a width x height RGBA stream.
func Args(path string, width, height, fps int, opts Options) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "pipe:0",
	}
	// 4:2:0 chroma needs even dimensions.
	if width%2 != 0 || height%2 != 0 {
		args = append(args, "-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2")
	}
	args = append(args, "-c:v", opts.Codec)
	if opts.Tag != "" {
		args = append(args, "-vtag", opts.Tag)
	}
	if opts.Quality > 0 {
		args = append(args, "-q:v", strconv.Itoa(opts.Quality))
	}
	if opts.PixelFormat != "" {
		args = append(args, "-pix_fmt", opts.PixelFormat)
	}
	return append(args, path)
}

// OpenFFmpeg starts an encoder writing path at the given geometry and rate.
func OpenFFmpeg(path string, width, height, fps int, opts Options) (*FFmpegSink, error) {
	if width <= 0 || height <= 0 || fps <= 0 {
		return nil, fmt.Errorf("video sink: invalid geometry %dx%d@%d", width, height, fps)
	}
	bin, err := ffmpeg.Locate(opts.FFmpegPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("video sink: %w", err)
	}

	pipe, err := ffmpeg.StartPipe(bin, Args(path, width, height, fps, opts))
	if err != nil {
		return nil, fmt.Errorf("video sink: %w", err)
	}
	log.Info("video sink open", logging.KeyPath, path, "width", width, "height", height, "fps", fps)
	return &FFmpegSink{path: path, width: width, height: height, pipe: pipe}, nil
}

func (s *FFmpegSink) Path() string   { return s.path }
func (s *FFmpegSink) Frames() uint64 { return s.frames.Load() }

// WriteFrame sends one frame. The image must match the sink geometry.
func (s *FFmpegSink) WriteFrame(img *image.RGBA) error {
	if img == nil {
		return fmt.Errorf("video sink: nil frame")
	}
	if img.Rect.Dx() != s.width || img.Rect.Dy() != s.height {
		return fmt.Errorf("video sink: frame %dx%d does not match %dx%d",
			img.Rect.Dx(), img.Rect.Dy(), s.width, s.height)
	}

	rowBytes := s.width * 4
	if img.Stride == rowBytes && img.Rect.Min == (image.Point{}) {
		if err := s.pipe.Write(img.Pix[:rowBytes*s.height]); err != nil {
			return err
		}
	} else {
		for y := 0; y < s.height; y++ {
			off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
			if err := s.pipe.Write(img.Pix[off : off+rowBytes]); err != nil {
				return err
			}
		}
	}
	s.frames.Add(1)
	return nil
}

// Close ends the stream and waits up to timeout for the file to be
// finalized.
func (s *FFmpegSink) Close(timeout time.Duration) error {
	err := s.pipe.Close(timeout)
	log.Info("video sink closed", logging.KeyPath, s.path, "frames", s.frames.Load())
	return err
}
