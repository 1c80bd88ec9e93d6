// Package mux merges a session's independent video and audio artifacts into
// the final recording with ffmpeg.
package mux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AIWaveSystems/screenRecording/internal/ffmpeg"
	"github.com/AIWaveSystems/screenRecording/internal/logging"
)

var log = logging.L("mux")

var ErrMissingVideo = errors.New("video artifact missing")

// Job is one combine request. It is immutable once created.
type Job struct {
	VideoPath  string   `yaml:"video"`
	AudioPaths []string `yaml:"audio,omitempty"`
	OutputPath string   `yaml:"output"`
}

// Options are the encoder settings passed to ffmpeg.
type Options struct {
	VideoCodec   string
	VideoQuality int
	AudioCodec   string
	AudioBitrate string
	// MinAudioBytes filters out audio files at or below this size (an
	// empty WAV is a 44-byte header).
	MinAudioBytes int64
	Timeout       time.Duration
}

func DefaultOptions() Options {
	return Options{
		VideoCodec:    "mpeg4",
		VideoQuality:  1,
		AudioCodec:    "aac",
		AudioBitrate:  "192k",
		MinAudioBytes: 44,
		Timeout:       10 * time.Minute,
	}
}

// Result describes the deliverable. Degraded means the transcode failed and
// the raw video was kept under the final name; Err carries the cause.
type Result struct {
	Path     string
	Audio    []string
	Remuxed  bool
	Degraded bool
	Err      error
	Duration time.Duration
}

// MuxError is a failed ffmpeg invocation.
type MuxError struct {
	Args   []string
	Output string
	Err    error
}

func (e *MuxError) Error() string {
	msg := fmt.Sprintf("ffmpeg combine failed: %v", e.Err)
	if line := ffmpeg.LastLine([]byte(e.Output)); line != "" {
		msg += ": " + line
	}
	return msg
}

func (e *MuxError) Unwrap() error { return e.Err }

// Muxer runs combine jobs.
type Muxer struct {
	runner ffmpeg.Runner
	opts   Options
}

func New(runner ffmpeg.Runner, opts Options) *Muxer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Muxer{runner: runner, opts: opts}
}

// Combine produces job.OutputPath. It returns an error only when no
// deliverable exists (missing video, failed rename); a failed transcode is
// reported through Result.Degraded. Intermediates are deleted only after the
// output has been verified.
func (m *Muxer) Combine(ctx context.Context, job Job) (Result, error) {
	start := time.Now()
	res := Result{Path: job.OutputPath}

	if info, err := os.Stat(job.VideoPath); err != nil || info.IsDir() {
		return res, fmt.Errorf("%w: %s", ErrMissingVideo, job.VideoPath)
	}

	valid, empty := m.filterAudio(job.AudioPaths)
	for _, p := range empty {
		removeQuiet(p)
	}

	if len(valid) == 0 {
		if err := renameWithRetry(job.VideoPath, job.OutputPath); err != nil {
			return res, fmt.Errorf("rename video to output: %w", err)
		}
		res.Duration = time.Since(start)
		log.Info("no valid audio, kept video as final", logging.KeyPath, job.OutputPath)
		return res, nil
	}

	args := BuildArgs(job.VideoPath, valid, job.OutputPath, m.opts)
	runCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	log.Info("combining", "video", job.VideoPath, "audio", len(valid), logging.KeyPath, job.OutputPath)
	out, err := m.runner.Run(runCtx, args)
	if err == nil {
		err = verifyOutput(job.OutputPath)
	}
	if err != nil {
		muxErr := &MuxError{Args: args, Output: string(out), Err: err}
		log.Error("combine failed, keeping raw video", logging.KeyError, muxErr)
		removeQuiet(job.OutputPath)
		if rerr := renameWithRetry(job.VideoPath, job.OutputPath); rerr != nil {
			return res, errors.Join(muxErr, fmt.Errorf("rename video to output: %w", rerr))
		}
		res.Degraded = true
		res.Err = muxErr
		res.Duration = time.Since(start)
		return res, nil
	}

	removeQuiet(job.VideoPath)
	for _, p := range valid {
		removeQuiet(p)
	}
	res.Remuxed = true
	res.Audio = valid
	res.Duration = time.Since(start)
	log.Info("combine finished", logging.KeyPath, job.OutputPath,
		logging.KeyDurationMs, res.Duration.Milliseconds())
	return res, nil
}

// filterAudio splits paths into usable inputs and placeholder files that
// hold no samples. Missing files appear in neither list.
func (m *Muxer) filterAudio(paths []string) (valid, empty []string) {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Size() > m.opts.MinAudioBytes {
			valid = append(valid, p)
		} else {
			empty = append(empty, p)
		}
	}
	return valid, empty
}

// BuildArgs renders the ffmpeg command line for one video and one or more
// audio inputs. Several audio inputs are mixed to one track padded to the
// longest input.
func BuildArgs(video string, audio []string, output string, opts Options) []string {
	args := []string{"-y", "-i", video}
	for _, a := range audio {
		args = append(args, "-i", a)
	}

	if len(audio) > 1 {
		args = append(args, "-filter_complex", MixFilter(len(audio)), "-map", "0:v", "-map", "[a]")
	} else {
		args = append(args, "-map", "0:v", "-map", "1:a")
	}

	return append(args,
		"-c:v", opts.VideoCodec,
		"-q:v", strconv.Itoa(opts.VideoQuality),
		"-c:a", opts.AudioCodec,
		"-b:a", opts.AudioBitrate,
		output,
	)
}

// MixFilter taps every audio input at unity gain and sums them with amix,
// e.g. for two inputs:
//
//	[1:a]volume=1[a0];[2:a]volume=1[a1];[a0][a1]amix=inputs=2:duration=longest[a]
func MixFilter(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "[%d:a]volume=1[a%d];", i+1, i)
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "[a%d]", i)
	}
	fmt.Fprintf(&b, "amix=inputs=%d:duration=longest[a]", n)
	return b.String()
}

func verifyOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output %s is empty", path)
	}
	return nil
}

// renameWithRetry tolerates a file still briefly held open by a process
// that just exited.
func renameWithRetry(from, to string) error {
	for i := 0; i < 10; i++ {
		if err := os.Rename(from, to); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return os.Rename(from, to)
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove intermediate", logging.KeyPath, path, logging.KeyError, err)
	}
}
