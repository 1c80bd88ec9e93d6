package audio

import (
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSink is an append-only 16-bit PCM WAV file. Write is called only from
// one goroutine at a time; Close finalizes the RIFF header sizes.
type WAVSink struct {
	path    string
	f       *os.File
	enc     *wav.Encoder
	buf     *goaudio.IntBuffer
	samples int64
	closed  bool
}

// CreateWAVSink creates (or truncates) path for the given format.
func CreateWAVSink(path string, format Format) (*WAVSink, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("wav sink %s: invalid format %+v", path, format)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("wav sink: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wav sink: %w", err)
	}

	s := &WAVSink{
		path: path,
		f:    f,
		enc:  wav.NewEncoder(f, format.SampleRate, 16, format.Channels, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: 16,
		},
	}
	// Write the header now so a capture that never receives data still
	// finalizes to a valid 44-byte file.
	s.buf.Data = []int{}
	if err := s.enc.Write(s.buf); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("wav sink header: %w", err)
	}
	return s, nil
}

func (s *WAVSink) Path() string { return s.path }

// Samples is the number of interleaved samples written so far.
func (s *WAVSink) Samples() int64 { return s.samples }

func (s *WAVSink) Write(samples []int) error {
	if s.closed {
		return os.ErrClosed
	}
	if len(samples) == 0 {
		return nil
	}
	s.buf.Data = samples
	if err := s.enc.Write(s.buf); err != nil {
		return err
	}
	s.samples += int64(len(samples))
	return nil
}

// Close writes the final header and closes the file. Safe to call twice.
func (s *WAVSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	encErr := s.enc.Close()
	syncErr := s.f.Sync()
	closeErr := s.f.Close()
	switch {
	case encErr != nil:
		return fmt.Errorf("finalize wav %s: %w", s.path, encErr)
	case syncErr != nil:
		return fmt.Errorf("sync wav %s: %w", s.path, syncErr)
	case closeErr != nil:
		return fmt.Errorf("close wav %s: %w", s.path, closeErr)
	}
	return nil
}

// Discard closes and removes the file.
func (s *WAVSink) Discard() error {
	s.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
