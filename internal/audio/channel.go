package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AIWaveSystems/screenRecording/internal/logging"
)

var log = logging.L("audio")

const defaultCloseTimeout = 2 * time.Second

// Options configures Open.
type Options struct {
	Format Format
	// SystemGain multiplies system-audio samples before clipping.
	SystemGain float64
	// LoopbackHints are name fragments of alternate loopback devices.
	LoopbackHints []string
	Logger        *slog.Logger
}

// Channel is one live capture stream writing to one WAV file.
type Channel struct {
	role     Role
	mode     Mode
	device   DeviceDescriptor
	attempts []Attempt

	stream Stream
	sink   *WAVSink
	conv   *converter
	log    *slog.Logger

	active    atomic.Bool
	inflight  atomic.Int32
	finalized atomic.Bool

	chunks      atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Open starts capturing for role into a WAV file at sinkPath.
//
// For RoleMic exactly one device, sel, is tried. For RoleSystem sel (or the
// catalog's default output when sel is nil) is tried with each strategy of
// the fallback chain, stopping at the first that opens and starts. On
// failure no file is left at sinkPath.
func Open(role Role, sel *DeviceDescriptor, catalog Catalog, backend Backend, sinkPath string, opts Options) (*Channel, error) {
	if backend == nil {
		return nil, ErrBackendUnavailable
	}
	if opts.Format.SampleRate == 0 {
		opts.Format = DefaultFormat
	}
	logger := opts.Logger
	if logger == nil {
		logger = log
	}
	logger = logger.With("role", role.String())

	switch role {
	case RoleMic:
		if sel == nil {
			return nil, ErrNoDevice
		}
		c, err := tryOpen(role, ModeDirectDevice, *sel, false, backend, sinkPath, opts, 1, logger)
		if err != nil {
			logger.Warn("microphone unavailable", "device", sel.Name, "error", err)
			return nil, err
		}
		c.attempts = []Attempt{{Mode: ModeDirectDevice, Device: *sel}}
		return c, nil

	case RoleSystem:
		var mics, speakers []DeviceDescriptor
		if catalog != nil {
			var err error
			if mics, speakers, err = catalog.ListDevices(); err != nil {
				logger.Warn("device enumeration failed", "error", err)
			}
		}
		target := DeviceDescriptor{}
		if sel != nil {
			target = *sel
		} else if d, ok := DefaultSpeaker(speakers); ok {
			target = d
		}
		return openSystem(target, mics, backend, sinkPath, opts, logger)

	default:
		return nil, fmt.Errorf("audio: unknown role %v", role)
	}
}

func openSystem(target DeviceDescriptor, mics []DeviceDescriptor, backend Backend, sinkPath string, opts Options, logger *slog.Logger) (*Channel, error) {
	hints := opts.LoopbackHints
	var attempts []Attempt

	for _, st := range systemStrategies {
		dev, ok := st.resolve(target, mics, hints)
		if !ok {
			attempts = append(attempts, Attempt{Mode: st.mode, Err: ErrDeviceNotFound})
			continue
		}
		c, err := tryOpen(RoleSystem, st.mode, dev, st.loopback, backend, sinkPath, opts, opts.SystemGain, logger)
		attempts = append(attempts, Attempt{Mode: st.mode, Device: dev, Err: err})
		if err != nil {
			logger.Info("system audio strategy failed", "mode", st.mode.String(), "device", dev.Name, "error", err)
			continue
		}
		c.attempts = attempts
		if st.mode != ModeNativeLoopback {
			logger.Warn("system audio using fallback", "mode", st.mode.String(), "device", dev.Name)
		}
		return c, nil
	}

	errs := make([]error, 0, len(attempts)+1)
	errs = append(errs, ErrAllStrategiesFailed)
	for _, a := range attempts {
		errs = append(errs, fmt.Errorf("%s: %w", a.Mode, a.Err))
	}
	logger.Warn("system audio unavailable, recording without it", "attempts", len(attempts))
	return nil, errors.Join(errs...)
}

// tryOpen opens the stream, then the sink, then starts the stream. Every
// partially acquired resource is released on failure.
func tryOpen(role Role, mode Mode, dev DeviceDescriptor, loopback bool, backend Backend, sinkPath string, opts Options, gain float64, logger *slog.Logger) (*Channel, error) {
	c := &Channel{
		role:   role,
		mode:   mode,
		device: dev,
		log:    logger.With("mode", mode.String(), "device", dev.Name),
	}

	stream, err := backend.OpenStream(StreamConfig{
		Device:       dev,
		Loopback:     loopback,
		SampleRate:   opts.Format.SampleRate,
		Channels:     opts.Format.Channels,
		PeriodFrames: opts.Format.PeriodFrames,
	}, c.onData)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	c.stream = stream

	inFmt, inCh := stream.Format()
	c.conv = newConverter(inFmt, inCh, opts.Format.Channels, gain)

	sink, err := CreateWAVSink(sinkPath, opts.Format)
	if err != nil {
		stream.Close()
		return nil, err
	}
	c.sink = sink

	c.active.Store(true)
	if err := stream.Start(); err != nil {
		c.active.Store(false)
		stream.Close()
		sink.Discard()
		return nil, fmt.Errorf("start stream: %w", err)
	}

	c.log.Info("audio channel open", "path", sinkPath)
	return c, nil
}

// onData runs on the backend's callback thread.
func (c *Channel) onData(data []byte, frames uint32) {
	if !c.active.Load() {
		c.dropped.Add(1)
		return
	}
	c.inflight.Add(1)
	defer c.inflight.Add(-1)
	// Close may have flipped the flag between the check and the increment.
	if !c.active.Load() {
		c.dropped.Add(1)
		return
	}

	if err := c.sink.Write(c.conv.convert(data, frames)); err != nil {
		c.writeErrors.Add(1)
		return
	}
	c.chunks.Add(1)
}

func (c *Channel) Role() Role               { return c.role }
func (c *Channel) Mode() Mode               { return c.mode }
func (c *Channel) Device() DeviceDescriptor { return c.device }
func (c *Channel) Attempts() []Attempt      { return append([]Attempt(nil), c.attempts...) }
func (c *Channel) Path() string             { return c.sink.Path() }
func (c *Channel) Active() bool             { return c.active.Load() }

// Finalized reports whether Close has closed the WAV file. A channel
// abandoned with a callback still writing is not finalized and its file
// must not be read.
func (c *Channel) Finalized() bool { return c != nil && c.finalized.Load() }

// ChannelStats are callback counters for logging.
type ChannelStats struct {
	Chunks      uint64
	Dropped     uint64
	WriteErrors uint64
}

func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Chunks:      c.chunks.Load(),
		Dropped:     c.dropped.Load(),
		WriteErrors: c.writeErrors.Load(),
	}
}

// Close stops capture and finalizes the WAV file: clear the active flag,
// stop the stream, wait for an in-flight callback, then flush and close the
// sink. Each wait is bounded by timeout; a stream that does not stop in time
// is abandoned and reported as *TeardownError. Close is idempotent and safe
// on a nil Channel.
func (c *Channel) Close(timeout time.Duration) error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closeErr = c.close(timeout)
	})
	return c.closeErr
}

func (c *Channel) close(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultCloseTimeout
	}
	c.active.Store(false)

	var errs []error
	if c.stream != nil {
		stream := c.stream
		err := runBounded(timeout, func() error {
			return errors.Join(stream.Stop(), stream.Close())
		})
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, errBoundExceeded) {
				c.log.Error("audio stream did not stop in time, abandoning it", "timeout", timeout)
				errs[len(errs)-1] = &TeardownError{Resource: c.role.String() + " stream", Timeout: timeout}
			}
		}
	}

	deadline := time.Now().Add(timeout)
	for c.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			c.log.Error("audio callback still writing, leaving sink open")
			errs = append(errs, &TeardownError{Resource: c.role.String() + " sink", Timeout: timeout})
			return errors.Join(errs...)
		}
		time.Sleep(time.Millisecond)
	}

	var samples int64
	if c.sink != nil {
		if err := c.sink.Close(); err != nil {
			errs = append(errs, err)
		}
		samples = c.sink.Samples()
		c.finalized.Store(true)
	}

	st := c.Stats()
	c.log.Info("audio channel closed", "chunks", st.Chunks, "dropped", st.Dropped,
		"writeErrors", st.WriteErrors, "samples", samples)
	return errors.Join(errs...)
}

var errBoundExceeded = errors.New("bounded wait exceeded")

// runBounded runs fn on its own goroutine and gives up waiting after d.
func runBounded(d time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errBoundExceeded
	}
}
