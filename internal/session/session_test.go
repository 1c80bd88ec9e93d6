package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AIWaveSystems/screenRecording/internal/audio"
	"github.com/AIWaveSystems/screenRecording/internal/capture"
	"github.com/AIWaveSystems/screenRecording/internal/health"
	"github.com/AIWaveSystems/screenRecording/internal/logging"
	"github.com/AIWaveSystems/screenRecording/internal/mux"
	"github.com/AIWaveSystems/screenRecording/internal/video"
	"github.com/AIWaveSystems/screenRecording/internal/workerpool"
)

type fakeSink struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	frames   uint64
	writeErr error
	onClose  func(path string)
}

func (s *fakeSink) WriteFrame(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.frames++
	_, err := s.f.Write([]byte{img.Pix[0]})
	return err
}

func (s *fakeSink) Close(time.Duration) error {
	err := s.f.Close()
	if s.onClose != nil {
		s.onClose(s.path)
	}
	return err
}

func (s *fakeSink) Path() string { return s.path }

func (s *fakeSink) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

type sinkFactory struct {
	mu      sync.Mutex
	sinks   []*fakeSink
	openErr error
	onClose func(string)
}

func (f *sinkFactory) open(path string, width, height, fps int) (video.Sink, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s := &fakeSink{path: path, f: file, onClose: f.onClose}
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
	return s, nil
}

type fakeStream struct {
	onData func([]byte, uint32)
}

func (s *fakeStream) Format() (audio.SampleFormat, int) { return audio.SampleS16, 2 }
func (s *fakeStream) Start() error                      { return nil }
func (s *fakeStream) Stop() error                       { return nil }
func (s *fakeStream) Close() error                      { return nil }

type fakeBackend struct {
	mu      sync.Mutex
	fail    map[string]bool
	streams []*fakeStream
}

func (b *fakeBackend) OpenStream(cfg audio.StreamConfig, onData func([]byte, uint32)) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[cfg.Device.ID] {
		return nil, errors.New("device busy")
	}
	s := &fakeStream{onData: onData}
	b.streams = append(b.streams, s)
	return s, nil
}

// feed pushes one period of non-silent samples to every open stream.
func (b *fakeBackend) feed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	const frames = 1024
	data := make([]byte, frames*2*2)
	for i := 0; i < len(data); i += 2 {
		data[i] = 0x10
	}
	for _, s := range b.streams {
		s.onData(data, frames)
	}
}

type fakeCatalog struct {
	mics, speakers []audio.DeviceDescriptor
}

func (c fakeCatalog) ListDevices() ([]audio.DeviceDescriptor, []audio.DeviceDescriptor, error) {
	return c.mics, c.speakers, nil
}

// copyRunner stands in for ffmpeg by copying the video input to the output.
type copyRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *copyRunner) Run(ctx context.Context, args []string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	data, err := os.ReadFile(args[2])
	if err != nil {
		return nil, err
	}
	return nil, os.WriteFile(args[len(args)-1], data, 0644)
}

var (
	testMonitor = capture.MonitorDescriptor{ID: 0, Name: "test pattern", Width: 64, Height: 48, IsPrimary: true}
	testMic     = audio.DeviceDescriptor{ID: "capture:0", Name: "Built-in Microphone", MaxInputChannels: 2, IsDefault: true}
	testSpeaker = audio.DeviceDescriptor{ID: "playback:0", Name: "Speakers", MaxOutputChannels: 2, IsDefault: true}
)

type harness struct {
	settings Settings
	deps     Deps
	sinks    *sinkFactory
	backend  *fakeBackend
	runner   *copyRunner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sinks:   &sinkFactory{},
		backend: &fakeBackend{fail: map[string]bool{}},
		runner:  &copyRunner{},
	}
	h.settings = Settings{
		OutputDir:       t.TempDir(),
		Container:       "avi",
		FPS:             20,
		Audio:           audio.DefaultFormat,
		SystemGain:      1,
		TeardownTimeout: time.Second,
		WriteManifest:   true,
		SubscriberDepth: 4,
		StatsInterval:   -1,
	}
	h.deps = Deps{
		Source:    capture.NewPatternSource(64, 48),
		Catalog:   fakeCatalog{mics: []audio.DeviceDescriptor{testMic}, speakers: []audio.DeviceDescriptor{testSpeaker}},
		Backend:   h.backend,
		OpenVideo: h.sinks.open,
		Muxer:     mux.New(h.runner, mux.DefaultOptions()),
		Health:    health.NewBoard(),
	}
	t.Cleanup(func() {
		if s := Active(); s != nil {
			s.Stop(context.Background())
		}
	})
	return h
}

func (h *harness) session() *Session { return New(h.settings, h.deps) }

func waitFrames(t *testing.T, s *Session, n uint64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for s.FramesWritten() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames written, want %d", s.FramesWritten(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecordWithoutAudioKeepsVideoAsFinal(t *testing.T) {
	h := newHarness(t)
	s := h.session()

	if err := s.Start(testMonitor, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateRecording {
		t.Fatalf("state = %s, want recording", s.State())
	}
	if Active() != s {
		t.Fatal("session should hold the process recording slot")
	}
	waitFrames(t, s, 3)

	ticket, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state after stop = %s, want idle", s.State())
	}
	if Active() != nil {
		t.Fatal("slot should be released after stop")
	}
	if len(ticket.Job.AudioPaths) != 0 {
		t.Fatalf("job audio = %v, want none", ticket.Job.AudioPaths)
	}

	res, err := ticket.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	layout := s.Layout()
	if res.Path != layout.Final || res.Remuxed {
		t.Fatalf("result = %+v, want plain rename to %s", res, layout.Final)
	}
	if _, err := os.Stat(layout.Final); err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	for _, p := range []string{layout.Video, layout.Mic, layout.Speakers} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should not exist, stat err = %v", filepath.Base(p), err)
		}
	}
	if len(h.runner.calls) != 0 {
		t.Fatalf("ffmpeg should not run without audio, got %d calls", len(h.runner.calls))
	}

	m, err := ReadManifest(layout.Manifest)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.ID != s.ID() || m.Output.Path != layout.Final || m.Video.FramesWritten == 0 {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestStopTwiceIsNoOp(t *testing.T) {
	h := newHarness(t)
	s := h.session()

	if tk, err := s.Stop(context.Background()); tk != nil || err != nil {
		t.Fatalf("Stop on idle = (%v, %v), want (nil, nil)", tk, err)
	}
	if err := s.Start(testMonitor, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	tk, err := s.Stop(context.Background())
	if tk != nil || err != nil {
		t.Fatalf("second Stop = (%v, %v), want (nil, nil)", tk, err)
	}
	if err := s.Start(testMonitor, nil, nil); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("restart err = %v, want ErrNotIdle", err)
	}
}

func TestMicFailureRecordsVideoOnly(t *testing.T) {
	h := newHarness(t)
	h.backend.fail[testMic.ID] = true
	s := h.session()

	mic := testMic
	if err := s.Start(testMonitor, &mic, nil); err != nil {
		t.Fatalf("Start should tolerate a failed microphone: %v", err)
	}
	if s.State() != StateRecording {
		t.Fatalf("state = %s, want recording", s.State())
	}
	if s.Mic() != nil {
		t.Fatal("mic channel should be absent")
	}
	warnings := s.Warnings()
	var setupErr *SetupError
	if len(warnings) != 1 || !errors.As(warnings[0], &setupErr) || setupErr.Resource != "microphone" {
		t.Fatalf("warnings = %v, want one microphone SetupError", warnings)
	}
	if _, err := os.Stat(s.Layout().Mic); !os.IsNotExist(err) {
		t.Fatalf("mic file should not exist, stat err = %v", err)
	}
	board := h.deps.Health
	for component, want := range map[string]health.Status{
		health.Mic:     health.Failed,
		health.System:  health.Off,
		health.Video:   health.Healthy,
		health.Capture: health.Healthy,
	} {
		if c, _ := board.Get(component); c.Status != want {
			t.Fatalf("%s health = %q, want %q", component, c.Status, want)
		}
	}

	waitFrames(t, s, 1)
	ticket, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(ticket.Job.AudioPaths) != 0 {
		t.Fatalf("job audio = %v, want none", ticket.Job.AudioPaths)
	}
}

func TestRecordWithBothAudioTracks(t *testing.T) {
	h := newHarness(t)
	s := h.session()

	mic, spk := testMic, testSpeaker
	if err := s.Start(testMonitor, &mic, &spk); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Mic() == nil || s.Speakers() == nil {
		t.Fatal("both audio channels should be open")
	}
	if got := s.Speakers().Mode(); got != audio.ModeNativeLoopback {
		t.Fatalf("system mode = %s, want native_loopback", got)
	}
	h.backend.feed()
	h.backend.feed()
	waitFrames(t, s, 2)

	ticket, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	layout := s.Layout()
	want := []string{layout.Mic, layout.Speakers}
	if len(ticket.Job.AudioPaths) != 2 || ticket.Job.AudioPaths[0] != want[0] || ticket.Job.AudioPaths[1] != want[1] {
		t.Fatalf("job audio = %v, want %v", ticket.Job.AudioPaths, want)
	}

	res, err := ticket.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Remuxed || res.Degraded {
		t.Fatalf("result = %+v, want remuxed", res)
	}
	if c, _ := h.deps.Health.Get(health.Mux); c.Status != health.Healthy {
		t.Fatalf("mux health = %+v", c)
	}
	if len(h.runner.calls) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(h.runner.calls))
	}
	if args := strings.Join(h.runner.calls[0], " "); !strings.Contains(args, "amix=inputs=2") {
		t.Fatalf("two tracks should be mixed: %s", args)
	}
	for _, p := range []string{layout.Video, layout.Mic, layout.Speakers} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed after combine", filepath.Base(p))
		}
	}
}

func TestVideoOpenFailureFailsSession(t *testing.T) {
	h := newHarness(t)
	h.sinks.openErr = errors.New("encoder missing")
	s := h.session()

	mic := testMic
	err := s.Start(testMonitor, &mic, nil)
	var setupErr *SetupError
	if !errors.As(err, &setupErr) || setupErr.Resource != "video" {
		t.Fatalf("Start err = %v, want video SetupError", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	if Active() != nil {
		t.Fatal("failed start must release the recording slot")
	}
	if tk, err := s.Stop(context.Background()); tk != nil || err != nil {
		t.Fatalf("Stop on failed session = (%v, %v)", tk, err)
	}
}

func TestSecondSessionIsBusy(t *testing.T) {
	h := newHarness(t)
	first := h.session()
	if err := first.Start(testMonitor, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	second := h.session()
	if err := second.Start(testMonitor, nil, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start err = %v, want ErrBusy", err)
	}
	if second.State() != StateIdle {
		t.Fatalf("rejected session state = %s, want idle", second.State())
	}

	if _, err := first.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := second.Start(testMonitor, nil, nil); err != nil {
		t.Fatalf("Start after release: %v", err)
	}
	if _, err := second.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestMissingVideoAfterCloseFails(t *testing.T) {
	h := newHarness(t)
	h.sinks.onClose = func(path string) { os.Remove(path) }
	s := h.session()

	if err := s.Start(testMonitor, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tk, err := s.Stop(context.Background())
	if !errors.Is(err, mux.ErrMissingVideo) || tk != nil {
		t.Fatalf("Stop = (%v, %v), want ErrMissingVideo", tk, err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
}

type rejectingPool struct{}

func (rejectingPool) Submit(workerpool.Task) error { return errors.New("queue full") }

func TestRejectedCombineRunsInline(t *testing.T) {
	h := newHarness(t)
	h.deps.Pool = rejectingPool{}
	s := h.session()

	if err := s.Start(testMonitor, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tk, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-tk.Done():
	default:
		t.Fatal("inline combine should be complete when Stop returns")
	}
}

func TestWriteFrameFillsGaps(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	sink, err := h.sinks.open(filepath.Join(h.settings.OutputDir, "fill.avi"), 4, 4, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close(time.Second)

	t0 := time.Now()
	s.sink = sink
	s.startedAt = t0
	s.period = 100 * time.Millisecond
	s.settings.FPS = 10
	s.setState(StateRecording)

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	s.writeFrame(capture.Frame{Image: img, CapturedAt: t0.Add(10 * time.Millisecond)})
	if got := s.FramesWritten(); got != 1 {
		t.Fatalf("after first frame written = %d, want 1", got)
	}

	// 350ms in, four frames are due; two are repeats.
	s.writeFrame(capture.Frame{Image: img, CapturedAt: t0.Add(350 * time.Millisecond)})
	if got := s.FramesWritten(); got != 4 {
		t.Fatalf("after gap written = %d, want 4", got)
	}
	if got := s.framesFilled.Load(); got != 2 {
		t.Fatalf("filled = %d, want 2", got)
	}

	// Still inside the fourth slot: nothing new is due.
	s.writeFrame(capture.Frame{Image: img, CapturedAt: t0.Add(360 * time.Millisecond)})
	if got := s.FramesWritten(); got != 4 {
		t.Fatalf("early frame should be skipped, written = %d", got)
	}

	// A long stall is capped at one second of repeats.
	s.writeFrame(capture.Frame{Image: img, CapturedAt: t0.Add(5 * time.Second)})
	if got := s.FramesWritten(); got != 14 {
		t.Fatalf("after stall written = %d, want 14", got)
	}
	s.setState(StateIdle)
}

func TestWriteFrameCountsErrors(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	s.sink = &fakeSink{writeErr: errors.New("broken pipe")}
	s.startedAt = time.Now()
	s.period = 50 * time.Millisecond
	s.setState(StateRecording)

	s.writeFrame(capture.Frame{Image: image.NewRGBA(image.Rect(0, 0, 2, 2)), CapturedAt: time.Now()})
	if s.writeErrors.Load() != 1 || s.FramesWritten() != 0 {
		t.Fatalf("errors = %d written = %d", s.writeErrors.Load(), s.FramesWritten())
	}
	s.setState(StateIdle)
}

// stallingSink blocks every write until released, like an encoder that has
// stopped reading its input.
type stallingSink struct {
	path    string
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (s *stallingSink) WriteFrame(*image.RGBA) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return errors.New("pipe closed")
}

func (s *stallingSink) Close(time.Duration) error {
	return os.WriteFile(s.path, []byte("partial video"), 0644)
}

func (s *stallingSink) Path() string   { return s.path }
func (s *stallingSink) Frames() uint64 { return 0 }

func TestStopIsBoundedWhenVideoWriteStalls(t *testing.T) {
	h := newHarness(t)
	h.settings.TeardownTimeout = 200 * time.Millisecond
	sink := &stallingSink{entered: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(func() { close(sink.release) })
	h.deps.OpenVideo = func(path string, width, height, fps int) (video.Sink, error) {
		sink.path = path
		return sink, nil
	}
	s := h.session()

	if err := s.Start(testMonitor, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-sink.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("no frame reached the sink")
	}

	type stopResult struct {
		tk  *Ticket
		err error
	}
	done := make(chan stopResult, 1)
	go func() {
		tk, err := s.Stop(context.Background())
		done <- stopResult{tk, err}
	}()

	var res stopResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop still blocked on the stalled writer (state %s)", s.State())
	}
	if res.err != nil || res.tk == nil {
		t.Fatalf("Stop = (%v, %v), want a ticket", res.tk, res.err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle", s.State())
	}
	if c, _ := h.deps.Health.Get(health.Video); c.Status != health.Degraded {
		t.Fatalf("video health = %s, want degraded", c.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := res.tk.Wait(ctx)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if _, err := os.Stat(out.Path); err != nil {
		t.Fatalf("final file: %v", err)
	}
}

// blockingMuxer holds the combine until released.
type blockingMuxer struct {
	entered chan struct{}
	release chan struct{}
	inner   Combiner
}

func (m *blockingMuxer) Combine(ctx context.Context, job mux.Job) (mux.Result, error) {
	close(m.entered)
	<-m.release
	return m.inner.Combine(ctx, job)
}

func TestInlineCombineDoesNotHoldSessionLock(t *testing.T) {
	h := newHarness(t)
	bm := &blockingMuxer{entered: make(chan struct{}), release: make(chan struct{}), inner: h.deps.Muxer}
	h.deps.Muxer = bm
	s := h.session()

	if err := s.Start(testMonitor, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFrames(t, s, 1)

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()
	select {
	case <-bm.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("combine never started")
	}

	snapped := make(chan Snapshot, 1)
	go func() { snapped <- s.Snapshot() }()
	select {
	case snap := <-snapped:
		if snap.State != StateIdle {
			t.Fatalf("snapshot state = %s, want idle", snap.State)
		}
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked while the combine ran inline")
	}

	close(bm.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the combine finished")
	}
}

func TestSubscribeFailureNeverEntersRecording(t *testing.T) {
	h := newHarness(t)
	sched, err := capture.Start(capture.NewPatternSource(64, 48), testMonitor, 20, capture.Options{StatsInterval: -1})
	if err != nil {
		t.Fatalf("capture.Start: %v", err)
	}
	sched.Stop()
	h.deps.Scheduler = sched

	var buf bytes.Buffer
	logging.Init("text", "debug", &buf)
	t.Cleanup(func() { logging.Init("text", "info", nil) })

	s := h.session()
	err = s.Start(testMonitor, nil, nil)
	var se *SetupError
	if !errors.As(err, &se) || se.Resource != "capture" {
		t.Fatalf("Start = %v, want capture SetupError", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	if strings.Contains(buf.String(), "to=recording") {
		t.Fatalf("session passed through recording:\n%s", buf.String())
	}
	if Active() != nil {
		t.Fatal("failed start must release the process slot")
	}
}

type fakeTrack struct {
	role      audio.Role
	path      string
	finalized bool
}

func (f fakeTrack) Role() audio.Role { return f.role }
func (f fakeTrack) Path() string     { return f.path }
func (f fakeTrack) Finalized() bool  { return f.finalized }

func TestMuxInputsSkipsTracksStillBeingWritten(t *testing.T) {
	got := muxInputs(log, []audioTrack{
		fakeTrack{role: audio.RoleMic, path: "a_mic.wav", finalized: true},
		fakeTrack{role: audio.RoleSystem, path: "a_speakers.wav", finalized: false},
	})
	if len(got) != 1 || got[0] != "a_mic.wav" {
		t.Fatalf("mux inputs = %v, want only the finalized mic track", got)
	}
	if got := muxInputs(log, nil); len(got) != 0 {
		t.Fatalf("no tracks gave %v", got)
	}
}
