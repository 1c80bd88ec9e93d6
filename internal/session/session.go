// Package session owns one recording: it acquires the video sink and audio
// channels, feeds captured frames to the sink while recording and, on stop,
// releases everything and hands the artifacts to the mux stage.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AIWaveSystems/screenRecording/internal/audio"
	"github.com/AIWaveSystems/screenRecording/internal/capture"
	"github.com/AIWaveSystems/screenRecording/internal/config"
	"github.com/AIWaveSystems/screenRecording/internal/health"
	"github.com/AIWaveSystems/screenRecording/internal/logging"
	"github.com/AIWaveSystems/screenRecording/internal/mux"
	"github.com/AIWaveSystems/screenRecording/internal/video"
	"github.com/AIWaveSystems/screenRecording/internal/workerpool"
)

var log = logging.L("session")

const (
	defaultTeardownTimeout = 3 * time.Second
	minVideoCloseTimeout   = 10 * time.Second
	statsLogInterval       = 10 * time.Second
)

// active holds the session currently between Starting and Stopping. Only
// one recording may own the screen and audio devices per process.
var active atomic.Pointer[Session]

// Active returns the recording session of this process, if any.
func Active() *Session { return active.Load() }

// VideoOpener creates the video sink for a recording.
type VideoOpener func(path string, width, height, fps int) (video.Sink, error)

// Submitter queues background work. *workerpool.Pool satisfies it.
type Submitter interface {
	Submit(task workerpool.Task) error
}

// Combiner turns a job into the final file. *mux.Muxer satisfies it.
type Combiner interface {
	Combine(ctx context.Context, job mux.Job) (mux.Result, error)
}

// Archiver copies a finished recording elsewhere and returns its location.
type Archiver interface {
	Upload(ctx context.Context, path string) (string, error)
}

// Deps are the collaborators a Session drives.
type Deps struct {
	// Scheduler is a running capture scheduler that is reused when it
	// already covers the requested monitor. Otherwise Source is used to
	// start a scheduler owned by the session.
	Scheduler *capture.Scheduler
	Source    capture.FrameSource
	Cursor    capture.CursorSource

	Catalog audio.Catalog
	Backend audio.Backend

	OpenVideo VideoOpener
	Muxer     Combiner
	// Pool runs combine jobs. When nil or full the job runs inline in Stop.
	Pool     Submitter
	Archiver Archiver
	// Health receives per-component status. Optional.
	Health *health.Board
}

// Settings are the per-recording knobs.
type Settings struct {
	OutputDir          string
	Container          string
	FPS                int
	Audio              audio.Format
	SystemGain         float64
	LoopbackHints      []string
	TeardownTimeout    time.Duration
	MinFreeMB          uint64
	WriteManifest      bool
	SubscriberDepth    int
	DeleteAfterArchive bool
	StatsInterval      time.Duration
}

// SettingsFrom maps loaded configuration onto Settings.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		OutputDir: cfg.OutputDir,
		Container: cfg.Container,
		FPS:       cfg.Video.FPS,
		Audio: audio.Format{
			SampleRate:   cfg.Audio.SampleRate,
			Channels:     cfg.Audio.Channels,
			BitDepth:     cfg.Audio.BitDepth,
			PeriodFrames: cfg.Audio.PeriodFrames,
		},
		SystemGain:         cfg.Audio.SystemGain,
		LoopbackHints:      cfg.Audio.LoopbackHint,
		TeardownTimeout:    cfg.Session.TeardownTimeout,
		MinFreeMB:          cfg.Session.MinFreeMB,
		WriteManifest:      cfg.Session.WriteManifest,
		SubscriberDepth:    cfg.Session.SubscriberDepth,
		DeleteAfterArchive: cfg.Archive.DeleteAfter,
	}
}

// Session is a single recording. It moves Idle → Starting → Recording →
// Stopping → Idle once; Failed is terminal. Start and Stop are serialized
// by mu; State may be read from any goroutine.
type Session struct {
	id       string
	settings Settings
	deps     Deps
	log      *slog.Logger

	mu      sync.Mutex
	state   atomic.Int32
	started bool

	monitor   capture.MonitorDescriptor
	layout    Layout
	startedAt time.Time
	stoppedAt time.Time
	warnings  []error

	sched      *capture.Scheduler
	ownSched   bool
	sub        *capture.Subscription
	sink       video.Sink
	mic        *audio.Channel
	speakers   *audio.Channel
	period     time.Duration
	statsDone  chan struct{}
	statsWG    sync.WaitGroup
	errLimiter *rate.Limiter

	// Written only by the subscription goroutine.
	written uint64

	framesWritten atomic.Uint64
	framesFilled  atomic.Uint64
	writeErrors   atomic.Uint64
}

// New creates an Idle session.
func New(settings Settings, deps Deps) *Session {
	if settings.TeardownTimeout <= 0 {
		settings.TeardownTimeout = defaultTeardownTimeout
	}
	if settings.FPS <= 0 {
		settings.FPS = 30
	}
	if settings.StatsInterval == 0 {
		settings.StatsInterval = statsLogInterval
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		settings:   settings,
		deps:       deps,
		log:        logging.WithSession(log, id),
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

func (s *Session) ID() string                         { return s.id }
func (s *Session) State() State                       { return State(s.state.Load()) }
func (s *Session) Layout() Layout                     { return s.layout }
func (s *Session) Monitor() capture.MonitorDescriptor { return s.monitor }
func (s *Session) StartedAt() time.Time               { return s.startedAt }
func (s *Session) FramesWritten() uint64              { return s.framesWritten.Load() }
func (s *Session) Mic() *audio.Channel                { return s.mic }
func (s *Session) Speakers() *audio.Channel           { return s.speakers }

// Warnings lists non-fatal setup failures, such as an audio channel that
// could not be opened.
func (s *Session) Warnings() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.warnings...)
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("state change", "from", prev.String(), "to", st.String())
	}
}

// Start opens the video sink for monitor and the requested audio channels,
// then begins writing frames. mic and speaker may be nil. Failure to open
// either audio channel is logged and recording proceeds without it; any
// other failure leaves the session Failed with nothing held.
func (s *Session) Start(monitor capture.MonitorDescriptor, mic, speaker *audio.DeviceDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateIdle || s.started {
		return fmt.Errorf("start in state %s: %w", s.State(), ErrNotIdle)
	}
	if !monitor.Valid() {
		return &SetupError{Resource: "monitor", Err: capture.ErrInvalidRegion}
	}
	if !active.CompareAndSwap(nil, s) {
		return ErrBusy
	}
	s.started = true
	s.setState(StateStarting)
	s.monitor = monitor
	hb := s.deps.Health
	hb.Reset()
	start := time.Now()

	layout, err := NewLayout(s.settings.OutputDir, start, s.settings.Container)
	if err != nil {
		return s.fail(&SetupError{Resource: "output", Err: err})
	}
	s.layout = layout
	if err := CheckDiskSpace(layout.Dir, s.settings.MinFreeMB); err != nil {
		return s.fail(&SetupError{Resource: "disk", Err: err})
	}

	if s.deps.OpenVideo == nil {
		return s.fail(&SetupError{Resource: "video", Err: errors.New("no video sink configured")})
	}
	sink, err := s.deps.OpenVideo(layout.Video, monitor.Width, monitor.Height, s.settings.FPS)
	if err != nil {
		hb.Set(health.Video, health.Failed, err.Error())
		return s.fail(&SetupError{Resource: "video", Err: err})
	}
	s.sink = sink
	hb.Set(health.Video, health.Healthy, layout.Video)

	opts := audio.Options{
		Format:        s.settings.Audio,
		SystemGain:    s.settings.SystemGain,
		LoopbackHints: s.settings.LoopbackHints,
		Logger:        s.log,
	}
	s.mic = s.openAudio(audio.RoleMic, mic, layout.Mic, opts)
	s.speakers = s.openAudio(audio.RoleSystem, speaker, layout.Speakers, opts)

	if err := s.attachCapture(monitor); err != nil {
		hb.Set(health.Capture, health.Failed, err.Error())
		return s.fail(&SetupError{Resource: "capture", Err: err})
	}
	hb.Set(health.Capture, health.Healthy, monitor.String())

	s.period = time.Second / time.Duration(s.settings.FPS)
	s.startedAt = time.Now()

	// Frames delivered before the state flips are ignored by writeFrame.
	sub, err := s.sched.SubscribeDepth("recorder", s.settings.SubscriberDepth, s.writeFrame)
	if err != nil {
		hb.Set(health.Capture, health.Failed, err.Error())
		return s.fail(&SetupError{Resource: "capture", Err: err})
	}
	s.sub = sub
	s.setState(StateRecording)

	if s.settings.StatsInterval > 0 {
		s.statsDone = make(chan struct{})
		s.statsWG.Add(1)
		go s.statsLogger(s.settings.StatsInterval)
	}

	s.log.Info("recording started",
		"monitor", monitor.String(),
		"fps", s.settings.FPS,
		"mic", s.mic != nil,
		"systemAudio", s.speakers != nil,
		logging.KeyPath, layout.Final,
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	return nil
}

// openAudio opens one channel. A nil selection or a failure yields nil; a
// failure is kept as a warning and recording continues without the channel.
func (s *Session) openAudio(role audio.Role, sel *audio.DeviceDescriptor, path string, opts audio.Options) *audio.Channel {
	component, resource := health.Mic, "microphone"
	if role == audio.RoleSystem {
		component, resource = health.System, "system audio"
	}
	if sel == nil {
		s.deps.Health.Set(component, health.Off, "not requested")
		return nil
	}
	ch, err := audio.Open(role, sel, s.deps.Catalog, s.deps.Backend, path, opts)
	if err != nil {
		s.deps.Health.Set(component, health.Failed, err.Error())
		s.warn(&SetupError{Resource: resource, Err: err})
		return nil
	}
	s.deps.Health.Set(component, health.Healthy, ch.Mode().String()+" "+ch.Device().Name)
	return ch
}

func (s *Session) warn(err error) {
	s.warnings = append(s.warnings, err)
	s.log.Warn("continuing without resource", logging.KeyError, err)
}

func (s *Session) attachCapture(monitor capture.MonitorDescriptor) error {
	if sched := s.deps.Scheduler; sched != nil && sched.Monitor() == monitor {
		if sched.FPS() != s.settings.FPS {
			s.log.Warn("shared capture rate differs from video rate",
				"captureFps", sched.FPS(), "videoFps", s.settings.FPS)
		}
		s.sched = sched
		return nil
	}
	if s.deps.Source == nil {
		return errors.New("no frame source configured")
	}
	sched, err := capture.Start(s.deps.Source, monitor, s.settings.FPS, capture.Options{
		Cursor:        s.deps.Cursor,
		QueueDepth:    s.settings.SubscriberDepth,
		StatsInterval: -1,
	})
	if err != nil {
		return err
	}
	s.sched = sched
	s.ownSched = true
	return nil
}

// fail releases whatever Start acquired, removes partial artifacts and
// leaves the session Failed.
func (s *Session) fail(err error) error {
	s.log.Error("recording setup failed", logging.KeyError, err)
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.ownSched && s.sched != nil {
		s.sched.Stop()
	}
	timeout := s.settings.TeardownTimeout
	for _, ch := range []*audio.Channel{s.mic, s.speakers} {
		if ch == nil {
			continue
		}
		if cerr := ch.Close(timeout); cerr != nil {
			s.log.Warn("audio release failed", logging.KeyError, cerr)
		}
		removeArtifact(ch.Path())
	}
	if s.sink != nil {
		if cerr := s.sink.Close(timeout); cerr != nil {
			s.log.Warn("video release failed", logging.KeyError, cerr)
		}
		removeArtifact(s.sink.Path())
	}
	s.mic, s.speakers, s.sink, s.sub = nil, nil, nil, nil
	s.setState(StateFailed)
	active.CompareAndSwap(s, nil)
	return err
}

// writeFrame runs on the subscription goroutine. When capture falls behind
// the video clock the frame is repeated so the video keeps wall-clock
// duration; when it runs ahead the frame is skipped.
func (s *Session) writeFrame(f capture.Frame) {
	if s.State() != StateRecording || f.Image == nil {
		return
	}

	due := uint64(0)
	if elapsed := f.CapturedAt.Sub(s.startedAt); elapsed > 0 {
		due = uint64(elapsed / s.period)
	}
	due++

	if due <= s.written {
		return
	}
	n := min(due-s.written, uint64(s.settings.FPS))

	for i := uint64(0); i < n; i++ {
		if i > 0 && s.State() != StateRecording {
			return
		}
		if err := s.sink.WriteFrame(f.Image); err != nil {
			s.writeErrors.Add(1)
			if s.errLimiter.Allow() {
				s.log.Warn("video write failed", logging.KeyError, err)
				s.deps.Health.Set(health.Video, health.Degraded, err.Error())
			}
			return
		}
		s.framesWritten.Add(1)
	}
	if n > 1 {
		s.framesFilled.Add(n - 1)
	}
	// Frames beyond the one-second fill cap are given up rather than
	// replayed later.
	s.written = due
}

func (s *Session) statsLogger(interval time.Duration) {
	defer s.statsWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.statsDone:
			return
		case <-ticker.C:
			attrs := []any{
				"elapsed", time.Since(s.startedAt).Round(time.Second).String(),
				"framesWritten", s.framesWritten.Load(),
				"framesFilled", s.framesFilled.Load(),
				"writeErrors", s.writeErrors.Load(),
			}
			if s.sub != nil {
				attrs = append(attrs, "framesDelivered", s.sub.Delivered(), "framesDropped", s.sub.Dropped())
			}
			for _, ch := range []*audio.Channel{s.mic, s.speakers} {
				if ch != nil {
					st := ch.Stats()
					attrs = append(attrs, ch.Role().String()+"Chunks", st.Chunks)
				}
			}
			s.log.Info("recording stats", attrs...)
		}
	}
}

// Stop ends the recording. It releases capture, audio and video within the
// teardown bound, then schedules the combine and returns its Ticket. Stop
// on an Idle or Failed session is a no-op returning (nil, nil).
//
// If the video artifact does not exist after release the session becomes
// Failed and no combine is scheduled. When no pool takes the combine it runs
// on the caller's goroutine after the session lock is released.
func (s *Session) Stop(ctx context.Context) (*Ticket, error) {
	ticket, inline, err := s.stop()
	if inline != nil {
		inline(ctx)
	}
	return ticket, err
}

func (s *Session) stop() (*Ticket, workerpool.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.State(); st {
	case StateIdle, StateFailed:
		s.log.Debug("stop ignored", "state", st.String())
		return nil, nil, nil
	case StateRecording:
	default:
		return nil, nil, fmt.Errorf("stop in state %s: %w", st, ErrNotRecording)
	}

	s.setState(StateStopping)
	s.stoppedAt = time.Now()
	begin := time.Now()
	timeout := s.settings.TeardownTimeout

	var dropped uint64
	if s.sub != nil {
		// A write blocked on a stalled encoder is released when the sink
		// is closed below.
		if !s.sub.UnsubscribeWithin(timeout) {
			terr := &TeardownError{Resource: "video writer", Timeout: timeout, Err: errWriterStalled}
			s.log.Warn("video writer did not return, closing the sink under it", logging.KeyError, terr)
			s.deps.Health.Set(health.Video, health.Degraded, terr.Error())
		}
		dropped = s.sub.Dropped()
	}
	if s.statsDone != nil {
		close(s.statsDone)
		s.statsWG.Wait()
	}
	if s.ownSched {
		s.sched.Stop()
	}

	s.release()
	active.CompareAndSwap(s, nil)

	videoPath := s.sink.Path()
	if info, err := os.Stat(videoPath); err != nil || info.IsDir() {
		err = fmt.Errorf("%w: %s", mux.ErrMissingVideo, videoPath)
		s.log.Error("recording produced no video", logging.KeyError, err)
		s.deps.Health.Set(health.Video, health.Failed, err.Error())
		s.setState(StateFailed)
		return nil, nil, err
	}

	job := mux.Job{
		VideoPath:  videoPath,
		AudioPaths: muxInputs(s.log, s.tracks()),
		OutputPath: s.layout.Final,
	}

	manifest := s.manifest(job, dropped)
	ticket := newTicket(s.id, job)
	task := func(ctx context.Context) { s.finish(ctx, ticket, manifest) }

	var inline workerpool.Task
	if s.deps.Pool == nil {
		inline = task
	} else if err := s.deps.Pool.Submit(task); err != nil {
		s.log.Warn("combine queue unavailable, combining inline", logging.KeyError, err)
		inline = task
	}

	s.setState(StateIdle)
	s.log.Info("recording stopped",
		"framesWritten", s.framesWritten.Load(),
		"framesFilled", s.framesFilled.Load(),
		"framesDropped", dropped,
		"audioTracks", len(job.AudioPaths),
		logging.KeyDurationMs, time.Since(begin).Milliseconds())
	return ticket, inline, nil
}

// audioTrack is the part of *audio.Channel the combine job needs.
type audioTrack interface {
	Role() audio.Role
	Path() string
	Finalized() bool
}

func (s *Session) tracks() []audioTrack {
	var out []audioTrack
	for _, ch := range []*audio.Channel{s.mic, s.speakers} {
		if ch != nil {
			out = append(out, ch)
		}
	}
	return out
}

// muxInputs lists the audio files that are safe to combine. A track whose
// file is still held by an abandoned callback is left on disk untouched.
func muxInputs(logger *slog.Logger, tracks []audioTrack) []string {
	var paths []string
	for _, t := range tracks {
		if !t.Finalized() {
			logger.Warn("audio track left out of combine, file still open",
				"role", t.Role().String(), logging.KeyPath, t.Path())
			continue
		}
		paths = append(paths, t.Path())
	}
	return paths
}

// release closes audio channels and the video sink concurrently, each under
// its own bound. Late resources are abandoned and logged.
func (s *Session) release() {
	timeout := s.settings.TeardownTimeout
	videoTimeout := max(timeout, minVideoCloseTimeout)

	var g errgroup.Group
	for _, ch := range []*audio.Channel{s.mic, s.speakers} {
		if ch == nil {
			continue
		}
		g.Go(func() error {
			if err := ch.Close(timeout); err != nil {
				terr := &TeardownError{Resource: ch.Role().String() + " audio", Timeout: timeout, Err: err}
				s.log.Warn("audio teardown incomplete", logging.KeyError, terr)
				s.deps.Health.Set(ch.Role().String(), health.Degraded, terr.Error())
				return terr
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := s.sink.Close(videoTimeout); err != nil {
			terr := &TeardownError{Resource: "video", Timeout: videoTimeout, Err: err}
			s.log.Warn("video teardown incomplete", logging.KeyError, terr)
			s.deps.Health.Set(health.Video, health.Degraded, terr.Error())
			return terr
		}
		return nil
	})
	_ = g.Wait()
}

func (s *Session) manifest(job mux.Job, dropped uint64) *Manifest {
	m := &Manifest{
		ID:        s.id,
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
		Monitor:   screenOf(s.monitor),
		Video: ManifestVideo{
			FPS:           s.settings.FPS,
			FramesWritten: s.framesWritten.Load(),
			FramesFilled:  s.framesFilled.Load(),
			FramesDropped: dropped,
			WriteErrors:   s.writeErrors.Load(),
		},
		Job: job,
	}
	for _, ch := range []*audio.Channel{s.mic, s.speakers} {
		if ch != nil {
			m.Audio = append(m.Audio, audioOf(ch))
		}
	}
	return m
}

// finish runs the combine, the optional archive upload and the manifest
// write, then completes the ticket.
func (s *Session) finish(ctx context.Context, t *Ticket, m *Manifest) {
	s.deps.Health.Set(health.Mux, health.Healthy, "combining")
	res, err := s.deps.Muxer.Combine(ctx, t.Job)
	switch {
	case err != nil:
		s.log.Error("combine failed, no deliverable", logging.KeyError, err)
		s.deps.Health.Set(health.Mux, health.Failed, err.Error())
	case res.Degraded:
		s.deps.Health.Set(health.Mux, health.Degraded, res.Err.Error())
	default:
		s.deps.Health.Set(health.Mux, health.Healthy, res.Path)
	}

	if err == nil && s.deps.Archiver != nil {
		loc, aerr := s.deps.Archiver.Upload(ctx, res.Path)
		if aerr != nil {
			s.log.Warn("archive upload failed", logging.KeyPath, res.Path, logging.KeyError, aerr)
		} else {
			t.archive = loc
			m.Output.Archive = loc
			s.log.Info("recording archived", "location", loc)
			if s.settings.DeleteAfterArchive {
				removeArtifact(res.Path)
			}
		}
	}

	if s.settings.WriteManifest {
		m.Host = hostOf()
		m.Output.Path = res.Path
		m.Output.Remuxed = res.Remuxed
		m.Output.Degraded = res.Degraded
		if res.Err != nil {
			m.Output.Error = res.Err.Error()
		} else if err != nil {
			m.Output.Error = err.Error()
		}
		if werr := WriteManifest(s.layout.Manifest, m); werr != nil {
			s.log.Warn("manifest not written", logging.KeyError, werr)
		}
	}

	t.complete(res, err)
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	ID            string
	State         State
	Monitor       capture.MonitorDescriptor
	Elapsed       time.Duration
	FramesWritten uint64
	Mic           audio.Mode
	System        audio.Mode
	Output        string
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:            s.id,
		State:         s.State(),
		Monitor:       s.monitor,
		FramesWritten: s.framesWritten.Load(),
		Output:        s.layout.Final,
	}
	if snap.State == StateRecording {
		snap.Elapsed = time.Since(s.startedAt)
	}
	if s.mic != nil {
		snap.Mic = s.mic.Mode()
	}
	if s.speakers != nil {
		snap.System = s.speakers.Mode()
	}
	return snap
}

func removeArtifact(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove artifact", logging.KeyPath, path, logging.KeyError, err)
	}
}
