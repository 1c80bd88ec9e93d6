package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AIWaveSystems/screenRecording/internal/archive"
	"github.com/AIWaveSystems/screenRecording/internal/audio"
	"github.com/AIWaveSystems/screenRecording/internal/capture"
	"github.com/AIWaveSystems/screenRecording/internal/config"
	"github.com/AIWaveSystems/screenRecording/internal/ffmpeg"
	"github.com/AIWaveSystems/screenRecording/internal/health"
	"github.com/AIWaveSystems/screenRecording/internal/logging"
	"github.com/AIWaveSystems/screenRecording/internal/mux"
	"github.com/AIWaveSystems/screenRecording/internal/preview"
	"github.com/AIWaveSystems/screenRecording/internal/session"
	"github.com/AIWaveSystems/screenRecording/internal/video"
	"github.com/AIWaveSystems/screenRecording/internal/workerpool"
)

var log = logging.L("cli")

var (
	recMonitor  int
	recMic      string
	recSpeaker  string
	recDuration time.Duration
	recSource   string
	recPreview  string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a monitor with optional microphone and system audio",
	Long: `Record the selected monitor until interrupted (Ctrl+C) or until --duration
elapses. --mic and --speaker take a device ID or a name fragment from
'screenrec devices'; "default" picks the system default and "none" disables
the channel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logging.Close()
		return runRecord(cfg)
	},
}

func init() {
	recordCmd.Flags().IntVar(&recMonitor, "monitor", -1, "monitor ID to record (default is the primary monitor)")
	recordCmd.Flags().StringVar(&recMic, "mic", "none", "microphone: device ID, name fragment, default or none")
	recordCmd.Flags().StringVar(&recSpeaker, "speaker", "default", "system audio output: device ID, name fragment, default or none")
	recordCmd.Flags().DurationVar(&recDuration, "duration", 0, "stop automatically after this long")
	recordCmd.Flags().StringVar(&recSource, "source", "", "frame source: x11 or test")
	recordCmd.Flags().StringVar(&recPreview, "preview-listen", "", "serve a live preview on this address, e.g. 127.0.0.1:7420")

	rootCmd.AddCommand(recordCmd)
}

func runRecord(cfg *config.Config) error {
	src, err := capture.NewFrameSource(recSource)
	if err != nil {
		return fmt.Errorf("open display: %w", err)
	}
	defer src.Close()

	monitor, err := pickMonitor(src, recMonitor)
	if err != nil {
		return err
	}
	cursor, _ := src.(capture.CursorSource)

	ffmpegBin, err := ffmpeg.Locate(cfg.Mux.FFmpegPath)
	if err != nil {
		return err
	}

	var (
		catalog audio.Catalog
		backend audio.Backend
	)
	if m, err := audio.NewMalgo(); err != nil {
		log.Warn("audio backend unavailable, recording video only", logging.KeyError, err)
	} else {
		defer m.Close()
		catalog, backend = m, m
	}
	mic, speaker, err := resolveAudio(catalog, recMic, recSpeaker)
	if err != nil {
		return err
	}

	sched, err := capture.Start(src, monitor, cfg.Video.FPS, capture.Options{
		Cursor:     cursor,
		QueueDepth: cfg.Session.SubscriberDepth,
	})
	if err != nil {
		return err
	}
	defer sched.Stop()

	pool := workerpool.New("mux", cfg.Mux.Workers, cfg.Mux.QueueSize)
	muxer := mux.New(ffmpeg.Exec{Path: ffmpegBin}, mux.Options{
		VideoCodec:    cfg.Mux.VideoCodec,
		VideoQuality:  cfg.Mux.VideoQuality,
		AudioCodec:    cfg.Mux.AudioCodec,
		AudioBitrate:  cfg.Mux.AudioBitrate,
		MinAudioBytes: cfg.Mux.MinAudioBytes,
		Timeout:       cfg.Mux.Timeout,
	})

	deps := session.Deps{
		Scheduler: sched,
		Source:    src,
		Cursor:    cursor,
		Catalog:   catalog,
		Backend:   backend,
		OpenVideo: func(path string, w, h, fps int) (video.Sink, error) {
			return video.OpenFFmpeg(path, w, h, fps, video.Options{
				FFmpegPath:  ffmpegBin,
				Codec:       cfg.Video.Codec,
				Tag:         cfg.Video.Tag,
				Quality:     cfg.Video.Quality,
				PixelFormat: cfg.Video.PixelFormat,
			})
		},
		Muxer:  muxer,
		Pool:   pool,
		Health: health.NewBoard(),
	}
	if a, err := archive.NewFromConfig(context.Background(), cfg.Archive); err != nil {
		log.Warn("archiving disabled", logging.KeyError, err)
	} else if a != nil {
		deps.Archiver = a
	}

	mgr := session.NewManager(session.SettingsFrom(cfg), deps)

	listen := recPreview
	if listen == "" {
		listen = cfg.Preview.Listen
	}
	if listen != "" {
		sink := capture.NewPreviewSink(cfg.Preview.FPS, cfg.Preview.Scale)
		if err := sink.Attach(sched); err != nil {
			return err
		}
		defer sink.Detach()
		srv := preview.New(sink, cfg.Preview.JPEGQuality, func() any { return statusOf(mgr, sched, deps.Health) })
		addr, err := srv.Start(listen)
		if err != nil {
			return fmt.Errorf("preview server: %w", err)
		}
		defer shutdownPreview(srv)
		fmt.Printf("Preview: http://%s/preview.jpg (websocket ws://%s/ws)\n", addr, addr)
	}

	s, err := mgr.Start(monitor, mic, speaker)
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	for _, w := range s.Warnings() {
		fmt.Fprintf(os.Stderr, "warning: %v\n", w)
	}
	fmt.Printf("Recording %s to %s\n", monitor, s.Layout().Final)
	printChannel("Microphone", s.Mic())
	printChannel("System audio", s.Speakers())
	fmt.Println("Press Ctrl+C to stop.")

	waitForStop(recDuration)
	fmt.Println("\nStopping...")

	ticket, err := mgr.Stop(context.Background())
	if err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Mux.Timeout+time.Minute)
	defer cancel()
	if ticket == nil {
		pool.Shutdown(ctx)
		return errors.New("recording ended before it could be saved")
	}
	fmt.Println("Combining audio and video...")
	res, err := ticket.Wait(ctx)
	pool.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("combine: %w", err)
	}

	switch {
	case res.Degraded:
		fmt.Printf("Saved video without audio: %s (%v)\n", res.Path, res.Err)
	case res.Remuxed:
		fmt.Printf("Saved: %s (%d audio track(s) mixed)\n", res.Path, len(res.Audio))
	default:
		fmt.Printf("Saved: %s\n", res.Path)
	}
	if loc := ticket.Archive(); loc != "" {
		fmt.Printf("Archived: %s\n", loc)
	}
	return nil
}

func pickMonitor(src capture.FrameSource, id int) (capture.MonitorDescriptor, error) {
	monitors, err := src.Monitors()
	if err != nil {
		return capture.MonitorDescriptor{}, fmt.Errorf("list monitors: %w", err)
	}
	if len(monitors) == 0 {
		return capture.MonitorDescriptor{}, capture.ErrDisplayNotFound
	}
	for _, m := range monitors {
		if (id < 0 && m.IsPrimary) || m.ID == id {
			return m, nil
		}
	}
	if id < 0 {
		return monitors[0], nil
	}
	return capture.MonitorDescriptor{}, fmt.Errorf("monitor %d: %w", id, capture.ErrDisplayNotFound)
}

// resolveAudio maps the --mic/--speaker selections onto enumerated devices.
// With no catalog, or when enumeration fails, both channels are disabled and
// the recording continues video-only.
func resolveAudio(catalog audio.Catalog, micSel, speakerSel string) (mic, speaker *audio.DeviceDescriptor, err error) {
	if catalog == nil {
		return nil, nil, nil
	}
	mics, speakers, err := catalog.ListDevices()
	if err != nil {
		log.Warn("audio device enumeration failed, recording video only", logging.KeyError, err)
		return nil, nil, nil
	}

	switch micSel {
	case "", "none":
	case "default":
		for _, d := range mics {
			if d.IsDefault {
				mic = &d
				break
			}
		}
		if mic == nil && len(mics) > 0 {
			mic = &mics[0]
		}
		if mic == nil {
			return nil, nil, fmt.Errorf("microphone: %w", audio.ErrDeviceNotFound)
		}
	default:
		d, ok := audio.FindDevice(mics, micSel)
		if !ok {
			return nil, nil, fmt.Errorf("microphone %q: %w", micSel, audio.ErrDeviceNotFound)
		}
		mic = &d
	}

	switch speakerSel {
	case "", "none":
	case "default":
		if d, ok := audio.DefaultSpeaker(speakers); ok {
			speaker = &d
		}
	default:
		d, ok := audio.FindDevice(speakers, speakerSel)
		if !ok {
			return nil, nil, fmt.Errorf("speaker %q: %w", speakerSel, audio.ErrDeviceNotFound)
		}
		speaker = &d
	}
	return mic, speaker, nil
}

func printChannel(label string, ch *audio.Channel) {
	if ch == nil {
		fmt.Printf("%s: off\n", label)
		return
	}
	fmt.Printf("%s: %s via %s\n", label, ch.Device().Name, ch.Mode())
}

func waitForStop(d time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-sigChan:
	case <-timeout:
	}
}

func shutdownPreview(srv *preview.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("preview shutdown", logging.KeyError, err)
	}
}

type status struct {
	Session       string         `json:"sessionId,omitempty"`
	State         string         `json:"state"`
	Monitor       string         `json:"monitor"`
	ElapsedSec    float64        `json:"elapsedSec"`
	FramesWritten uint64         `json:"framesWritten"`
	Mic           string         `json:"mic"`
	System        string         `json:"system"`
	Output        string         `json:"output,omitempty"`
	CaptureFPS    float64        `json:"captureFps"`
	Health        health.Status  `json:"health"`
	Components    []health.Check `json:"components"`
}

func statusOf(mgr *session.Manager, sched *capture.Scheduler, board *health.Board) status {
	st := status{State: session.StateIdle.String(), Monitor: sched.Monitor().String()}
	st.CaptureFPS = sched.Stats().EffectiveFPS
	st.Health = board.Overall()
	st.Components = board.Checks()
	if s := mgr.Current(); s != nil {
		snap := s.Snapshot()
		st.Session = snap.ID
		st.State = snap.State.String()
		st.ElapsedSec = snap.Elapsed.Seconds()
		st.FramesWritten = snap.FramesWritten
		st.Mic = snap.Mic.String()
		st.System = snap.System.String()
		st.Output = snap.Output
	}
	return st
}
