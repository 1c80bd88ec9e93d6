package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cobra"

	"github.com/AIWaveSystems/screenRecording/internal/audio"
	"github.com/AIWaveSystems/screenRecording/internal/capture"
	"github.com/AIWaveSystems/screenRecording/internal/ffmpeg"
)

var doctorSource string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that recording prerequisites are in place",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		failed := 0
		check := func(name string, err error, detail string) {
			if err != nil {
				failed++
				fmt.Printf("FAIL  %-14s %v\n", name, err)
				return
			}
			fmt.Printf("ok    %-14s %s\n", name, detail)
		}

		if info, err := host.Info(); err == nil {
			fmt.Printf("host  %s (%s %s)\n", info.Hostname, info.Platform, info.PlatformVersion)
		}

		bin, err := ffmpeg.Locate(cfg.Mux.FFmpegPath)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			var v string
			v, err = ffmpeg.Version(ctx, bin)
			cancel()
			check("ffmpeg", err, v)
		} else {
			check("ffmpeg", err, "")
		}

		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			check("output dir", err, "")
		} else if usage, err := disk.Usage(cfg.OutputDir); err != nil {
			check("output dir", err, "")
		} else {
			freeMB := usage.Free / (1024 * 1024)
			if freeMB < cfg.Session.MinFreeMB {
				err = fmt.Errorf("%d MB free, need %d MB", freeMB, cfg.Session.MinFreeMB)
			}
			check("output dir", err, fmt.Sprintf("%s (%d MB free)", cfg.OutputDir, freeMB))
		}

		if src, err := capture.NewFrameSource(doctorSource); err != nil {
			check("display", err, "")
		} else {
			monitors, err := src.Monitors()
			check("display", err, fmt.Sprintf("%d monitor(s)", len(monitors)))
			src.Close()
		}

		if m, err := audio.NewMalgo(); err != nil {
			check("audio", err, "")
		} else {
			mics, speakers, err := m.ListDevices()
			check("audio", err, fmt.Sprintf("%d input(s), %d output(s)", len(mics), len(speakers)))
			if lb, ok := audio.FindLoopbackDevice(mics, cfg.Audio.LoopbackHint); ok {
				fmt.Printf("      %-14s %s\n", "loopback", lb.Name)
			}
			m.Close()
		}

		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().StringVar(&doctorSource, "source", "", "frame source: x11 or test")
	rootCmd.AddCommand(doctorCmd)
}
