package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AIWaveSystems/screenRecording/internal/ffmpeg"
	"github.com/AIWaveSystems/screenRecording/internal/logging"
	"github.com/AIWaveSystems/screenRecording/internal/mux"
)

var combineOutput string

var combineCmd = &cobra.Command{
	Use:   "combine <video> [audio...]",
	Short: "Combine a video file with zero or more WAV tracks",
	Long: `Combine runs the same step that finishes a recording: audio tracks are
mixed into one, muxed with the video, and the inputs are removed once the
output has been written. Without usable audio the video is renamed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logging.Close()

		bin, err := ffmpeg.Locate(cfg.Mux.FFmpegPath)
		if err != nil {
			return err
		}
		if combineOutput == "" {
			return fmt.Errorf("--output is required")
		}

		m := mux.New(ffmpeg.Exec{Path: bin}, mux.Options{
			VideoCodec:    cfg.Mux.VideoCodec,
			VideoQuality:  cfg.Mux.VideoQuality,
			AudioCodec:    cfg.Mux.AudioCodec,
			AudioBitrate:  cfg.Mux.AudioBitrate,
			MinAudioBytes: cfg.Mux.MinAudioBytes,
			Timeout:       cfg.Mux.Timeout,
		})
		res, err := m.Combine(context.Background(), mux.Job{
			VideoPath:  args[0],
			AudioPaths: args[1:],
			OutputPath: combineOutput,
		})
		if err != nil {
			return err
		}
		if res.Degraded {
			fmt.Printf("Audio could not be added, kept video: %s\n%v\n", res.Path, res.Err)
			return nil
		}
		fmt.Printf("Wrote %s in %s\n", res.Path, res.Duration.Round(10*time.Millisecond))
		return nil
	},
}

func init() {
	combineCmd.Flags().StringVarP(&combineOutput, "output", "o", "", "output file")
	rootCmd.AddCommand(combineCmd)
}
