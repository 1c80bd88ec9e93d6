package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var knownArchiveProviders = map[string]bool{
	"":      true,
	"local": true,
	"s3":    true,
	"gcs":   true,
	"azure": true,
	"b2":    true,
}

// ValidationResult separates problems that prevent recording (Fatals) from
// values that were clamped to a safe range (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	out := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	out = append(out, r.Fatals...)
	return append(out, r.Warnings...)
}

func clampInt(warns *[]error, name string, v *int, lo, hi int) {
	if *v < lo {
		*warns = append(*warns, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
		*v = lo
	} else if *v > hi {
		*warns = append(*warns, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
		*v = hi
	}
}

func clampFloat(warns *[]error, name string, v *float64, lo, hi float64) {
	if *v < lo {
		*warns = append(*warns, fmt.Errorf("%s %g is below minimum %g, clamping", name, *v, lo))
		*v = lo
	} else if *v > hi {
		*warns = append(*warns, fmt.Errorf("%s %g exceeds maximum %g, clamping", name, *v, hi))
		*v = hi
	}
}

// Validate checks the config for invalid values. Out-of-range numbers are
// clamped to safe values and reported as warnings; values that would make a
// recording impossible are fatal.
func (c *Config) Validate() ValidationResult {
	var fatals, warns []error

	if strings.TrimSpace(c.OutputDir) == "" {
		fatals = append(fatals, fmt.Errorf("output_dir must not be empty"))
	}
	if c.Container == "" || strings.ContainsAny(c.Container, `./\`) {
		fatals = append(fatals, fmt.Errorf("container %q is not a valid file extension", c.Container))
	}

	clampInt(&warns, "video.fps", &c.Video.FPS, 1, 120)
	clampInt(&warns, "video.quality", &c.Video.Quality, 1, 31)
	if c.Video.Codec == "" {
		fatals = append(fatals, fmt.Errorf("video.codec must not be empty"))
	}

	clampInt(&warns, "preview.fps", &c.Preview.FPS, 1, 60)
	clampFloat(&warns, "preview.scale", &c.Preview.Scale, 0.1, 1)
	clampInt(&warns, "preview.jpeg_quality", &c.Preview.JPEGQuality, 1, 100)
	clampInt(&warns, "preview.queue_depth", &c.Preview.QueueDepth, 1, 64)

	clampInt(&warns, "audio.sample_rate", &c.Audio.SampleRate, 8000, 192000)
	clampInt(&warns, "audio.channels", &c.Audio.Channels, 1, 2)
	if c.Audio.BitDepth != 16 {
		warns = append(warns, fmt.Errorf("audio.bit_depth %d is not supported, using 16", c.Audio.BitDepth))
		c.Audio.BitDepth = 16
	}
	clampInt(&warns, "audio.period_frames", &c.Audio.PeriodFrames, 64, 8192)
	clampFloat(&warns, "audio.system_gain", &c.Audio.SystemGain, 0, 32)

	if c.Mux.FFmpegPath == "" {
		fatals = append(fatals, fmt.Errorf("mux.ffmpeg_path must not be empty"))
	}
	if c.Mux.AudioCodec == "" || c.Mux.VideoCodec == "" {
		fatals = append(fatals, fmt.Errorf("mux.audio_codec and mux.video_codec must not be empty"))
	}
	clampInt(&warns, "mux.video_quality", &c.Mux.VideoQuality, 1, 31)
	clampInt(&warns, "mux.workers", &c.Mux.Workers, 1, 8)
	clampInt(&warns, "mux.queue_size", &c.Mux.QueueSize, 1, 64)
	if c.Mux.MinAudioBytes < 0 {
		warns = append(warns, fmt.Errorf("mux.min_audio_bytes %d is negative, using 44", c.Mux.MinAudioBytes))
		c.Mux.MinAudioBytes = 44
	}
	if c.Mux.Timeout <= 0 {
		warns = append(warns, fmt.Errorf("mux.timeout must be positive, using 10m"))
		c.Mux.Timeout = 10 * time.Minute
	}

	if c.Session.TeardownTimeout < 100*time.Millisecond {
		warns = append(warns, fmt.Errorf("session.teardown_timeout %s is below minimum 100ms, clamping", c.Session.TeardownTimeout))
		c.Session.TeardownTimeout = 100 * time.Millisecond
	} else if c.Session.TeardownTimeout > time.Minute {
		warns = append(warns, fmt.Errorf("session.teardown_timeout %s exceeds maximum 1m, clamping", c.Session.TeardownTimeout))
		c.Session.TeardownTimeout = time.Minute
	}
	clampInt(&warns, "session.subscriber_depth", &c.Session.SubscriberDepth, 1, 256)

	if c.Log.Level != "" && !validLogLevels[strings.ToLower(c.Log.Level)] {
		warns = append(warns, fmt.Errorf("log.level %q is not valid (use debug, info, warn, error)", c.Log.Level))
		c.Log.Level = "info"
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		warns = append(warns, fmt.Errorf("log.format %q is not valid (use text or json)", c.Log.Format))
		c.Log.Format = "text"
	}

	p := strings.ToLower(c.Archive.Provider)
	if !knownArchiveProviders[p] {
		fatals = append(fatals, fmt.Errorf("archive.provider %q is not supported", c.Archive.Provider))
	} else {
		c.Archive.Provider = p
		switch p {
		case "local":
			if c.Archive.LocalPath == "" {
				fatals = append(fatals, fmt.Errorf("archive.local_path is required for the local provider"))
			}
		case "s3", "gcs", "b2":
			if c.Archive.Bucket == "" {
				fatals = append(fatals, fmt.Errorf("archive.bucket is required for the %s provider", p))
			}
		case "azure":
			if c.Archive.AccountURL == "" || c.Archive.Bucket == "" {
				fatals = append(fatals, fmt.Errorf("archive.account_url and archive.bucket (container) are required for the azure provider"))
			}
		}
	}

	for _, err := range warns {
		slog.Warn("config validation", "error", err)
	}
	for _, err := range fatals {
		slog.Error("config validation", "error", err)
	}

	return ValidationResult{Fatals: fatals, Warnings: warns}
}
