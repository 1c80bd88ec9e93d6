package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	Container string `mapstructure:"container" yaml:"container"`

	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Video   VideoConfig   `mapstructure:"video" yaml:"video"`
	Preview PreviewConfig `mapstructure:"preview" yaml:"preview"`
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Mux     MuxConfig     `mapstructure:"mux" yaml:"mux"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
}

type LogConfig struct {
	Format     string `mapstructure:"format" yaml:"format"`
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Stderr     bool   `mapstructure:"stderr" yaml:"stderr"`
}

// VideoConfig controls the intermediate video artifact written while recording.
type VideoConfig struct {
	FPS         int    `mapstructure:"fps" yaml:"fps"`
	Codec       string `mapstructure:"codec" yaml:"codec"`
	Tag         string `mapstructure:"tag" yaml:"tag"`
	Quality     int    `mapstructure:"quality" yaml:"quality"`
	PixelFormat string `mapstructure:"pixel_format" yaml:"pixel_format"`
}

type PreviewConfig struct {
	FPS         int     `mapstructure:"fps" yaml:"fps"`
	Scale       float64 `mapstructure:"scale" yaml:"scale"`
	JPEGQuality int     `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	// Listen enables the websocket preview server, e.g. "127.0.0.1:7420".
	Listen     string `mapstructure:"listen" yaml:"listen"`
	QueueDepth int    `mapstructure:"queue_depth" yaml:"queue_depth"`
}

// AudioConfig is the canonical PCM format every channel converts into.
type AudioConfig struct {
	SampleRate   int      `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels     int      `mapstructure:"channels" yaml:"channels"`
	BitDepth     int      `mapstructure:"bit_depth" yaml:"bit_depth"`
	PeriodFrames int      `mapstructure:"period_frames" yaml:"period_frames"`
	SystemGain   float64  `mapstructure:"system_gain" yaml:"system_gain"`
	LoopbackHint []string `mapstructure:"loopback_hints" yaml:"loopback_hints"`
}

type MuxConfig struct {
	FFmpegPath    string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	VideoCodec    string        `mapstructure:"video_codec" yaml:"video_codec"`
	VideoQuality  int           `mapstructure:"video_quality" yaml:"video_quality"`
	AudioCodec    string        `mapstructure:"audio_codec" yaml:"audio_codec"`
	AudioBitrate  string        `mapstructure:"audio_bitrate" yaml:"audio_bitrate"`
	MinAudioBytes int64         `mapstructure:"min_audio_bytes" yaml:"min_audio_bytes"`
	Workers       int           `mapstructure:"workers" yaml:"workers"`
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type SessionConfig struct {
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout" yaml:"teardown_timeout"`
	MinFreeMB       uint64        `mapstructure:"min_free_mb" yaml:"min_free_mb"`
	WriteManifest   bool          `mapstructure:"write_manifest" yaml:"write_manifest"`
	SubscriberDepth int           `mapstructure:"subscriber_depth" yaml:"subscriber_depth"`
}

// ArchiveConfig selects where finished recordings are copied after muxing.
// An empty Provider disables archiving.
type ArchiveConfig struct {
	Provider        string `mapstructure:"provider" yaml:"provider"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	AccountURL      string `mapstructure:"account_url" yaml:"account_url"`
	LocalPath       string `mapstructure:"local_path" yaml:"local_path"`
	DeleteAfter     bool   `mapstructure:"delete_after" yaml:"delete_after"`
}

// DefaultLoopbackHints are device-name fragments of known loopback-capable
// pseudo devices.
var DefaultLoopbackHints = []string{
	"stereo mix",
	"what u hear",
	"voicemeeter",
	"wasapi",
	"loopback",
	"monitor of",
	".monitor",
	"blackhole",
}

func Default() *Config {
	return &Config{
		OutputDir: defaultOutputDir(),
		Container: "avi",
		Log: LogConfig{
			Format:     "text",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
			Stderr:     true,
		},
		Video: VideoConfig{
			FPS:         30,
			Codec:       "mpeg4",
			Tag:         "xvid",
			Quality:     1,
			PixelFormat: "yuv420p",
		},
		Preview: PreviewConfig{
			FPS:         30,
			Scale:       0.75,
			JPEGQuality: 70,
			QueueDepth:  2,
		},
		Audio: AudioConfig{
			SampleRate:   44100,
			Channels:     2,
			BitDepth:     16,
			PeriodFrames: 1024,
			SystemGain:   4.0,
			LoopbackHint: append([]string(nil), DefaultLoopbackHints...),
		},
		Mux: MuxConfig{
			FFmpegPath:    "ffmpeg",
			VideoCodec:    "mpeg4",
			VideoQuality:  1,
			AudioCodec:    "aac",
			AudioBitrate:  "192k",
			MinAudioBytes: 44,
			Workers:       1,
			QueueSize:     4,
			Timeout:       10 * time.Minute,
		},
		Session: SessionConfig{
			TeardownTimeout: 3 * time.Second,
			MinFreeMB:       500,
			WriteManifest:   true,
			SubscriberDepth: 8,
		},
	}
}

// Load reads screenrec.yaml from cfgFile, the user config dir or the working
// directory, then applies SCREENREC_* environment overrides.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("screenrec")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SCREENREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.OutputDir = expandHome(cfg.OutputDir)

	return cfg, nil
}

// bindDefaults registers every key with viper so AutomaticEnv can override
// keys that are absent from the file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return
	}
	setDefaults(v, "", m)
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

// SaveTo writes cfg as YAML. An empty cfgFile writes to the user config dir.
func SaveTo(cfg *Config, cfgFile string) error {
	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(ConfigDir(), "screenrec.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	// Archive credentials may be present.
	return os.WriteFile(cfgPath, data, 0600)
}

// ConfigDir is the per-user configuration directory.
func ConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "screenrec")
}

func defaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ScreenRecordings"
	}
	return filepath.Join(home, "ScreenRecordings")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
