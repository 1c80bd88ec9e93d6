package session

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"gopkg.in/yaml.v3"

	"github.com/AIWaveSystems/screenRecording/internal/audio"
	"github.com/AIWaveSystems/screenRecording/internal/capture"
	"github.com/AIWaveSystems/screenRecording/internal/mux"
)

// Manifest is the YAML sidecar written next to a finished recording.
type Manifest struct {
	ID        string          `yaml:"id"`
	StartedAt time.Time       `yaml:"started_at"`
	StoppedAt time.Time       `yaml:"stopped_at"`
	Host      ManifestHost    `yaml:"host"`
	Monitor   ManifestScreen  `yaml:"monitor"`
	Video     ManifestVideo   `yaml:"video"`
	Audio     []ManifestAudio `yaml:"audio,omitempty"`
	Job       mux.Job         `yaml:"job"`
	Output    ManifestOutput  `yaml:"output"`
}

type ManifestHost struct {
	Hostname string `yaml:"hostname,omitempty"`
	OS       string `yaml:"os,omitempty"`
	Platform string `yaml:"platform,omitempty"`
}

type ManifestScreen struct {
	ID     int    `yaml:"id"`
	Name   string `yaml:"name,omitempty"`
	Left   int    `yaml:"left"`
	Top    int    `yaml:"top"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

type ManifestVideo struct {
	FPS           int    `yaml:"fps"`
	FramesWritten uint64 `yaml:"frames_written"`
	FramesFilled  uint64 `yaml:"frames_filled"`
	FramesDropped uint64 `yaml:"frames_dropped"`
	WriteErrors   uint64 `yaml:"write_errors"`
}

type ManifestAudio struct {
	Role     string                 `yaml:"role"`
	Mode     string                 `yaml:"mode"`
	Device   audio.DeviceDescriptor `yaml:"device"`
	Chunks   uint64                 `yaml:"chunks"`
	Dropped  uint64                 `yaml:"dropped"`
	Attempts []string               `yaml:"attempts,omitempty"`
}

type ManifestOutput struct {
	Path     string `yaml:"path"`
	Remuxed  bool   `yaml:"remuxed"`
	Degraded bool   `yaml:"degraded"`
	Error    string `yaml:"error,omitempty"`
	Archive  string `yaml:"archive,omitempty"`
}

func screenOf(m capture.MonitorDescriptor) ManifestScreen {
	return ManifestScreen{ID: m.ID, Name: m.Name, Left: m.Left, Top: m.Top, Width: m.Width, Height: m.Height}
}

func audioOf(ch *audio.Channel) ManifestAudio {
	st := ch.Stats()
	ma := ManifestAudio{
		Role:    ch.Role().String(),
		Mode:    ch.Mode().String(),
		Device:  ch.Device(),
		Chunks:  st.Chunks,
		Dropped: st.Dropped,
	}
	for _, a := range ch.Attempts() {
		line := a.Mode.String() + " " + a.Device.Name
		if a.Err != nil {
			line += ": " + a.Err.Error()
		}
		ma.Attempts = append(ma.Attempts, line)
	}
	return ma
}

func hostOf() ManifestHost {
	info, err := host.Info()
	if err != nil {
		return ManifestHost{}
	}
	return ManifestHost{Hostname: info.Hostname, OS: info.OS, Platform: info.Platform}
}

// WriteManifest writes m to path with owner-only permissions.
func WriteManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
