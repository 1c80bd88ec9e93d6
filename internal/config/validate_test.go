package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	result := cfg.Validate()
	if result.HasFatals() {
		t.Fatalf("default config should be valid: %v", result.Fatals)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("default config should not need clamping: %v", result.Warnings)
	}
}

func TestValidateClampsFPS(t *testing.T) {
	cfg := Default()
	cfg.Video.FPS = 0
	result := cfg.Validate()
	if result.HasFatals() {
		t.Fatalf("clamped fps should be a warning, not fatal: %v", result.Fatals)
	}
	if cfg.Video.FPS != 1 {
		t.Fatalf("Video.FPS = %d, want 1 (clamped)", cfg.Video.FPS)
	}
}

func TestValidateClampsGain(t *testing.T) {
	cfg := Default()
	cfg.Audio.SystemGain = 100
	cfg.Validate()
	if cfg.Audio.SystemGain != 32 {
		t.Fatalf("SystemGain = %g, want 32", cfg.Audio.SystemGain)
	}

	cfg.Audio.SystemGain = -1
	cfg.Validate()
	if cfg.Audio.SystemGain != 0 {
		t.Fatalf("SystemGain = %g, want 0", cfg.Audio.SystemGain)
	}
}

func TestValidateTeardownTimeoutBounds(t *testing.T) {
	cfg := Default()
	cfg.Session.TeardownTimeout = time.Millisecond
	cfg.Validate()
	if cfg.Session.TeardownTimeout != 100*time.Millisecond {
		t.Fatalf("TeardownTimeout = %s, want 100ms", cfg.Session.TeardownTimeout)
	}
}

func TestValidateUnknownArchiveProviderIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Archive.Provider = "ftp"
	result := cfg.Validate()
	if !result.HasFatals() {
		t.Fatal("unknown archive provider should be fatal")
	}
}

func TestValidateS3RequiresBucket(t *testing.T) {
	cfg := Default()
	cfg.Archive.Provider = "S3"
	result := cfg.Validate()
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "archive.bucket") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected bucket error, got %v", result.Fatals)
	}
	if cfg.Archive.Provider != "s3" {
		t.Fatalf("provider should be normalized to lower case, got %q", cfg.Archive.Provider)
	}
}

func TestValidateBadContainerIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Container = "../avi"
	if !cfg.Validate().HasFatals() {
		t.Fatal("container with path separators should be fatal")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "screenrec.yaml")
	content := "output_dir: " + dir + "\nvideo:\n  fps: 24\nsession:\n  teardown_timeout: 2s\naudio:\n  system_gain: 2.5\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Video.FPS != 24 {
		t.Errorf("Video.FPS = %d, want 24", cfg.Video.FPS)
	}
	if cfg.Session.TeardownTimeout != 2*time.Second {
		t.Errorf("TeardownTimeout = %s, want 2s", cfg.Session.TeardownTimeout)
	}
	if cfg.Audio.SystemGain != 2.5 {
		t.Errorf("SystemGain = %g, want 2.5", cfg.Audio.SystemGain)
	}
	if cfg.Audio.SampleRate != 44100 {
		t.Errorf("SampleRate = %d, want default 44100", cfg.Audio.SampleRate)
	}
	if cfg.Mux.AudioBitrate != "192k" {
		t.Errorf("AudioBitrate = %q, want default 192k", cfg.Mux.AudioBitrate)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "screenrec.yaml")
	if err := os.WriteFile(path, []byte("container: avi\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCREENREC_VIDEO_FPS", "15")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Video.FPS != 15 {
		t.Fatalf("Video.FPS = %d, want 15 from env", cfg.Video.FPS)
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "screenrec.yaml")
	cfg := Default()
	cfg.Video.FPS = 20
	cfg.Archive.Provider = "local"
	cfg.Archive.LocalPath = "/srv/archive"

	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("config mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Video.FPS != 20 || loaded.Archive.LocalPath != "/srv/archive" {
		t.Fatalf("round trip mismatch: fps=%d local=%q", loaded.Video.FPS, loaded.Archive.LocalPath)
	}
}
