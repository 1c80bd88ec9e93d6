package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/AIWaveSystems/screenRecording/internal/config"
)

func writeRecording(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "2024-03-09")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "recording_14-05-07.avi")
	if err := os.WriteFile(path, []byte("RIFF....AVI "), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestObjectKey(t *testing.T) {
	path := filepath.Join("/home/u/ScreenRecordings", "2024-03-09", "recording_14-05-07.avi")
	if got := ObjectKey("", path); got != "2024-03-09/recording_14-05-07.avi" {
		t.Fatalf("ObjectKey = %q", got)
	}
	if got := ObjectKey("/team/alice/", path); got != "team/alice/2024-03-09/recording_14-05-07.avi" {
		t.Fatalf("ObjectKey with prefix = %q", got)
	}
}

func TestLocalArchiveUpload(t *testing.T) {
	src := writeRecording(t)
	dest := t.TempDir()

	a, err := NewFromConfig(context.Background(), config.ArchiveConfig{
		Provider:  "local",
		LocalPath: dest,
		Prefix:    "recordings",
	})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if a.Provider() != "local" {
		t.Fatalf("Provider = %s", a.Provider())
	}

	loc, err := a.Upload(context.Background(), src)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	want := filepath.Join(dest, "recordings", "2024-03-09", "recording_14-05-07.avi")
	if loc != want {
		t.Fatalf("location = %s, want %s", loc, want)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "RIFF....AVI " {
		t.Fatalf("archived copy = %q, err = %v", data, err)
	}
	if _, err := os.Stat(want + ".part"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatal("upload must not remove the source")
	}
}

func TestLocalProviderRejectsTraversal(t *testing.T) {
	p, err := NewLocalProvider(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Upload(context.Background(), writeRecording(t), "../escape.avi"); err == nil {
		t.Fatal("expected traversal error")
	}
}

func TestLocalUploadHonoursCancellation(t *testing.T) {
	p, err := NewLocalProvider(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Upload(ctx, writeRecording(t), "x/y.avi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestUploadMissingFile(t *testing.T) {
	p, _ := NewLocalProvider(t.TempDir())
	if _, err := New(p, "").Upload(context.Background(), filepath.Join(t.TempDir(), "gone.avi")); err == nil {
		t.Fatal("expected error for missing recording")
	}
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	a, err := NewFromConfig(ctx, config.ArchiveConfig{})
	if a != nil || err != nil {
		t.Fatalf("disabled archive = (%v, %v), want (nil, nil)", a, err)
	}
	if _, err := NewFromConfig(ctx, config.ArchiveConfig{Provider: "ftp"}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
	for _, cfg := range []config.ArchiveConfig{
		{Provider: "local"},
		{Provider: "s3", Bucket: "b"},
		{Provider: "gcs"},
		{Provider: "azure", Bucket: "c"},
		{Provider: "b2", Bucket: "b"},
	} {
		if _, err := NewFromConfig(ctx, cfg); err == nil {
			t.Fatalf("%s with missing settings should fail", cfg.Provider)
		}
	}
}

func TestContentType(t *testing.T) {
	for name, want := range map[string]string{
		"a.avi": "video/x-msvideo",
		"a.MKV": "video/x-matroska",
		"a.mp4": "video/mp4",
		"a.bin": "application/octet-stream",
	} {
		if got := contentType(name); got != want {
			t.Fatalf("contentType(%s) = %s, want %s", name, got, want)
		}
	}
}
