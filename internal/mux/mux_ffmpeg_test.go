package mux

import (
	"context"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/AIWaveSystems/screenRecording/internal/ffmpeg"
)

func requireTools(t *testing.T) (string, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("ffmpeg integration test")
	}
	ff, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not on PATH")
	}
	probe, err := exec.LookPath("ffprobe")
	if err != nil {
		t.Skip("ffprobe not on PATH")
	}
	return ff, probe
}

func generate(t *testing.T, ff string, args ...string) {
	t.Helper()
	out, err := exec.Command(ff, append([]string{"-y", "-hide_banner", "-loglevel", "error"}, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("generate fixture: %v: %s", err, out)
	}
}

func probe(t *testing.T, probeBin string, args ...string) string {
	t.Helper()
	out, err := exec.Command(probeBin, append([]string{"-v", "error"}, args...)...).Output()
	if err != nil {
		t.Fatalf("ffprobe: %v", err)
	}
	return strings.TrimSpace(string(out))
}

func TestCombineTwoAudioTracksWithFFmpeg(t *testing.T) {
	ff, probeBin := requireTools(t)
	dir := t.TempDir()

	video := filepath.Join(dir, "recording_12-00-00_temp.avi")
	mic := filepath.Join(dir, "recording_12-00-00_mic.wav")
	spk := filepath.Join(dir, "recording_12-00-00_speakers.wav")
	out := filepath.Join(dir, "recording_12-00-00.avi")

	generate(t, ff, "-f", "lavfi", "-i", "testsrc=size=160x120:rate=10:duration=3", "-c:v", "mpeg4", video)
	generate(t, ff, "-f", "lavfi", "-i", "sine=frequency=440:sample_rate=44100:duration=1", "-ac", "2", mic)
	generate(t, ff, "-f", "lavfi", "-i", "sine=frequency=880:sample_rate=44100:duration=2.5", "-ac", "2", spk)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	m := New(ffmpeg.Exec{Path: ff}, DefaultOptions())
	res, err := m.Combine(ctx, Job{VideoPath: video, AudioPaths: []string{mic, spk}, OutputPath: out})
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if res.Degraded {
		t.Fatalf("combine degraded: %v", res.Err)
	}

	streams := probe(t, probeBin, "-select_streams", "a", "-show_entries", "stream=index", "-of", "csv=p=0", out)
	if n := len(strings.Fields(streams)); n != 1 {
		t.Fatalf("audio streams = %d, want exactly 1 (%q)", n, streams)
	}

	durStr := probe(t, probeBin, "-select_streams", "a:0", "-show_entries", "stream=duration", "-of", "csv=p=0", out)
	dur, err := strconv.ParseFloat(durStr, 64)
	if err != nil {
		// Some containers only report the format duration.
		durStr = probe(t, probeBin, "-show_entries", "format=duration", "-of", "csv=p=0", out)
		if dur, err = strconv.ParseFloat(durStr, 64); err != nil {
			t.Fatalf("parse duration %q: %v", durStr, err)
		}
	}
	if dur < 2.3 || dur > 3.2 {
		t.Fatalf("audio duration = %.2fs, want about the longer input (2.5s)", dur)
	}

	if exists(video) || exists(mic) || exists(spk) {
		t.Fatal("intermediates should be removed after a verified combine")
	}
}
