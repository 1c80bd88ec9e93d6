package ffmpeg

import (
	"errors"
	"strings"
	"testing"
)

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tb := &tailBuffer{max: 8}
	tb.Write([]byte("0123456789"))
	tb.Write([]byte("ab"))
	if got := tb.String(); got != "456789ab" {
		t.Fatalf("tail = %q, want %q", got, "456789ab")
	}
}

func TestLastLine(t *testing.T) {
	out := []byte("Input #0, avi\n  Stream #0:0: Video\n\nout.avi: No such file or directory\n\n")
	if got := LastLine(out); got != "out.avi: No such file or directory" {
		t.Fatalf("LastLine = %q", got)
	}
	if LastLine(nil) != "" {
		t.Fatal("LastLine(nil) should be empty")
	}
}

func TestLocateMissingBinary(t *testing.T) {
	_, err := Locate("definitely-not-ffmpeg-binary")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if !strings.Contains(err.Error(), "definitely-not-ffmpeg-binary") {
		t.Fatalf("error should name the binary: %v", err)
	}
}
