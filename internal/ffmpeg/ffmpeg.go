// Package ffmpeg runs the external ffmpeg binary, either as a one-shot
// command or as a long-lived encoder fed through stdin.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/AIWaveSystems/screenRecording/internal/logging"
)

var log = logging.L("ffmpeg")

var (
	ErrNotFound    = errors.New("ffmpeg binary not found")
	ErrStopTimeout = errors.New("ffmpeg did not exit in time")
	ErrPipeClosed  = errors.New("ffmpeg pipe closed")
)

// Locate resolves bin (a name or path) to an executable path.
func Locate(bin string) (string, error) {
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, bin, err)
	}
	return path, nil
}

// Version returns the first line of `ffmpeg -version`.
func Version(ctx context.Context, bin string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, "-hide_banner", "-version").Output()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// Runner executes one ffmpeg invocation to completion and returns its
// combined output.
type Runner interface {
	Run(ctx context.Context, args []string) ([]byte, error)
}

// Exec runs the binary at Path.
type Exec struct {
	Path string
}

func (e Exec) Run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.Path, args...)
	detach(cmd)
	cmd.WaitDelay = 2 * time.Second
	return cmd.CombinedOutput()
}

// Pipe is a running ffmpeg process reading raw input on stdin.
type Pipe struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	tail  *tailBuffer
	done  chan struct{}
	err   error

	mu     sync.Mutex
	closed bool
}

// StartPipe launches bin with args; args must read from "-i pipe:0".
func StartPipe(bin string, args []string) (*Pipe, error) {
	cmd := exec.Command(bin, args...)
	detach(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	tail := &tailBuffer{max: 8 << 10}
	cmd.Stdout = io.Discard
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &Pipe{cmd: cmd, stdin: stdin, tail: tail, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	log.Debug("ffmpeg pipe started", "pid", cmd.Process.Pid)
	return p, nil
}

// Write sends one chunk of raw input. It fails once the process has exited.
func (p *Pipe) Write(b []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPipeClosed
	}
	select {
	case <-p.done:
		return fmt.Errorf("ffmpeg exited: %v: %s", p.err, p.tail.String())
	default:
	}
	_, err := p.stdin.Write(b)
	return err
}

// Close ends the input and waits up to timeout for ffmpeg to finish the
// file. If it does not, it is interrupted, then killed after a grace period,
// and ErrStopTimeout is returned.
func (p *Pipe) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.stdin.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		if p.err != nil {
			return fmt.Errorf("ffmpeg: %w: %s", p.err, p.tail.String())
		}
		return nil
	case <-timer.C:
	}

	log.Warn("ffmpeg still running after input closed, interrupting", "pid", p.cmd.Process.Pid)
	interrupt(p.cmd)
	select {
	case <-p.done:
	case <-time.After(500 * time.Millisecond):
		p.cmd.Process.Kill()
		<-p.done
	}
	return ErrStopTimeout
}

// Stderr returns the last few KiB of ffmpeg's diagnostic output.
func (p *Pipe) Stderr() string { return p.tail.String() }

// tailBuffer keeps only the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(b)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}

// LastLine returns the last non-empty line of ffmpeg output, which is
// usually the actual error.
func LastLine(out []byte) string {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return last
}
