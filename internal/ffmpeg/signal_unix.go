//go:build unix

package ffmpeg

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// detach puts ffmpeg in its own process group so a terminal Ctrl+C reaches
// only us; we then finish the file before ffmpeg exits.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interrupt asks ffmpeg to finalize its output and exit.
func interrupt(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = unix.Kill(cmd.Process.Pid, unix.SIGINT)
}
