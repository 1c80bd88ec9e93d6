//go:build !unix

package ffmpeg

import "os/exec"

func detach(*exec.Cmd) {}

// interrupt has no graceful equivalent here; the caller kills after a grace
// period.
func interrupt(*exec.Cmd) {}
