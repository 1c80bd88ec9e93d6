package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotIdle is returned by Start on a session that already ran.
	ErrNotIdle = errors.New("session is not idle")
	// ErrBusy is returned when another session is recording in this process.
	ErrBusy = errors.New("another recording is in progress")
	// ErrNotRecording is returned by Stop while a transition is in flight.
	ErrNotRecording = errors.New("session is not recording")
	// ErrInsufficientDisk is returned by preflight when the output volume is
	// nearly full.
	ErrInsufficientDisk = errors.New("insufficient free disk space")

	errWriterStalled = errors.New("frame write still in progress")
)

// SetupError is a resource that could not be acquired while starting.
type SetupError struct {
	Resource string
	Err      error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Resource, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// TeardownError is a resource that did not release within its bound while
// stopping. It is logged, never returned to the caller of Stop.
type TeardownError struct {
	Resource string
	Timeout  time.Duration
	Err      error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown %s (bound %s): %v", e.Resource, e.Timeout, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
