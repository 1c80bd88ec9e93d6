package session

import (
	"context"

	"github.com/AIWaveSystems/screenRecording/internal/mux"
)

// Ticket tracks the combine scheduled by Stop.
type Ticket struct {
	SessionID string
	Job       mux.Job

	done    chan struct{}
	res     mux.Result
	err     error
	archive string
}

func newTicket(id string, job mux.Job) *Ticket {
	return &Ticket{SessionID: id, Job: job, done: make(chan struct{})}
}

func (t *Ticket) complete(res mux.Result, err error) {
	t.res, t.err = res, err
	close(t.done)
}

// Done is closed once the combine has finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the combine finishes or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (mux.Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return mux.Result{}, ctx.Err()
	}
}

// Archive is the archive location of the recording, empty when archiving
// was disabled or failed. Valid after Done is closed.
func (t *Ticket) Archive() string {
	select {
	case <-t.done:
		return t.archive
	default:
		return ""
	}
}
