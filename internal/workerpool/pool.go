package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/AIWaveSystems/screenRecording/internal/logging"
)

var log = logging.L("workerpool")

var (
	// ErrPoolStopped is returned by Submit after StopAccepting or Shutdown.
	ErrPoolStopped = errors.New("worker pool is not accepting tasks")
	// ErrQueueFull is returned by Submit when the task queue has no free slot.
	ErrQueueFull = errors.New("worker pool queue full")
)

// Task is a unit of work submitted to the pool. The context is cancelled
// when the pool shuts down and its drain deadline expires.
type Task func(ctx context.Context)

// Pool is a bounded goroutine pool with a fixed-size task queue. Mux jobs
// run here so stopping a session never waits on the transcode.
type Pool struct {
	name      string
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	running   atomic.Int32
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(name string, maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     name,
		queue:    make(chan Task, queueSize),
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.accepting.Store(true)

	for range maxWorkers {
		go p.worker()
	}

	log.Debug("worker pool started", "pool", name, "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task without blocking.
// wg.Add is called here (before enqueue) to prevent a race with Drain.
func (p *Pool) Submit(task Task) error {
	if !p.accepting.Load() {
		return ErrPoolStopped
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return nil
	default:
		p.wg.Done() // undo the Add since task was not enqueued
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return ErrQueueFull
	}
}

// Running reports how many tasks are executing right now.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. New submissions are refused from this point on.
// After Drain returns, the queue channel is closed so worker goroutines exit.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained", "pool", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name, "running", p.Running())
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

// Shutdown drains the pool and then cancels the task context so that any
// task still running past the deadline can abort its subprocess.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Drain(ctx)
	p.cancel()
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	p.running.Add(1)
	defer p.wg.Done()
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}
