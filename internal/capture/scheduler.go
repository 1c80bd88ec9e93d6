package capture

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AIWaveSystems/screenRecording/internal/logging"
)

var log = logging.L("capture")

const (
	defaultQueueDepth = 4
	statsLogInterval  = 10 * time.Second
)

// Options configures a Scheduler.
type Options struct {
	// Cursor supplies the cursor overlay. Nil disables compositing.
	Cursor CursorSource
	// QueueDepth bounds each subscriber's pending frames.
	QueueDepth int
	// StatsInterval controls periodic stats logging; zero uses 10s and a
	// negative value disables it.
	StatsInterval time.Duration
}

// Scheduler drives a FrameSource at a fixed cadence on its own goroutine and
// fans each composited frame out to subscribers. A slow subscriber loses
// frames; it never stalls the capture loop or other subscribers.
//
// Pipeline per tick:
//
//	Grab → Overlay cursor → clone per subscriber → non-blocking enqueue
type Scheduler struct {
	source  FrameSource
	cursor  CursorSource
	monitor MonitorDescriptor
	fps     int
	period  time.Duration
	depth   int

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64

	stats      *Stats
	errLimiter *rate.Limiter
	seq        uint64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  atomic.Bool
}

// Start validates the region and launches the capture loop.
func Start(source FrameSource, monitor MonitorDescriptor, targetFPS int, opts Options) (*Scheduler, error) {
	if source == nil {
		return nil, fmt.Errorf("capture: nil frame source")
	}
	if !monitor.Valid() {
		return nil, fmt.Errorf("capture %s: %w", monitor, ErrInvalidRegion)
	}
	if targetFPS < 1 {
		return nil, fmt.Errorf("capture: target fps must be positive, got %d", targetFPS)
	}
	depth := opts.QueueDepth
	if depth < 1 {
		depth = defaultQueueDepth
	}

	s := &Scheduler{
		source:     source,
		cursor:     opts.Cursor,
		monitor:    monitor,
		fps:        targetFPS,
		period:     time.Second / time.Duration(targetFPS),
		depth:      depth,
		subs:       make(map[uint64]*Subscription),
		stats:      newStats(),
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 3),
		done:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	interval := opts.StatsInterval
	if interval == 0 {
		interval = statsLogInterval
	}
	if interval > 0 {
		s.wg.Add(1)
		go s.statsLogger(interval)
	}

	log.Info("capture scheduler started", "monitor", monitor.ID,
		"width", monitor.Width, "height", monitor.Height, "fps", targetFPS)
	return s, nil
}

func (s *Scheduler) Monitor() MonitorDescriptor { return s.monitor }
func (s *Scheduler) FPS() int                   { return s.fps }
func (s *Scheduler) Stats() StatsSnapshot       { return s.stats.Snapshot() }

// Subscribe registers fn to receive every frame on a dedicated goroutine
// with the scheduler's default queue depth.
func (s *Scheduler) Subscribe(name string, fn func(Frame)) (*Subscription, error) {
	return s.SubscribeDepth(name, s.depth, fn)
}

// SubscribeDepth is Subscribe with an explicit queue depth.
func (s *Scheduler) SubscribeDepth(name string, depth int, fn func(Frame)) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("capture: nil subscriber callback")
	}
	if depth < 1 {
		depth = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return nil, ErrSchedulerStopped
	}

	s.nextID++
	sub := &Subscription{
		id:    s.nextID,
		name:  name,
		fn:    fn,
		queue: make(chan Frame, depth),
		done:  make(chan struct{}),
		sched: s,
	}
	s.subs[sub.id] = sub
	sub.wg.Add(1)
	go sub.deliver()

	log.Debug("subscriber added", "subscriber", name, "depth", depth)
	return sub, nil
}

// Stop ends the capture loop and every subscription. It is idempotent and
// returns only after all scheduler goroutines have exited, so no callback
// runs after Stop returns.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped.Store(true)
		s.mu.Unlock()

		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		subs := make([]*Subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}

		snap := s.stats.Snapshot()
		log.Info("capture scheduler stopped",
			"frames", snap.FramesCaptured,
			"grabErrors", snap.GrabErrors,
			"overruns", snap.Overruns,
			"effectiveFps", fmt.Sprintf("%.1f", snap.EffectiveFPS),
			"uptime", snap.Uptime.Truncate(time.Millisecond).String(),
		)
	})
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	region := s.monitor.Rect()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	sleep := func(d time.Duration) bool {
		if d <= 0 {
			select {
			case <-s.done:
				return false
			default:
				return true
			}
		}
		timer.Reset(d)
		select {
		case <-s.done:
			return false
		case <-timer.C:
			return true
		}
	}

	next := time.Now()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		tickStart := time.Now()
		img, err := s.source.Grab(region)
		if err != nil {
			s.stats.recordGrabError()
			if s.errLimiter.Allow() {
				log.Warn("frame grab failed", "monitor", s.monitor.ID, "error", err)
			}
			if !sleep(s.period) {
				return
			}
			next = time.Now()
			continue
		}
		grabbed := time.Now()

		s.composite(img, region)
		s.stats.recordCapture(grabbed.Sub(tickStart), time.Since(grabbed))

		s.seq++
		s.publish(Frame{Image: img, CapturedAt: tickStart, Seq: s.seq})

		// Hold cadence against the deadline rather than the previous
		// sleep; when a tick overruns, skip ahead instead of bursting.
		next = next.Add(s.period)
		now := time.Now()
		if !now.Before(next) {
			s.stats.recordOverrun()
			next = now
			continue
		}
		if !sleep(next.Sub(now)) {
			return
		}
	}
}

func (s *Scheduler) composite(img *image.RGBA, region image.Rectangle) {
	if s.cursor == nil {
		return
	}
	cur, visible, err := s.cursor.Cursor()
	if err != nil {
		s.stats.recordCursorError()
		if s.errLimiter.Allow() {
			log.Debug("cursor query failed", "error", err)
		}
		return
	}
	if visible {
		Overlay(img, region, cur)
	}
}

// publish hands every subscriber its own frame. The last subscriber takes
// the original buffer; the rest get clones.
func (s *Scheduler) publish(frame Frame) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for i, sub := range subs {
		f := frame
		if i < len(subs)-1 {
			f = frame.Clone()
		}
		sub.offer(f)
	}
}

func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *Scheduler) statsLogger(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			snap := s.stats.Snapshot()
			log.Debug("capture stats",
				"frames", snap.FramesCaptured,
				"grabErrors", snap.GrabErrors,
				"overruns", snap.Overruns,
				"grabMs", fmt.Sprintf("%.1f", snap.GrabMs),
				"compositeMs", fmt.Sprintf("%.1f", snap.CompositeMs),
				"effectiveFps", fmt.Sprintf("%.1f", snap.EffectiveFPS),
			)
		}
	}
}

// Subscription is one consumer of scheduler frames with its own bounded
// queue and delivery goroutine.
type Subscription struct {
	id    uint64
	name  string
	fn    func(Frame)
	queue chan Frame
	done  chan struct{}
	sched *Scheduler

	wg   sync.WaitGroup
	once sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (sub *Subscription) Name() string      { return sub.name }
func (sub *Subscription) Delivered() uint64 { return sub.delivered.Load() }
func (sub *Subscription) Dropped() uint64   { return sub.dropped.Load() }

// offer never blocks the producer; a full queue drops the frame for this
// subscriber only.
func (sub *Subscription) offer(f Frame) {
	select {
	case <-sub.done:
		return
	default:
	}
	select {
	case sub.queue <- f:
	default:
		sub.dropped.Add(1)
	}
}

func (sub *Subscription) deliver() {
	defer sub.wg.Done()
	defer func() {
		log.Debug("subscriber removed", "subscriber", sub.name,
			"delivered", sub.delivered.Load(), "dropped", sub.dropped.Load())
	}()
	for {
		select {
		case <-sub.done:
			return
		case f := <-sub.queue:
			// A frame can race with Unsubscribe; done wins.
			select {
			case <-sub.done:
				return
			default:
			}
			sub.fn(f)
			sub.delivered.Add(1)
		}
	}
}

// Unsubscribe detaches the subscriber and waits for its delivery goroutine
// to exit. Safe to call more than once and from any goroutine other than
// the subscriber's own callback.
func (sub *Subscription) Unsubscribe() {
	sub.detach()
	sub.wg.Wait()
}

// UnsubscribeWithin detaches the subscriber and waits at most d for its
// delivery goroutine to exit. It reports false when a callback is still
// running at the deadline; no further frames are delivered either way and
// the goroutine exits as soon as that callback returns.
func (sub *Subscription) UnsubscribeWithin(d time.Duration) bool {
	sub.detach()
	exited := make(chan struct{})
	go func() {
		sub.wg.Wait()
		close(exited)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-exited:
		return true
	case <-timer.C:
		log.Warn("subscriber callback still running, abandoning it", "subscriber", sub.name, "waited", d.String())
		return false
	}
}

func (sub *Subscription) detach() {
	sub.once.Do(func() {
		sub.sched.remove(sub.id)
		close(sub.done)
	})
}
