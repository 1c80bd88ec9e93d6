package capture

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	mu       sync.Mutex
	grabs    int
	failFor  int
	grabCost time.Duration
}

func (f *fakeSource) Grab(region image.Rectangle) (*image.RGBA, error) {
	f.mu.Lock()
	f.grabs++
	n := f.grabs
	cost := f.grabCost
	f.mu.Unlock()

	if cost > 0 {
		time.Sleep(cost)
	}
	if n <= f.failFor {
		return nil, &CaptureError{Region: region, Err: errors.New("boom")}
	}
	return image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy())), nil
}

func (f *fakeSource) Monitors() ([]MonitorDescriptor, error) { return nil, nil }
func (f *fakeSource) Close() error                           { return nil }

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grabs
}

var testMonitor = MonitorDescriptor{ID: 1, Width: 32, Height: 24}

func TestSchedulerHoldsCadence(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	src := &fakeSource{grabCost: 3 * time.Millisecond}
	s, err := Start(src, testMonitor, 30, Options{StatsInterval: -1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	var frames atomic.Int64
	if _, err := s.Subscribe("count", func(Frame) { frames.Add(1) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const window = 2 * time.Second
	time.Sleep(window)
	got := float64(frames.Load()) / window.Seconds()
	if got < 30*0.85 || got > 30*1.1 {
		t.Fatalf("delivered %.1f fps, want 30 +/- tolerance", got)
	}
}

func TestSchedulerDeliversOwnedCopiesInOrder(t *testing.T) {
	s, err := Start(&fakeSource{}, testMonitor, 100, Options{StatsInterval: -1, QueueDepth: 64})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var mu sync.Mutex
	var a, b []Frame
	s.Subscribe("a", func(f Frame) { mu.Lock(); a = append(a, f); mu.Unlock() })
	s.Subscribe("b", func(f Frame) {
		f.Image.Pix[0] = 0xFF // mutate our copy
		mu.Lock()
		b = append(b, f)
		mu.Unlock()
	})

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(a) == 0 || len(b) == 0 {
		t.Fatalf("expected frames for both subscribers, got %d and %d", len(a), len(b))
	}
	for i := 1; i < len(a); i++ {
		if a[i].Seq <= a[i-1].Seq {
			t.Fatalf("frames out of order: %d after %d", a[i].Seq, a[i-1].Seq)
		}
	}
	for _, f := range a {
		if f.Image.Pix[0] != 0 {
			t.Fatal("subscriber a observed a mutation made by subscriber b")
		}
	}
}

func TestSchedulerStopIsIdempotentAndJoins(t *testing.T) {
	s, err := Start(&fakeSource{}, testMonitor, 200, Options{StatsInterval: -1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var afterStop atomic.Bool
	var stopped atomic.Bool
	s.Subscribe("watch", func(Frame) {
		if stopped.Load() {
			afterStop.Store(true)
		}
		time.Sleep(2 * time.Millisecond)
	})

	time.Sleep(50 * time.Millisecond)
	s.Stop()
	stopped.Store(true)
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	if afterStop.Load() {
		t.Fatal("callback fired after Stop returned")
	}
	if _, err := s.Subscribe("late", func(Frame) {}); !errors.Is(err, ErrSchedulerStopped) {
		t.Fatalf("Subscribe after Stop = %v, want ErrSchedulerStopped", err)
	}
}

func TestSlowSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	s, err := Start(&fakeSource{}, testMonitor, 200, Options{StatsInterval: -1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	release := make(chan struct{})
	slow, _ := s.SubscribeDepth("slow", 1, func(Frame) { <-release })
	var fast atomic.Int64
	s.Subscribe("fast", func(Frame) { fast.Add(1) })

	time.Sleep(200 * time.Millisecond)
	close(release)
	s.Stop()

	if fast.Load() < 10 {
		t.Fatalf("fast subscriber got %d frames, expected it to keep up", fast.Load())
	}
	if slow.Dropped() == 0 {
		t.Fatal("expected the blocked subscriber to drop frames")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s, err := Start(&fakeSource{}, testMonitor, 200, Options{StatsInterval: -1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	var n atomic.Int64
	sub, _ := s.Subscribe("x", func(Frame) { n.Add(1) })
	time.Sleep(30 * time.Millisecond)
	sub.Unsubscribe()
	sub.Unsubscribe()

	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	if n.Load() != after {
		t.Fatal("frames delivered after Unsubscribe returned")
	}
}

func TestUnsubscribeWithinAbandonsStuckCallback(t *testing.T) {
	s, err := Start(&fakeSource{}, testMonitor, 200, Options{StatsInterval: -1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	sub, _ := s.Subscribe("stuck", func(Frame) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
	})
	<-entered

	start := time.Now()
	if sub.UnsubscribeWithin(50 * time.Millisecond) {
		t.Fatal("expected UnsubscribeWithin to report the stuck callback")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("UnsubscribeWithin took %v", elapsed)
	}

	// The detached subscriber no longer holds up the scheduler.
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an abandoned subscriber")
	}

	close(release)
	if !sub.UnsubscribeWithin(time.Second) {
		t.Fatal("delivery goroutine should exit once the callback returns")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("callback ran %d times, want 1", n)
	}
}

func TestTransientGrabErrorsAreNotFatal(t *testing.T) {
	src := &fakeSource{failFor: 3}
	s, err := Start(src, testMonitor, 100, Options{StatsInterval: -1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := make(chan Frame, 1)
	s.Subscribe("first", func(f Frame) {
		select {
		case got <- f:
		default:
		}
	})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not recover after transient grab errors")
	}
	s.Stop()

	if snap := s.Stats(); snap.GrabErrors != 3 {
		t.Fatalf("GrabErrors = %d, want 3", snap.GrabErrors)
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	if _, err := Start(&fakeSource{}, MonitorDescriptor{}, 30, Options{}); !errors.Is(err, ErrInvalidRegion) {
		t.Fatalf("empty monitor: err = %v, want ErrInvalidRegion", err)
	}
	if _, err := Start(&fakeSource{}, testMonitor, 0, Options{}); err == nil {
		t.Fatal("zero fps should be rejected")
	}
}

func TestSchedulerCompositesCursor(t *testing.T) {
	m := MonitorDescriptor{ID: 0, Left: 10, Top: 10, Width: 40, Height: 40}
	s, err := Start(&fakeSource{}, m, 100, Options{
		Cursor:        StaticCursor(ArrowCursor(20, 20)),
		StatsInterval: -1,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := make(chan Frame, 1)
	s.Subscribe("c", func(f Frame) {
		select {
		case got <- f:
		default:
		}
	})
	f := <-got
	s.Stop()

	// Arrow tip lands at (10,10) inside the region-relative frame.
	off := f.Image.PixOffset(10, 10)
	if f.Image.Pix[off+3] != 255 {
		t.Fatalf("expected cursor tip drawn at region offset, alpha=%d", f.Image.Pix[off+3])
	}
}
