package capture

import (
	"sync"
	"time"
)

// Stats tracks capture loop performance for one scheduler.
type Stats struct {
	mu sync.RWMutex

	framesCaptured uint64
	grabErrors     uint64
	cursorErrors   uint64
	overruns       uint64

	lastGrab      time.Duration
	lastComposite time.Duration
	startTime     time.Time
}

func newStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (m *Stats) recordCapture(grab, composite time.Duration) {
	m.mu.Lock()
	m.framesCaptured++
	m.lastGrab = grab
	m.lastComposite = composite
	m.mu.Unlock()
}

func (m *Stats) recordGrabError() {
	m.mu.Lock()
	m.grabErrors++
	m.mu.Unlock()
}

func (m *Stats) recordCursorError() {
	m.mu.Lock()
	m.cursorErrors++
	m.mu.Unlock()
}

func (m *Stats) recordOverrun() {
	m.mu.Lock()
	m.overruns++
	m.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of Stats for logging.
type StatsSnapshot struct {
	FramesCaptured uint64
	GrabErrors     uint64
	CursorErrors   uint64
	Overruns       uint64
	GrabMs         float64
	CompositeMs    float64
	EffectiveFPS   float64
	Uptime         time.Duration
}

func (m *Stats) Snapshot() StatsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	fps := float64(0)
	if uptime.Seconds() > 0 {
		fps = float64(m.framesCaptured) / uptime.Seconds()
	}

	return StatsSnapshot{
		FramesCaptured: m.framesCaptured,
		GrabErrors:     m.grabErrors,
		CursorErrors:   m.cursorErrors,
		Overruns:       m.overruns,
		GrabMs:         float64(m.lastGrab.Microseconds()) / 1000.0,
		CompositeMs:    float64(m.lastComposite.Microseconds()) / 1000.0,
		EffectiveFPS:   fps,
		Uptime:         uptime,
	}
}
