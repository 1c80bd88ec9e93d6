// Package health tracks the condition of each recording component (video
// sink, audio channels, capture, mux) for status reporting.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/AIWaveSystems/screenRecording/internal/logging"
)

var log = logging.L("health")

type Status string

const (
	Off      Status = "off"
	Healthy  Status = "healthy"
	Degraded Status = "degraded"
	Failed   Status = "failed"
)

// Component names used by the recorder.
const (
	Capture = "capture"
	Video   = "video"
	Mic     = "mic"
	System  = "system"
	Mux     = "mux"
)

// Check is the latest report for one component.
type Check struct {
	Component string    `json:"component"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Board holds one Check per component. A nil *Board discards updates.
type Board struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewBoard() *Board {
	return &Board{checks: make(map[string]Check)}
}

// Set records the status of component, logging transitions away from
// healthy.
func (b *Board) Set(component string, status Status, message string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	prev, had := b.checks[component]
	b.checks[component] = Check{
		Component: component,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	b.mu.Unlock()

	if (status == Degraded || status == Failed) && (!had || prev.Status != status) {
		log.Warn("component unhealthy", "component", component, "status", string(status), "message", message)
	}
}

func (b *Board) Get(component string) (Check, bool) {
	if b == nil {
		return Check{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.checks[component]
	return c, ok
}

// Overall is the worst status among active components. Components that are
// Off do not count; with nothing active the result is Off.
func (b *Board) Overall() Status {
	if b == nil {
		return Off
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	worst := Off
	for _, c := range b.checks {
		if rank(c.Status) > rank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// Checks returns every check ordered by component name.
func (b *Board) Checks() []Check {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	out := make([]Check, 0, len(b.checks))
	for _, c := range b.checks {
		out = append(out, c)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Reset forgets every component, for reuse across recordings.
func (b *Board) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	clear(b.checks)
	b.mu.Unlock()
}

func rank(s Status) int {
	switch s {
	case Healthy:
		return 1
	case Degraded:
		return 2
	case Failed:
		return 3
	default:
		return 0
	}
}
