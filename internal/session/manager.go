package session

import (
	"context"
	"sync"

	"github.com/AIWaveSystems/screenRecording/internal/audio"
	"github.com/AIWaveSystems/screenRecording/internal/capture"
)

// Manager is the recording controller: it creates a Session per Start and
// routes Stop to the current one.
type Manager struct {
	settings Settings
	deps     Deps

	mu      sync.Mutex
	current *Session
}

func NewManager(settings Settings, deps Deps) *Manager {
	return &Manager{settings: settings, deps: deps}
}

// Start begins a new recording. It returns ErrBusy while another recording
// in this process is active.
func (m *Manager) Start(monitor capture.MonitorDescriptor, mic, speaker *audio.DeviceDescriptor) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.current; cur != nil {
		if st := cur.State(); st == StateStarting || st == StateRecording || st == StateStopping {
			return nil, ErrBusy
		}
	}
	s := New(m.settings, m.deps)
	m.current = s
	if err := s.Start(monitor, mic, speaker); err != nil {
		return s, err
	}
	return s, nil
}

// Stop stops the current recording. With nothing recording it returns
// (nil, nil).
func (m *Manager) Stop(ctx context.Context) (*Ticket, error) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()

	if s == nil {
		return nil, nil
	}
	return s.Stop(ctx)
}

// Current returns the most recently started session.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// State reports the current session's state, Idle when there is none.
func (m *Manager) State() State {
	if s := m.Current(); s != nil {
		return s.State()
	}
	return StateIdle
}
