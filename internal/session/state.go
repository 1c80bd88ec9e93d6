package session

// State is the lifecycle position of a Session.
//
//	Idle → Starting → Recording → Stopping → Idle
//	          ↘ Failed       Stopping ↘ Failed
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
