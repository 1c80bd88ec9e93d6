package audio

import "fmt"

// strategy is one way of opening a system-audio stream. resolve picks the
// device for this attempt; ok=false means the strategy does not apply.
type strategy struct {
	mode     Mode
	loopback bool
	resolve  func(target DeviceDescriptor, mics []DeviceDescriptor, hints []string) (DeviceDescriptor, bool)
}

// systemStrategies is the ordered fallback chain for the system role.
var systemStrategies = []strategy{
	{
		mode:     ModeNativeLoopback,
		loopback: true,
		resolve:  sameDevice,
	},
	{
		// Degraded: captures the device's input path, not what it plays.
		mode:    ModeDirectDevice,
		resolve: sameDevice,
	},
	{
		mode:    ModeAlternateLoopback,
		resolve: alternateLoopback,
	},
}

func sameDevice(target DeviceDescriptor, _ []DeviceDescriptor, _ []string) (DeviceDescriptor, bool) {
	return target, true
}

func alternateLoopback(_ DeviceDescriptor, mics []DeviceDescriptor, hints []string) (DeviceDescriptor, bool) {
	return FindLoopbackDevice(mics, hints)
}

// FindLoopbackDevice returns the first input-capable device whose name
// matches one of the loopback hints ("stereo mix", ".monitor", ...).
func FindLoopbackDevice(devices []DeviceDescriptor, hints []string) (DeviceDescriptor, bool) {
	for _, hint := range hints {
		for _, d := range devices {
			if d.MaxInputChannels > 0 && containsFold(d.Name, hint) {
				return d, true
			}
		}
	}
	return DeviceDescriptor{}, false
}

// Attempt is the tagged outcome of one strategy.
type Attempt struct {
	Mode   Mode
	Device DeviceDescriptor
	Err    error
}

func (a Attempt) OK() bool { return a.Err == nil }

func (a Attempt) String() string {
	if a.Err != nil {
		return fmt.Sprintf("%s(%s): %v", a.Mode, a.Device.Name, a.Err)
	}
	return fmt.Sprintf("%s(%s): ok", a.Mode, a.Device.Name)
}
