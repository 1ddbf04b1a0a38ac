// Package audio decides which audio path a call uses and keeps the engine
// and the OS audio session pointed at it.
package audio

import (
	"errors"
	"time"
)

// ErrRoute wraps failures of device or OS audio calls. They are logged and
// retried on the next trigger.
var ErrRoute = errors.New("audio route")

// Route is a physical audio path.
type Route int

const (
	RouteEarpiece Route = iota
	RouteSpeaker
	RouteBluetooth
)

func (r Route) String() string {
	switch r {
	case RouteSpeaker:
		return "Speaker"
	case RouteBluetooth:
		return "Bluetooth"
	default:
		return "Earpiece"
	}
}

// State is the derived audio state of the session.
type State struct {
	BluetoothConnected bool
	Output             Route
	MicMuted           bool
}

// Platform is the OS audio session.
type Platform interface {
	RequestAudioFocus() error
	AbandonAudioFocus() error
	SetCommunicationMode(on bool) error
	SetSpeakerphoneOn(on bool) error
	StartBluetoothSCO() error
	StopBluetoothSCO() error
	BluetoothSCOOn() bool
}

// Scheduler runs fn once after d on the goroutine that owns the Coordinator.
// The returned function cancels fn if it has not run yet.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
}

// Recorder receives route events, typically for metrics.
type Recorder interface {
	RouteApplied(r Route)
	RouteFailed()
	RouteReapplied()
	MicCycled()
}

type nopRecorder struct{}

func (nopRecorder) RouteApplied(Route) {}
func (nopRecorder) RouteFailed()       {}
func (nopRecorder) RouteReapplied()    {}
func (nopRecorder) MicCycled()         {}

// Config holds the coordinator timings and thresholds.
type Config struct {
	BluetoothSettle       time.Duration
	VerifyInitial         time.Duration
	VerifyInterval        time.Duration
	VerifyChecks          int
	MinUploadBPS          float64
	KeepAliveInterval     time.Duration
	KeepAliveMinUploadBPS float64
	MicCycle              time.Duration
}

// DefaultConfig returns the timings used on phones.
func DefaultConfig() Config {
	return Config{
		BluetoothSettle:       time.Second,
		VerifyInitial:         time.Second,
		VerifyInterval:        2 * time.Second,
		VerifyChecks:          15,
		MinUploadBPS:          50,
		KeepAliveInterval:     5 * time.Second,
		KeepAliveMinUploadBPS: 100,
		MicCycle:              200 * time.Millisecond,
	}
}
