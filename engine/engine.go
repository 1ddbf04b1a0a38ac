// Package engine describes the VoIP engine the call controller drives.
// Signaling and media live behind Engine; the controller only sees handles,
// raw call states and device selection.
package engine

import (
	"context"
	"fmt"
)

// RawState is the engine's fine grained call state vocabulary.
type RawState string

const (
	StateIdle                 RawState = "Idle"
	StateIncomingReceived     RawState = "IncomingReceived"
	StatePushIncomingReceived RawState = "PushIncomingReceived"
	StateOutgoingInit         RawState = "OutgoingInit"
	StateOutgoingProgress     RawState = "OutgoingProgress"
	StateOutgoingRinging      RawState = "OutgoingRinging"
	StateOutgoingEarlyMedia   RawState = "OutgoingEarlyMedia"
	StateConnected            RawState = "Connected"
	StateStreamsRunning       RawState = "StreamsRunning"
	StatePausing              RawState = "Pausing"
	StatePaused               RawState = "Paused"
	StateResuming             RawState = "Resuming"
	StateReferred             RawState = "Referred"
	StateError                RawState = "Error"
	StateEnd                  RawState = "End"
	StatePausedByRemote       RawState = "PausedByRemote"
	StateUpdatedByRemote      RawState = "UpdatedByRemote"
	StateIncomingEarlyMedia   RawState = "IncomingEarlyMedia"
	StateUpdating             RawState = "Updating"
	StateReleased             RawState = "Released"
	StateEarlyUpdatedByRemote RawState = "EarlyUpdatedByRemote"
	StateEarlyUpdating        RawState = "EarlyUpdating"
)

// CallHandle is an opaque reference to a call owned by the engine.
type CallHandle interface {
	ID() string
}

// Address is a SIP address of the form sip:user@host:port.
type Address struct {
	User string
	Host string
	Port int
}

func (a Address) String() string {
	if a.User == "" {
		return fmt.Sprintf("sip:%s:%d", a.Host, a.Port)
	}
	return fmt.Sprintf("sip:%s@%s:%d", a.User, a.Host, a.Port)
}

// CallParams are the media parameters of an outgoing call.
type CallParams struct {
	AudioEnabled      bool
	VideoEnabled      bool
	EarlyMediaSending bool
	MicGain           float32
	SpeakerGain       float32
}

// DefaultCallParams returns the parameters used for trunk calls.
func DefaultCallParams() CallParams {
	return CallParams{
		AudioEnabled:      true,
		EarlyMediaSending: true,
		MicGain:           2.0,
		SpeakerGain:       1.0,
	}
}

// DeviceType classifies an audio device.
type DeviceType int

const (
	DeviceUnknown DeviceType = iota
	DeviceMicrophone
	DeviceEarpiece
	DeviceSpeaker
	DeviceBluetooth
	DeviceHeadset
)

func (t DeviceType) String() string {
	switch t {
	case DeviceMicrophone:
		return "Microphone"
	case DeviceEarpiece:
		return "Earpiece"
	case DeviceSpeaker:
		return "Speaker"
	case DeviceBluetooth:
		return "Bluetooth"
	case DeviceHeadset:
		return "Headset"
	default:
		return "Unknown"
	}
}

// AudioDevice is a device enumerated by the engine.
type AudioDevice struct {
	ID   string
	Name string
	Type DeviceType
}

// AudioStats are the media counters of a running call.
type AudioStats struct {
	UploadBandwidth   float64 // bps
	DownloadBandwidth float64 // bps
}

// Event is anything emitted by the engine.
type Event interface {
	engineEvent()
}

// Ready is emitted once after the engine finished warming up.
type Ready struct{}

// CallStateChanged reports a raw state change of one call.
type CallStateChanged struct {
	Handle  CallHandle
	State   RawState
	Message string
}

// RegistrationStateChanged reports the account registration state.
type RegistrationStateChanged struct {
	State   string
	Message string
}

func (Ready) engineEvent()                    {}
func (CallStateChanged) engineEvent()         {}
func (RegistrationStateChanged) engineEvent() {}

// Devices is the device selection part of the engine.
type Devices interface {
	AudioDevices() []AudioDevice
	InputDevice() (AudioDevice, bool)
	OutputDevice() (AudioDevice, bool)
	SetInputDevice(d AudioDevice) error
	SetOutputDevice(d AudioDevice) error
	SetMicMuted(muted bool) error
	MicMuted() bool
	AudioStats(h CallHandle) (AudioStats, bool)
}

// Engine is the command interface of the VoIP engine. Only the call
// controller issues commands to it.
type Engine interface {
	Devices

	// Start initializes the engine. Events, including the one-time Ready,
	// are delivered through emit in the order they happened.
	Start(ctx context.Context, emit func(Event)) error
	Stop()

	Invite(identity, destination Address, params CallParams) (CallHandle, error)
	Terminate(h CallHandle) error
	TerminateAll() error

	// SetNetworkReachable tells the engine whether the network is usable.
	SetNetworkReachable(reachable bool)
	// RefreshCall renegotiates the streams of h, e.g. after a network change.
	RefreshCall(h CallHandle) error
}
