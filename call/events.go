package call

import (
	"trunkphone/audio"
	"trunkphone/engine"
	"trunkphone/session"
)

// PendingCall is a call requested before the engine was ready.
type PendingCall struct {
	Destination string
	Identity    string
	Trunk       session.TrunkConfig
}

// Status is a point-in-time view of the controller loop.
type Status struct {
	EngineReady bool
	Pending     []PendingCall
	CallID      string // empty without an active call
	Audio       audio.State
}

// commandType enumerates user commands.
type commandType int

const (
	cmdDial commandType = iota
	cmdPlace
	cmdHangup
	cmdMute
	cmdSpeaker
	cmdVoice
	cmdLogin
	cmdLogout
	cmdTrunk
	cmdNumber
	cmdReset
)

func (t commandType) String() string {
	switch t {
	case cmdDial:
		return "dial"
	case cmdPlace:
		return "place"
	case cmdHangup:
		return "hangup"
	case cmdMute:
		return "mute"
	case cmdSpeaker:
		return "speaker"
	case cmdVoice:
		return "voice"
	case cmdLogin:
		return "login"
	case cmdLogout:
		return "logout"
	case cmdTrunk:
		return "trunk"
	case cmdNumber:
		return "number"
	case cmdReset:
		return "reset"
	default:
		return "unknown"
	}
}

type command struct {
	typ commandType

	call     PendingCall
	username string
	serverIP string
	port     int
	trunk    session.TrunkConfig
	number   string
	voice    session.VoiceType
	voiceOK  chan bool

	reply chan error
}

// engineEvent wraps anything the engine emitted.
type engineEvent struct {
	ev engine.Event
}

type bluetoothEvent struct {
	connected bool
}

type networkEvent struct {
	id string
}

type timerFired struct {
	id uint64
}

type statusQuery struct {
	reply chan Status
}
