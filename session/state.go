package session

import (
	"fmt"
	"strings"
)

// DefaultPort is the SIP port used when a trunk does not specify one.
const DefaultPort = 5060

// CallState is the reduced, application level call state.
type CallState int

const (
	StateIdle CallState = iota
	StateOutgoing
	StateIncoming
	StateConnected
	StateEnded
	StateError
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOutgoing:
		return "OUTGOING"
	case StateIncoming:
		return "INCOMING"
	case StateConnected:
		return "CONNECTED"
	case StateEnded:
		return "ENDED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

// Terminal reports whether s is followed by an automatic reset to IDLE.
func (s CallState) Terminal() bool {
	return s == StateEnded || s == StateError
}

// VoiceType selects the effect applied by the remote voice changer.
type VoiceType int

const (
	VoiceNormal VoiceType = iota
	VoiceMale
	VoiceFemale
	VoiceKid
)

func (v VoiceType) String() string {
	switch v {
	case VoiceNormal:
		return "NORMAL"
	case VoiceMale:
		return "MALE"
	case VoiceFemale:
		return "FEMALE"
	case VoiceKid:
		return "KID"
	default:
		return fmt.Sprintf("VoiceType(%d)", int(v))
	}
}

// ParseVoiceType accepts the names printed by VoiceType.String, case-insensitively.
func ParseVoiceType(s string) (VoiceType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NORMAL":
		return VoiceNormal, nil
	case "MALE":
		return VoiceMale, nil
	case "FEMALE":
		return VoiceFemale, nil
	case "KID":
		return VoiceKid, nil
	}
	return VoiceNormal, fmt.Errorf("unknown voice type %q", s)
}

// TrunkConfig describes the IP trunk calls are originated through.
// It is replaced as a whole on update.
type TrunkConfig struct {
	Username   string `ini:"username"`
	ServerIP   string `ini:"server_ip"`
	ServerPort int    `ini:"server_port"`
	LocalPort  int    `ini:"local_port"`
}

// DefaultTrunkConfig returns an empty trunk with default ports.
func DefaultTrunkConfig() TrunkConfig {
	return TrunkConfig{ServerPort: DefaultPort, LocalPort: DefaultPort}
}

// Snapshot is the observable session consumed by the presentation layer.
type Snapshot struct {
	LoggedIn     bool
	Username     string
	PhoneNumber  string
	CallState    CallState
	Muted        bool
	SpeakerOn    bool
	VoiceType    VoiceType
	CallDuration int // seconds
	Trunk        TrunkConfig
}
