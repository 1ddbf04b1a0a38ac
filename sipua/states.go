package sipua

import (
	"github.com/ghettovoice/gosip/sip"

	"trunkphone/engine"
)

// responseState maps a response to an outgoing INVITE to the raw state the
// engine reports for it. final is set for non-provisional responses.
func responseState(code sip.StatusCode) (state engine.RawState, final bool) {
	switch {
	case code == 100:
		return engine.StateOutgoingProgress, false
	case code == 183:
		return engine.StateOutgoingEarlyMedia, false
	case code > 100 && code < 200:
		return engine.StateOutgoingRinging, false
	case code >= 200 && code < 300:
		return engine.StateConnected, true
	default:
		return engine.StateError, true
	}
}

// failureStates lists the events raised when a call ends with the given code.
// Busy and declined calls end normally; every other failure is an error.
func failureStates(code sip.StatusCode) []engine.RawState {
	switch code {
	case 486, 600, 603:
		return []engine.RawState{engine.StateEnd, engine.StateReleased}
	default:
		return []engine.RawState{engine.StateError, engine.StateReleased}
	}
}
