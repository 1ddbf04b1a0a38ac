package call

import (
	"trunkphone/engine"
	"trunkphone/session"
)

var stateTable = map[engine.RawState]session.CallState{
	engine.StateOutgoingInit:       session.StateOutgoing,
	engine.StateOutgoingProgress:   session.StateOutgoing,
	engine.StateOutgoingRinging:    session.StateOutgoing,
	engine.StateIncomingReceived:   session.StateIncoming,
	engine.StateIncomingEarlyMedia: session.StateIncoming,
	engine.StateConnected:          session.StateConnected,
	engine.StateStreamsRunning:     session.StateConnected,
	engine.StateEnd:                session.StateEnded,
	engine.StateReleased:           session.StateEnded,
	engine.StateError:              session.StateError,
}

// MapState reduces a raw engine state to the application call state.
// States outside the table leave current unchanged and report ok=false.
func MapState(current session.CallState, raw engine.RawState) (next session.CallState, ok bool) {
	next, ok = stateTable[raw]
	if !ok {
		return current, false
	}
	return next, true
}
