package sipua

import (
	"io"
	"testing"

	"github.com/ghettovoice/gosip/sip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trunkphone/engine"
	"trunkphone/engine/enginetest"
)

func TestResponseState(t *testing.T) {
	tests := []struct {
		code  sip.StatusCode
		state engine.RawState
		final bool
	}{
		{100, engine.StateOutgoingProgress, false},
		{180, engine.StateOutgoingRinging, false},
		{181, engine.StateOutgoingRinging, false},
		{183, engine.StateOutgoingEarlyMedia, false},
		{200, engine.StateConnected, true},
		{202, engine.StateConnected, true},
		{404, engine.StateError, true},
		{486, engine.StateError, true},
		{503, engine.StateError, true},
	}
	for _, tt := range tests {
		state, final := responseState(tt.code)
		assert.Equal(t, tt.state, state, "code %d", tt.code)
		assert.Equal(t, tt.final, final, "code %d", tt.code)
	}
}

func TestFailureStates(t *testing.T) {
	assert.Equal(t, []engine.RawState{engine.StateEnd, engine.StateReleased}, failureStates(486))
	assert.Equal(t, []engine.RawState{engine.StateEnd, engine.StateReleased}, failureStates(603))
	assert.Equal(t, []engine.RawState{engine.StateError, engine.StateReleased}, failureStates(404))
	assert.Equal(t, []engine.RawState{engine.StateError, engine.StateReleased}, failureStates(500))
}

func newTestEngine() *Engine {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(Config{Host: "127.0.0.1", Port: 5060}, logrus.NewEntry(l))
}

func TestInviteBeforeStart(t *testing.T) {
	e := newTestEngine()
	_, err := e.Invite(
		engine.Address{User: "alice", Host: "10.0.0.5", Port: 5060},
		engine.Address{User: "1002", Host: "10.0.0.5", Port: 5060},
		engine.DefaultCallParams(),
	)
	require.Error(t, err)
}

func TestTerminateUnknownCall(t *testing.T) {
	e := newTestEngine()
	err := e.Terminate(enginetest.NewHandle("nope"))
	require.ErrorIs(t, err, ErrUnknownCall)
	require.ErrorIs(t, e.RefreshCall(nil), ErrUnknownCall)
	require.NoError(t, e.TerminateAll())
}

func TestDeviceSelection(t *testing.T) {
	e := newTestEngine()
	_, ok := e.InputDevice()
	assert.False(t, ok)

	devs := e.AudioDevices()
	require.Len(t, devs, 3)
	require.NoError(t, e.SetInputDevice(devs[0]))
	require.NoError(t, e.SetOutputDevice(devs[2]))

	in, ok := e.InputDevice()
	require.True(t, ok)
	assert.Equal(t, engine.DeviceMicrophone, in.Type)
	out, ok := e.OutputDevice()
	require.True(t, ok)
	assert.Equal(t, engine.DeviceSpeaker, out.Type)

	require.NoError(t, e.SetMicMuted(true))
	assert.True(t, e.MicMuted())

	_, ok = e.AudioStats(enginetest.NewHandle("x"))
	assert.False(t, ok)
}
