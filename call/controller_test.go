package call

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trunkphone/audio"
	"trunkphone/audio/audiotest"
	"trunkphone/engine"
	"trunkphone/engine/enginetest"
	"trunkphone/session"
	"trunkphone/voicefx"
)

const waitFor = 2 * time.Second

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type harness struct {
	t       *testing.T
	eng     *enginetest.Engine
	plat    *audiotest.Platform
	clk     *clock.Mock
	store   *session.Store
	metrics *Metrics
	ctrl    *Controller
	ctx     context.Context
	cancel  context.CancelFunc
	errc    chan error
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	store, err := session.NewStore(nil, testLog())
	require.NoError(t, err)

	h := &harness{
		t:       t,
		eng:     enginetest.New(),
		plat:    &audiotest.Platform{},
		clk:     clock.NewMock(),
		store:   store,
		metrics: NewMetrics(nil),
		errc:    make(chan error, 1),
	}
	cfg := DefaultConfig()
	cfg.Clock = h.clk
	for _, o := range opts {
		o(&cfg)
	}
	fx := voicefx.NewGateway(voicefx.Config{Timeout: time.Second}, testLog())
	h.ctrl = New(cfg, h.eng, h.plat, store, fx, h.metrics, testLog())

	h.ctx, h.cancel = context.WithCancel(context.Background())
	go func() { h.errc <- h.ctrl.Run(h.ctx) }()
	require.Eventually(t, h.eng.Started, waitFor, time.Millisecond)

	t.Cleanup(func() {
		h.stop()
		_ = store.Close()
	})
	return h
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	require.NoError(h.t, <-h.errc)
}

// sync returns once the loop processed everything posted before it.
func (h *harness) sync() Status {
	h.t.Helper()
	st, err := h.ctrl.Status(context.Background())
	require.NoError(h.t, err)
	return st
}

func (h *harness) emit(ev engine.Event) {
	h.t.Helper()
	require.NoError(h.t, h.eng.Emit(ev))
	h.sync()
}

func (h *harness) raw(handle engine.CallHandle, state engine.RawState) {
	h.t.Helper()
	h.emit(engine.CallStateChanged{Handle: handle, State: state})
}

func (h *harness) ready() {
	h.t.Helper()
	h.emit(engine.Ready{})
}

func (h *harness) state() session.CallState {
	return h.store.CallState()
}

// advance moves the clock and waits until state is reached.
func (h *harness) advanceUntil(d time.Duration, want session.CallState) {
	h.t.Helper()
	h.clk.Add(d)
	require.Eventually(h.t, func() bool { return h.state() == want }, waitFor, time.Millisecond)
	h.sync()
}

var trunk = session.TrunkConfig{Username: "alice", ServerIP: "10.0.0.5", ServerPort: 5060, LocalPort: 5060}

func (h *harness) dialConnected(dest string) *enginetest.Handle {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Dial(context.Background(), dest, "alice", trunk))
	handle := h.eng.LastHandle()
	require.NotNil(h.t, handle)
	h.raw(handle, engine.StateOutgoingRinging)
	h.raw(handle, engine.StateConnected)
	require.Equal(h.t, session.StateConnected, h.state())
	return handle
}

func TestLoginPlaceCallScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Login(ctx, "alice", "10.0.0.5", 5060))
	snap := h.store.Snapshot()
	assert.True(t, snap.LoggedIn)
	assert.Equal(t, trunk, snap.Trunk)

	require.NoError(t, h.ctrl.UpdatePhoneNumber(ctx, "1002"))
	require.NoError(t, h.ctrl.PlaceCall(ctx))
	assert.Equal(t, session.StateIdle, h.state())
	st := h.sync()
	require.Len(t, st.Pending, 1)
	assert.Equal(t, PendingCall{Destination: "1002", Identity: "alice", Trunk: trunk}, st.Pending[0])
	assert.Empty(t, h.eng.Invites())

	h.ready()
	invites := h.eng.Invites()
	require.Len(t, invites, 1)
	assert.Equal(t, "sip:alice@10.0.0.5:5060", invites[0].Identity.String())
	assert.Equal(t, "sip:1002@10.0.0.5:5060", invites[0].Destination.String())
	assert.Equal(t, engine.DefaultCallParams(), invites[0].Params)
	assert.Equal(t, session.StateOutgoing, h.state())
	assert.Empty(t, h.sync().Pending)
	assert.NotEmpty(t, h.sync().CallID)

	handle := invites[0].Handle
	h.raw(handle, engine.StateConnected)
	assert.Equal(t, session.StateConnected, h.state())
	requests, _, held := h.plat.Focus()
	assert.Equal(t, 2, requests, "focus taken when dialing and again on connect")
	assert.True(t, held)

	require.NoError(t, h.ctrl.ToggleMute(ctx))
	require.NoError(t, h.ctrl.ToggleSpeaker(ctx))
	h.clk.Add(time.Second)
	require.Eventually(t, func() bool { return h.store.Snapshot().CallDuration == 1 }, waitFor, time.Millisecond)
	h.sync()

	h.raw(handle, engine.StateEnd)
	snap = h.store.Snapshot()
	assert.Equal(t, session.StateEnded, snap.CallState)
	assert.False(t, snap.Muted)
	assert.False(t, snap.SpeakerOn)
	assert.Zero(t, snap.CallDuration)
	_, abandons, held := h.plat.Focus()
	assert.Equal(t, 1, abandons)
	assert.False(t, held)

	// Released for the same call is ignored once the handle is gone
	h.raw(handle, engine.StateReleased)
	assert.Equal(t, session.StateEnded, h.state())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.callsEnded.WithLabelValues("ENDED")))

	h.advanceUntil(1500*time.Millisecond, session.StateIdle)
	assert.Equal(t, "1002", h.store.Snapshot().PhoneNumber)
}

func TestSettleDelayNotElapsedKeepsEnded(t *testing.T) {
	h := newHarness(t)
	h.ready()
	handle := h.dialConnected("1002")
	h.raw(handle, engine.StateEnd)

	h.clk.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	h.sync()
	assert.Equal(t, session.StateEnded, h.state())

	h.advanceUntil(500*time.Millisecond, session.StateIdle)
}

func TestPendingCallsReplayInOrderOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, dest := range []string{"1001", "1002", "1003"} {
		require.NoError(t, h.ctrl.Dial(ctx, dest, "alice", trunk))
	}
	require.Len(t, h.sync().Pending, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.callsQueued))

	h.ready()
	invites := h.eng.Invites()
	require.Len(t, invites, 3)
	for i, dest := range []string{"1001", "1002", "1003"} {
		assert.Equal(t, dest, invites[i].Destination.User)
	}
	assert.Empty(t, h.sync().Pending)
	// earlier calls were replaced by later ones
	assert.Equal(t, []string{"call-1", "call-2"}, h.eng.Terminated())

	h.ready()
	assert.Len(t, h.eng.Invites(), 3)
	assert.Equal(t, session.StateOutgoing, h.state())
}

func TestHangupWithoutHandleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready()

	require.NoError(t, h.ctrl.Hangup(ctx))
	assert.Equal(t, session.StateEnded, h.state())
	assert.Equal(t, 1, h.eng.TerminateAllCount())

	require.NoError(t, h.ctrl.Hangup(ctx))
	require.NoError(t, h.ctrl.Hangup(ctx))
	assert.Equal(t, session.StateEnded, h.state())
	assert.Equal(t, 1, h.eng.TerminateAllCount())
	assert.Empty(t, h.eng.Terminated())

	h.advanceUntil(1500*time.Millisecond, session.StateIdle)
}

func TestHangupActiveCall(t *testing.T) {
	h := newHarness(t)
	h.ready()
	handle := h.dialConnected("1002")

	require.NoError(t, h.ctrl.Hangup(context.Background()))
	assert.Equal(t, []string{handle.ID()}, h.eng.Terminated())
	assert.Equal(t, session.StateEnded, h.state())
	assert.Empty(t, h.sync().CallID)

	h.raw(handle, engine.StateEnd)
	h.raw(handle, engine.StateReleased)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.callsEnded.WithLabelValues("ENDED")))
	assert.Zero(t, testutil.ToFloat64(h.metrics.callsActive))

	h.advanceUntil(1500*time.Millisecond, session.StateIdle)
}

func TestHangupDropsQueuedCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Dial(ctx, "1002", "alice", trunk))
	require.NoError(t, h.ctrl.Hangup(ctx))
	assert.Empty(t, h.sync().Pending)

	h.ready()
	assert.Empty(t, h.eng.Invites())
}

func TestInvalidRequestIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.ctrl.Dial(ctx, "  ", "alice", trunk)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, session.StateError, h.state())
	assert.Empty(t, h.sync().Pending, "invalid requests are never queued")

	h.advanceUntil(1500*time.Millisecond, session.StateIdle)

	err = h.ctrl.Dial(ctx, "1002", "alice", session.TrunkConfig{Username: "alice"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, session.StateError, h.state())
}

func TestInvalidRequestKeepsActiveCall(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.dialConnected("1002")

	err := h.ctrl.Dial(context.Background(), "", "alice", trunk)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, session.StateConnected, h.state())
	assert.NotEmpty(t, h.sync().CallID)
}

func TestEngineInviteFailureEndsInError(t *testing.T) {
	h := newHarness(t)
	h.eng.InviteErr = errors.New("no route to trunk")
	h.ready()

	err := h.ctrl.Dial(context.Background(), "1002", "alice", trunk)
	require.ErrorIs(t, err, ErrEngineCommand)
	assert.Equal(t, session.StateError, h.state())
	assert.Empty(t, h.sync().CallID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.callsFailed.WithLabelValues("engine")))

	h.advanceUntil(1500*time.Millisecond, session.StateIdle)
}

func TestUnrecognizedStatesKeepCurrentState(t *testing.T) {
	h := newHarness(t)
	h.ready()
	handle := h.dialConnected("1002")

	h.raw(handle, engine.StatePaused)
	h.raw(handle, engine.RawState("Teleporting"))
	assert.Equal(t, session.StateConnected, h.state())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.unknownStates.WithLabelValues("Paused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.unknownStates.WithLabelValues("Teleporting")))
}

func TestErrorStateResetsFlags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready()
	handle := h.dialConnected("1002")
	require.NoError(t, h.ctrl.ToggleMute(ctx))
	require.NoError(t, h.ctrl.ToggleSpeaker(ctx))
	require.True(t, h.store.Snapshot().Muted)

	h.raw(handle, engine.StateError)
	snap := h.store.Snapshot()
	assert.Equal(t, session.StateError, snap.CallState)
	assert.False(t, snap.Muted)
	assert.False(t, snap.SpeakerOn)
	assert.Zero(t, snap.CallDuration)
	assert.False(t, h.eng.MicMuted())

	h.advanceUntil(1500*time.Millisecond, session.StateIdle)
}

func TestNewCallCancelsSettleTimer(t *testing.T) {
	h := newHarness(t)
	h.ready()
	first := h.dialConnected("1002")
	h.raw(first, engine.StateEnd)

	second := h.dialConnected("1003")
	h.clk.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	h.sync()
	assert.Equal(t, session.StateConnected, h.state())
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestReplacingCallResetsCallFlags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready()
	first := h.dialConnected("1001")

	require.NoError(t, h.ctrl.ToggleMute(ctx))
	require.NoError(t, h.ctrl.ToggleSpeaker(ctx))
	h.clk.Add(time.Second)
	require.Eventually(t, func() bool { return h.store.Snapshot().CallDuration == 1 }, waitFor, time.Millisecond)
	h.sync()

	second := h.dialConnected("1002")
	assert.Equal(t, []string{first.ID()}, h.eng.Terminated())

	snap := h.store.Snapshot()
	st, err := h.ctrl.AudioState(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Muted)
	assert.False(t, snap.SpeakerOn)
	assert.Zero(t, snap.CallDuration)
	assert.Equal(t, audio.State{Output: audio.RouteEarpiece, MicMuted: false}, st)
	assert.False(t, h.eng.MicMuted())

	// a single toggle mutes the new call
	require.NoError(t, h.ctrl.ToggleMute(ctx))
	st, err = h.ctrl.AudioState(ctx)
	require.NoError(t, err)
	assert.True(t, h.store.Snapshot().Muted)
	assert.True(t, st.MicMuted)
	assert.True(t, h.eng.MicMuted())
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestTogglesWithoutCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.ToggleMute(ctx))
	require.NoError(t, h.ctrl.ToggleSpeaker(ctx))
	snap := h.store.Snapshot()
	assert.True(t, snap.Muted)
	assert.True(t, snap.SpeakerOn)
	assert.True(t, h.eng.MicMuted())
	in, out := h.eng.DeviceSets()
	assert.Zero(t, in+out)

	st, err := h.ctrl.AudioState(ctx)
	require.NoError(t, err)
	assert.Equal(t, audio.State{Output: audio.RouteSpeaker, MicMuted: true}, st)
}

func TestBluetoothRoutingDuringCall(t *testing.T) {
	h := newHarness(t)
	h.eng.AddBluetooth()
	h.ready()
	h.dialConnected("1002")

	h.ctrl.BluetoothChanged(true)
	st := h.sync()
	assert.Equal(t, audio.RouteBluetooth, st.Audio.Output)
	assert.True(t, h.plat.BluetoothSCOOn())

	h.clk.Add(time.Second)
	require.Eventually(t, func() bool {
		out, ok := h.eng.OutputDevice()
		return ok && out.ID == "bt-playback"
	}, waitFor, time.Millisecond)

	h.ctrl.BluetoothChanged(false)
	st = h.sync()
	assert.Equal(t, audio.RouteEarpiece, st.Audio.Output)
	assert.False(t, h.plat.BluetoothSCOOn())
	out, ok := h.eng.OutputDevice()
	require.True(t, ok)
	assert.Equal(t, engine.DeviceEarpiece, out.Type)
}

func TestIncomingCall(t *testing.T) {
	h := newHarness(t)
	h.ready()

	in := enginetest.NewHandle("in-1")
	h.raw(in, engine.StateIncomingReceived)
	assert.Equal(t, session.StateIncoming, h.state())
	h.raw(in, engine.StateStreamsRunning)
	assert.Equal(t, session.StateConnected, h.state())

	h.raw(enginetest.NewHandle("in-2"), engine.StateIncomingReceived)
	assert.Equal(t, []string{"in-2"}, h.eng.Terminated())
	assert.Equal(t, session.StateConnected, h.state())

	require.NoError(t, h.ctrl.Hangup(context.Background()))
	assert.Equal(t, []string{"in-2", "in-1"}, h.eng.Terminated())
}

func TestNetworkChangeRefreshesCall(t *testing.T) {
	h := newHarness(t)
	h.ready()
	handle := h.dialConnected("1002")

	h.ctrl.NetworkChanged("wifi")
	h.ctrl.NetworkChanged("wifi")
	h.ctrl.NetworkChanged("")
	h.sync()
	assert.Empty(t, h.eng.Reachability())

	h.ctrl.NetworkChanged("lte")
	h.sync()
	assert.Equal(t, []bool{false}, h.eng.Reachability())

	h.clk.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.eng.Refreshed()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{handle.ID()}, h.eng.Refreshed())
	assert.Equal(t, []bool{false, true}, h.eng.Reachability())
}

func TestVoiceEffect(t *testing.T) {
	queries := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
	}))
	defer srv.Close()

	h := newHarness(t, func(c *Config) { c.VoiceHost = strings.TrimPrefix(srv.URL, "http://") })
	ctx := context.Background()
	require.NoError(t, h.ctrl.UpdateTrunkConfig(ctx, session.TrunkConfig{
		Username: "1000_1002_humu-gmail-com_901", ServerIP: "10.0.0.5", ServerPort: 5060, LocalPort: 5060,
	}))

	select {
	case ok := <-h.ctrl.ChangeVoiceEffect(ctx, session.VoiceKid):
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("no voice effect result")
	}
	assert.Equal(t, "email=humu-gmail-com&code=903", <-queries)
	assert.Equal(t, session.VoiceKid, h.store.Snapshot().VoiceType)
	assert.Equal(t, session.StateIdle, h.state())
}

func TestVoiceEffectWithoutIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Login(ctx, "onlyonepart", "10.0.0.5", 5060))

	assert.False(t, <-h.ctrl.ChangeVoiceEffect(ctx, session.VoiceMale))
	assert.Equal(t, session.VoiceMale, h.store.Snapshot().VoiceType)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.voiceChanges.WithLabelValues("no_identity")))
}

func TestLogoutHangsUpAndClears(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Login(ctx, "alice", "10.0.0.5", 5060))
	h.ready()
	handle := h.dialConnected("1002")

	require.NoError(t, h.ctrl.Logout(ctx))
	assert.Equal(t, []string{handle.ID()}, h.eng.Terminated())
	snap := h.store.Snapshot()
	assert.False(t, snap.LoggedIn)
	assert.Empty(t, snap.Username)
	assert.Equal(t, session.DefaultTrunkConfig(), snap.Trunk)
	assert.Equal(t, session.StateIdle, snap.CallState)
	_, _, held := h.plat.Focus()
	assert.False(t, held)
}

func TestResetCallState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.UpdatePhoneNumber(ctx, "1002"))
	require.NoError(t, h.ctrl.ToggleMute(ctx))
	<-h.ctrl.ChangeVoiceEffect(ctx, session.VoiceFemale)

	require.NoError(t, h.ctrl.ResetCallState(ctx))
	snap := h.store.Snapshot()
	assert.Equal(t, session.StateIdle, snap.CallState)
	assert.Empty(t, snap.PhoneNumber)
	assert.False(t, snap.Muted)
	assert.Equal(t, session.VoiceNormal, snap.VoiceType)
	assert.False(t, h.eng.MicMuted())
}

func TestStoppedControllerRejectsCommands(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.dialConnected("1002")

	h.stop()
	assert.True(t, h.eng.Stopped())
	assert.Equal(t, []string{"call-1"}, h.eng.Terminated())

	err := h.ctrl.Hangup(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, <-h.ctrl.ChangeVoiceEffect(context.Background(), session.VoiceKid))
	h.ctrl.BluetoothChanged(true) // must not block
}
