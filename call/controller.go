// Package call owns the call lifecycle. Engine events, OS events, timers and
// user commands are reduced on a single goroutine to the observable session.
package call

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"trunkphone/audio"
	"trunkphone/engine"
	"trunkphone/session"
	"trunkphone/voicefx"
)

// Config configures the controller.
type Config struct {
	SettleDelay   time.Duration // ENDED/ERROR shown before returning to IDLE
	NetworkSettle time.Duration // engine kept unreachable after a network change
	Audio         audio.Config
	VoiceHost     string
	Clock         clock.Clock
	AudioLog      *logrus.Entry
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		SettleDelay:   1500 * time.Millisecond,
		NetworkSettle: 500 * time.Millisecond,
		Audio:         audio.DefaultConfig(),
		VoiceHost:     voicefx.DefaultHost,
	}
}

type timer struct {
	t  *clock.Timer
	fn func()
}

// Controller is the single authority over the active call. Its methods are
// safe for concurrent use; they are serialized through the Run loop.
type Controller struct {
	cfg     Config
	clk     clock.Clock
	eng     engine.Engine
	store   *session.Store
	fx      *voicefx.Gateway
	metrics *Metrics
	audio   *audio.Coordinator
	log     *logrus.Entry

	events chan interface{}
	done   chan struct{}

	// owned by the Run goroutine
	runCtx    context.Context
	ready     bool
	pending   []PendingCall
	handle    engine.CallHandle
	callID    string
	network   string
	timers    map[uint64]timer
	nextTimer uint64

	settleStop  func()
	tickStop    func()
	networkStop func()
}

// New creates a controller. fx and m may be nil.
func New(cfg Config, eng engine.Engine, plat audio.Platform, store *session.Store, fx *voicefx.Gateway, m *Metrics, log *logrus.Entry) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.AudioLog == nil {
		cfg.AudioLog = log
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	c := &Controller{
		cfg:     cfg,
		clk:     cfg.Clock,
		eng:     eng,
		store:   store,
		fx:      fx,
		metrics: m,
		log:     log,
		events:  make(chan interface{}, 64),
		done:    make(chan struct{}),
		timers:  make(map[uint64]timer),
	}
	c.audio = audio.NewCoordinator(cfg.Audio, eng, plat, schedulerFunc(c.after), m, cfg.AudioLog)
	return c
}

// schedulerFunc adapts the loop timers to audio.Scheduler.
type schedulerFunc func(d time.Duration, fn func()) func()

func (f schedulerFunc) After(d time.Duration, fn func()) func() { return f(d, fn) }

// Run starts the engine and processes events until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	c.runCtx = ctx

	if err := c.eng.Start(ctx, c.emit); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	c.log.Info("call controller started, waiting for engine")

	for {
		select {
		case msg := <-c.events:
			c.dispatch(msg)
		case <-ctx.Done():
			c.shutdown()
			return nil
		}
	}
}

func (c *Controller) shutdown() {
	c.log.Info("stopping call controller")
	if c.handle != nil {
		if err := c.eng.Terminate(c.handle); err != nil {
			c.log.WithError(err).Warn("terminating call on shutdown failed")
		}
		c.releaseCall()
	}
	for id, t := range c.timers {
		t.t.Stop()
		delete(c.timers, id)
	}
	c.audio.CallEnded()
	c.eng.Stop()
}

// emit is handed to the engine; events keep the order the engine raised them.
func (c *Controller) emit(ev engine.Event) {
	c.post(engineEvent{ev: ev})
}

func (c *Controller) post(msg interface{}) {
	select {
	case c.events <- msg:
	case <-c.done:
	}
}

func (c *Controller) dispatch(msg interface{}) {
	switch m := msg.(type) {
	case engineEvent:
		c.onEngineEvent(m.ev)
	case command:
		err := c.onCommand(m)
		if m.reply != nil {
			m.reply <- err
		}
	case bluetoothEvent:
		c.audio.SetBluetoothConnected(m.connected)
	case networkEvent:
		c.onNetworkChanged(m.id)
	case timerFired:
		t, ok := c.timers[m.id]
		if !ok {
			return // canceled
		}
		delete(c.timers, m.id)
		t.fn()
	case statusQuery:
		st := Status{
			EngineReady: c.ready,
			Pending:     append([]PendingCall(nil), c.pending...),
			CallID:      c.callID,
			Audio:       c.audio.State(),
		}
		m.reply <- st
	default:
		c.log.Warnf("unexpected controller message %T", msg)
	}
}

// after runs fn on the loop once d elapsed. The returned function cancels it.
func (c *Controller) after(d time.Duration, fn func()) func() {
	c.nextTimer++
	id := c.nextTimer
	t := c.clk.AfterFunc(d, func() { c.post(timerFired{id: id}) })
	c.timers[id] = timer{t: t, fn: fn}
	return func() {
		if t, ok := c.timers[id]; ok {
			t.t.Stop()
			delete(c.timers, id)
		}
	}
}

func stop(slot *func()) {
	if *slot != nil {
		(*slot)()
		*slot = nil
	}
}

func (c *Controller) callLog() *logrus.Entry {
	if c.callID == "" {
		return c.log
	}
	return c.log.WithField("call", c.callID)
}

func (c *Controller) onEngineEvent(ev engine.Event) {
	switch e := ev.(type) {
	case engine.Ready:
		c.onEngineReady()
	case engine.RegistrationStateChanged:
		c.log.WithField("registration", e.State).Infof("registration state changed: %s", e.Message)
	case engine.CallStateChanged:
		c.onCallState(e)
	default:
		c.log.Warnf("unexpected engine event %T", ev)
	}
}

// onEngineReady replays queued calls in arrival order, once.
func (c *Controller) onEngineReady() {
	if c.ready {
		return
	}
	c.ready = true
	pending := c.pending
	c.pending = nil
	c.log.Infof("engine ready, replaying %d queued call(s)", len(pending))
	for _, p := range pending {
		if err := c.startCall(p); err != nil {
			c.log.WithError(err).Warn("queued call failed")
		}
	}
}

func (c *Controller) onCallState(e engine.CallStateChanged) {
	if e.Handle == nil {
		c.log.Warnf("call state %s without handle", e.State)
		return
	}
	if c.handle == nil || c.handle.ID() != e.Handle.ID() {
		switch {
		case e.State == engine.StateIncomingReceived && c.handle == nil:
			c.adoptIncoming(e.Handle)
		case e.State == engine.StateIncomingReceived:
			c.log.Infof("busy, declining incoming call %s", e.Handle.ID())
			if err := c.eng.Terminate(e.Handle); err != nil {
				c.log.WithError(err).Warn("declining incoming call failed")
			}
			return
		default:
			c.log.Debugf("ignoring %s for inactive call %s", e.State, e.Handle.ID())
			return
		}
	}

	log := c.callLog().WithFields(logrus.Fields{"state": e.State, "message": e.Message})
	cur := c.store.CallState()
	next, ok := MapState(cur, e.State)
	if !ok {
		log.WithField("current", cur).Warn("unrecognized engine call state, keeping current state")
		c.metrics.unknownStates.WithLabelValues(string(e.State)).Inc()
		return
	}
	log.Infof("call state %s -> %s", cur, next)

	if next.Terminal() {
		c.enterTerminal(next)
		return
	}
	c.store.SetCallState(next)
	switch next {
	case session.StateConnected:
		if cur != session.StateConnected {
			c.audio.CallConnected(c.handle)
			c.startDurationTicker()
		} else if e.State == engine.StateStreamsRunning {
			c.audio.Apply()
		}
	default:
		c.audio.Track(c.handle)
	}
}

func (c *Controller) adoptIncoming(h engine.CallHandle) {
	stop(&c.settleStop)
	c.handle = h
	c.callID = uuid.NewString()
	c.metrics.callsActive.Inc()
	c.callLog().Infof("incoming call %s", h.ID())
}

// enterTerminal publishes ENDED or ERROR, releases the call and its audio
// session and schedules the return to IDLE.
func (c *Controller) enterTerminal(st session.CallState) {
	c.store.SetCallState(st)
	c.metrics.callsEnded.WithLabelValues(st.String()).Inc()
	c.endCall()

	stop(&c.settleStop)
	c.settleStop = c.after(c.cfg.SettleDelay, func() {
		c.settleStop = nil
		if c.store.CallState().Terminal() {
			c.store.SetCallState(session.StateIdle)
		}
	})
}

// endCall releases the call and returns the per-call flags of the session
// and the audio session to their neutral values together.
func (c *Controller) endCall() {
	c.releaseCall()
	c.store.ClearCallFlags()
	c.audio.CallEnded()
}

// releaseCall forgets the handle and stops every per-call timer.
func (c *Controller) releaseCall() {
	stop(&c.tickStop)
	stop(&c.networkStop)
	if c.handle != nil {
		c.callLog().Infof("call %s released", c.handle.ID())
		c.handle = nil
		c.metrics.callsActive.Dec()
	}
	c.callID = ""
}

func (c *Controller) startDurationTicker() {
	stop(&c.tickStop)
	var tick func()
	tick = func() {
		c.tickStop = nil
		if c.handle == nil || c.store.CallState() != session.StateConnected {
			return
		}
		c.store.TickCallDuration()
		c.tickStop = c.after(time.Second, tick)
	}
	c.tickStop = c.after(time.Second, tick)
}

func (c *Controller) onNetworkChanged(id string) {
	if id == "" {
		c.log.Info("network lost")
		return
	}
	if c.network == "" || c.network == id {
		c.network = id
		return
	}
	c.log.Infof("network changed from %s to %s", c.network, id)
	c.network = id
	if c.handle == nil || c.store.CallState() != session.StateConnected {
		return
	}

	h := c.handle
	c.eng.SetNetworkReachable(false)
	stop(&c.networkStop)
	c.networkStop = c.after(c.cfg.NetworkSettle, func() {
		c.networkStop = nil
		c.eng.SetNetworkReachable(true)
		if c.handle == nil || c.handle.ID() != h.ID() {
			return
		}
		if err := c.eng.RefreshCall(h); err != nil {
			c.callLog().WithError(err).Warn("refreshing call after network change failed")
		}
	})
}

func (c *Controller) onCommand(cmd command) error {
	c.log.Debugf("command %s", cmd.typ)
	switch cmd.typ {
	case cmdDial:
		return c.dial(cmd.call)
	case cmdPlace:
		snap := c.store.Snapshot()
		return c.dial(PendingCall{Destination: snap.PhoneNumber, Identity: snap.Username, Trunk: snap.Trunk})
	case cmdHangup:
		c.hangup()
	case cmdMute:
		muted := !c.store.Snapshot().Muted
		c.store.SetMuted(muted)
		c.audio.SetMicMuted(muted)
	case cmdSpeaker:
		on := !c.store.Snapshot().SpeakerOn
		c.store.SetSpeakerOn(on)
		c.audio.SetSpeaker(on)
	case cmdVoice:
		c.changeVoice(cmd.voice, cmd.voiceOK)
	case cmdLogin:
		return c.store.Login(cmd.username, cmd.serverIP, cmd.port)
	case cmdLogout:
		c.reset()
		return c.store.Logout()
	case cmdTrunk:
		return c.store.UpdateTrunkConfig(cmd.trunk)
	case cmdNumber:
		c.store.UpdatePhoneNumber(cmd.number)
	case cmdReset:
		c.reset()
	}
	return nil
}

func validate(p PendingCall) error {
	if strings.TrimSpace(p.Destination) == "" {
		return fmt.Errorf("%w: empty destination", ErrInvalidRequest)
	}
	if strings.TrimSpace(p.Trunk.ServerIP) == "" {
		return fmt.Errorf("%w: empty trunk server", ErrInvalidRequest)
	}
	return nil
}

func (c *Controller) dial(p PendingCall) error {
	if err := validate(p); err != nil {
		c.log.WithError(err).Warn("call rejected")
		c.metrics.callsFailed.WithLabelValues("invalid").Inc()
		if c.handle == nil {
			c.enterTerminal(session.StateError)
		}
		return err
	}
	if !c.ready {
		c.pending = append(c.pending, p)
		c.metrics.callsQueued.Inc()
		c.log.Infof("engine not ready, queued call to %s (%d pending)", p.Destination, len(c.pending))
		return nil
	}
	return c.startCall(p)
}

// startCall issues the INVITE and installs the handle. A call that is still
// active is replaced.
func (c *Controller) startCall(p PendingCall) error {
	if c.handle != nil {
		c.callLog().Infof("replacing active call %s", c.handle.ID())
		if err := c.eng.Terminate(c.handle); err != nil {
			c.callLog().WithError(err).Warn("terminating replaced call failed")
		}
		c.endCall()
	}
	stop(&c.settleStop)

	port := p.Trunk.ServerPort
	if port == 0 {
		port = session.DefaultPort
	}
	identity := engine.Address{User: p.Identity, Host: p.Trunk.ServerIP, Port: port}
	dest := engine.Address{User: strings.TrimSpace(p.Destination), Host: p.Trunk.ServerIP, Port: port}

	h, err := c.eng.Invite(identity, dest, engine.DefaultCallParams())
	if err != nil {
		err = fmt.Errorf("%w: invite %s: %w", ErrEngineCommand, dest, err)
		c.log.WithError(err).Error("placing call failed")
		c.metrics.callsFailed.WithLabelValues("engine").Inc()
		c.enterTerminal(session.StateError)
		return err
	}

	c.handle = h
	c.callID = uuid.NewString()
	c.metrics.callsPlaced.Inc()
	c.metrics.callsActive.Inc()
	c.callLog().Infof("calling %s as %s", dest, identity)

	c.store.SetCallState(session.StateOutgoing)
	c.audio.Track(h)
	c.audio.PrepareOutgoing()
	return nil
}

// hangup always converges to ENDED. Without a handle it forces ENDED once and
// leaves a call that is already ENDED alone.
func (c *Controller) hangup() {
	if len(c.pending) > 0 {
		c.log.Infof("dropping %d queued call(s)", len(c.pending))
		c.pending = nil
	}
	if c.handle != nil {
		if err := c.eng.Terminate(c.handle); err != nil {
			c.callLog().WithError(fmt.Errorf("%w: terminate: %w", ErrEngineCommand, err)).Warn("hangup failed, ending call locally")
		}
		c.enterTerminal(session.StateEnded)
		return
	}
	if c.store.CallState() == session.StateEnded {
		return
	}
	if err := c.eng.TerminateAll(); err != nil {
		c.log.WithError(err).Warn("terminating stray calls failed")
	}
	c.enterTerminal(session.StateEnded)
}

// reset drops any active call without passing through ENDED and restores the
// call part of the session to its initial values.
func (c *Controller) reset() {
	c.pending = nil
	if c.handle != nil {
		if err := c.eng.Terminate(c.handle); err != nil {
			c.callLog().WithError(err).Warn("terminating call on reset failed")
		}
		c.releaseCall()
	}
	stop(&c.settleStop)
	c.store.ResetCallState()
	c.audio.CallEnded()
}

func (c *Controller) changeVoice(v session.VoiceType, result chan<- bool) {
	c.store.SetVoiceType(v)
	finish := func(ok bool, label string) {
		c.metrics.voiceChanges.WithLabelValues(label).Inc()
		if result != nil {
			result <- ok
		}
	}

	identity, ok := voicefx.ExtractIdentity(c.store.Snapshot().Username)
	if !ok {
		c.log.Warn("cannot apply voice effect: username carries no identity")
		finish(false, "no_identity")
		return
	}
	if c.fx == nil {
		finish(false, "disabled")
		return
	}
	ctx, host, fx := c.runCtx, c.cfg.VoiceHost, c.fx
	go func() {
		if fx.Apply(ctx, host, identity, v) {
			finish(true, "ok")
		} else {
			finish(false, "failed")
		}
	}()
}

// request sends cmd to the loop and waits for its result.
func (c *Controller) request(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.events <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Dial places a call to dest as identity through trunk. Before the engine is
// ready the call is queued and Dial returns nil. An invalid request returns
// ErrInvalidRequest and publishes ERROR only while no call is active; an
// active call keeps its state.
func (c *Controller) Dial(ctx context.Context, dest, identity string, trunk session.TrunkConfig) error {
	return c.request(ctx, command{typ: cmdDial, call: PendingCall{Destination: dest, Identity: identity, Trunk: trunk}})
}

// PlaceCall dials the session's phone number draft with its username and trunk.
func (c *Controller) PlaceCall(ctx context.Context) error {
	return c.request(ctx, command{typ: cmdPlace})
}

func (c *Controller) Hangup(ctx context.Context) error {
	return c.request(ctx, command{typ: cmdHangup})
}

func (c *Controller) ToggleMute(ctx context.Context) error {
	return c.request(ctx, command{typ: cmdMute})
}

func (c *Controller) ToggleSpeaker(ctx context.Context) error {
	return c.request(ctx, command{typ: cmdSpeaker})
}

// ChangeVoiceEffect selects v at once and applies it remotely in the
// background. The channel receives the remote result.
func (c *Controller) ChangeVoiceEffect(ctx context.Context, v session.VoiceType) <-chan bool {
	result := make(chan bool, 1)
	if err := c.request(ctx, command{typ: cmdVoice, voice: v, voiceOK: result}); err != nil {
		c.log.WithError(err).Warn("voice effect not changed")
		select {
		case result <- false:
		default:
		}
	}
	return result
}

func (c *Controller) Login(ctx context.Context, username, serverIP string, serverPort int) error {
	return c.request(ctx, command{typ: cmdLogin, username: username, serverIP: serverIP, port: serverPort})
}

// Logout hangs up, resets the call state and clears the persisted session.
func (c *Controller) Logout(ctx context.Context) error {
	return c.request(ctx, command{typ: cmdLogout})
}

func (c *Controller) UpdateTrunkConfig(ctx context.Context, cfg session.TrunkConfig) error {
	return c.request(ctx, command{typ: cmdTrunk, trunk: cfg})
}

func (c *Controller) UpdatePhoneNumber(ctx context.Context, number string) error {
	return c.request(ctx, command{typ: cmdNumber, number: number})
}

func (c *Controller) ResetCallState(ctx context.Context) error {
	return c.request(ctx, command{typ: cmdReset})
}

// BluetoothChanged feeds a headset (dis)connect from the OS.
func (c *Controller) BluetoothChanged(connected bool) {
	c.post(bluetoothEvent{connected: connected})
}

// NetworkChanged feeds the id of the now active network; "" means no network.
func (c *Controller) NetworkChanged(id string) {
	c.post(networkEvent{id: id})
}

// Status returns the loop's view of the engine, the queue and the audio route.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	q := statusQuery{reply: make(chan Status, 1)}
	select {
	case c.events <- q:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-c.done:
		return Status{}, ErrClosed
	}
	select {
	case st := <-q.reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-c.done:
		return Status{}, ErrClosed
	}
}

// AudioState returns the derived audio route state.
func (c *Controller) AudioState(ctx context.Context) (audio.State, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return audio.State{}, err
	}
	return st.Audio, nil
}
