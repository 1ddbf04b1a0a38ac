package audio

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"trunkphone/engine"
)

// Coordinator owns the route decision of the active call. It is not safe for
// concurrent use: every method and every scheduled task must run on the
// goroutine that drives the call controller.
type Coordinator struct {
	cfg   Config
	dev   engine.Devices
	plat  Platform
	sched Scheduler
	rec   Recorder
	log   *logrus.Entry

	bluetooth bool
	speaker   bool
	muted     bool

	handle     engine.CallHandle
	connected  bool
	focused    bool
	applied    Route
	hasApplied bool
	checks     int
	cycled     bool

	settleTask    func()
	verifyTask    func()
	keepAliveTask func()
	cycleTask     func()
}

// NewCoordinator creates a coordinator. rec may be nil.
func NewCoordinator(cfg Config, dev engine.Devices, plat Platform, sched Scheduler, rec Recorder, log *logrus.Entry) *Coordinator {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Coordinator{
		cfg:   cfg,
		dev:   dev,
		plat:  plat,
		sched: sched,
		rec:   rec,
		log:   log,
	}
}

// Desired computes the route the session should use right now.
func (c *Coordinator) Desired() Route {
	switch {
	case c.bluetooth:
		return RouteBluetooth
	case c.speaker:
		return RouteSpeaker
	default:
		return RouteEarpiece
	}
}

// State returns the derived audio state.
func (c *Coordinator) State() State {
	return State{
		BluetoothConnected: c.bluetooth,
		Output:             c.Desired(),
		MicMuted:           c.muted,
	}
}

func (c *Coordinator) inCall() bool {
	return c.handle != nil || c.focused
}

// SetBluetoothConnected records a headset (dis)connect and re-routes an active call.
func (c *Coordinator) SetBluetoothConnected(connected bool) {
	if c.bluetooth == connected {
		return
	}
	c.bluetooth = connected
	c.log.Infof("bluetooth headset connected: %v", connected)
	if c.inCall() {
		c.Apply()
		return
	}
	if !connected && c.plat.BluetoothSCOOn() {
		if err := c.plat.StopBluetoothSCO(); err != nil {
			c.routeFailed(RouteEarpiece, fmt.Errorf("%w: stop sco: %w", ErrRoute, err))
		}
	}
}

// SetSpeaker records the speaker toggle and re-routes an active call.
func (c *Coordinator) SetSpeaker(on bool) {
	c.speaker = on
	if c.inCall() {
		c.Apply()
	}
}

// SetMicMuted records the user's mute choice and applies it to the engine.
func (c *Coordinator) SetMicMuted(muted bool) {
	c.muted = muted
	c.cancel(&c.cycleTask)
	c.setEngineMic(muted)
}

// PrepareOutgoing takes the audio session before the engine confirms an
// outgoing call so early media is audible.
func (c *Coordinator) PrepareOutgoing() {
	c.acquireSession()
	c.Apply()
}

// Track binds the coordinator to the call that is ringing or being placed.
func (c *Coordinator) Track(h engine.CallHandle) {
	c.handle = h
}

// CallConnected sets up the audio session for an answered call and starts the
// bounded verification of the route and the microphone.
func (c *Coordinator) CallConnected(h engine.CallHandle) {
	c.handle = h
	if c.connected {
		return
	}
	c.connected = true
	c.checks = 0
	c.cycled = false
	c.acquireSession()
	c.setEngineMic(c.muted)
	c.Apply()
	c.schedule(&c.verifyTask, c.cfg.VerifyInitial, c.verify)
}

// CallEnded cancels every task of the call and returns the audio session to
// its neutral state. Bluetooth connectivity is kept.
func (c *Coordinator) CallEnded() {
	c.cancelAll()
	c.handle = nil
	c.connected = false
	c.checks = 0
	c.cycled = false
	c.speaker = false
	c.muted = false
	c.hasApplied = false

	var errs []error
	if c.plat.BluetoothSCOOn() {
		errs = append(errs, c.plat.StopBluetoothSCO())
	}
	errs = append(errs, c.plat.SetSpeakerphoneOn(false))
	if c.focused {
		errs = append(errs, c.plat.AbandonAudioFocus())
		c.focused = false
	}
	errs = append(errs, c.plat.SetCommunicationMode(false))
	errs = append(errs, c.dev.SetMicMuted(false))
	if err := errors.Join(errs...); err != nil {
		c.log.WithError(err).Warn("releasing audio session failed")
		c.rec.RouteFailed()
	}
}

func (c *Coordinator) acquireSession() {
	if err := c.plat.RequestAudioFocus(); err != nil {
		c.log.WithError(err).Warn("audio focus request failed")
		c.rec.RouteFailed()
	} else {
		c.focused = true
	}
	if err := c.plat.SetCommunicationMode(true); err != nil {
		c.log.WithError(err).Warn("communication mode failed")
		c.rec.RouteFailed()
	}
}

// Apply enforces the desired route on the engine and the OS.
func (c *Coordinator) Apply() {
	r := c.Desired()
	var err error
	switch r {
	case RouteBluetooth:
		err = c.routeBluetooth()
	default:
		err = c.routeBuiltin(r)
	}
	if err != nil {
		c.routeFailed(r, err)
		return
	}
	c.applied = r
	c.hasApplied = true
	c.rec.RouteApplied(r)
	c.log.Debugf("audio routed to %s", r)
}

func (c *Coordinator) routeFailed(r Route, err error) {
	c.hasApplied = false
	c.rec.RouteFailed()
	c.log.WithError(err).Warnf("routing audio to %s failed", r)
}

func (c *Coordinator) routeBluetooth() error {
	if c.plat.BluetoothSCOOn() {
		if err := c.plat.StopBluetoothSCO(); err != nil {
			return fmt.Errorf("%w: stop sco: %w", ErrRoute, err)
		}
	}
	if err := c.plat.StartBluetoothSCO(); err != nil {
		return fmt.Errorf("%w: start sco: %w", ErrRoute, err)
	}
	if err := c.plat.SetSpeakerphoneOn(false); err != nil {
		return fmt.Errorf("%w: speakerphone: %w", ErrRoute, err)
	}
	// SCO takes a moment before the engine lists the headset
	c.schedule(&c.settleTask, c.cfg.BluetoothSettle, c.selectBluetoothDevices)
	return nil
}

func (c *Coordinator) selectBluetoothDevices() {
	if c.Desired() != RouteBluetooth {
		return
	}
	in, out, ok := pickBluetooth(c.dev.AudioDevices())
	if !ok {
		c.log.Info("engine has no bluetooth device, using SCO only")
		if !c.plat.BluetoothSCOOn() {
			if err := c.plat.StartBluetoothSCO(); err != nil {
				c.routeFailed(RouteBluetooth, fmt.Errorf("%w: restart sco: %w", ErrRoute, err))
			}
		}
		return
	}
	err := errors.Join(c.dev.SetInputDevice(in), c.dev.SetOutputDevice(out))
	if err != nil {
		c.routeFailed(RouteBluetooth, fmt.Errorf("%w: bluetooth devices: %w", ErrRoute, err))
		return
	}
	c.log.Infof("bluetooth devices selected: in=%s out=%s", in.ID, out.ID)
}

func (c *Coordinator) routeBuiltin(r Route) error {
	c.cancel(&c.settleTask)
	var errs []error
	if c.plat.BluetoothSCOOn() {
		errs = append(errs, c.plat.StopBluetoothSCO())
	}
	errs = append(errs, c.plat.SetSpeakerphoneOn(r == RouteSpeaker))

	want := engine.DeviceEarpiece
	if r == RouteSpeaker {
		want = engine.DeviceSpeaker
	}
	devs := c.dev.AudioDevices()
	if out, ok := findDevice(devs, want); ok {
		errs = append(errs, c.dev.SetOutputDevice(out))
	} else {
		errs = append(errs, fmt.Errorf("no %s device", want))
	}
	if in, ok := findDevice(devs, engine.DeviceMicrophone); ok {
		errs = append(errs, c.dev.SetInputDevice(in))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRoute, r, err)
	}
	return nil
}

// drifted reports whether the engine no longer uses the desired route.
func (c *Coordinator) drifted() bool {
	r := c.Desired()
	if !c.hasApplied || c.applied != r {
		return true
	}
	out, ok := c.dev.OutputDevice()
	switch r {
	case RouteBluetooth:
		if c.settleTask != nil {
			return false
		}
		if _, _, found := pickBluetooth(c.dev.AudioDevices()); !found {
			return !c.plat.BluetoothSCOOn()
		}
		return !ok || out.Type != engine.DeviceBluetooth
	case RouteSpeaker:
		return !ok || out.Type != engine.DeviceSpeaker
	default:
		return !ok || out.Type != engine.DeviceEarpiece
	}
}

func (c *Coordinator) verify() {
	if c.handle == nil {
		return
	}
	c.checks++
	if c.drifted() {
		c.log.Warnf("audio route drifted from %s, re-applying (check %d)", c.Desired(), c.checks)
		c.rec.RouteReapplied()
		c.Apply()
	}

	stats, ok := c.dev.AudioStats(c.handle)
	switch {
	case ok && stats.UploadBandwidth < c.cfg.MinUploadBPS && !c.cycled && !c.muted:
		c.log.Warnf("upload bandwidth %.1f bps, cycling microphone", stats.UploadBandwidth)
		c.cycleMic()
	case c.cycleTask == nil && c.dev.MicMuted() != c.muted:
		c.setEngineMic(c.muted)
	}

	if c.checks < c.cfg.VerifyChecks {
		c.schedule(&c.verifyTask, c.cfg.VerifyInterval, c.verify)
		return
	}
	c.log.Debugf("audio verification finished after %d checks", c.checks)
	c.schedule(&c.keepAliveTask, c.cfg.KeepAliveInterval, c.keepAlive)
}

// cycleMic mutes the microphone and unmutes it after MicCycle. It runs at most
// once per call.
func (c *Coordinator) cycleMic() {
	c.cycled = true
	c.rec.MicCycled()
	c.setEngineMic(true)
	c.schedule(&c.cycleTask, c.cfg.MicCycle, func() {
		if c.handle == nil {
			return
		}
		c.setEngineMic(c.muted)
	})
}

func (c *Coordinator) keepAlive() {
	if c.handle == nil {
		return
	}
	if stats, ok := c.dev.AudioStats(c.handle); ok {
		c.log.Debugf("keep-alive: upload %.1f bps, download %.1f bps", stats.UploadBandwidth, stats.DownloadBandwidth)
		if stats.UploadBandwidth < c.cfg.KeepAliveMinUploadBPS && c.cycleTask == nil {
			c.log.Info("low upload bandwidth, re-asserting microphone")
			c.setEngineMic(c.muted)
		}
	}
	c.schedule(&c.keepAliveTask, c.cfg.KeepAliveInterval, c.keepAlive)
}

func (c *Coordinator) setEngineMic(muted bool) {
	if err := c.dev.SetMicMuted(muted); err != nil {
		c.log.WithError(err).Warn("setting microphone failed")
		c.rec.RouteFailed()
	}
}

func (c *Coordinator) schedule(slot *func(), d time.Duration, fn func()) {
	c.cancel(slot)
	*slot = c.sched.After(d, func() {
		*slot = nil
		fn()
	})
}

func (c *Coordinator) cancel(slot *func()) {
	if *slot != nil {
		(*slot)()
		*slot = nil
	}
}

func (c *Coordinator) cancelAll() {
	c.cancel(&c.settleTask)
	c.cancel(&c.verifyTask)
	c.cancel(&c.keepAliveTask)
	c.cancel(&c.cycleTask)
}

func findDevice(devs []engine.AudioDevice, t engine.DeviceType) (engine.AudioDevice, bool) {
	for _, d := range devs {
		if d.Type == t {
			return d, true
		}
	}
	return engine.AudioDevice{}, false
}

// pickBluetooth prefers devices whose id names capture or playback and falls
// back to any Bluetooth device.
func pickBluetooth(devs []engine.AudioDevice) (in, out engine.AudioDevice, ok bool) {
	var first *engine.AudioDevice
	var inOK, outOK bool
	for i := range devs {
		d := devs[i]
		if d.Type != engine.DeviceBluetooth {
			continue
		}
		if first == nil {
			first = &devs[i]
		}
		id := strings.ToLower(d.ID)
		if !inOK && strings.Contains(id, "capture") {
			in, inOK = d, true
		}
		if !outOK && strings.Contains(id, "playback") {
			out, outOK = d, true
		}
	}
	if first == nil {
		return in, out, false
	}
	if !inOK {
		in = *first
	}
	if !outOK {
		out = *first
	}
	return in, out, true
}
