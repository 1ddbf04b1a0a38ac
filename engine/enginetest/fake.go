// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"trunkphone/engine"
)

// Handle is the call handle issued by Engine.
type Handle struct {
	id string
}

func (h *Handle) ID() string { return h.id }

// NewHandle creates a handle the fake did not issue, e.g. for incoming calls.
func NewHandle(id string) *Handle { return &Handle{id: id} }

// Invite records one Invite command.
type Invite struct {
	Identity    engine.Address
	Destination engine.Address
	Params      engine.CallParams
	Handle      *Handle
}

// Engine records every command and lets tests emit events.
type Engine struct {
	mu sync.Mutex

	emit    func(engine.Event)
	started bool
	stopped bool

	InviteErr error

	invites    []Invite
	terminated []string
	terminateN int
	micMuted   bool
	micHistory []bool
	devices    []engine.AudioDevice
	input      *engine.AudioDevice
	output     *engine.AudioDevice
	inputSets  int
	outputSets int
	stats      map[string]engine.AudioStats
	reachable  []bool
	refreshed  []string
	nextID     int
	deviceErr  error
}

// New creates a fake with a phone-like device set.
func New() *Engine {
	return &Engine{
		devices: []engine.AudioDevice{
			{ID: "mic", Name: "Microphone", Type: engine.DeviceMicrophone},
			{ID: "earpiece", Name: "Earpiece", Type: engine.DeviceEarpiece},
			{ID: "speaker", Name: "Speaker", Type: engine.DeviceSpeaker},
		},
		stats: make(map[string]engine.AudioStats),
	}
}

var errNotStarted = errors.New("engine not started")

func (e *Engine) Start(ctx context.Context, emit func(engine.Event)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emit = emit
	e.started = true
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

// Emit delivers ev as if the engine raised it.
func (e *Engine) Emit(ev engine.Event) error {
	e.mu.Lock()
	emit := e.emit
	e.mu.Unlock()
	if emit == nil {
		return errNotStarted
	}
	emit(ev)
	return nil
}

// Started reports whether Start was called.
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Stopped reports whether Stop was called.
func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) Invite(identity, destination engine.Address, params engine.CallParams) (engine.CallHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InviteErr != nil {
		return nil, e.InviteErr
	}
	e.nextID++
	h := &Handle{id: fmt.Sprintf("call-%d", e.nextID)}
	e.invites = append(e.invites, Invite{Identity: identity, Destination: destination, Params: params, Handle: h})
	return h, nil
}

// Invites returns the recorded Invite commands.
func (e *Engine) Invites() []Invite {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Invite(nil), e.invites...)
}

// LastHandle returns the handle of the most recent invite.
func (e *Engine) LastHandle() *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.invites) == 0 {
		return nil
	}
	return e.invites[len(e.invites)-1].Handle
}

func (e *Engine) Terminate(h engine.CallHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = append(e.terminated, h.ID())
	return nil
}

func (e *Engine) TerminateAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminateN++
	return nil
}

// Terminated returns the ids passed to Terminate.
func (e *Engine) Terminated() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.terminated...)
}

// TerminateAllCount returns how often TerminateAll was called.
func (e *Engine) TerminateAllCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminateN
}

func (e *Engine) SetMicMuted(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.micMuted = muted
	e.micHistory = append(e.micHistory, muted)
	return nil
}

func (e *Engine) MicMuted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.micMuted
}

// MicHistory returns every value passed to SetMicMuted.
func (e *Engine) MicHistory() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.micHistory...)
}

// SetDevices replaces the enumerated device list.
func (e *Engine) SetDevices(devs []engine.AudioDevice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = append([]engine.AudioDevice(nil), devs...)
}

// AddBluetooth adds a headset exposing capture and playback devices.
func (e *Engine) AddBluetooth() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = append(e.devices,
		engine.AudioDevice{ID: "bt-capture", Name: "Headset", Type: engine.DeviceBluetooth},
		engine.AudioDevice{ID: "bt-playback", Name: "Headset", Type: engine.DeviceBluetooth},
	)
}

// SetDeviceError makes device selection fail with err.
func (e *Engine) SetDeviceError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceErr = err
}

func (e *Engine) AudioDevices() []engine.AudioDevice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.AudioDevice(nil), e.devices...)
}

func (e *Engine) InputDevice() (engine.AudioDevice, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.input == nil {
		return engine.AudioDevice{}, false
	}
	return *e.input, true
}

func (e *Engine) OutputDevice() (engine.AudioDevice, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.output == nil {
		return engine.AudioDevice{}, false
	}
	return *e.output, true
}

func (e *Engine) SetInputDevice(d engine.AudioDevice) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deviceErr != nil {
		return e.deviceErr
	}
	e.input = &d
	e.inputSets++
	return nil
}

func (e *Engine) SetOutputDevice(d engine.AudioDevice) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deviceErr != nil {
		return e.deviceErr
	}
	e.output = &d
	e.outputSets++
	return nil
}

// DeviceSets returns how often input and output devices were selected.
func (e *Engine) DeviceSets() (input, output int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inputSets, e.outputSets
}

// SetStats sets the stats reported for the call with id.
func (e *Engine) SetStats(id string, s engine.AudioStats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats[id] = s
}

func (e *Engine) AudioStats(h engine.CallHandle) (engine.AudioStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h == nil {
		return engine.AudioStats{}, false
	}
	s, ok := e.stats[h.ID()]
	return s, ok
}

func (e *Engine) SetNetworkReachable(reachable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reachable = append(e.reachable, reachable)
}

// Reachability returns every value passed to SetNetworkReachable.
func (e *Engine) Reachability() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.reachable...)
}

func (e *Engine) RefreshCall(h engine.CallHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshed = append(e.refreshed, h.ID())
	return nil
}

// Refreshed returns the ids passed to RefreshCall.
func (e *Engine) Refreshed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.refreshed...)
}

var _ engine.Engine = (*Engine)(nil)
