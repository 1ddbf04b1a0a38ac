// Package sipua is an engine.Engine that places IP-trunk calls with gosip.
// It handles signaling only; audio devices are tracked as selections and no
// media statistics are available.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gosip "github.com/ghettovoice/gosip"
	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/ghettovoice/gosip/util"
	"github.com/sirupsen/logrus"

	"trunkphone/engine"
)

// ErrUnknownCall is returned for handles the engine does not track.
var ErrUnknownCall = errors.New("unknown call")

// Config configures the SIP user agent.
type Config struct {
	Host       string // address put into Contact headers
	Port       int
	PortRange  int
	Transport  string
	UserAgent  string
	ReadyDelay time.Duration
	Clock      clock.Clock
}

// Engine is a SIP user agent for trunk calls.
type Engine struct {
	cfg Config
	clk clock.Clock
	log *logrus.Entry
	srv gosip.Server

	port int

	mu       sync.Mutex
	calls    map[string]*call
	micMuted bool
	devices  []engine.AudioDevice
	input    *engine.AudioDevice
	output   *engine.AudioDevice
	online   bool

	qmu     sync.Mutex
	pending []engine.Event
	wake    chan struct{}
	emit    func(engine.Event)
	ready   *clock.Timer
	cancel  context.CancelFunc
}

type call struct {
	id         string
	localAddr  *sip.Address
	remoteAddr *sip.Address
	contact    *sip.Address
	cseq       uint
	outgoing   bool
	answered   bool
	cancel     context.CancelFunc
	inviteReq  sip.Request
	serverTx   sip.ServerTransaction
}

func (c *call) ID() string { return c.id }

// New creates an engine. Start must be called before placing calls.
func New(cfg Config, log *logrus.Entry) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	return &Engine{
		cfg:   cfg,
		clk:   cfg.Clock,
		log:   log,
		calls: make(map[string]*call),
		wake:  make(chan struct{}, 1),
		devices: []engine.AudioDevice{
			{ID: "default-capture", Name: "Microphone", Type: engine.DeviceMicrophone},
			{ID: "default-earpiece", Name: "Earpiece", Type: engine.DeviceEarpiece},
			{ID: "default-speaker", Name: "Speaker", Type: engine.DeviceSpeaker},
		},
		online: true,
	}
}

// Start listens for SIP traffic and schedules the Ready event.
func (e *Engine) Start(ctx context.Context, emit func(engine.Event)) error {
	e.log.Info("starting SIP user agent")
	e.emit = emit

	logger := gosiplog.NewLogrusLogger(e.log, "SIP", nil)
	e.srv = gosip.NewServer(gosip.ServerConfig{Host: e.cfg.Host, UserAgent: e.cfg.UserAgent}, nil, nil, logger)

	for _, h := range []struct {
		method  sip.RequestMethod
		handler gosip.RequestHandler
	}{
		{sip.INVITE, e.handleInvite},
		{sip.ACK, e.handleAck},
		{sip.BYE, e.handleBye},
	} {
		if err := e.srv.OnRequest(h.method, h.handler); err != nil {
			return err
		}
	}

	var listenErr error
	for i := 0; i <= e.cfg.PortRange; i++ {
		addr := fmt.Sprintf(":%d", e.cfg.Port+i)
		listenErr = e.srv.Listen(e.cfg.Transport, addr)
		if listenErr == nil {
			e.port = e.cfg.Port + i
			e.log.Infof("SIP user agent listening on %s/%s", addr, e.cfg.Transport)
			break
		}
		e.log.Warnf("failed to listen on %s: %v", addr, listenErr)
	}
	if listenErr != nil {
		e.srv.Shutdown()
		return fmt.Errorf("sip listen: %w", listenErr)
	}

	ctx, e.cancel = context.WithCancel(ctx)
	go e.pump(ctx)

	e.queue(engine.RegistrationStateChanged{State: "None", Message: "ip trunk, registration disabled"})
	e.ready = e.clk.AfterFunc(e.cfg.ReadyDelay, func() {
		e.log.Info("SIP user agent is ready for calls")
		e.queue(engine.Ready{})
	})
	return nil
}

// Stop terminates all calls and shuts the user agent down.
func (e *Engine) Stop() {
	if e.srv == nil {
		return
	}
	if e.ready != nil {
		e.ready.Stop()
	}
	_ = e.TerminateAll()
	if e.cancel != nil {
		e.cancel()
	}
	e.srv.Shutdown()
	e.log.Info("SIP user agent stopped")
}

// queue appends events for in-order delivery by pump.
func (e *Engine) queue(evs ...engine.Event) {
	e.qmu.Lock()
	e.pending = append(e.pending, evs...)
	e.qmu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}
		for {
			e.qmu.Lock()
			if len(e.pending) == 0 {
				e.qmu.Unlock()
				break
			}
			ev := e.pending[0]
			e.pending = e.pending[1:]
			e.qmu.Unlock()
			e.emit(ev)
		}
	}
}

func (e *Engine) callState(c *call, msg string, states ...engine.RawState) {
	evs := make([]engine.Event, 0, len(states))
	for _, st := range states {
		evs = append(evs, engine.CallStateChanged{Handle: c, State: st, Message: msg})
	}
	e.queue(evs...)
}

// Invite sends an INVITE from identity to destination.
func (e *Engine) Invite(identity, destination engine.Address, params engine.CallParams) (engine.CallHandle, error) {
	if e.srv == nil {
		return nil, errors.New("sip user agent not started")
	}
	e.log.Infof("SIP Invite from %s to %s", identity, destination)
	e.log.Debugf("call params: audio=%v video=%v early-media=%v mic-gain=%.1f",
		params.AudioEnabled, params.VideoEnabled, params.EarlyMediaSending, params.MicGain)

	toURI, err := parser.ParseUri(destination.String())
	if err != nil {
		return nil, fmt.Errorf("parse to uri: %w", err)
	}
	fromURI, err := parser.ParseUri(identity.String())
	if err != nil {
		return nil, fmt.Errorf("parse from uri: %w", err)
	}
	contactURI, err := parser.ParseUri(engine.Address{User: identity.User, Host: e.cfg.Host, Port: e.port}.String())
	if err != nil {
		return nil, fmt.Errorf("parse contact uri: %w", err)
	}

	fromAddr := &sip.Address{Uri: fromURI, Params: sip.NewParams().Add("tag", sip.String{Str: util.RandString(8)})}
	toAddr := &sip.Address{Uri: toURI, Params: sip.NewParams()}
	contactAddr := &sip.Address{Uri: contactURI}

	req, err := sip.NewRequestBuilder().
		SetMethod(sip.INVITE).
		SetRecipient(toURI).
		SetFrom(fromAddr).
		SetTo(toAddr).
		SetContact(contactAddr).
		SetSeqNo(1).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build invite: %w", err)
	}

	callID := ""
	if cid, ok := req.CallID(); ok && cid != nil {
		callID = cid.String()
	}

	tx, err := e.srv.Request(req)
	if err != nil {
		return nil, fmt.Errorf("send invite: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call{
		id:         callID,
		localAddr:  fromAddr,
		remoteAddr: toAddr,
		contact:    contactAddr,
		cseq:       1,
		outgoing:   true,
		cancel:     cancel,
		inviteReq:  req,
	}
	e.mu.Lock()
	e.calls[callID] = c
	e.mu.Unlock()

	e.callState(c, "starting outgoing call", engine.StateOutgoingInit)
	go e.watchInvite(ctx, c, tx)
	return c, nil
}

// watchInvite follows the client transaction of an outgoing INVITE.
func (e *Engine) watchInvite(ctx context.Context, c *call, tx sip.ClientTransaction) {
	for {
		select {
		case <-ctx.Done():
			_ = tx.Cancel()
			e.drop(c)
			e.callState(c, "call canceled", engine.StateEnd, engine.StateReleased)
			return
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			code := res.StatusCode()
			e.log.Infof("received SIP response: %d %s", code, res.Reason())
			if toHdr, ok := res.To(); ok && toHdr.Params != nil {
				if tag, ok := toHdr.Params.Get("tag"); ok {
					e.mu.Lock()
					c.remoteAddr.Params = c.remoteAddr.Params.Add("tag", tag)
					e.mu.Unlock()
				}
			}
			state, final := responseState(code)
			if !final {
				e.callState(c, res.Reason(), state)
				continue
			}
			if res.IsSuccess() {
				canceled := e.markAnswered(ctx, c)
				if err := e.ack(c); err != nil {
					e.log.Warnf("ACK for %s failed: %v", c.id, err)
				}
				if canceled {
					// hung up while the 200 was in flight
					if err := e.bye(c); err != nil {
						e.log.Warnf("BYE for %s failed: %v", c.id, err)
					}
					e.drop(c)
					e.callState(c, "call canceled", engine.StateEnd, engine.StateReleased)
					return
				}
				e.callState(c, res.Reason(), engine.StateConnected, engine.StateStreamsRunning)
				return
			}
			e.drop(c)
			e.callState(c, fmt.Sprintf("%d %s", code, res.Reason()), failureStates(code)...)
			return
		case err := <-tx.Errors():
			if err == nil {
				continue
			}
			e.log.Warnf("SIP transaction error: %v", err)
			e.drop(c)
			e.callState(c, err.Error(), engine.StateError, engine.StateReleased)
			return
		case <-tx.Done():
			return
		}
	}
}

// markAnswered records the 2xx for c and reports whether Terminate canceled
// the call first. Terminate cancels under the same lock, so exactly one of
// them is responsible for the BYE.
func (e *Engine) markAnswered(ctx context.Context, c *call) (canceled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c.answered = true
	return ctx.Err() != nil
}

func (e *Engine) bye(c *call) error {
	req, err := e.inDialog(c, sip.BYE, true)
	if err != nil {
		return fmt.Errorf("build BYE: %w", err)
	}
	if _, err := e.srv.Request(req); err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	return nil
}

// inDialog builds a request inside the dialog of c with the next sequence number.
func (e *Engine) inDialog(c *call, method sip.RequestMethod, nextSeq bool) (sip.Request, error) {
	e.mu.Lock()
	if nextSeq {
		c.cseq++
	}
	seq := c.cseq
	e.mu.Unlock()

	cid := sip.CallID(c.id)
	return sip.NewRequestBuilder().
		SetMethod(method).
		SetRecipient(c.remoteAddr.Uri).
		SetFrom(c.localAddr).
		SetTo(c.remoteAddr).
		SetContact(c.contact).
		SetCallID(&cid).
		SetSeqNo(seq).
		Build()
}

func (e *Engine) ack(c *call) error {
	req, err := e.inDialog(c, sip.ACK, false)
	if err != nil {
		return fmt.Errorf("build ACK: %w", err)
	}
	return e.srv.Send(req)
}

func (e *Engine) drop(c *call) {
	e.mu.Lock()
	delete(e.calls, c.id)
	e.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (e *Engine) lookup(h engine.CallHandle) (*call, error) {
	if h == nil {
		return nil, ErrUnknownCall
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[h.ID()]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", h.ID(), ErrUnknownCall)
	}
	return c, nil
}

// Terminate hangs up, cancels or declines the call depending on its phase.
func (e *Engine) Terminate(h engine.CallHandle) error {
	c, err := e.lookup(h)
	if err != nil {
		return err
	}
	e.log.Infof("SIP Terminate call %s", c.id)

	e.mu.Lock()
	answered, outgoing := c.answered, c.outgoing
	if !answered && outgoing {
		// watchInvite sends CANCEL, or BYE if a 200 is already on its way,
		// and reports the end
		c.cancel()
	}
	e.mu.Unlock()

	switch {
	case answered:
		if err := e.bye(c); err != nil {
			return err
		}
		e.drop(c)
		e.callState(c, "call terminated", engine.StateEnd, engine.StateReleased)
	case outgoing:
		// canceled above
	default:
		if _, err := e.srv.RespondOnRequest(c.inviteReq, sip.StatusCode(603), "Decline", "", nil); err != nil {
			return fmt.Errorf("decline: %w", err)
		}
		e.drop(c)
		e.callState(c, "call declined", engine.StateEnd, engine.StateReleased)
	}
	return nil
}

// TerminateAll terminates every tracked call.
func (e *Engine) TerminateAll() error {
	e.mu.Lock()
	calls := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	e.mu.Unlock()

	var errs []error
	for _, c := range calls {
		if err := e.Terminate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleInvite tracks an incoming call and reports it ringing.
func (e *Engine) handleInvite(req sip.Request, tx sip.ServerTransaction) {
	cid, _ := req.CallID()
	callID := ""
	if cid != nil {
		callID = cid.String()
	}
	e.log.Infof("received SIP INVITE: %s", callID)

	e.mu.Lock()
	_, known := e.calls[callID]
	e.mu.Unlock()
	if known {
		// re-INVITE inside an existing dialog, nothing to renegotiate
		_, _ = e.srv.RespondOnRequest(req, sip.StatusCode(200), "OK", "", nil)
		return
	}

	fromHdr, _ := req.From()
	toHdr, _ := req.To()
	if fromHdr == nil || toHdr == nil {
		_, _ = e.srv.RespondOnRequest(req, sip.StatusCode(400), "Bad Request", "", nil)
		return
	}
	c := &call{
		id:         callID,
		localAddr:  sip.NewAddressFromToHeader(toHdr),
		remoteAddr: sip.NewAddressFromFromHeader(fromHdr),
		contact:    sip.NewAddressFromToHeader(toHdr),
		cseq:       1,
		inviteReq:  req,
		serverTx:   tx,
	}
	e.mu.Lock()
	e.calls[callID] = c
	e.mu.Unlock()

	_, _ = e.srv.RespondOnRequest(req, sip.StatusCode(100), "Trying", "", nil)
	_, _ = e.srv.RespondOnRequest(req, sip.StatusCode(180), "Ringing", "", nil)
	e.callState(c, fmt.Sprintf("incoming call from %s", fromHdr.Address), engine.StateIncomingReceived)

	if tx != nil {
		go e.watchIncoming(c, tx)
	}
}

// watchIncoming reports a caller giving up before the call was answered.
func (e *Engine) watchIncoming(c *call, tx sip.ServerTransaction) {
	for {
		select {
		case cancel := <-tx.Cancels():
			if cancel == nil {
				continue
			}
			e.log.Infof("received SIP CANCEL: %s", c.id)
			_, _ = e.srv.RespondOnRequest(c.inviteReq, sip.StatusCode(487), "Request Terminated", "", nil)
			e.drop(c)
			e.callState(c, "caller canceled", engine.StateEnd, engine.StateReleased)
			return
		case <-tx.Done():
			return
		}
	}
}

func (e *Engine) handleAck(req sip.Request, tx sip.ServerTransaction) {
	cid, _ := req.CallID()
	if cid != nil {
		e.log.Debugf("received SIP ACK: %s", cid.String())
	}
}

// handleBye ends the call on remote hangup.
func (e *Engine) handleBye(req sip.Request, tx sip.ServerTransaction) {
	cid, _ := req.CallID()
	callID := ""
	if cid != nil {
		callID = cid.String()
	}
	e.log.Infof("received SIP BYE: %s", callID)
	_, _ = e.srv.RespondOnRequest(req, sip.StatusCode(200), "OK", "", nil)

	e.mu.Lock()
	c, ok := e.calls[callID]
	delete(e.calls, callID)
	e.mu.Unlock()
	if ok {
		e.callState(c, "remote hangup", engine.StateEnd, engine.StateReleased)
	}
}

// SetNetworkReachable records reachability; calls are refreshed by RefreshCall.
func (e *Engine) SetNetworkReachable(reachable bool) {
	e.mu.Lock()
	e.online = reachable
	e.mu.Unlock()
	e.log.Infof("network reachable: %v", reachable)
}

// RefreshCall sends an in-dialog re-INVITE so the far end learns the new contact.
func (e *Engine) RefreshCall(h engine.CallHandle) error {
	c, err := e.lookup(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	online, answered := e.online, c.answered
	e.mu.Unlock()
	if !online {
		return errors.New("network unreachable")
	}
	if !answered {
		return nil
	}
	req, err := e.inDialog(c, sip.INVITE, true)
	if err != nil {
		return fmt.Errorf("build re-INVITE: %w", err)
	}
	tx, err := e.srv.Request(req)
	if err != nil {
		return fmt.Errorf("send re-INVITE: %w", err)
	}
	go func() {
		for {
			select {
			case res := <-tx.Responses():
				if res == nil || res.IsProvisional() {
					continue
				}
				if res.IsSuccess() {
					if err := e.ack(c); err != nil {
						e.log.Warnf("ACK for re-INVITE %s failed: %v", c.id, err)
					}
				}
				e.callState(c, "call refreshed", engine.StateStreamsRunning)
				return
			case err := <-tx.Errors():
				if err != nil {
					e.log.Warnf("re-INVITE for %s failed: %v", c.id, err)
				}
				return
			case <-tx.Done():
				return
			}
		}
	}()
	return nil
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
	e.input = &d
	return nil
}

func (e *Engine) SetOutputDevice(d engine.AudioDevice) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.output = &d
	return nil
}

// SetMicMuted records the microphone state.
func (e *Engine) SetMicMuted(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.micMuted = muted
	return nil
}

func (e *Engine) MicMuted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.micMuted
}

// AudioStats is never available, media is not handled by this engine.
func (e *Engine) AudioStats(h engine.CallHandle) (engine.AudioStats, bool) {
	return engine.AudioStats{}, false
}

var _ engine.Engine = (*Engine)(nil)
