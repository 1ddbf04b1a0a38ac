package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"trunkphone/call"
	"trunkphone/session"
)

// phone is the command surface the console drives.
type phone interface {
	Login(ctx context.Context, username, serverIP string, serverPort int) error
	Logout(ctx context.Context) error
	UpdateTrunkConfig(ctx context.Context, cfg session.TrunkConfig) error
	UpdatePhoneNumber(ctx context.Context, number string) error
	PlaceCall(ctx context.Context) error
	Dial(ctx context.Context, dest, identity string, trunk session.TrunkConfig) error
	Hangup(ctx context.Context) error
	ToggleMute(ctx context.Context) error
	ToggleSpeaker(ctx context.Context) error
	ChangeVoiceEffect(ctx context.Context, v session.VoiceType) <-chan bool
	ResetCallState(ctx context.Context) error
	BluetoothChanged(connected bool)
	NetworkChanged(id string)
	Status(ctx context.Context) (call.Status, error)
}

var errUsage = errors.New("usage")

const helpText = `commands:
  login <username> <server_ip> [server_port]
  logout
  trunk <username> <server_ip> <server_port> <local_port>
  number <digits>
  call                      dial the current number
  dial <destination>
  hangup
  mute | speaker            toggle
  voice normal|male|female|kid
  bt on|off                 bluetooth headset
  net <network id>|-        network change
  reset
  status
  quit
`

// console is a line based front-end standing in for the phone screens.
type console struct {
	ph    phone
	store *session.Store

	mu  sync.Mutex
	out io.Writer
}

func newConsole(ph phone, store *session.Store, out io.Writer) *console {
	return &console{ph: ph, store: store, out: out}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run executes commands read from in until quit, EOF or ctx is done.
func (c *console) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	c.printf("type help for commands\n")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		quit, err := c.exec(ctx, scanner.Text())
		if err != nil {
			c.printf("error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

func (c *console) exec(ctx context.Context, line string) (bool, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]

	switch cmd {
	case "help", "?":
		c.printf("%s", helpText)
	case "quit", "exit":
		return true, nil
	case "login":
		if len(args) < 2 || len(args) > 3 {
			return false, fmt.Errorf("%w: login <username> <server_ip> [server_port]", errUsage)
		}
		port := session.DefaultPort
		if len(args) == 3 {
			p, err := parsePort(args[2])
			if err != nil {
				return false, err
			}
			port = p
		}
		return false, c.ph.Login(ctx, args[0], args[1], port)
	case "logout":
		return false, c.ph.Logout(ctx)
	case "trunk":
		if len(args) != 4 {
			return false, fmt.Errorf("%w: trunk <username> <server_ip> <server_port> <local_port>", errUsage)
		}
		serverPort, err := parsePort(args[2])
		if err != nil {
			return false, err
		}
		localPort, err := parsePort(args[3])
		if err != nil {
			return false, err
		}
		return false, c.ph.UpdateTrunkConfig(ctx, session.TrunkConfig{
			Username:   args[0],
			ServerIP:   args[1],
			ServerPort: serverPort,
			LocalPort:  localPort,
		})
	case "number":
		return false, c.ph.UpdatePhoneNumber(ctx, strings.Join(args, ""))
	case "call":
		return false, c.ph.PlaceCall(ctx)
	case "dial":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: dial <destination>", errUsage)
		}
		snap := c.store.Snapshot()
		return false, c.ph.Dial(ctx, args[0], snap.Username, snap.Trunk)
	case "hangup":
		return false, c.ph.Hangup(ctx)
	case "mute":
		return false, c.ph.ToggleMute(ctx)
	case "speaker":
		return false, c.ph.ToggleSpeaker(ctx)
	case "voice":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: voice normal|male|female|kid", errUsage)
		}
		v, err := session.ParseVoiceType(args[0])
		if err != nil {
			return false, err
		}
		result := c.ph.ChangeVoiceEffect(ctx, v)
		go func() {
			if ok := <-result; ok {
				c.printf("voice effect %s applied\n", v)
			} else {
				c.printf("voice effect %s could not be applied\n", v)
			}
		}()
	case "bt":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return false, fmt.Errorf("%w: bt on|off", errUsage)
		}
		c.ph.BluetoothChanged(args[0] == "on")
	case "net":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: net <network id>|-", errUsage)
		}
		id := args[0]
		if id == "-" {
			id = ""
		}
		c.ph.NetworkChanged(id)
	case "reset":
		return false, c.ph.ResetCallState(ctx)
	case "status":
		st, err := c.ph.Status(ctx)
		if err != nil {
			return false, err
		}
		c.printStatus(c.store.Snapshot(), st)
	default:
		return false, fmt.Errorf("unknown command %q, type help", cmd)
	}
	return false, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

func (c *console) printStatus(snap session.Snapshot, st call.Status) {
	user := snap.Username
	if !snap.LoggedIn {
		user = "(logged out)"
	}
	c.printf("user:     %s\n", user)
	c.printf("trunk:    %s:%d local %d\n", snap.Trunk.ServerIP, snap.Trunk.ServerPort, snap.Trunk.LocalPort)
	c.printf("number:   %s\n", snap.PhoneNumber)
	c.printf("call:     %s %ds\n", snap.CallState, snap.CallDuration)
	c.printf("audio:    %s muted=%v speaker=%v bluetooth=%v\n", st.Audio.Output, snap.Muted, snap.SpeakerOn, st.Audio.BluetoothConnected)
	c.printf("voice:    %s\n", snap.VoiceType)
	c.printf("engine:   ready=%v queued=%d\n", st.EngineReady, len(st.Pending))
}

// watch prints call state changes published by the store until ctx is done.
func (c *console) watch(ctx context.Context) {
	ch := make(chan interface{}, 16)
	c.store.Subscribe(ch)
	defer c.store.Unsubscribe(ch)

	last := c.store.Snapshot()
	for {
		select {
		case v := <-ch:
			snap, ok := v.(session.Snapshot)
			if !ok {
				continue
			}
			if snap.CallState != last.CallState {
				c.printf("call state: %s\n", snap.CallState)
			}
			if snap.LoggedIn != last.LoggedIn {
				if snap.LoggedIn {
					c.printf("logged in as %s\n", snap.Username)
				} else {
					c.printf("logged out\n")
				}
			}
			last = snap
		case <-ctx.Done():
			return
		}
	}
}
