package session

import (
	"sync"

	"github.com/dustin/go-broadcast"
	"github.com/sirupsen/logrus"
)

// Store is the process-wide observable session. Reads are safe from any
// goroutine; writes are expected from the call controller only, so change
// notifications are published in the order the writes happened.
type Store struct {
	mu      sync.RWMutex
	snap    Snapshot
	persist Persister
	bcast   broadcast.Broadcaster
	log     *logrus.Entry
}

// NewStore loads the persisted session through p. A nil p disables persistence.
func NewStore(p Persister, log *logrus.Entry) (*Store, error) {
	s := &Store{
		persist: p,
		bcast:   broadcast.NewBroadcaster(64),
		log:     log,
	}
	s.snap.Trunk = DefaultTrunkConfig()
	if p != nil {
		saved, err := p.Load()
		if err != nil {
			return nil, err
		}
		s.snap.LoggedIn = saved.LoggedIn
		s.snap.Trunk = saved.Trunk
		s.snap.Username = saved.Trunk.Username
	}
	return s, nil
}

// Close stops change notifications.
func (s *Store) Close() error {
	return s.bcast.Close()
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// CallState returns the current call state.
func (s *Store) CallState() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.CallState
}

// Subscribe registers ch for Snapshot values published after every change.
// The subscriber must keep draining ch.
func (s *Store) Subscribe(ch chan<- interface{}) {
	s.bcast.Register(ch)
}

// Unsubscribe stops publishing to ch.
func (s *Store) Unsubscribe(ch chan<- interface{}) {
	s.bcast.Unregister(ch)
}

// update applies fn under the write lock and publishes the result when fn
// reports a change.
func (s *Store) update(fn func(*Snapshot) bool) Snapshot {
	s.mu.Lock()
	changed := fn(&s.snap)
	snap := s.snap
	s.mu.Unlock()
	if changed {
		s.bcast.Submit(snap)
	}
	return snap
}

func (s *Store) save(snap Snapshot) error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Save(Persisted{LoggedIn: snap.LoggedIn, Trunk: snap.Trunk})
}

// Login records the identity and trunk and marks the session logged in.
func (s *Store) Login(username, serverIP string, serverPort int) error {
	cfg := TrunkConfig{
		Username:   username,
		ServerIP:   serverIP,
		ServerPort: serverPort,
		LocalPort:  DefaultPort,
	}
	snap := s.update(func(sn *Snapshot) bool {
		sn.Username = username
		sn.Trunk = cfg
		sn.LoggedIn = true
		return true
	})
	s.log.WithField("username", username).Infof("logged in via %s:%d", serverIP, serverPort)
	return s.save(snap)
}

// Logout clears identity, trunk and every persisted key.
func (s *Store) Logout() error {
	s.update(func(sn *Snapshot) bool {
		sn.LoggedIn = false
		sn.Username = ""
		sn.Trunk = DefaultTrunkConfig()
		return true
	})
	s.log.Info("logged out")
	if s.persist == nil {
		return nil
	}
	return s.persist.Clear()
}

// UpdateTrunkConfig replaces the trunk and the username it carries.
func (s *Store) UpdateTrunkConfig(cfg TrunkConfig) error {
	snap := s.update(func(sn *Snapshot) bool {
		sn.Trunk = cfg
		sn.Username = cfg.Username
		return true
	})
	return s.save(snap)
}

// TrunkConfig returns the current trunk.
func (s *Store) TrunkConfig() TrunkConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Trunk
}

// UpdatePhoneNumber sets the dial draft.
func (s *Store) UpdatePhoneNumber(number string) {
	s.update(func(sn *Snapshot) bool {
		if sn.PhoneNumber == number {
			return false
		}
		sn.PhoneNumber = number
		return true
	})
}

// SetCallState publishes a new call state and returns the previous one.
func (s *Store) SetCallState(st CallState) CallState {
	var prev CallState
	s.update(func(sn *Snapshot) bool {
		prev = sn.CallState
		if prev == st {
			return false
		}
		sn.CallState = st
		return true
	})
	return prev
}

// SetMuted sets the microphone flag.
func (s *Store) SetMuted(muted bool) {
	s.update(func(sn *Snapshot) bool {
		if sn.Muted == muted {
			return false
		}
		sn.Muted = muted
		return true
	})
}

// SetSpeakerOn sets the speaker flag.
func (s *Store) SetSpeakerOn(on bool) {
	s.update(func(sn *Snapshot) bool {
		if sn.SpeakerOn == on {
			return false
		}
		sn.SpeakerOn = on
		return true
	})
}

// SetVoiceType records the selected voice effect.
func (s *Store) SetVoiceType(v VoiceType) {
	s.update(func(sn *Snapshot) bool {
		if sn.VoiceType == v {
			return false
		}
		sn.VoiceType = v
		return true
	})
}

// TickCallDuration adds one second to the call duration.
func (s *Store) TickCallDuration() int {
	return s.update(func(sn *Snapshot) bool {
		sn.CallDuration++
		return true
	}).CallDuration
}

// ClearCallFlags resets mute, speaker and duration after a call ends.
func (s *Store) ClearCallFlags() {
	s.update(func(sn *Snapshot) bool {
		changed := sn.Muted || sn.SpeakerOn || sn.CallDuration != 0
		sn.Muted = false
		sn.SpeakerOn = false
		sn.CallDuration = 0
		return changed
	})
}

// ResetCallState returns the call part of the session to its initial values.
func (s *Store) ResetCallState() {
	s.update(func(sn *Snapshot) bool {
		sn.CallState = StateIdle
		sn.PhoneNumber = ""
		sn.Muted = false
		sn.SpeakerOn = false
		sn.VoiceType = VoiceNormal
		sn.CallDuration = 0
		return true
	})
}
