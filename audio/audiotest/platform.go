// Package audiotest provides a recording audio.Platform for tests.
package audiotest

import (
	"sync"

	"trunkphone/audio"
)

// Platform records OS audio calls.
type Platform struct {
	mu sync.Mutex

	FocusErr error

	focusRequests int
	focusAbandons int
	focused       bool
	commMode      bool
	speakerphone  bool
	scoOn         bool
	scoStarts     int
	scoStops      int
}

func (p *Platform) RequestAudioFocus() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.focusRequests++
	if p.FocusErr != nil {
		return p.FocusErr
	}
	p.focused = true
	return nil
}

func (p *Platform) AbandonAudioFocus() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.focusAbandons++
	p.focused = false
	return nil
}

func (p *Platform) SetCommunicationMode(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commMode = on
	return nil
}

func (p *Platform) SetSpeakerphoneOn(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speakerphone = on
	return nil
}

func (p *Platform) StartBluetoothSCO() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scoStarts++
	p.scoOn = true
	return nil
}

func (p *Platform) StopBluetoothSCO() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scoStops++
	p.scoOn = false
	return nil
}

func (p *Platform) BluetoothSCOOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scoOn
}

// DropSCO simulates the OS tearing the SCO link down.
func (p *Platform) DropSCO() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scoOn = false
}

// Focus returns how often focus was requested and abandoned and whether it is held.
func (p *Platform) Focus() (requests, abandons int, held bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focusRequests, p.focusAbandons, p.focused
}

// CommunicationMode reports the current audio mode.
func (p *Platform) CommunicationMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commMode
}

// Speakerphone reports the speakerphone flag.
func (p *Platform) Speakerphone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speakerphone
}

// SCO returns start and stop counts.
func (p *Platform) SCO() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scoStarts, p.scoStops
}

var _ audio.Platform = (*Platform)(nil)
