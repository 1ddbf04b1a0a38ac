package main

import (
	"sync"

	"github.com/sirupsen/logrus"

	"trunkphone/audio"
)

// hostPlatform stands in for the phone's audio session on a desktop host.
// It keeps the requested flags and logs every change.
type hostPlatform struct {
	log *logrus.Entry

	mu           sync.Mutex
	focused      bool
	commMode     bool
	speakerphone bool
	sco          bool
}

func newHostPlatform(log *logrus.Entry) *hostPlatform {
	return &hostPlatform{log: log}
}

func (p *hostPlatform) RequestAudioFocus() error {
	p.set(&p.focused, true, "audio focus")
	return nil
}

func (p *hostPlatform) AbandonAudioFocus() error {
	p.set(&p.focused, false, "audio focus")
	return nil
}

func (p *hostPlatform) SetCommunicationMode(on bool) error {
	p.set(&p.commMode, on, "communication mode")
	return nil
}

func (p *hostPlatform) SetSpeakerphoneOn(on bool) error {
	p.set(&p.speakerphone, on, "speakerphone")
	return nil
}

func (p *hostPlatform) StartBluetoothSCO() error {
	p.set(&p.sco, true, "bluetooth SCO")
	return nil
}

func (p *hostPlatform) StopBluetoothSCO() error {
	p.set(&p.sco, false, "bluetooth SCO")
	return nil
}

func (p *hostPlatform) BluetoothSCOOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sco
}

func (p *hostPlatform) set(flag *bool, v bool, what string) {
	p.mu.Lock()
	changed := *flag != v
	*flag = v
	p.mu.Unlock()
	if changed {
		p.log.Debugf("%s: %v", what, v)
	}
}

var _ audio.Platform = (*hostPlatform)(nil)
