package main

import (
	"fmt"
	"time"

	ini "gopkg.in/ini.v1"

	"trunkphone/audio"
	"trunkphone/call"
	"trunkphone/sipua"
	"trunkphone/voicefx"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	sipPort       int
	sipPortRange  int
	publicAddress string
	userAgent     string
	transport     string
	readyDelay    time.Duration
	sipMessages   bool

	settleDelay time.Duration
	stateFile   string

	btSettle              time.Duration
	verifyInitial         time.Duration
	verifyInterval        time.Duration
	verifyChecks          int
	minUploadBPS          float64
	keepAliveInterval     time.Duration
	keepAliveMinUploadBPS float64
	micCycle              time.Duration
	networkSettle         time.Duration

	voiceHost            string
	voiceTimeout         time.Duration
	voiceBreakerFailures int
	voiceBreakerTimeout  time.Duration

	metricsListen string
}

// LoadSettings reads configuration from ini file and validates it.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("sip")
	s.sipPort = sec.Key("local_port").MustInt(5060)
	s.sipPortRange = sec.Key("port_range").MustInt(0)
	s.publicAddress = sec.Key("public_address").String()
	s.userAgent = sec.Key("user_agent").MustString("trunkphone")
	s.transport = sec.Key("transport").In("udp", []string{"udp", "tcp"})
	s.readyDelay = sec.Key("ready_delay").MustDuration(2 * time.Second)
	s.sipMessages = sec.Key("sip_messages").MustBool(true)

	sec = cfg.Section("call")
	s.settleDelay = sec.Key("settle_delay").MustDuration(1500 * time.Millisecond)
	s.stateFile = sec.Key("state_file").MustString("session.ini")

	sec = cfg.Section("audio")
	s.btSettle = sec.Key("bt_settle").MustDuration(time.Second)
	s.verifyInitial = sec.Key("verify_initial").MustDuration(time.Second)
	s.verifyInterval = sec.Key("verify_interval").MustDuration(2 * time.Second)
	s.verifyChecks = sec.Key("verify_checks").MustInt(15)
	s.minUploadBPS = sec.Key("min_upload_bps").MustFloat64(50)
	s.keepAliveInterval = sec.Key("keepalive_interval").MustDuration(5 * time.Second)
	s.keepAliveMinUploadBPS = sec.Key("keepalive_min_upload_bps").MustFloat64(100)
	s.micCycle = sec.Key("mic_cycle").MustDuration(200 * time.Millisecond)
	s.networkSettle = sec.Key("network_settle").MustDuration(500 * time.Millisecond)

	sec = cfg.Section("voice")
	s.voiceHost = sec.Key("host").MustString(voicefx.DefaultHost)
	s.voiceTimeout = sec.Key("timeout").MustDuration(10 * time.Second)
	s.voiceBreakerFailures = sec.Key("breaker_failures").MustInt(5)
	s.voiceBreakerTimeout = sec.Key("breaker_timeout").MustDuration(30 * time.Second)

	s.metricsListen = cfg.Section("metrics").Key("listen").String()

	if s.sipPort <= 0 || s.sipPort > 65535 {
		return nil, fmt.Errorf("sip.local_port out of range: %d", s.sipPort)
	}
	if s.sipPortRange < 0 {
		return nil, fmt.Errorf("sip.port_range must not be negative")
	}
	if s.verifyChecks < 0 || s.voiceBreakerFailures <= 0 {
		return nil, fmt.Errorf("audio.verify_checks and voice.breaker_failures must be positive")
	}

	return s, nil
}

func (s *Settings) SIPPort() int              { return s.sipPort }
func (s *Settings) SIPPortRange() int         { return s.sipPortRange }
func (s *Settings) PublicAddress() string     { return s.publicAddress }
func (s *Settings) UserAgent() string         { return s.userAgent }
func (s *Settings) Transport() string         { return s.transport }
func (s *Settings) ReadyDelay() time.Duration { return s.readyDelay }
func (s *Settings) SIPMessages() bool         { return s.sipMessages }

func (s *Settings) SettleDelay() time.Duration { return s.settleDelay }
func (s *Settings) StateFile() string          { return s.stateFile }

func (s *Settings) VoiceHost() string     { return s.voiceHost }
func (s *Settings) MetricsListen() string { return s.metricsListen }

// SetStateFile overrides the session file, e.g. from the command line.
func (s *Settings) SetStateFile(path string) { s.stateFile = path }

// SIPConfig returns the user agent configuration. host is put into Contact
// headers.
func (s *Settings) SIPConfig(host string) sipua.Config {
	return sipua.Config{
		Host:       host,
		Port:       s.sipPort,
		PortRange:  s.sipPortRange,
		Transport:  s.transport,
		UserAgent:  s.userAgent,
		ReadyDelay: s.readyDelay,
	}
}

// AudioConfig returns the route coordinator timings.
func (s *Settings) AudioConfig() audio.Config {
	return audio.Config{
		BluetoothSettle:       s.btSettle,
		VerifyInitial:         s.verifyInitial,
		VerifyInterval:        s.verifyInterval,
		VerifyChecks:          s.verifyChecks,
		MinUploadBPS:          s.minUploadBPS,
		KeepAliveInterval:     s.keepAliveInterval,
		KeepAliveMinUploadBPS: s.keepAliveMinUploadBPS,
		MicCycle:              s.micCycle,
	}
}

// CallConfig returns the controller configuration.
func (s *Settings) CallConfig() call.Config {
	return call.Config{
		SettleDelay:   s.settleDelay,
		NetworkSettle: s.networkSettle,
		Audio:         s.AudioConfig(),
		VoiceHost:     s.voiceHost,
	}
}

// VoiceConfig returns the voice changer client configuration.
func (s *Settings) VoiceConfig() voicefx.Config {
	return voicefx.Config{
		Timeout:         s.voiceTimeout,
		BreakerFailures: uint32(s.voiceBreakerFailures),
		BreakerTimeout:  s.voiceBreakerTimeout,
	}
}
