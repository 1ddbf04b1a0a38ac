// Package voicefx talks to the remote voice changer service.
package voicefx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"trunkphone/session"
)

// DefaultHost is the voice changer used when settings do not name one.
const DefaultHost = "98.70.40.108"

var codes = map[session.VoiceType]string{
	session.VoiceNormal: "904",
	session.VoiceMale:   "902",
	session.VoiceFemale: "901",
	session.VoiceKid:    "903",
}

// Code returns the service code of v.
func Code(v session.VoiceType) (string, bool) {
	c, ok := codes[v]
	return c, ok
}

// ExtractIdentity returns the third underscore separated segment of a trunk
// username such as "1000_1002_humu-gmail-com_901".
func ExtractIdentity(username string) (string, bool) {
	parts := strings.Split(username, "_")
	if len(parts) < 3 || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// Config configures the gateway.
type Config struct {
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Gateway applies voice effects. It is safe for concurrent use.
type Gateway struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     *logrus.Entry
}

// NewGateway creates a gateway; zero config values take the defaults.
func NewGateway(cfg Config, log *logrus.Entry) *Gateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	failures := cfg.BreakerFailures

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "voicefx",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Gateway{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: cfg.Timeout}).DialContext,
				ResponseHeaderTimeout: cfg.Timeout,
			},
			Timeout: 2 * cfg.Timeout,
		},
		breaker: cb,
		log:     log,
	}
}

// Apply asks the voice changer on host to use vt for identity. It reports
// success only for a 2xx answer; every failure is logged and returns false.
func (g *Gateway) Apply(ctx context.Context, host, identity string, vt session.VoiceType) bool {
	code, ok := Code(vt)
	if !ok {
		g.log.Warnf("no service code for voice type %s", vt)
		return false
	}
	u := fmt.Sprintf("http://%s/api/set-voice-by-email?email=%s&code=%s", host, url.QueryEscape(identity), code)
	log := g.log.WithFields(logrus.Fields{"identity": identity, "voice": vt.String()})

	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, g.get(ctx, u)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warnf("voice changer unavailable: %v", err)
		} else {
			log.Warnf("voice change failed: %v", err)
		}
		return false
	}
	log.Info("voice changed")
	return true
}

func (g *Gateway) get(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	g.log.Debugf("voice changer answered: %s", strings.TrimSpace(string(body)))
	return nil
}
