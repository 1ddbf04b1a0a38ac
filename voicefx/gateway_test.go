package voicefx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trunkphone/session"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestExtractIdentity(t *testing.T) {
	id, ok := ExtractIdentity("1000_1002_humu-gmail-com_901")
	require.True(t, ok)
	assert.Equal(t, "humu-gmail-com", id)

	id, ok = ExtractIdentity("a_b_c")
	require.True(t, ok)
	assert.Equal(t, "c", id)

	for _, bad := range []string{"onlyonepart", "a_b", "", "a_b__d"} {
		_, ok := ExtractIdentity(bad)
		assert.False(t, ok, bad)
	}
}

func TestCodes(t *testing.T) {
	want := map[session.VoiceType]string{
		session.VoiceNormal: "904",
		session.VoiceMale:   "902",
		session.VoiceFemale: "901",
		session.VoiceKid:    "903",
	}
	for v, code := range want {
		got, ok := Code(v)
		require.True(t, ok)
		assert.Equal(t, code, got, v.String())
	}
	_, ok := Code(session.VoiceType(42))
	assert.False(t, ok)
}

func TestApplySendsRequest(t *testing.T) {
	requests := make(chan *url.URL, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.URL
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	g := NewGateway(Config{}, testLog())
	ok := g.Apply(context.Background(), hostOf(srv), "humu-gmail-com", session.VoiceFemale)
	assert.True(t, ok)
	u := <-requests
	assert.Equal(t, "/api/set-voice-by-email", u.Path)
	assert.Equal(t, "humu-gmail-com", u.Query().Get("email"))
	assert.Equal(t, "901", u.Query().Get("code"))
}

func TestApplyNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such user", http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewGateway(Config{}, testLog())
	assert.False(t, g.Apply(context.Background(), hostOf(srv), "x", session.VoiceKid))
}

func TestApplyTimeoutFails(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := NewGateway(Config{Timeout: 50 * time.Millisecond}, testLog())
	start := time.Now()
	assert.False(t, g.Apply(context.Background(), hostOf(srv), "x", session.VoiceMale))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestApplyUnreachableFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := hostOf(srv)
	srv.Close()

	g := NewGateway(Config{Timeout: time.Second}, testLog())
	assert.False(t, g.Apply(context.Background(), host, "x", session.VoiceNormal))
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewGateway(Config{BreakerFailures: 2, BreakerTimeout: time.Minute}, testLog())
	for i := 0; i < 5; i++ {
		assert.False(t, g.Apply(context.Background(), hostOf(srv), "x", session.VoiceNormal))
	}
	assert.Equal(t, int32(2), hits.Load())
}
