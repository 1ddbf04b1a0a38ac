package sipua

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addOutgoing(e *Engine, id string) (*call, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &call{id: id, outgoing: true, cancel: cancel}
	e.mu.Lock()
	e.calls[id] = c
	e.mu.Unlock()
	return c, ctx
}

func TestTerminateBeforeAnswerCancelsInvite(t *testing.T) {
	e := newTestEngine()
	c, ctx := addOutgoing(e, "call-1")

	require.NoError(t, e.Terminate(c))
	assert.Error(t, ctx.Err())

	// the 200 arrives after the hangup: the invite watcher owns the BYE
	assert.True(t, e.markAnswered(ctx, c))
	assert.True(t, c.answered)
}

func TestAnswerBeforeTerminate(t *testing.T) {
	e := newTestEngine()
	c, ctx := addOutgoing(e, "call-1")

	assert.False(t, e.markAnswered(ctx, c))
	assert.NoError(t, ctx.Err())

	// Terminate now sees an answered dialog and sends the BYE itself
	e.mu.Lock()
	answered := c.answered
	e.mu.Unlock()
	assert.True(t, answered)
}
