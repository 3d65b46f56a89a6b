package transport

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmpostor-client/internal/protocol"
)

func newTestCorrelator(timeout time.Duration) *Correlator {
	return NewCorrelator(timeout, nil, zerolog.Nop())
}

func TestCorrelator_ResolveDeliversPayload(t *testing.T) {
	c := newTestCorrelator(time.Second)

	id := c.NextID()
	ch := c.Add(id, "submit_guess")

	resolved := c.Resolve(id, json.RawMessage(`{"_requestId":"`+id+`","success":true}`))
	assert.True(t, resolved)

	out := <-ch
	require.NoError(t, out.Err)
	assert.JSONEq(t, `{"success":true}`, string(out.Payload))
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_ConcurrentRequestsResolveIndependently(t *testing.T) {
	c := newTestCorrelator(5 * time.Second)

	const n = 50
	ids := make([]string, n)
	chans := make([]<-chan Outcome, n)
	seen := make(map[string]bool, n)
	for i := range ids {
		ids[i] = c.NextID()
		require.False(t, seen[ids[i]], "duplicate correlation id %s", ids[i])
		seen[ids[i]] = true
		chans[i] = c.Add(ids[i], "get_room_state")
	}
	assert.Equal(t, n, c.PendingCount())

	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Resolve(ids[i], json.RawMessage(`{}`))
		}(i)
	}
	wg.Wait()

	for i := range chans {
		out := <-chans[i]
		assert.NoError(t, out.Err)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_ResolveUnknownID(t *testing.T) {
	c := newTestCorrelator(time.Second)
	assert.False(t, c.Resolve("never-issued", json.RawMessage(`{}`)))
}

func TestCorrelator_ResolveTwiceDeliversOnce(t *testing.T) {
	c := newTestCorrelator(time.Second)

	id := c.NextID()
	ch := c.Add(id, "join_room")

	assert.True(t, c.Resolve(id, json.RawMessage(`{}`)))
	assert.False(t, c.Resolve(id, json.RawMessage(`{}`)))

	<-ch
	select {
	case <-ch:
		t.Fatal("second outcome delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCorrelator_Timeout(t *testing.T) {
	c := newTestCorrelator(20 * time.Millisecond)

	id := c.NextID()
	ch := c.Add(id, "start_round")

	select {
	case out := <-ch:
		assert.ErrorIs(t, out.Err, protocol.ErrRequestTimeout)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_FailAllRejectsEveryPending(t *testing.T) {
	c := newTestCorrelator(time.Minute)

	chans := make([]<-chan Outcome, 3)
	for i := range chans {
		chans[i] = c.Add(c.NextID(), "submit_response")
	}

	c.FailAll(protocol.ErrConnectionLost)

	for _, ch := range chans {
		out := <-ch
		assert.ErrorIs(t, out.Err, protocol.ErrConnectionLost)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_ResolveAfterFailAll(t *testing.T) {
	c := newTestCorrelator(time.Minute)

	id := c.NextID()
	ch := c.Add(id, "join_room")
	c.FailAll(protocol.ErrConnectionLost)

	out := <-ch
	assert.ErrorIs(t, out.Err, protocol.ErrConnectionLost)
	// A late response for the failed request is ignored.
	assert.False(t, c.Resolve(id, json.RawMessage(`{}`)))
}

func TestCorrelator_LatencyCallback(t *testing.T) {
	var got time.Duration
	c := NewCorrelator(time.Second, func(d time.Duration) { got = d }, zerolog.Nop())

	id := c.NextID()
	ch := c.Add(id, "ping")
	time.Sleep(5 * time.Millisecond)
	c.Resolve(id, json.RawMessage(`{}`))
	<-ch

	assert.GreaterOrEqual(t, got, 5*time.Millisecond)
}
