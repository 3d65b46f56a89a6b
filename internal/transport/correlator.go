package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"llmpostor-client/internal/protocol"
)

// DefaultRequestTimeout is how long a correlated request may stay unanswered.
const DefaultRequestTimeout = 30 * time.Second

// Outcome is the single resolution of a correlated request: a payload or an
// error, never both.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

type pendingRequest struct {
	id       string
	event    string
	issuedAt time.Time
	ch       chan Outcome
	timer    *time.Timer
}

// Correlator tags outgoing requests with unique ids and tracks them until a
// matching response, a timeout, or a forced disconnect rejection. Every entry
// is removed exactly once.
type Correlator struct {
	timeout   time.Duration
	onLatency func(time.Duration)
	log       zerolog.Logger

	counter uint64
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func NewCorrelator(timeout time.Duration, onLatency func(time.Duration), log zerolog.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Correlator{
		timeout:   timeout,
		onLatency: onLatency,
		log:       log,
		pending:   make(map[string]*pendingRequest),
	}
}

// NextID returns a correlation id unique for the lifetime of the process:
// millisecond timestamp, monotonic counter, random suffix.
func (c *Correlator) NextID() string {
	n := atomic.AddUint64(&c.counter, 1)
	return fmt.Sprintf("%d-%d-%s", time.Now().UnixMilli(), n, uuid.NewString()[:8])
}

// Add registers a pending request and arms its timeout. The returned channel
// receives exactly one Outcome.
func (c *Correlator) Add(id, event string) <-chan Outcome {
	p := &pendingRequest{
		id:       id,
		event:    event,
		issuedAt: time.Now(),
		ch:       make(chan Outcome, 1),
	}

	c.mu.Lock()
	c.pending[id] = p
	p.timer = time.AfterFunc(c.timeout, func() {
		if c.Fail(id, protocol.ErrRequestTimeout) {
			c.log.Warn().Str("event", event).Str("request_id", id).Msg("correlated request timed out")
		}
	})
	c.mu.Unlock()
	return p.ch
}

// Resolve completes the pending request matching id with the response
// payload, minus the correlation id, and records its round-trip latency.
// Returns false if no such request is pending.
func (c *Correlator) Resolve(id string, payload json.RawMessage) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	if c.onLatency != nil {
		c.onLatency(time.Since(p.issuedAt))
	}
	p.ch <- Outcome{Payload: protocol.StripRequestID(payload)}
	return true
}

// Fail rejects the pending request matching id. Returns false if no such
// request is pending.
func (c *Correlator) Fail(id string, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.ch <- Outcome{Err: err}
	return true
}

// FailAll rejects every pending request. Called on disconnect so no request
// is ever resolved after the channel that carried it has closed.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	drained := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		drained = append(drained, p)
	}
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		p.ch <- Outcome{Err: err}
	}
	if len(drained) > 0 {
		c.log.Debug().Int("count", len(drained)).Msg("rejected pending requests")
	}
}

// PendingCount reports the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the pending entry for id, stopping its timer.
func (c *Correlator) take(id string) *pendingRequest {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}
