package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"llmpostor-client/internal/bus"
	"llmpostor-client/internal/protocol"
)

// State is the supervisor's position in the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Bus events published by the supervisor.
const (
	EventConnectionStatus  = "connection:status"
	EventConnectionQuality = "connection:quality"
	EventRecoveryExhausted = "connection:recovery_exhausted"
)

// StatusEvent is the payload of connection:status and
// connection:recovery_exhausted publishes.
type StatusEvent struct {
	State     State
	Connected bool
	Attempt   int
	Reason    string
}

// QualityEvent is the payload of connection:quality publishes. Published only
// when the classification actually changes.
type QualityEvent struct {
	Quality        Quality
	AverageLatency time.Duration
}

// ChannelState is a point-in-time snapshot of channel health.
type ChannelState struct {
	Connected        bool
	Quality          Quality
	ReconnectAttempt int
	LastHeartbeatAt  time.Time
}

// Handler receives decoded inbound payloads. Handlers registered with On are
// durable: they survive reconnection without re-registration because the
// registry lives in the supervisor, not on any particular channel.
type Handler func(data any)

type registration struct {
	id int
	h  Handler
}

// Default supervisor tunables.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultSendRate       = rate.Limit(20)
	DefaultSendBurst      = 40
)

// Config tunes a Supervisor. Zero values take defaults.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
	SendRate             rate.Limit
	SendBurst            int
	Dial                 DialFunc
	Logger               zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.SendRate <= 0 {
		c.SendRate = DefaultSendRate
	}
	if c.SendBurst <= 0 {
		c.SendBurst = DefaultSendBurst
	}
	if c.Dial == nil {
		c.Dial = DialChannel
	}
}

// Supervisor owns the channel lifecycle and is the single point of truth for
// whether the logical session is usable. It composes the heartbeat monitor,
// the reconnection scheduler, and the request correlator behind one stable
// Send/Request/On surface that outlives any individual channel.
type Supervisor struct {
	cfg Config
	bus *bus.Bus
	log zerolog.Logger

	correlator *Correlator
	scheduler  *Scheduler
	hb         *Heartbeat
	limiter    *rate.Limiter

	mu         sync.Mutex
	state      State
	quality    Quality
	attempt    int
	manual     bool
	gen        int
	channel    Channel
	cancelRead context.CancelFunc
	handlers   map[string][]*registration
	nextReg    int
	window     latencyWindow
	lastBeat   time.Time
}

func NewSupervisor(cfg Config, b *bus.Bus) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:      cfg,
		bus:      b,
		log:      cfg.Logger.With().Str("component", "supervisor").Logger(),
		quality:  QualityUnknown,
		handlers: make(map[string][]*registration),
		limiter:  rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
	}
	s.correlator = NewCorrelator(cfg.RequestTimeout, s.recordLatency, s.log)
	s.scheduler = NewScheduler(cfg.BackoffBase, cfg.BackoffCap, cfg.MaxReconnectAttempts, s.log)
	s.hb = NewHeartbeat(cfg.HeartbeatInterval, s.sendPing, s.recordLatency, s.degradeStalled, s.log)
	return s
}

// Connect idempotently tears down any existing channel and opens a new one.
// Attempt counters reset; a manual Connect always starts a fresh cycle.
func (s *Supervisor) Connect() {
	s.scheduler.Cancel()

	s.mu.Lock()
	s.manual = false
	s.attempt = 0
	s.gen++
	gen := s.gen
	s.teardownLocked("reconnecting")
	s.hb.Stop()
	s.state = StateConnecting
	s.mu.Unlock()

	s.correlator.FailAll(protocol.ErrConnectionLost)
	s.publishStatus("connecting")
	go s.dial(gen)
}

// ForceReconnect resets attempt counters and reconnects immediately. This is
// the only way out of a RecoveryExhausted terminal state.
func (s *Supervisor) ForceReconnect() {
	s.log.Info().Msg("forcing reconnect")
	s.Connect()
}

// Disconnect is explicit and user-initiated: it cancels all timers, rejects
// all pending requests, releases the channel, and does not trigger automatic
// reconnection. Calling it twice is the same as calling it once.
func (s *Supervisor) Disconnect() {
	s.scheduler.Cancel()

	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.manual = true
	s.gen++
	s.teardownLocked("client disconnect")
	s.hb.Stop()
	s.state = StateIdle
	s.attempt = 0
	s.mu.Unlock()

	s.correlator.FailAll(protocol.ErrConnectionLost)
	s.publishStatus("disconnected by client")
}

// Send transmits an uncorrelated event. Fails fast with ErrNotConnected when
// no usable channel exists.
func (s *Supervisor) Send(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	ch := s.channel
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || ch == nil {
		return protocol.ErrNotConnected
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = data
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.write(ctx, ch, protocol.ClientMessage{Type: event, Payload: raw})
}

// Request transmits a correlated event and blocks until the matching
// response, the request timeout, a disconnect, or ctx cancellation.
func (s *Supervisor) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	s.mu.Lock()
	ch := s.channel
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || ch == nil {
		return nil, protocol.ErrNotConnected
	}

	id := s.correlator.NextID()
	raw, err := protocol.InjectRequestID(payload, id)
	if err != nil {
		return nil, err
	}

	outcome := s.correlator.Add(id, event)
	if err := s.limiter.Wait(ctx); err != nil {
		s.correlator.Fail(id, err)
		return nil, err
	}
	if err := s.write(ctx, ch, protocol.ClientMessage{Type: event, Payload: raw}); err != nil {
		s.correlator.Fail(id, err)
		return nil, err
	}

	select {
	case out := <-outcome:
		return out.Payload, out.Err
	case <-ctx.Done():
		s.correlator.Fail(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// write marshals the envelope and puts it on the channel under the write
// timeout.
func (s *Supervisor) write(ctx context.Context, ch Channel, msg protocol.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", msg.Type, err)
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return ch.Write(wctx, data)
}

// On registers a durable handler for an inbound event and returns its
// removal func.
func (s *Supervisor) On(event string, h Handler) func() {
	s.mu.Lock()
	s.nextReg++
	reg := &registration{id: s.nextReg, h: h}
	s.handlers[event] = append(s.handlers[event], reg)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		list := s.handlers[event]
		for i, r := range list {
			if r == reg {
				s.handlers[event] = append(list[:i], list[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
}

// Off removes every durable handler for an event.
func (s *Supervisor) Off(event string) {
	s.mu.Lock()
	delete(s.handlers, event)
	s.mu.Unlock()
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the logical session is currently usable.
func (s *Supervisor) Connected() bool {
	return s.State() == StateConnected
}

// Quality reports the current health classification.
func (s *Supervisor) Quality() Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// Snapshot returns a point-in-time view of channel health.
func (s *Supervisor) Snapshot() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ChannelState{
		Connected:        s.state == StateConnected,
		Quality:          s.quality,
		ReconnectAttempt: s.attempt,
		LastHeartbeatAt:  s.lastBeat,
	}
}

// PendingRequests reports the number of in-flight correlated requests.
func (s *Supervisor) PendingRequests() int {
	return s.correlator.PendingCount()
}

// ============================================================================
// LIFECYCLE INTERNALS
// ============================================================================

func (s *Supervisor) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	ch, err := s.cfg.Dial(ctx, s.cfg.URL)
	if err != nil {
		s.handleChannelError(gen, fmt.Errorf("dial: %w", err))
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		go ch.Close("superseded")
		return
	}
	s.channel = ch
	s.state = StateConnected
	s.attempt = 0
	s.window.reset()
	qualityChanged := s.quality != QualityGood
	s.quality = QualityGood
	readCtx, cancelRead := context.WithCancel(context.Background())
	s.cancelRead = cancelRead
	s.mu.Unlock()

	s.log.Info().Str("url", s.cfg.URL).Msg("channel open")
	s.hb.Start()
	s.publishStatus("connected")
	if qualityChanged {
		s.publishQuality()
	}
	go s.readLoop(gen, ch, readCtx)
}

func (s *Supervisor) readLoop(gen int, ch Channel, ctx context.Context) {
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			s.handleChannelError(gen, err)
			return
		}
		s.dispatch(data)
	}
}

// handleChannelError covers both dial failures and read-loop errors. Events
// from a superseded channel generation are ignored; a user-initiated
// disconnect terminates at Idle instead of recovering.
func (s *Supervisor) handleChannelError(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen || s.manual {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.teardownLocked("connection error")
	s.hb.Stop()
	qualityChanged := false
	if abnormalClose(err) && s.quality != QualityBad {
		s.quality = QualityBad
		qualityChanged = true
	}
	s.state = StateRecovering
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	s.correlator.FailAll(protocol.ErrConnectionLost)
	s.log.Warn().Err(err).Int("attempt", attempt).Msg("channel lost, recovering")
	s.publishStatus("channel lost")
	if qualityChanged {
		s.publishQuality()
	}

	stillDown := func() bool { return !s.Connected() }
	if scheduleErr := s.scheduler.Schedule(attempt, stillDown, s.redial); scheduleErr != nil {
		if errors.Is(scheduleErr, protocol.ErrRecoveryExhausted) {
			s.mu.Lock()
			s.state = StateIdle
			s.mu.Unlock()
			s.bus.PublishFrom(EventRecoveryExhausted, StatusEvent{
				State:   StateIdle,
				Attempt: attempt,
				Reason:  "reconnection attempts exhausted",
			}, "transport")
		}
	}
}

func (s *Supervisor) redial() {
	s.mu.Lock()
	if s.manual || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.mu.Unlock()

	s.publishStatus("reconnecting")
	s.dial(gen)
}

// teardownLocked releases the current channel. Close runs off the lock; the
// generation bump already guarantees nothing routes to the old channel.
func (s *Supervisor) teardownLocked(reason string) {
	if s.cancelRead != nil {
		s.cancelRead()
		s.cancelRead = nil
	}
	if s.channel != nil {
		ch := s.channel
		s.channel = nil
		go ch.Close(reason)
	}
}

// ============================================================================
// INBOUND DISPATCH
// ============================================================================

func (s *Supervisor) dispatch(data []byte) {
	var msg protocol.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Msg("malformed frame dropped")
		return
	}

	// Any inbound payload carrying a correlation id resolves its pending
	// request, whatever the event name; servers ack either via
	// request_response or by echoing the id on the domain event itself.
	if id := protocol.RequestID(msg.Payload); id != "" {
		s.correlator.Resolve(id, msg.Payload)
	}
	if msg.Type == protocol.EventRequestResponse {
		return
	}

	decoded, err := protocol.DecodePayload(msg.Type, msg.Payload)
	if err != nil {
		s.log.Warn().Str("event", msg.Type).Err(err).Msg("invalid payload dropped")
		return
	}

	if msg.Type == protocol.EventPong {
		if p, ok := decoded.(protocol.PongPayload); ok {
			s.mu.Lock()
			s.lastBeat = time.Now()
			s.mu.Unlock()
			s.hb.HandlePong(p.Timestamp)
		}
		return
	}

	s.mu.Lock()
	regs := make([]*registration, len(s.handlers[msg.Type]))
	copy(regs, s.handlers[msg.Type])
	s.mu.Unlock()

	for _, reg := range regs {
		s.invokeHandler(msg.Type, reg, decoded)
	}
}

// invokeHandler recover-wraps a single durable handler so one bad subscriber
// cannot stop the read loop.
func (s *Supervisor) invokeHandler(event string, reg *registration, data any) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("event", event).Interface("panic", r).Msg("handler panicked")
		}
	}()
	reg.h(data)
}

// ============================================================================
// HEARTBEAT AND QUALITY
// ============================================================================

func (s *Supervisor) sendPing(timestamp int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.Send(ctx, protocol.EventPing, protocol.PingPayload{Timestamp: timestamp}); err != nil {
		s.log.Debug().Err(err).Msg("ping send failed")
	}
}

// recordLatency feeds one round-trip sample (heartbeat pong or correlated
// response) into the rolling window and reclassifies quality.
func (s *Supervisor) recordLatency(d time.Duration) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.window.add(d)
	q := classifyLatency(s.window.average())
	changed := q != s.quality
	if changed {
		s.quality = q
	}
	s.mu.Unlock()

	if changed {
		s.publishQuality()
	}
}

// degradeStalled marks the connection degraded when pongs stop arriving.
// Liveness degradation is distinct from hard failure: no reconnect here.
func (s *Supervisor) degradeStalled() {
	s.mu.Lock()
	changed := s.state == StateConnected && s.quality != QualityPoor && s.quality != QualityBad
	if changed {
		s.quality = QualityPoor
	}
	s.mu.Unlock()

	if changed {
		s.publishQuality()
	}
}

func (s *Supervisor) publishStatus(reason string) {
	s.mu.Lock()
	ev := StatusEvent{
		State:     s.state,
		Connected: s.state == StateConnected,
		Attempt:   s.attempt,
		Reason:    reason,
	}
	s.mu.Unlock()
	s.bus.PublishFrom(EventConnectionStatus, ev, "transport")
}

func (s *Supervisor) publishQuality() {
	s.mu.Lock()
	ev := QualityEvent{Quality: s.quality, AverageLatency: s.window.average()}
	s.mu.Unlock()
	s.bus.PublishFrom(EventConnectionQuality, ev, "transport")
}
