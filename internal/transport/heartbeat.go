package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is how often a ping probes the channel.
const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeat probes channel liveness while connected. It emits pings through
// the supervisor, measures round-trip latency from matching pongs, and flags
// a stall when no pong arrives within twice the interval. A stall degrades
// quality but never forces a disconnect; only channel-level close/error
// triggers reconnection.
type Heartbeat struct {
	interval  time.Duration
	sendPing  func(timestamp int64)
	onLatency func(time.Duration)
	onStall   func()
	log       zerolog.Logger

	mu       sync.Mutex
	stop     chan struct{}
	lastPong time.Time
	stalled  bool
}

func NewHeartbeat(interval time.Duration, sendPing func(int64), onLatency func(time.Duration), onStall func(), log zerolog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		interval:  interval,
		sendPing:  sendPing,
		onLatency: onLatency,
		onStall:   onStall,
		log:       log,
	}
}

// Start arms the ping loop. Starting an already-running heartbeat is a no-op;
// after a Stop/Start cycle the stall window restarts from now.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	h.stop = stop
	h.lastPong = time.Now()
	h.stalled = false
	h.mu.Unlock()

	go h.loop(stop)
}

// Stop cancels the ping loop. Idempotent.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	h.mu.Unlock()
}

func (h *Heartbeat) loop(stop chan struct{}) {
	ping := time.NewTicker(h.interval)
	defer ping.Stop()
	// Stall checks run on a finer schedule than pings so the flag raises as
	// soon as the 2x window elapses, not a full ping cycle later.
	stall := time.NewTicker(h.interval / 2)
	defer stall.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ping.C:
			h.sendPing(time.Now().UnixMilli())
		case <-stall.C:
			h.checkStall()
		}
	}
}

func (h *Heartbeat) checkStall() {
	h.mu.Lock()
	stalled := !h.stalled && time.Since(h.lastPong) >= 2*h.interval
	if stalled {
		h.stalled = true
	}
	h.mu.Unlock()

	if stalled {
		h.log.Warn().Dur("interval", h.interval).Msg("no pong within stall window")
		h.onStall()
	}
}

// HandlePong records a pong carrying the timestamp of the ping that caused
// it and feeds the measured round trip to the latency callback.
func (h *Heartbeat) HandlePong(timestamp int64) {
	latency := time.Since(time.UnixMilli(timestamp))
	if latency < 0 {
		latency = 0
	}

	h.mu.Lock()
	h.lastPong = time.Now()
	h.stalled = false
	h.mu.Unlock()

	h.onLatency(latency)
}
