package transport

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"llmpostor-client/internal/protocol"
)

// Reconnection policy defaults.
const (
	DefaultBackoffBase          = 1 * time.Second
	DefaultBackoffCap           = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// Scheduler is a pure reconnection policy: it knows delays and attempt caps,
// nothing about channels. One attempt may be scheduled at a time; scheduling
// or canceling invalidates any earlier pending attempt.
type Scheduler struct {
	base        time.Duration
	cap         time.Duration
	maxAttempts int
	log         zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
	token uint64
}

func NewScheduler(base, cap time.Duration, maxAttempts int, log zerolog.Logger) *Scheduler {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	return &Scheduler{base: base, cap: cap, maxAttempts: maxAttempts, log: log}
}

// Delay returns the backoff delay for a 1-based attempt number:
// min(2^(attempt-1) * base, cap).
func (s *Scheduler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.base
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = s.cap
	policy.MaxElapsedTime = 0
	policy.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = policy.NextBackOff()
	}
	return d
}

// Schedule arms the delay for the given attempt. After the delay, attemptFn
// runs only if stillDown() still reports the connection absent; the caller is
// responsible for requesting the next attempt. Returns ErrRecoveryExhausted
// once attempt exceeds the cap.
func (s *Scheduler) Schedule(attempt int, stillDown func() bool, attemptFn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token++
	token := s.token
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	if attempt > s.maxAttempts {
		s.log.Warn().Int("attempt", attempt).Int("max", s.maxAttempts).
			Msg("reconnection attempts exhausted")
		return protocol.ErrRecoveryExhausted
	}

	delay := s.Delay(attempt)
	s.log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		live := token == s.token
		s.mu.Unlock()
		if !live {
			return
		}
		if !stillDown() {
			return
		}
		attemptFn()
	})
	return nil
}

// Cancel prevents any already-scheduled attempt from firing.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.token++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}
