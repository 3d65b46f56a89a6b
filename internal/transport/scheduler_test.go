package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"llmpostor-client/internal/protocol"
)

func TestScheduler_DelayProgression(t *testing.T) {
	s := NewScheduler(0, 0, 0, zerolog.Nop())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestScheduler_DelayClampedAtCap(t *testing.T) {
	s := NewScheduler(500*time.Millisecond, 3*time.Second, 10, zerolog.Nop())

	assert.Equal(t, 500*time.Millisecond, s.Delay(1))
	assert.Equal(t, 1*time.Second, s.Delay(2))
	assert.Equal(t, 2*time.Second, s.Delay(3))
	assert.Equal(t, 3*time.Second, s.Delay(4))
	assert.Equal(t, 3*time.Second, s.Delay(9))
}

func TestScheduler_ScheduleFires(t *testing.T) {
	s := NewScheduler(5*time.Millisecond, 10*time.Millisecond, 10, zerolog.Nop())

	fired := make(chan struct{})
	err := s.Schedule(1, func() bool { return true }, func() { close(fired) })
	assert.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled attempt never fired")
	}
}

func TestScheduler_SkipsWhenNoLongerDown(t *testing.T) {
	s := NewScheduler(5*time.Millisecond, 10*time.Millisecond, 10, zerolog.Nop())

	var fired atomic.Bool
	err := s.Schedule(1, func() bool { return false }, func() { fired.Store(true) })
	assert.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestScheduler_CancelPreventsFiring(t *testing.T) {
	s := NewScheduler(20*time.Millisecond, 40*time.Millisecond, 10, zerolog.Nop())

	var fired atomic.Bool
	err := s.Schedule(1, func() bool { return true }, func() { fired.Store(true) })
	assert.NoError(t, err)

	s.Cancel()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestScheduler_RescheduleInvalidatesEarlierAttempt(t *testing.T) {
	s := NewScheduler(20*time.Millisecond, 40*time.Millisecond, 10, zerolog.Nop())

	var first, second atomic.Bool
	assert.NoError(t, s.Schedule(1, func() bool { return true }, func() { first.Store(true) }))
	assert.NoError(t, s.Schedule(1, func() bool { return true }, func() { second.Store(true) }))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, first.Load())
	assert.True(t, second.Load())
}

func TestScheduler_ExhaustionAfterMaxAttempts(t *testing.T) {
	s := NewScheduler(time.Millisecond, time.Millisecond, 3, zerolog.Nop())

	assert.NoError(t, s.Schedule(3, func() bool { return false }, func() {}))
	err := s.Schedule(4, func() bool { return false }, func() {})
	assert.ErrorIs(t, err, protocol.ErrRecoveryExhausted)
}
