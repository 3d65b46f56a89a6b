package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestHeartbeat_SendsPings(t *testing.T) {
	var pings atomic.Int64
	hb := NewHeartbeat(10*time.Millisecond,
		func(int64) { pings.Add(1) },
		func(time.Duration) {},
		func() {},
		zerolog.Nop())

	hb.Start()
	defer hb.Stop()

	assert.Eventually(t, func() bool { return pings.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_PongLatency(t *testing.T) {
	var got atomic.Int64
	hb := NewHeartbeat(time.Hour,
		func(int64) {},
		func(d time.Duration) { got.Store(int64(d)) },
		func() {},
		zerolog.Nop())

	hb.HandlePong(time.Now().Add(-40 * time.Millisecond).UnixMilli())
	assert.GreaterOrEqual(t, time.Duration(got.Load()), 40*time.Millisecond)
}

func TestHeartbeat_FuturePongClampedToZero(t *testing.T) {
	var got atomic.Int64
	hb := NewHeartbeat(time.Hour,
		func(int64) {},
		func(d time.Duration) { got.Store(int64(d)) },
		func() {},
		zerolog.Nop())

	hb.HandlePong(time.Now().Add(5 * time.Second).UnixMilli())
	assert.Equal(t, time.Duration(0), time.Duration(got.Load()))
}

func TestHeartbeat_StallFiresOnceUntilPong(t *testing.T) {
	var stalls atomic.Int64
	hb := NewHeartbeat(10*time.Millisecond,
		func(int64) {},
		func(time.Duration) {},
		func() { stalls.Add(1) },
		zerolog.Nop())

	hb.Start()
	defer hb.Stop()

	// No pong ever arrives: the stall window (2x interval) elapses once.
	assert.Eventually(t, func() bool { return stalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), stalls.Load())

	// A pong resets the window, so the stall can fire again.
	hb.HandlePong(time.Now().UnixMilli())
	assert.Eventually(t, func() bool { return stalls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_StallFlaggedAtTwiceInterval(t *testing.T) {
	const interval = 60 * time.Millisecond
	start := time.Now()
	stalled := make(chan time.Duration, 1)
	hb := NewHeartbeat(interval,
		func(int64) {},
		func(time.Duration) {},
		func() {
			select {
			case stalled <- time.Since(start):
			default:
			}
		},
		zerolog.Nop())

	hb.Start()
	defer hb.Stop()

	select {
	case elapsed := <-stalled:
		assert.GreaterOrEqual(t, elapsed, 2*interval)
		assert.Less(t, elapsed, 3*interval)
	case <-time.After(time.Second):
		t.Fatal("stall never flagged")
	}
}

func TestHeartbeat_StartStopIdempotent(t *testing.T) {
	hb := NewHeartbeat(time.Hour, func(int64) {}, func(time.Duration) {}, func() {}, zerolog.Nop())

	hb.Start()
	hb.Start()
	hb.Stop()
	hb.Stop()
}
