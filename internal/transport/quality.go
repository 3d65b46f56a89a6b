package transport

import "time"

// Quality is a coarse classification of current channel health.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityPoor    Quality = "poor"
	QualityBad     Quality = "bad"
	QualityUnknown Quality = "unknown"
)

// Latency thresholds for quality classification.
const (
	goodLatencyCeiling = 100 * time.Millisecond
	poorLatencyCeiling = 500 * time.Millisecond
)

// latencySampleCap bounds the rolling window used for classification.
const latencySampleCap = 10

// latencyWindow keeps the last N round-trip samples. Callers synchronize.
type latencyWindow struct {
	samples []time.Duration
}

func (w *latencyWindow) add(d time.Duration) {
	w.samples = append(w.samples, d)
	if len(w.samples) > latencySampleCap {
		w.samples = w.samples[len(w.samples)-latencySampleCap:]
	}
}

func (w *latencyWindow) average() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range w.samples {
		total += s
	}
	return total / time.Duration(len(w.samples))
}

func (w *latencyWindow) reset() {
	w.samples = nil
}

func classifyLatency(avg time.Duration) Quality {
	switch {
	case avg < goodLatencyCeiling:
		return QualityGood
	case avg < poorLatencyCeiling:
		return QualityPoor
	default:
		return QualityBad
	}
}
