package tick

import (
	"sync"
	"time"
)

// StatsSnapshot summarises observed client tick durations.
type StatsSnapshot struct {
	Samples int
	Average time.Duration
	Max     time.Duration
	Last    time.Duration
}

// AverageHz derives the ticks-per-second equivalent of the sampled duration.
func (s StatsSnapshot) AverageHz() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// Monitor accumulates timing statistics for the session tick loop.
type Monitor struct {
	mu      sync.Mutex
	samples int
	total   time.Duration
	max     time.Duration
	last    time.Duration
}

// NewMonitor constructs an empty monitor ready to collect samples.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Observe records the duration of a completed tick.
func (m *Monitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	//1.- Accumulate the sample count and aggregate duration for average calculations.
	m.samples++
	m.total += duration
	//2.- Track the worst-case tick so long frames are visible in diagnostics.
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated tick statistics.
func (m *Monitor) Snapshot() StatsSnapshot {
	if m == nil {
		return StatsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := StatsSnapshot{Samples: m.samples, Max: m.max, Last: m.last}
	if m.samples > 0 {
		snapshot.Average = m.total / time.Duration(m.samples)
	}
	return snapshot
}
