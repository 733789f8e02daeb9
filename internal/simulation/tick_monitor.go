package simulation

import (
	"sync"
	"time"
)

// TickMetricsSnapshot summarises observed loop tick durations.
type TickMetricsSnapshot struct {
	Samples    int           `json:"samples"`
	Average    time.Duration `json:"average_ns"`
	Max        time.Duration `json:"max_ns"`
	Last       time.Duration `json:"last_ns"`
	OverBudget int           `json:"over_budget"`
}

// AverageFPS derives the frames-per-second equivalent of the sampled tick duration.
func (s TickMetricsSnapshot) AverageFPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// TickMonitor accumulates timing statistics for the simulation loop.
type TickMonitor struct {
	mu         sync.Mutex
	budget     time.Duration
	samples    int
	total      time.Duration
	max        time.Duration
	last       time.Duration
	overBudget int
}

// NewTickMonitor constructs an empty monitor. Ticks longer than budget are
// counted as over budget; zero disables the count.
func NewTickMonitor(budget time.Duration) *TickMonitor {
	return &TickMonitor{budget: budget}
}

// Observe records the duration of a completed simulation tick.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	// //1.- Accumulate the sample count and aggregate duration for average calculations.
	m.samples++
	m.total += duration
	// //2.- Track the worst-case tick and every tick that overran the step budget.
	if duration > m.max {
		m.max = duration
	}
	if m.budget > 0 && duration > m.budget {
		m.overBudget++
	}
	m.last = duration
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated tick statistics.
func (m *TickMonitor) Snapshot() TickMetricsSnapshot {
	if m == nil {
		return TickMetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	average := time.Duration(0)
	if m.samples > 0 {
		average = m.total / time.Duration(m.samples)
	}
	return TickMetricsSnapshot{Samples: m.samples, Average: average, Max: m.max, Last: m.last, OverBudget: m.overBudget}
}

// Reset clears the accumulated statistics.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples, m.total, m.max, m.last, m.overBudget = 0, 0, 0, 0, 0
	m.mu.Unlock()
}
