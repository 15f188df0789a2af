// Package timeseries tracks the composed stream's egress throughput over
// rolling windows.
//
// ffmpeg reports total_size, the bytes written to the output so far, in
// every progress block. The counter restarts with each composition; the
// tracker folds restarts into one cumulative series so the windows stay
// continuous across relaunches.
package timeseries

import (
	"sync"
	"time"
)

const (
	// ringBufferSize is the number of samples to retain (5 minutes at 1 sample/sec)
	ringBufferSize = 300

	window10s  = 10 * time.Second
	window60s  = 60 * time.Second
	window300s = 300 * time.Second
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sample is a point-in-time snapshot of cumulative bytes.
type sample struct {
	timestamp time.Time
	bytes     int64
}

// EgressTracker converts per-composition total_size readings into rolling
// averages.
//
// Usage:
//
//	tracker := NewEgressTracker()
//	tracker.NewComposition()       // on every launch
//	tracker.Observe(u.TotalSize)   // on every progress block
//	stats := tracker.GetStats()    // for TUI/Prometheus
type EgressTracker struct {
	mu sync.RWMutex

	// base holds the bytes of finished compositions; current is the last
	// total_size of the running one.
	base    int64
	current int64

	samples  []sample
	writeIdx int

	startTime time.Time
	clock     Clock
}

// EgressStats contains computed rolling averages at a point in time.
type EgressStats struct {
	// TotalBytes is the cumulative bytes written across all compositions.
	TotalBytes int64

	// Rolling averages (bytes per second)
	Avg10s  float64
	Avg60s  float64
	Avg300s float64

	// AvgOverall is the average since tracking started.
	AvgOverall float64
}

// NewEgressTracker creates a new tracker with real clock.
func NewEgressTracker() *EgressTracker {
	return NewEgressTrackerWithClock(realClock{})
}

// NewEgressTrackerWithClock creates a tracker with custom clock for testing.
func NewEgressTrackerWithClock(clock Clock) *EgressTracker {
	now := clock.Now()
	t := &EgressTracker{
		samples:   make([]sample, 0, ringBufferSize),
		startTime: now,
		clock:     clock,
	}
	t.samples = append(t.samples, sample{timestamp: now, bytes: 0})
	return t
}

// NewComposition marks a relaunch: the next Observe starts from zero.
func (t *EgressTracker) NewComposition() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.base += t.current
	t.current = 0
}

// Observe records the running composition's total_size and takes a
// sample. A reading below the previous one is treated as a restart that
// NewComposition did not announce.
func (t *EgressTracker) Observe(totalSize int64) {
	if totalSize < 0 {
		return
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if totalSize < t.current {
		t.base += t.current
	}
	t.current = totalSize

	s := sample{timestamp: now, bytes: t.base + t.current}
	if len(t.samples) < ringBufferSize {
		t.samples = append(t.samples, s)
	} else {
		// Buffer full - overwrite oldest
		t.samples[t.writeIdx] = s
		t.writeIdx = (t.writeIdx + 1) % ringBufferSize
	}
}

// GetStats computes and returns current throughput statistics.
func (t *EgressTracker) GetStats() EgressStats {
	now := t.clock.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	total := t.base + t.current
	stats := EgressStats{
		TotalBytes: total,
	}

	if elapsed := now.Sub(t.startTime).Seconds(); elapsed > 0 {
		stats.AvgOverall = float64(total) / elapsed
	}

	stats.Avg10s = t.avgOverWindow(now, total, window10s)
	stats.Avg60s = t.avgOverWindow(now, total, window60s)
	stats.Avg300s = t.avgOverWindow(now, total, window300s)

	return stats
}

// avgOverWindow returns bytes/sec since the sample closest to (but not
// after) now-window, or since the oldest sample when history is shorter.
// Must be called with mu held.
func (t *EgressTracker) avgOverWindow(now time.Time, total int64, window time.Duration) float64 {
	if len(t.samples) == 0 {
		return 0
	}

	target := now.Add(-window)

	var best *sample
	var bestDiff time.Duration = -1
	for i := range t.samples {
		s := &t.samples[i]
		if s.timestamp.After(target) {
			continue
		}
		diff := target.Sub(s.timestamp)
		if bestDiff < 0 || diff < bestDiff {
			best = s
			bestDiff = diff
		}
	}
	if best == nil {
		best = t.oldestSample()
	}

	elapsed := now.Sub(best.timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-best.bytes) / elapsed
}

// oldestSample returns the oldest sample in the ring buffer.
// Must be called with mu held.
func (t *EgressTracker) oldestSample() *sample {
	if len(t.samples) < ringBufferSize {
		return &t.samples[0]
	}
	return &t.samples[t.writeIdx]
}

// Reset clears all data and restarts tracking.
func (t *EgressTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.base, t.current = 0, 0
	t.samples = t.samples[:0]
	t.samples = append(t.samples, sample{timestamp: now, bytes: 0})
	t.writeIdx = 0
	t.startTime = now
}

// SampleCount returns the number of samples in the ring buffer.
func (t *EgressTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
