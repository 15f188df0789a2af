package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSample is one resource reading of the composition process.
type ProcessSample struct {
	PID        int
	CPUPercent float64 // since the previous sample; 100 = one core
	RSSBytes   uint64
	Threads    int32
	At         time.Time
}

// ProcessSampler reads CPU and memory of the current composition process.
// The supervisor's start and exit callbacks attach and detach it.
type ProcessSampler struct {
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	pid  int
	proc *process.Process
	last *ProcessSample
}

// NewProcessSampler creates a sampler that ticks every interval
// (default: 2s).
func NewProcessSampler(interval time.Duration, logger *slog.Logger) *ProcessSampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ProcessSampler{
		interval: interval,
		logger:   logger,
	}
}

// Attach starts sampling pid. A previous attachment is replaced.
func (s *ProcessSampler) Attach(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("attach pid %d: %w", pid, err)
	}
	// Prime CPU accounting so the first real sample has a baseline.
	_, _ = proc.Percent(0)

	s.mu.Lock()
	s.pid = pid
	s.proc = proc
	s.last = nil
	s.mu.Unlock()
	return nil
}

// Detach stops sampling pid. A stale pid (already replaced) is ignored.
func (s *ProcessSampler) Detach(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid != pid {
		return
	}
	s.pid = 0
	s.proc = nil
	s.last = nil
}

// Sample reads the attached process now. Returns false when nothing is
// attached or the process has gone away.
func (s *ProcessSampler) Sample() (ProcessSample, bool) {
	s.mu.RLock()
	proc, pid := s.proc, s.pid
	s.mu.RUnlock()
	if proc == nil {
		return ProcessSample{}, false
	}

	sample := ProcessSample{PID: pid, At: time.Now()}
	if cpu, err := proc.Percent(0); err == nil {
		sample.CPUPercent = cpu
	} else {
		return ProcessSample{}, false
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		sample.RSSBytes = mem.RSS
	}
	if n, err := proc.NumThreads(); err == nil {
		sample.Threads = n
	}

	s.mu.Lock()
	if s.pid == pid {
		cp := sample
		s.last = &cp
	}
	s.mu.Unlock()
	return sample, true
}

// Last returns the most recent sample, or nil.
func (s *ProcessSampler) Last() *ProcessSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// Run samples every interval until ctx is done, passing each reading to fn.
func (s *ProcessSampler) Run(ctx context.Context, fn func(ProcessSample)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, ok := s.Sample()
			if !ok {
				continue
			}
			if s.logger != nil {
				s.logger.Debug("pipeline_resources",
					"pid", sample.PID,
					"cpu_percent", sample.CPUPercent,
					"rss_bytes", sample.RSSBytes,
				)
			}
			if fn != nil {
				fn(sample)
			}
		}
	}
}
