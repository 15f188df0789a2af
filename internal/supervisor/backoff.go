package supervisor

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures exponential retry delays.
type BackoffConfig struct {
	Initial    time.Duration // first delay (default: 1s)
	Max        time.Duration // cap (default: 30s)
	Multiplier float64       // growth per attempt (default: 2)
	JitterPct  float64       // total jitter band, 0.2 = ±10%
}

// DefaultBackoffConfig returns the relaunch defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		JitterPct:  0.2,
	}
}

// Backoff computes relaunch delays and remembers when the next attempt is
// allowed. Safe for concurrent use.
type Backoff struct {
	config BackoffConfig

	mu       sync.Mutex
	attempts int
	notUntil time.Time
	rng      *rand.Rand
}

// NewBackoff creates a Backoff. The seed makes jitter reproducible in tests.
func NewBackoff(seed int64, cfg BackoffConfig) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Calculate returns the delay for the current attempt without advancing.
func (b *Backoff) Calculate() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calculate()
}

func (b *Backoff) calculate() time.Duration {
	attempts := b.attempts
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(attempts))
	if delay > float64(b.config.Max) || math.IsInf(delay, 0) {
		delay = float64(b.config.Max)
	}
	if b.config.JitterPct > 0 {
		band := delay * b.config.JitterPct
		delay += band*b.rng.Float64() - band/2
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Next returns the current delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.calculate()
	b.attempts++
	return d
}

// Fail records a failed launch or crash at now and returns the delay before
// Ready reports true again.
func (b *Backoff) Fail(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.calculate()
	b.attempts++
	b.notUntil = now.Add(d)
	return d
}

// Ready reports whether a retry is allowed at now.
func (b *Backoff) Ready(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.notUntil)
}

// Reset clears attempts and any pending delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.notUntil = time.Time{}
}

// Attempts returns how many failures have been recorded since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// NotUntil returns the earliest time of the next retry.
func (b *Backoff) NotUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notUntil
}

// BackoffResetThreshold is the uptime after which a child counts as stable.
const BackoffResetThreshold = 30 * time.Second

// ShouldReset reports whether a child that ran for uptime proved stable.
func ShouldReset(uptime time.Duration) bool {
	return uptime >= BackoffResetThreshold
}
