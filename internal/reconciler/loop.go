// Package reconciler keeps the running composition in step with the set of
// cameras currently publishing to the ingest server.
//
// One goroutine owns all state. Timer ticks, fetch results and child exits
// arrive on channels and are handled in order, so Start and Stop are never
// issued concurrently.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/supervisor"
)

// Fetcher retrieves the ingest server's statistics document.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Builder turns an active set into a launchable pipeline.
type Builder interface {
	Build(set ingest.ActiveSet) (*process.PipelineSpec, error)
}

// Controller is the process slot the loop drives. *supervisor.Supervisor
// implements it.
type Controller interface {
	Start(spec *process.PipelineSpec) error
	Stop() error
	State() supervisor.State
	Exits() <-chan supervisor.Exit
	Reap(exit supervisor.Exit) bool
}

// Hooks are optional observers, called on the loop goroutine.
type Hooks struct {
	OnTick          func()
	OnTickSkipped   func()
	OnFetch         func(latency time.Duration, err error)
	OnApply         func(set ingest.ActiveSet)
	OnLaunchFailure func(err error)
	OnCrash         func(exit supervisor.Exit)
}

// Config holds configuration for creating a Loop.
type Config struct {
	Fetcher    Fetcher
	Builder    Builder
	Controller Controller
	Logger     *slog.Logger
	Hooks      Hooks

	Interval   time.Duration // default: 5s
	MaxCameras int           // default: ingest.MaxCameras

	// Backoff gates relaunching the same set after a crash or launch
	// failure. Defaults to supervisor.DefaultBackoffConfig().
	Backoff *supervisor.Backoff

	// Now is replaceable for tests.
	Now func() time.Time
}

// Status is a snapshot of the loop for the API and dashboard.
type Status struct {
	LastApplied    ingest.ActiveSet
	LastObserved   ingest.ActiveSet
	LastFetchAt    time.Time
	LastFetchError string
	Ticks          int64
	TicksSkipped   int64
	FetchFailures  int64
	Applies        int64
	LaunchFailures int64
	Crashes        int64
	RetryAfter     time.Time
}

// Loop is the reconciliation state machine.
type Loop struct {
	fetcher  Fetcher
	builder  Builder
	ctl      Controller
	logger   *slog.Logger
	hooks    Hooks
	interval time.Duration
	max      int
	backoff  *supervisor.Backoff
	now      func() time.Time

	// owned by the loop goroutine
	lastApplied ingest.ActiveSet
	fetching    bool

	mu     sync.Mutex
	status Status
}

type fetchResult struct {
	doc     string
	err     error
	latency time.Duration
}

// New creates a Loop.
func New(cfg Config) *Loop {
	l := &Loop{
		fetcher:  cfg.Fetcher,
		builder:  cfg.Builder,
		ctl:      cfg.Controller,
		logger:   cfg.Logger,
		hooks:    cfg.Hooks,
		interval: cfg.Interval,
		max:      cfg.MaxCameras,
		backoff:  cfg.Backoff,
		now:      cfg.Now,
	}
	if l.logger == nil {
		l.logger = logging.Discard()
	}
	if l.interval <= 0 {
		l.interval = 5 * time.Second
	}
	if l.max < 1 || l.max > ingest.MaxCameras {
		l.max = ingest.MaxCameras
	}
	if l.backoff == nil {
		bc := supervisor.DefaultBackoffConfig()
		bc.Max = l.interval
		l.backoff = supervisor.NewBackoff(time.Now().UnixNano(), bc)
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Run ticks immediately and then every interval until ctx is done.
// It does not stop the child; the owner shuts the supervisor down after Run
// returns.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	results := make(chan fetchResult, 1)

	l.logger.Info("reconciler_started",
		"interval", l.interval.String(),
		"max_cameras", l.max,
	)

	l.tick(ctx, results)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("reconciler_stopped", "reason", "context_cancelled")
			return ctx.Err()

		case <-ticker.C:
			l.tick(ctx, results)

		case r := <-results:
			l.fetching = false
			if ctx.Err() != nil {
				continue
			}
			if l.hooks.OnFetch != nil {
				l.hooks.OnFetch(r.latency, r.err)
			}
			l.HandleFetch(r.doc, r.err)

		case exit := <-l.ctl.Exits():
			l.HandleExit(exit)
		}
	}
}

// tick starts a fetch unless one is still in flight.
func (l *Loop) tick(ctx context.Context, results chan<- fetchResult) {
	if ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	l.status.Ticks++
	l.mu.Unlock()
	if l.hooks.OnTick != nil {
		l.hooks.OnTick()
	}

	if l.fetching {
		l.mu.Lock()
		l.status.TicksSkipped++
		l.mu.Unlock()
		if l.hooks.OnTickSkipped != nil {
			l.hooks.OnTickSkipped()
		}
		l.logger.Debug("tick_skipped", "reason", "fetch_in_flight")
		return
	}

	l.fetching = true
	go func() {
		start := time.Now()
		doc, err := l.fetcher.Fetch(ctx)
		results <- fetchResult{doc: doc, err: err, latency: time.Since(start)}
	}()
}

// HandleFetch applies one fetch outcome. A failed fetch changes nothing.
func (l *Loop) HandleFetch(doc string, err error) {
	now := l.now()
	if err != nil {
		l.mu.Lock()
		l.status.FetchFailures++
		l.status.LastFetchAt = now
		l.status.LastFetchError = err.Error()
		l.mu.Unlock()
		l.logger.Warn("fetch_failed", "error", err)
		return
	}

	set := ingest.ParseActiveSet(doc, l.max)

	l.mu.Lock()
	l.status.LastFetchAt = now
	l.status.LastFetchError = ""
	l.status.LastObserved = set.Clone()
	l.mu.Unlock()

	l.logger.Debug("fetch_ok", "streams", set.String(), "bytes", len(doc))
	l.Reconcile(set)
}

// Reconcile drives the controller towards set and reports whether it acted.
//
// A set equal to the last applied one is a no-op while the child runs. If
// the child is gone (crash or failed launch) the same set is relaunched once
// the retry backoff allows it. Any other set replaces the composition:
// stop, then start unless set is empty.
func (l *Loop) Reconcile(set ingest.ActiveSet) bool {
	now := l.now()
	running := l.ctl.State() == supervisor.StateRunning

	if set.Equal(l.lastApplied) {
		if len(set) == 0 || running {
			return false
		}
		// Retries happen on ticks, so a deadline within half an interval
		// counts as reached.
		if !l.backoff.Ready(now.Add(l.interval / 2)) {
			l.logger.Debug("retry_deferred",
				"streams", set.String(),
				"retry_after", l.backoff.NotUntil().Sub(now).String(),
			)
			return false
		}
		l.logger.Info("pipeline_retry",
			"streams", set.String(),
			"attempt", l.backoff.Attempts(),
		)
	} else {
		l.logger.Info("active_set_changed",
			"from", l.lastApplied.String(),
			"to", set.String(),
		)
		l.backoff.Reset()
	}

	if running {
		if err := l.ctl.Stop(); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			l.logger.Warn("pipeline_stop_failed", "error", err)
		}
	}

	l.lastApplied = set.Clone()
	l.mu.Lock()
	l.status.LastApplied = set.Clone()
	l.status.Applies++
	l.status.RetryAfter = time.Time{}
	l.mu.Unlock()
	if l.hooks.OnApply != nil {
		l.hooks.OnApply(set.Clone())
	}

	if len(set) == 0 {
		l.logger.Info("pipeline_idle", "reason", "no_active_streams")
		return true
	}

	if err := l.launch(set); err != nil {
		delay := l.backoff.Fail(now)
		l.mu.Lock()
		l.status.LaunchFailures++
		l.status.RetryAfter = now.Add(delay)
		l.mu.Unlock()
		l.logger.Error("pipeline_launch_failed",
			"streams", set.String(),
			"retry_in", delay.String(),
			"error", err,
		)
		if l.hooks.OnLaunchFailure != nil {
			l.hooks.OnLaunchFailure(err)
		}
	}
	return true
}

func (l *Loop) launch(set ingest.ActiveSet) error {
	spec, err := l.builder.Build(set)
	if err != nil {
		return err
	}
	return l.ctl.Start(spec)
}

// HandleExit reaps a child exit. A crash leaves the slot idle and arms the
// retry backoff; the relaunch happens on a later tick.
func (l *Loop) HandleExit(exit supervisor.Exit) {
	if !l.ctl.Reap(exit) {
		return
	}

	now := l.now()
	if supervisor.ShouldReset(exit.Uptime) {
		l.backoff.Reset()
	}
	delay := l.backoff.Fail(now)

	l.mu.Lock()
	l.status.Crashes++
	l.status.RetryAfter = now.Add(delay)
	l.mu.Unlock()

	l.logger.Warn("pipeline_retry_scheduled",
		"streams", exit.Streams.String(),
		"retry_in", delay.String(),
	)
	if l.hooks.OnCrash != nil {
		l.hooks.OnCrash(exit)
	}
}

// LastApplied returns a copy of the last applied set.
// Only safe to call from the loop goroutine or when Run is not active.
func (l *Loop) LastApplied() ingest.ActiveSet {
	return l.lastApplied.Clone()
}

// Snapshot returns a copy of the loop's status. Safe for concurrent use.
func (l *Loop) Snapshot() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.status
	s.LastApplied = s.LastApplied.Clone()
	s.LastObserved = s.LastObserved.Clone()
	return s
}
