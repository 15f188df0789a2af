package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/layout"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/supervisor"
)

// fakeController records Start/Stop calls in place of a real supervisor.
type fakeController struct {
	mu        sync.Mutex
	running   bool
	gen       uint64
	starts    []ingest.ActiveSet
	stops     int
	startErrs []error
	exits     chan supervisor.Exit
}

func newFakeController() *fakeController {
	return &fakeController{exits: make(chan supervisor.Exit, 4)}
}

func (f *fakeController) Start(spec *process.PipelineSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return supervisor.ErrAlreadyRunning
	}
	f.starts = append(f.starts, spec.Streams.Clone())
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return err
		}
	}
	f.gen++
	f.running = true
	return nil
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return supervisor.ErrNotRunning
	}
	f.running = false
	f.stops++
	return nil
}

func (f *fakeController) State() supervisor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return supervisor.StateRunning
	}
	return supervisor.StateIdle
}

func (f *fakeController) Exits() <-chan supervisor.Exit { return f.exits }

func (f *fakeController) Reap(exit supervisor.Exit) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running && exit.Generation == f.gen {
		f.running = false
		return true
	}
	return false
}

// crash simulates the current child exiting on its own.
func (f *fakeController) crash(uptime time.Duration) supervisor.Exit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var streams ingest.ActiveSet
	if len(f.starts) > 0 {
		streams = f.starts[len(f.starts)-1]
	}
	return supervisor.Exit{Generation: f.gen, Streams: streams, ExitCode: 1, Uptime: uptime}
}

func (f *fakeController) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), f.stops
}

func (f *fakeController) lastStart() ingest.ActiveSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.starts) == 0 {
		return nil
	}
	return f.starts[len(f.starts)-1]
}

// scriptedFetcher returns docs in order, repeating the last one.
type scriptedFetcher struct {
	mu    sync.Mutex
	steps []fetchStep
	calls int
	block chan struct{}
}

type fetchStep struct {
	doc string
	err error
}

func (s *scriptedFetcher) Fetch(ctx context.Context) (string, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	return s.steps[i].doc, s.steps[i].err
}

func statsDoc(names ...string) string {
	var b strings.Builder
	b.WriteString("<rtmp><server><application><name>live</name><live>")
	for _, n := range names {
		fmt.Fprintf(&b, "<stream><name>%s</name><nclients>1</nclients></stream>", n)
	}
	b.WriteString("</live></application></server></rtmp>")
	return b.String()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLoop(t *testing.T, ctl *fakeController, fetcher Fetcher) (*Loop, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	runner := process.NewGridRunner(process.DefaultFFmpegConfig(),
		layout.NewPlanner(layout.DefaultGeometry(), layout.DefaultOverlay(), nil))
	l := New(Config{
		Fetcher:    fetcher,
		Builder:    runner,
		Controller: ctl,
		Interval:   20 * time.Millisecond,
		Backoff: supervisor.NewBackoff(1, supervisor.BackoffConfig{
			Initial:    time.Second,
			Max:        8 * time.Second,
			Multiplier: 2,
		}),
		Now: clock.Now,
	})
	return l, clock
}

func TestLoop_Idempotent(t *testing.T) {
	ctl := newFakeController()
	l, _ := newTestLoop(t, ctl, nil)

	doc := statsDoc("cam2", "cam1")
	l.HandleFetch(doc, nil)
	l.HandleFetch(doc, nil)
	l.HandleFetch(doc, nil)

	starts, stops := ctl.counts()
	if starts != 1 || stops != 0 {
		t.Errorf("starts/stops = %d/%d, want 1/0", starts, stops)
	}
	if got := ctl.lastStart(); !got.Equal(ingest.ActiveSet{"cam1", "cam2"}) {
		t.Errorf("started %v, want [cam1 cam2]", got)
	}
	if st := l.Snapshot(); st.Applies != 1 {
		t.Errorf("Applies = %d, want 1", st.Applies)
	}
}

func TestLoop_OrderIsAChange(t *testing.T) {
	ctl := newFakeController()
	l, _ := newTestLoop(t, ctl, nil)

	if !l.Reconcile(ingest.ActiveSet{"cam1", "cam2"}) {
		t.Fatal("first set should be applied")
	}
	if !l.Reconcile(ingest.ActiveSet{"cam2", "cam1"}) {
		t.Fatal("reordered set should be applied")
	}

	starts, stops := ctl.counts()
	if starts != 2 || stops != 1 {
		t.Errorf("starts/stops = %d/%d, want 2/1", starts, stops)
	}
	if got := ctl.lastStart(); !got.Equal(ingest.ActiveSet{"cam2", "cam1"}) {
		t.Errorf("last start = %v, want [cam2 cam1]", got)
	}
}

func TestLoop_RejectsUnknownIDs(t *testing.T) {
	ctl := newFakeController()
	l, _ := newTestLoop(t, ctl, nil)

	l.HandleFetch(statsDoc("cam1", "cam7", "cam3"), nil)

	if got := ctl.lastStart(); !got.Equal(ingest.ActiveSet{"cam1", "cam3"}) {
		t.Errorf("started %v, want [cam1 cam3]", got)
	}
	if got := l.Snapshot().LastObserved; !got.Equal(ingest.ActiveSet{"cam1", "cam3"}) {
		t.Errorf("LastObserved = %v", got)
	}
}

func TestLoop_FetchFailureHoldsState(t *testing.T) {
	ctl := newFakeController()
	l, _ := newTestLoop(t, ctl, nil)

	refused := fmt.Errorf("%w: connection refused", ingest.ErrFetch)

	l.HandleFetch(statsDoc(), nil)       // tick 1: nothing publishing
	l.HandleFetch(statsDoc("cam1"), nil) // tick 2
	l.HandleFetch("", refused)           // tick 3
	l.HandleFetch(statsDoc("cam1"), nil) // tick 4

	starts, stops := ctl.counts()
	if starts != 1 || stops != 0 {
		t.Errorf("starts/stops = %d/%d, want 1/0", starts, stops)
	}
	if !l.LastApplied().Equal(ingest.ActiveSet{"cam1"}) {
		t.Errorf("LastApplied() = %v", l.LastApplied())
	}
	st := l.Snapshot()
	if st.FetchFailures != 1 || st.LastFetchError != "" {
		t.Errorf("FetchFailures/LastFetchError = %d/%q", st.FetchFailures, st.LastFetchError)
	}
}

func TestLoop_EmptySetStops(t *testing.T) {
	ctl := newFakeController()
	l, _ := newTestLoop(t, ctl, nil)

	l.HandleFetch(statsDoc("cam1", "cam2", "cam3"), nil)
	l.HandleFetch(statsDoc(), nil)
	l.HandleFetch(statsDoc(), nil)

	starts, stops := ctl.counts()
	if starts != 1 || stops != 1 {
		t.Errorf("starts/stops = %d/%d, want 1/1", starts, stops)
	}
	if ctl.State() != supervisor.StateIdle {
		t.Error("controller should be idle")
	}
	if len(l.LastApplied()) != 0 {
		t.Errorf("LastApplied() = %v, want empty", l.LastApplied())
	}
}

func TestLoop_MaxCameras(t *testing.T) {
	ctl := newFakeController()
	l, _ := newTestLoop(t, ctl, nil)
	l.max = 2

	l.HandleFetch(statsDoc("cam4", "cam3", "cam2", "cam1"), nil)

	if got := ctl.lastStart(); !got.Equal(ingest.ActiveSet{"cam1", "cam2"}) {
		t.Errorf("started %v, want [cam1 cam2]", got)
	}
}

func TestLoop_LaunchFailureRetries(t *testing.T) {
	ctl := newFakeController()
	ctl.startErrs = []error{fmt.Errorf("%w: exec: not found", supervisor.ErrLaunch), nil}
	var failures []error
	l, clock := newTestLoop(t, ctl, nil)
	l.hooks.OnLaunchFailure = func(err error) { failures = append(failures, err) }

	set := ingest.ActiveSet{"cam1"}
	l.Reconcile(set)
	if ctl.State() != supervisor.StateIdle {
		t.Fatal("failed launch should leave controller idle")
	}
	if len(failures) != 1 || !errors.Is(failures[0], supervisor.ErrLaunch) {
		t.Errorf("launch failures = %v", failures)
	}

	if l.Reconcile(set) {
		t.Error("retry must wait for the backoff")
	}
	if starts, _ := ctl.counts(); starts != 1 {
		t.Errorf("starts = %d, want 1", starts)
	}

	clock.Advance(time.Second)
	if !l.Reconcile(set) {
		t.Error("retry should happen once the backoff elapsed")
	}
	if starts, _ := ctl.counts(); starts != 2 {
		t.Errorf("starts = %d, want 2", starts)
	}
	if ctl.State() != supervisor.StateRunning {
		t.Error("second launch should succeed")
	}
	if st := l.Snapshot(); st.LaunchFailures != 1 {
		t.Errorf("LaunchFailures = %d, want 1", st.LaunchFailures)
	}
}

func TestLoop_LaunchFailureRetriedEveryTick(t *testing.T) {
	ctl := newFakeController()
	for i := 0; i < 8; i++ {
		ctl.startErrs = append(ctl.startErrs, fmt.Errorf("%w: exec: not found", supervisor.ErrLaunch))
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	interval := 5 * time.Second
	l := New(Config{
		Builder: process.NewGridRunner(process.DefaultFFmpegConfig(),
			layout.NewPlanner(layout.DefaultGeometry(), layout.DefaultOverlay(), nil)),
		Controller: ctl,
		Interval:   interval,
		Backoff: supervisor.NewBackoff(7, supervisor.BackoffConfig{
			Initial:    time.Second,
			Max:        interval,
			Multiplier: 2,
			JitterPct:  0.2,
		}),
		Now: clock.Now,
	})

	set := ingest.ActiveSet{"cam1"}
	l.Reconcile(set)
	for tick := 1; tick <= 8; tick++ {
		// ticks land slightly early relative to the failure time
		clock.Advance(interval - 50*time.Millisecond)
		if !l.Reconcile(set) {
			t.Fatalf("tick %d: retry deferred past the poll interval", tick)
		}
	}
	if starts, _ := ctl.counts(); starts != 9 {
		t.Errorf("starts = %d, want 9", starts)
	}
	if ctl.State() != supervisor.StateRunning {
		t.Error("launch should succeed once failures stop")
	}
}

func TestLoop_DefaultBackoffCappedAtInterval(t *testing.T) {
	l := New(Config{Controller: newFakeController(), Interval: 3 * time.Second})
	for i := 0; i < 10; i++ {
		l.backoff.Fail(time.Time{})
	}
	if d := l.backoff.NotUntil().Sub(time.Time{}); d > 3*time.Second*12/10 {
		t.Errorf("default backoff delay = %v, want at most the interval plus jitter", d)
	}
}

func TestLoop_CrashRetryBackoff(t *testing.T) {
	ctl := newFakeController()
	l, clock := newTestLoop(t, ctl, nil)
	crashes := 0
	l.hooks.OnCrash = func(supervisor.Exit) { crashes++ }

	set := ingest.ActiveSet{"cam1", "cam2"}
	l.Reconcile(set)

	l.HandleExit(ctl.crash(2 * time.Second))
	if ctl.State() != supervisor.StateIdle || crashes != 1 {
		t.Fatalf("state/crashes = %v/%d", ctl.State(), crashes)
	}

	// no immediate restart
	if l.Reconcile(set) {
		t.Error("crash must not restart before the backoff")
	}
	clock.Advance(time.Second)
	if !l.Reconcile(set) {
		t.Error("expected relaunch after 1s")
	}

	// second quick crash doubles the delay
	l.HandleExit(ctl.crash(time.Second))
	clock.Advance(time.Second)
	if l.Reconcile(set) {
		t.Error("second retry should wait 2s")
	}
	clock.Advance(time.Second)
	if !l.Reconcile(set) {
		t.Error("expected relaunch after 2s")
	}

	// a stable child resets the backoff
	l.HandleExit(ctl.crash(time.Minute))
	clock.Advance(time.Second)
	if !l.Reconcile(set) {
		t.Error("stable child should retry after the initial delay")
	}

	starts, stops := ctl.counts()
	if starts != 4 || stops != 0 {
		t.Errorf("starts/stops = %d/%d, want 4/0", starts, stops)
	}
	if st := l.Snapshot(); st.Crashes != 3 {
		t.Errorf("Crashes = %d, want 3", st.Crashes)
	}
}

func TestLoop_SetChangeAfterCrashIgnoresBackoff(t *testing.T) {
	ctl := newFakeController()
	l, _ := newTestLoop(t, ctl, nil)

	l.Reconcile(ingest.ActiveSet{"cam1"})
	l.HandleExit(ctl.crash(0))

	if !l.Reconcile(ingest.ActiveSet{"cam1", "cam2"}) {
		t.Fatal("a new set should launch immediately")
	}
	if got := ctl.lastStart(); !got.Equal(ingest.ActiveSet{"cam1", "cam2"}) {
		t.Errorf("started %v", got)
	}
	if _, stops := ctl.counts(); stops != 0 {
		t.Errorf("stops = %d, want 0 (nothing was running)", stops)
	}
}

func TestLoop_StaleExitIgnored(t *testing.T) {
	ctl := newFakeController()
	l, _ := newTestLoop(t, ctl, nil)

	l.Reconcile(ingest.ActiveSet{"cam1"})
	stale := ctl.crash(0)
	l.Reconcile(ingest.ActiveSet{"cam2"})

	l.HandleExit(stale)
	if ctl.State() != supervisor.StateRunning {
		t.Error("exit of a replaced child must not idle the new one")
	}
	if st := l.Snapshot(); st.Crashes != 0 {
		t.Errorf("Crashes = %d, want 0", st.Crashes)
	}
}

func TestLoop_Run(t *testing.T) {
	ctl := newFakeController()
	fetcher := &scriptedFetcher{steps: []fetchStep{{doc: statsDoc("cam3")}}}
	l, _ := newTestLoop(t, ctl, fetcher)

	var fetches atomic.Int64
	l.hooks.OnFetch = func(time.Duration, error) { fetches.Add(1) }

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v", err)
	}

	if fetches.Load() < 2 {
		t.Errorf("fetches = %d, want several", fetches.Load())
	}
	starts, stops := ctl.counts()
	if starts != 1 || stops != 0 {
		t.Errorf("starts/stops = %d/%d, want 1/0", starts, stops)
	}
}

func TestLoop_RunReapsExits(t *testing.T) {
	ctl := newFakeController()
	fetcher := &scriptedFetcher{steps: []fetchStep{{doc: statsDoc("cam1")}}}
	l, _ := newTestLoop(t, ctl, fetcher)

	crashed := make(chan struct{})
	l.hooks.OnCrash = func(supervisor.Exit) { close(crashed) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for ctl.State() != supervisor.StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("composition never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ctl.exits <- ctl.crash(0)

	select {
	case <-crashed:
	case <-time.After(2 * time.Second):
		t.Fatal("crash was not reaped")
	}
	cancel()
	<-done

	if ctl.State() != supervisor.StateIdle {
		t.Error("crashed child should leave the controller idle")
	}
}

func TestLoop_SkipIfBusy(t *testing.T) {
	ctl := newFakeController()
	fetcher := &scriptedFetcher{
		steps: []fetchStep{{doc: statsDoc("cam1")}},
		block: make(chan struct{}),
	}
	l, _ := newTestLoop(t, ctl, fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_ = l.Run(ctx)

	st := l.Snapshot()
	if st.TicksSkipped == 0 {
		t.Error("ticks during a blocked fetch should be skipped")
	}
	if st.Ticks != st.TicksSkipped+1 {
		t.Errorf("ticks = %d, skipped = %d; want exactly one fetch started", st.Ticks, st.TicksSkipped)
	}
	if starts, _ := ctl.counts(); starts != 0 {
		t.Errorf("starts = %d, want 0", starts)
	}
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{Controller: newFakeController(), MaxCameras: 99})
	if l.interval != 5*time.Second {
		t.Errorf("interval = %v, want 5s", l.interval)
	}
	if l.max != ingest.MaxCameras {
		t.Errorf("max = %d, want %d", l.max, ingest.MaxCameras)
	}
	if l.backoff == nil || l.logger == nil || l.now == nil {
		t.Error("defaults not applied")
	}
}
