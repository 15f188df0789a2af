package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/parser"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/process"
)

var (
	// ErrAlreadyRunning is returned by Start when a child is current.
	ErrAlreadyRunning = errors.New("composition already running")

	// ErrNotRunning is returned by Stop when no child is current.
	ErrNotRunning = errors.New("no composition running")

	// ErrLaunch wraps any failure to build or spawn the child.
	ErrLaunch = errors.New("launch failed")
)

// Exit describes one child that has exited.
type Exit struct {
	Generation uint64
	ID         string
	PID        int
	Streams    ingest.ActiveSet
	ExitCode   int
	Uptime     time.Duration
	Err        error
}

// Callbacks are optional hooks for supervisor events. OnStart runs on the
// caller of Start; OnExit runs on the caller of Reap; OnProgress runs on a
// parser goroutine.
type Callbacks struct {
	OnStart    func(id string, pid int, streams ingest.ActiveSet)
	OnExit     func(exit Exit, crashed bool)
	OnProgress func(update *parser.ProgressUpdate)
}

// Config holds configuration for creating a Supervisor.
type Config struct {
	Builder     process.CommandBuilder
	Logger      *slog.Logger
	Callbacks   Callbacks
	StopTimeout time.Duration // SIGTERM to SIGKILL escalation (default: 5s)

	// Progress feeds stdout through a ProgressParser; the builder must then
	// emit "-progress pipe:1".
	Progress bool
	Verbose  bool

	BufferSize    int
	DropThreshold float64
}

// child is one launched process. Fields other than done are immutable after
// Start returns.
type child struct {
	gen     uint64
	id      string
	cmd     *exec.Cmd
	streams ingest.ActiveSet
	started time.Time
	done    chan struct{}

	stderr         *logging.StderrHandler
	progress       *parser.ProgressParser
	stderrPipeline *parser.Pipeline
	stdoutPipeline *parser.Pipeline
}

func (c *child) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Supervisor manages at most one current composition process.
//
// Start and Stop never block on the child. Exits are delivered on Exits()
// and must be handed back to Reap by the owner, which is how a crash of the
// current child is told apart from the exit of a child already stopped.
type Supervisor struct {
	builder     process.CommandBuilder
	logger      *slog.Logger
	callbacks   Callbacks
	stopTimeout time.Duration

	progressEnabled bool
	verbose         bool
	bufferSize      int
	dropThreshold   float64

	mu       sync.Mutex
	current  *child
	live     map[uint64]*child
	gen      uint64
	launches int64
	crashes  int64
	lastExit *Exit
	lastErr  *logging.StderrHandler

	exits    chan Exit
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Supervisor{
		builder:         cfg.Builder,
		logger:          logger,
		callbacks:       cfg.Callbacks,
		stopTimeout:     stopTimeout,
		progressEnabled: cfg.Progress,
		verbose:         cfg.Verbose,
		bufferSize:      bufferSize,
		dropThreshold:   cfg.DropThreshold,
		live:            make(map[uint64]*child),
		exits:           make(chan Exit, 8),
		quit:            make(chan struct{}),
	}
}

// Exits delivers one Exit per launched child.
func (s *Supervisor) Exits() <-chan Exit {
	return s.exits
}

// Start launches the composition described by spec. It is only valid while
// Idle. Any build or spawn failure is wrapped in ErrLaunch and leaves the
// supervisor Idle.
func (s *Supervisor) Start(spec *process.PipelineSpec) error {
	if spec == nil || len(spec.Args) == 0 {
		return fmt.Errorf("%w: empty pipeline spec", ErrLaunch)
	}

	c, err := s.launch(spec)
	if err != nil {
		return err
	}

	s.logger.Info("pipeline_started",
		"pipeline_id", c.id,
		"generation", c.gen,
		"pid", c.pid(),
		"streams", c.streams.String(),
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(c.id, c.pid(), c.streams.Clone())
	}
	return nil
}

// launch spawns the child and its output readers under the lock.
func (s *Supervisor) launch(spec *process.PipelineSpec) (*child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.quit:
		return nil, fmt.Errorf("%w: supervisor shut down", ErrLaunch)
	default:
	}
	if s.current != nil {
		return nil, ErrAlreadyRunning
	}

	cmd, err := s.builder.BuildCommand(spec.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: build command: %v", ErrLaunch, err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	c := &child{
		gen:     s.gen + 1,
		id:      shortuuid.New(),
		cmd:     cmd,
		streams: spec.Streams.Clone(),
		done:    make(chan struct{}),
	}
	c.stderr = logging.NewStderrHandler(c.id, s.logger, s.verbose)
	c.stderrPipeline = parser.NewPipeline("stderr", s.bufferSize, s.dropThreshold)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrLaunch, err)
	}
	var stdout io.ReadCloser
	if s.progressEnabled {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdout pipe: %v", ErrLaunch, err)
		}
		c.stdoutPipeline = parser.NewPipeline("progress", s.bufferSize, s.dropThreshold)
		c.progress = parser.NewProgressParser(s.callbacks.OnProgress)
	}

	c.started = time.Now()
	if err := cmd.Start(); err != nil {
		s.logger.Error("pipeline_launch_failed",
			"streams", spec.Streams.String(),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	s.gen = c.gen
	s.current = c
	s.live[c.gen] = c
	s.launches++

	var readers sync.WaitGroup
	readers.Add(2)
	go parser.NewPipeReader(stderr, c.stderrPipeline).Run()
	go func() {
		defer readers.Done()
		c.stderrPipeline.RunParser(c.stderr)
	}()
	if c.stdoutPipeline != nil {
		go parser.NewPipeReader(stdout, c.stdoutPipeline).Run()
		go func() {
			defer readers.Done()
			c.stdoutPipeline.RunParser(c.progress)
		}()
	} else {
		readers.Done()
	}

	s.wg.Add(1)
	go s.wait(c, &readers)
	return c, nil
}

// wait blocks until the child exits, then publishes the Exit.
func (s *Supervisor) wait(c *child, readers *sync.WaitGroup) {
	defer s.wg.Done()

	// Pipes must be fully read before Wait closes them.
	readers.Wait()
	waitErr := c.cmd.Wait()

	exit := Exit{
		Generation: c.gen,
		ID:         c.id,
		PID:        c.pid(),
		Streams:    c.streams,
		ExitCode:   extractExitCode(waitErr),
		Uptime:     time.Since(c.started),
		Err:        waitErr,
	}
	s.logPipelineStats(c)

	s.mu.Lock()
	delete(s.live, c.gen)
	s.lastExit = &exit
	s.lastErr = c.stderr
	s.mu.Unlock()
	close(c.done)

	select {
	case s.exits <- exit:
	case <-s.quit:
	}
}

func (s *Supervisor) logPipelineStats(c *child) {
	for _, p := range []*parser.Pipeline{c.stderrPipeline, c.stdoutPipeline} {
		if p == nil {
			continue
		}
		read, dropped, parsed := p.Stats()
		if dropped == 0 && !s.logger.Enabled(context.Background(), slog.LevelDebug) {
			continue
		}
		s.logger.Info("pipeline_stats",
			"pipeline_id", c.id,
			"stream", p.Name(),
			"lines_read", read,
			"lines_dropped", dropped,
			"lines_parsed", parsed,
			"degraded", p.IsDegraded(),
		)
	}
}

// Stop sends SIGTERM to the current child's process group and returns to
// Idle at once. If the child outlives the stop timeout it is killed.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	c := s.current
	if c == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.current = nil
	s.mu.Unlock()

	s.logger.Info("pipeline_stopping",
		"pipeline_id", c.id,
		"pid", c.pid(),
		"streams", c.streams.String(),
	)
	signalGroup(c, syscall.SIGTERM)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.stopTimeout)
		defer timer.Stop()
		select {
		case <-c.done:
		case <-timer.C:
			s.logger.Warn("force_killing_process",
				"pipeline_id", c.id,
				"pid", c.pid(),
				"timeout", s.stopTimeout.String(),
			)
			signalGroup(c, syscall.SIGKILL)
		}
	}()
	return nil
}

// Reap accounts for an exit received from Exits. It returns true if the
// exit was a crash of the current child, which also returns the supervisor
// to Idle. Exits of children that were already stopped return false.
// Crashes are never restarted here.
func (s *Supervisor) Reap(exit Exit) bool {
	s.mu.Lock()
	crashed := s.current != nil && s.current.gen == exit.Generation
	if crashed {
		s.current = nil
		s.crashes++
	}
	s.mu.Unlock()

	if crashed {
		s.logger.Warn("pipeline_crashed",
			"pipeline_id", exit.ID,
			"pid", exit.PID,
			"streams", exit.Streams.String(),
			"exit_code", exit.ExitCode,
			"uptime", exit.Uptime.String(),
		)
	} else {
		s.logger.Info("pipeline_exited",
			"pipeline_id", exit.ID,
			"pid", exit.PID,
			"exit_code", exit.ExitCode,
			"uptime", exit.Uptime.String(),
		)
	}
	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(exit, crashed)
	}
	return crashed
}

// Shutdown stops the current child and waits for every child to exit.
// When ctx ends first, remaining process groups are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	s.mu.Lock()
	pending := make([]*child, 0, len(s.live))
	for _, c := range s.live {
		pending = append(pending, c)
	}
	s.mu.Unlock()

	var result error
	for _, c := range pending {
		select {
		case <-c.done:
		case <-ctx.Done():
			s.logger.Warn("shutdown_killing_process", "pipeline_id", c.id, "pid", c.pid())
			signalGroup(c, syscall.SIGKILL)
			<-c.done
			result = ctx.Err()
		}
	}

	s.quitOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
	return result
}

// signalGroup signals the child's whole process group.
func signalGroup(c *child, sig syscall.Signal) {
	if c.cmd.Process == nil {
		return
	}
	pid := c.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = c.cmd.Process.Signal(sig)
}

// State returns Running while a child is current.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return StateRunning
	}
	return StateIdle
}

// PID returns the current child's pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.pid()
}

// Status is a point-in-time copy of the supervisor for dashboards.
type Status struct {
	State      State
	ID         string
	PID        int
	Generation uint64
	Streams    ingest.ActiveSet
	Uptime     time.Duration
	Launches   int64
	Crashes    int64
	LastExit   *Exit
	Progress   *parser.ProgressUpdate
	Degraded   bool
}

// Status returns a snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:    StateIdle,
		Launches: s.launches,
		Crashes:  s.crashes,
	}
	if s.lastExit != nil {
		e := *s.lastExit
		st.LastExit = &e
	}
	if c := s.current; c != nil {
		st.State = StateRunning
		st.ID = c.id
		st.PID = c.pid()
		st.Generation = c.gen
		st.Streams = c.streams.Clone()
		st.Uptime = time.Since(c.started)
		if c.progress != nil {
			st.Progress = c.progress.Last()
		}
		st.Degraded = c.stderrPipeline.IsDegraded() ||
			(c.stdoutPipeline != nil && c.stdoutPipeline.IsDegraded())
	}
	return st
}

// RecentStderr returns the newest stderr lines of the current child, or of
// the last one to exit.
func (s *Supervisor) RecentStderr(n int) []string {
	s.mu.Lock()
	h := s.lastErr
	if s.current != nil {
		h = s.current.stderr
	}
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.RecentLines(n)
}

// StderrErrors counts known error patterns like RecentStderr.
func (s *Supervisor) StderrErrors() map[string]int {
	s.mu.Lock()
	h := s.lastErr
	if s.current != nil {
		h = s.current.stderr
	}
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.CountErrors()
}

// extractExitCode extracts the exit code from a Wait() error.
// Signal deaths are reported shell style as 128 + signal.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}
	return 1
}
