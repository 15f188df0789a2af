// Package orchestrator wires the controller together: the reconciliation
// loop, the composition supervisor, metrics, the status API and the TUI.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/layout"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/parser"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/preflight"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/reconciler"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/supervisor"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/timeseries"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/tui"
)

// ErrPreflight is returned by Run when a fatal preflight check fails.
var ErrPreflight = errors.New("preflight checks failed")

// shutdownTimeout bounds the whole shutdown, child stop included.
const shutdownTimeout = 10 * time.Second

// Orchestrator coordinates all components of the controller.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	resolver   *layout.Resolver
	runner     *process.GridRunner
	fetcher    *ingest.Fetcher
	supervisor *supervisor.Supervisor
	loop       *reconciler.Loop

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	sampler       *metrics.ProcessSampler
	ingestHost    *metrics.IngestHostScraper
	egress        *timeseries.EgressTracker

	// output receives preflight results and the exit summary.
	output io.Writer

	fetched   atomic.Bool
	startTime time.Time
}

// NewRunner builds the pipeline argument builder for cfg. It is shared by
// the controller and -print-cmd.
func NewRunner(cfg *config.Config) (*process.GridRunner, *layout.Resolver) {
	resolver := layout.NewResolver(cfg.Labels)

	overlay := layout.DefaultOverlay()
	overlay.FontFile = cfg.FontFile
	if cfg.FontSize > 0 {
		overlay.FontSize = cfg.FontSize
	}
	planner := layout.NewPlanner(layout.DefaultGeometry(), overlay, resolver)

	ffmpegConfig := process.DefaultFFmpegConfig()
	ffmpegConfig.BinaryPath = cfg.FFmpegPath
	ffmpegConfig.IngestURL = cfg.IngestURL
	ffmpegConfig.EgressURL = cfg.EgressURL
	ffmpegConfig.LogLevel = cfg.FFmpegLogLevel
	ffmpegConfig.VideoCodec = cfg.VideoCodec
	ffmpegConfig.Preset = cfg.Preset
	ffmpegConfig.ProgressEnabled = cfg.Progress

	return process.NewGridRunner(ffmpegConfig, planner), resolver
}

// New creates a new Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, version string) *Orchestrator {
	runner, resolver := NewRunner(cfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version:    version,
		StatsURL:   cfg.StatsURL,
		EgressURL:  cfg.EgressURL,
		MaxCameras: cfg.MaxCameras,
	}, registry)

	o := &Orchestrator{
		config:     cfg,
		logger:     logger,
		version:    version,
		resolver:   resolver,
		runner:     runner,
		fetcher:    ingest.NewFetcher(cfg.StatsURL, cfg.FetchTimeout).WithLogger(logger),
		registry:   registry,
		metrics:    collector,
		sampler:    metrics.NewProcessSampler(2*time.Second, logger),
		ingestHost: metrics.NewIngestHostScraper(cfg.IngestHostMetricsURL, 2*time.Second, 60*time.Second, logger),
		egress:     timeseries.NewEgressTracker(),
		output:     os.Stdout,
	}

	o.supervisor = supervisor.New(supervisor.Config{
		Builder:     runner,
		Logger:      logger,
		StopTimeout: cfg.StopTimeout,
		Progress:    cfg.Progress,
		Verbose:     cfg.Verbose,
		Callbacks: supervisor.Callbacks{
			OnStart:    o.onStart,
			OnExit:     o.onExit,
			OnProgress: o.onProgress,
		},
	})

	backoff := supervisor.NewBackoff(time.Now().UnixNano(), supervisor.BackoffConfig{
		Initial:    cfg.RetryInitial,
		Max:        cfg.RetryCap(),
		Multiplier: 2,
		JitterPct:  0.2,
	})

	o.loop = reconciler.New(reconciler.Config{
		Fetcher:    o.fetcher,
		Builder:    runner,
		Controller: o.supervisor,
		Logger:     logger,
		Interval:   cfg.Interval,
		MaxCameras: cfg.MaxCameras,
		Backoff:    backoff,
		Hooks: reconciler.Hooks{
			OnTick:          collector.TickStarted,
			OnTickSkipped:   collector.TickSkipped,
			OnFetch:         o.onFetch,
			OnApply:         collector.RecordApply,
			OnLaunchFailure: o.onLaunchFailure,
			OnCrash:         o.onCrash,
		},
	})

	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(metrics.ServerConfig{
			Addr:     cfg.MetricsAddr,
			Logger:   logger,
			Gatherer: registry,
			Status:   func() any { return o.Status() },
			Ready:    o.fetched.Load,
		})
	}

	return o
}

// Run executes the controller. It blocks until a signal, ctx cancellation
// or the TUI quitting, then stops the composition.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	if !o.config.SkipPreflight {
		result := preflight.RunAll(ctx, preflight.Options{
			FFmpegPath:   o.config.FFmpegPath,
			FontFile:     o.config.FontFile,
			StatsURL:     o.config.StatsURL,
			MaxCameras:   o.config.MaxCameras,
			ProbeFilters: o.runner.ProbeFilters,
			StatsTimeout: o.config.FetchTimeout,
		})
		preflight.PrintResults(o.output, result)
		if !result.Passed {
			return fmt.Errorf("%w (use -skip-preflight to override)", ErrPreflight)
		}
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		err := o.loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		o.sampler.Run(gctx, o.metrics.RecordProcessSample)
		return nil
	})

	if o.ingestHost != nil {
		g.Go(func() error {
			o.ingestHost.Run(gctx, o.metrics.RecordIngestHost)
			return nil
		})
	}

	if o.config.TUIEnabled {
		g.Go(func() error {
			defer cancel()
			return o.runTUI(gctx)
		})
	}

	runErr := g.Wait()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := o.supervisor.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
	}
	o.metrics.SetPipelineUp(false)

	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}

	o.printExitSummary()

	return runErr
}

// runTUI runs the dashboard until the user quits or ctx ends.
func (o *Orchestrator) runTUI(ctx context.Context) error {
	model := tui.New(tui.Config{
		MaxCameras:  o.config.MaxCameras,
		StatsURL:    o.config.StatsURL,
		EgressURL:   o.config.EgressURL,
		MetricsAddr: o.config.MetricsAddr,
		Source:      o,
		Resolve:     o.resolver.Resolve,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	go func() {
		<-ctx.Done()
		tui.SendQuit(p)
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	o.logger.Info("tui_quit")
	return nil
}

// Callback handlers

func (o *Orchestrator) onStart(id string, pid int, streams ingest.ActiveSet) {
	o.metrics.PipelineStarted()
	o.egress.NewComposition()
	if err := o.sampler.Attach(pid); err != nil {
		o.logger.Debug("process_sampler_attach_failed", "pipeline_id", id, "pid", pid, "error", err)
	}
	if o.config.Verbose {
		o.logger.Debug("pipeline_process_started", "pipeline_id", id, "pid", pid, "streams", streams.Strings())
	}
}

func (o *Orchestrator) onExit(exit supervisor.Exit, crashed bool) {
	o.metrics.RecordExit(exit.ExitCode, exit.Uptime, crashed)
	o.sampler.Detach(exit.PID)
	if o.supervisor.State() == supervisor.StateIdle {
		o.metrics.SetPipelineUp(false)
	}
}

func (o *Orchestrator) onProgress(u *parser.ProgressUpdate) {
	o.metrics.RecordProgress(u)
	if u != nil {
		o.egress.Observe(u.TotalSize)
		o.metrics.RecordEgressThroughput(o.egress.GetStats())
	}
}

func (o *Orchestrator) onFetch(latency time.Duration, err error) {
	o.metrics.RecordFetch(latency, err)
	if err == nil {
		o.fetched.Store(true)
	}
}

func (o *Orchestrator) onLaunchFailure(err error) {
	o.metrics.RecordLaunchFailure()
}

func (o *Orchestrator) onCrash(exit supervisor.Exit) {
	if o.config.Verbose {
		o.logger.Debug("pipeline_crash_details",
			"pipeline_id", exit.ID,
			"recent_stderr", o.supervisor.RecentStderr(10),
		)
	}
}

// Snapshot implements tui.SnapshotSource.
func (o *Orchestrator) Snapshot() *tui.Snapshot {
	egress := o.egress.GetStats()
	return &tui.Snapshot{
		Reconciler:   o.loop.Snapshot(),
		Pipeline:     o.supervisor.Status(),
		Resources:    o.sampler.Last(),
		IngestHost:   o.ingestHost.GetMetrics(),
		Egress:       &egress,
		RecentStderr: o.supervisor.RecentStderr(50),
	}
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary() {
	summary := o.metrics.GenerateSummary()
	w := o.output

	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                 ffmpeg-grid-controller Exit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Run Duration:           %s\n", formatDuration(summary.Duration))
	fmt.Fprintf(w, "Peak Cameras:           %d\n", summary.PeakCameras)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Reconciler:")
	fmt.Fprintf(w, "  Ticks:                %d (%d skipped)\n", summary.Ticks, summary.TicksSkipped)
	fmt.Fprintf(w, "  Fetch Failures:       %d\n", summary.FetchFailures)
	if summary.FetchLatencyP50 > 0 {
		fmt.Fprintf(w, "  Fetch Latency P50:    %s\n", summary.FetchLatencyP50.Round(time.Microsecond))
		fmt.Fprintf(w, "  Fetch Latency P95:    %s\n", summary.FetchLatencyP95.Round(time.Microsecond))
	}
	fmt.Fprintf(w, "  Applies:              %d\n", summary.Applies)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Compositions:")
	fmt.Fprintf(w, "  Started:              %d\n", summary.Starts)
	fmt.Fprintf(w, "  Launch Failures:      %d\n", summary.LaunchFailures)
	fmt.Fprintf(w, "  Crashes:              %d\n", summary.Crashes)
	if summary.UptimeMax > 0 {
		fmt.Fprintf(w, "  Uptime P50:           %s\n", formatDuration(summary.UptimeP50))
		fmt.Fprintf(w, "  Uptime Max:           %s\n", formatDuration(summary.UptimeMax))
	}
	fmt.Fprintln(w)

	if len(summary.ExitCodes) > 0 {
		fmt.Fprintln(w, "Exit Codes:")
		for code, count := range summary.ExitCodes {
			fmt.Fprintf(w, "  %3d %-16s %d\n", code, exitCodeLabel(code), count)
		}
		fmt.Fprintln(w)
	}

	if errs := o.supervisor.StderrErrors(); len(errs) > 0 {
		fmt.Fprintln(w, "ffmpeg Errors (last composition):")
		for pattern, count := range errs {
			fmt.Fprintf(w, "  %-28s %d\n", pattern, count)
		}
		fmt.Fprintln(w)
	}

	if o.metricsServer != nil {
		fmt.Fprintf(w, "Metrics endpoint was: http://%s/metrics\n", o.config.MetricsAddr)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	case 255:
		return "(ffmpeg exit)"
	default:
		return ""
	}
}

// Registry returns the Prometheus registry behind /metrics.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
