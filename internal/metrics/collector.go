// Package metrics provides Prometheus metrics, the HTTP status API and
// resource sampling for the grid controller.
//
// Metrics are grouped the way the dashboard lays them out:
//   - Reconciler: ticks, fetches, applied sets
//   - Pipeline: launches, exits, crashes, encode progress
//   - Resources: CPU and memory of the composition child
//   - Ingest host: optional node_exporter scrape of the ingest server
package metrics

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/parser"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/timeseries"
)

const namespace = "grid_controller"

// =============================================================================
// Collector
// =============================================================================

// Collector owns every Prometheus metric the controller exports and keeps
// enough history for the exit summary.
type Collector struct {
	// --- Panel 1: Overview ---
	info          *prometheus.GaugeVec
	maxCameras    prometheus.Gauge
	activeCameras prometheus.Gauge
	cameraActive  *prometheus.GaugeVec
	pipelineUp    prometheus.Gauge

	// --- Panel 2: Reconciler ---
	ticksTotal         prometheus.Counter
	ticksSkippedTotal  prometheus.Counter
	fetchesTotal       *prometheus.CounterVec
	fetchLatency       prometheus.Histogram
	fetchLatencyP50    prometheus.Gauge
	fetchLatencyP95    prometheus.Gauge
	appliesTotal       prometheus.Counter
	launchFailureTotal prometheus.Counter

	// --- Panel 3: Pipeline ---
	startsTotal    prometheus.Counter
	exitsTotal     *prometheus.CounterVec
	crashesTotal   prometheus.Counter
	uptimeSeconds  prometheus.Histogram
	encodeFPS      prometheus.Gauge
	encodeSpeed    prometheus.Gauge
	encodeFrames   prometheus.Gauge
	droppedFrames  prometheus.Gauge
	duplicateFrame prometheus.Gauge
	egressBytes    prometheus.Gauge
	egressRate     *prometheus.GaugeVec

	// --- Panel 4: Resources ---
	childCPUPercent prometheus.Gauge
	childRSSBytes   prometheus.Gauge
	childThreads    prometheus.Gauge

	// --- Panel 5: Ingest host ---
	hostCPUPercent prometheus.Gauge
	hostMemPercent prometheus.Gauge
	hostNetIn      prometheus.Gauge
	hostNetOut     prometheus.Gauge
	hostUp         prometheus.Gauge

	startTime time.Time

	mu             sync.Mutex
	latency        *tdigest.TDigest
	ticks          int64
	ticksSkipped   int64
	fetchFailures  int64
	applies        int64
	starts         int64
	launchFailures int64
	crashes        int64
	peakCameras    int
	exitCodes      map[int]int64
	uptimes        []time.Duration
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version    string
	StatsURL   string
	EgressURL  string
	MaxCameras int
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the controller (value always 1)",
		}, []string{"version", "stats_url", "egress_url"}),
		maxCameras: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_cameras",
			Help:      "Configured maximum number of grid tiles",
		}),
		activeCameras: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_cameras",
			Help:      "Cameras in the last applied active set",
		}),
		cameraActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "camera_active",
			Help:      "1 if the camera is part of the composition, else 0",
		}, []string{"camera"}),
		pipelineUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_up",
			Help:      "1 while a composition process is running",
		}),

		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Reconciliation timer ticks",
		}),
		ticksSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous fetch was still in flight",
		}),
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_fetches_total",
			Help:      "Statistics fetches by result",
		}, []string{"result"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stats_fetch_duration_seconds",
			Help:      "Statistics fetch latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		fetchLatencyP50: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_fetch_duration_p50_seconds",
			Help:      "Statistics fetch latency 50th percentile",
		}),
		fetchLatencyP95: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_fetch_duration_p95_seconds",
			Help:      "Statistics fetch latency 95th percentile",
		}),
		appliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applies_total",
			Help:      "Active sets applied (set changes and retries)",
		}),
		launchFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_failures_total",
			Help:      "Composition launches that failed before the process started",
		}),

		startsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_starts_total",
			Help:      "Composition processes started",
		}),
		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_exits_total",
			Help:      "Composition process exits by category",
		}, []string{"category"}),
		crashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_crashes_total",
			Help:      "Composition processes that exited without being stopped",
		}),
		uptimeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_uptime_seconds",
			Help:      "Composition process lifetime",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 3600, 14400, 86400},
		}),
		encodeFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encode_fps",
			Help:      "Output frames per second reported by ffmpeg",
		}),
		encodeSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encode_speed",
			Help:      "Encode speed relative to realtime (1.0 = realtime)",
		}),
		encodeFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encode_frames",
			Help:      "Frames encoded by the current process",
		}),
		droppedFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encode_dropped_frames",
			Help:      "Frames dropped by the current process",
		}),
		duplicateFrame: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encode_duplicate_frames",
			Help:      "Frames duplicated by the current process",
		}),
		egressBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "egress_bytes",
			Help:      "Bytes written to the egress by the current process",
		}),
		egressRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "egress_throughput_bytes_per_second",
			Help:      "Egress throughput averaged over a rolling window, across relaunches",
		}, []string{"window"}),

		childCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_cpu_percent",
			Help:      "CPU usage of the composition process",
		}),
		childRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_rss_bytes",
			Help:      "Resident memory of the composition process",
		}),
		childThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_threads",
			Help:      "Threads of the composition process",
		}),

		hostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_host_cpu_percent",
			Help:      "Ingest host CPU usage from node_exporter",
		}),
		hostMemPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_host_memory_percent",
			Help:      "Ingest host memory usage from node_exporter",
		}),
		hostNetIn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_host_net_in_bytes_per_second",
			Help:      "Ingest host receive rate",
		}),
		hostNetOut: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_host_net_out_bytes_per_second",
			Help:      "Ingest host transmit rate",
		}),
		hostUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_host_up",
			Help:      "1 if the last ingest host scrape succeeded",
		}),

		startTime: time.Now(),
		latency:   tdigest.NewWithCompression(100),
		exitCodes: make(map[int]int64),
	}

	registry.MustRegister(
		c.info, c.maxCameras, c.activeCameras, c.cameraActive, c.pipelineUp,
		c.ticksTotal, c.ticksSkippedTotal, c.fetchesTotal, c.fetchLatency,
		c.fetchLatencyP50, c.fetchLatencyP95, c.appliesTotal, c.launchFailureTotal,
		c.startsTotal, c.exitsTotal, c.crashesTotal, c.uptimeSeconds,
		c.encodeFPS, c.encodeSpeed, c.encodeFrames, c.droppedFrames, c.duplicateFrame, c.egressBytes, c.egressRate,
		c.childCPUPercent, c.childRSSBytes, c.childThreads,
		c.hostCPUPercent, c.hostMemPercent, c.hostNetIn, c.hostNetOut, c.hostUp,
	)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version, cfg.StatsURL, cfg.EgressURL).Set(1)
	c.maxCameras.Set(float64(cfg.MaxCameras))

	// Every possible camera gets a series so dashboards show zeros.
	for i := 1; i <= ingest.MaxCameras; i++ {
		c.cameraActive.WithLabelValues(cameraLabel(i)).Set(0)
	}

	return c
}

func cameraLabel(i int) string {
	return "cam" + string(rune('0'+i))
}

// =============================================================================
// Reconciler events
// =============================================================================

// TickStarted records a timer tick.
func (c *Collector) TickStarted() {
	c.ticksTotal.Inc()
	c.mu.Lock()
	c.ticks++
	c.mu.Unlock()
}

// TickSkipped records a tick dropped because a fetch was in flight.
func (c *Collector) TickSkipped() {
	c.ticksSkippedTotal.Inc()
	c.mu.Lock()
	c.ticksSkipped++
	c.mu.Unlock()
}

// RecordFetch records one statistics fetch.
func (c *Collector) RecordFetch(latency time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.fetchesTotal.WithLabelValues(result).Inc()
	c.fetchLatency.Observe(latency.Seconds())

	c.mu.Lock()
	if err != nil {
		c.fetchFailures++
	}
	c.latency.Add(latency.Seconds(), 1)
	p50 := c.latency.Quantile(0.50)
	p95 := c.latency.Quantile(0.95)
	c.mu.Unlock()

	c.fetchLatencyP50.Set(p50)
	c.fetchLatencyP95.Set(p95)
}

// RecordApply records a newly applied active set.
func (c *Collector) RecordApply(set ingest.ActiveSet) {
	c.appliesTotal.Inc()
	c.activeCameras.Set(float64(len(set)))

	active := make(map[string]bool, len(set))
	for _, id := range set {
		active[id.String()] = true
	}
	for i := 1; i <= ingest.MaxCameras; i++ {
		label := cameraLabel(i)
		v := 0.0
		if active[label] {
			v = 1
		}
		c.cameraActive.WithLabelValues(label).Set(v)
	}

	c.mu.Lock()
	c.applies++
	if len(set) > c.peakCameras {
		c.peakCameras = len(set)
	}
	c.mu.Unlock()
}

// RecordLaunchFailure records a composition that could not be started.
func (c *Collector) RecordLaunchFailure() {
	c.launchFailureTotal.Inc()
	c.mu.Lock()
	c.launchFailures++
	c.mu.Unlock()
}

// =============================================================================
// Pipeline events
// =============================================================================

// PipelineStarted records a composition process start.
func (c *Collector) PipelineStarted() {
	c.startsTotal.Inc()
	c.pipelineUp.Set(1)
	c.resetEncode()

	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
}

// RecordExit records a composition process exit. crashed is false for
// exits caused by Stop.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration, crashed bool) {
	c.exitsTotal.WithLabelValues(exitCategory(exitCode, crashed)).Inc()
	c.uptimeSeconds.Observe(uptime.Seconds())
	if crashed {
		c.crashesTotal.Inc()
	}

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.uptimes = append(c.uptimes, uptime)
	if crashed {
		c.crashes++
	}
	c.mu.Unlock()
}

// SetPipelineUp sets the running gauge. Clearing it also zeroes the
// per-process gauges.
func (c *Collector) SetPipelineUp(up bool) {
	if up {
		c.pipelineUp.Set(1)
		return
	}
	c.pipelineUp.Set(0)
	c.resetEncode()
	c.childCPUPercent.Set(0)
	c.childRSSBytes.Set(0)
	c.childThreads.Set(0)
}

// RecordProgress updates encode gauges from a progress block.
func (c *Collector) RecordProgress(u *parser.ProgressUpdate) {
	if u == nil {
		return
	}
	c.encodeFPS.Set(u.FPS)
	c.encodeSpeed.Set(u.Speed)
	c.encodeFrames.Set(float64(u.Frame))
	c.droppedFrames.Set(float64(u.DropFrames))
	c.duplicateFrame.Set(float64(u.DupFrames))
	c.egressBytes.Set(float64(u.TotalSize))
}

// RecordEgressThroughput updates the rolling egress throughput gauges.
func (c *Collector) RecordEgressThroughput(s timeseries.EgressStats) {
	c.egressRate.WithLabelValues("10s").Set(s.Avg10s)
	c.egressRate.WithLabelValues("60s").Set(s.Avg60s)
	c.egressRate.WithLabelValues("300s").Set(s.Avg300s)
}

func (c *Collector) resetEncode() {
	c.encodeFPS.Set(0)
	c.encodeSpeed.Set(0)
	c.encodeFrames.Set(0)
	c.droppedFrames.Set(0)
	c.duplicateFrame.Set(0)
	c.egressBytes.Set(0)
}

// exitCategory classifies an exit for the exits counter.
func exitCategory(exitCode int, crashed bool) string {
	switch {
	case !crashed:
		return "stopped"
	case exitCode == 0:
		return "success"
	case exitCode > 128:
		return "signal"
	default:
		return "error"
	}
}

// =============================================================================
// Resources
// =============================================================================

// RecordProcessSample updates the child resource gauges.
func (c *Collector) RecordProcessSample(s ProcessSample) {
	c.childCPUPercent.Set(s.CPUPercent)
	c.childRSSBytes.Set(float64(s.RSSBytes))
	c.childThreads.Set(float64(s.Threads))
}

// RecordIngestHost updates the ingest host gauges.
func (c *Collector) RecordIngestHost(m *IngestHostMetrics) {
	if m == nil {
		return
	}
	if !m.Healthy {
		c.hostUp.Set(0)
		return
	}
	c.hostUp.Set(1)
	c.hostCPUPercent.Set(m.CPUPercent)
	c.hostMemPercent.Set(m.MemPercent)
	c.hostNetIn.Set(m.NetInRate)
	c.hostNetOut.Set(m.NetOutRate)
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration        time.Duration
	Ticks           int64
	TicksSkipped    int64
	FetchFailures   int64
	FetchLatencyP50 time.Duration
	FetchLatencyP95 time.Duration
	FetchLatencyP99 time.Duration
	Applies         int64
	Starts          int64
	LaunchFailures  int64
	Crashes         int64
	PeakCameras     int
	ExitCodes       map[int]int64
	UptimeP50       time.Duration
	UptimeMax       time.Duration
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:       time.Since(c.startTime),
		Ticks:          c.ticks,
		TicksSkipped:   c.ticksSkipped,
		FetchFailures:  c.fetchFailures,
		Applies:        c.applies,
		Starts:         c.starts,
		LaunchFailures: c.launchFailures,
		Crashes:        c.crashes,
		PeakCameras:    c.peakCameras,
		ExitCodes:      make(map[int]int64, len(c.exitCodes)),
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}

	if c.latency.Count() > 0 {
		s.FetchLatencyP50 = secondsToDuration(c.latency.Quantile(0.50))
		s.FetchLatencyP95 = secondsToDuration(c.latency.Quantile(0.95))
		s.FetchLatencyP99 = secondsToDuration(c.latency.Quantile(0.99))
	}

	if len(c.uptimes) > 0 {
		sorted := make([]time.Duration, len(c.uptimes))
		copy(sorted, c.uptimes)
		sortDurations(sorted)
		s.UptimeP50 = percentile(sorted, 0.50)
		s.UptimeMax = sorted[len(sorted)-1]
	}

	return s
}

// =============================================================================
// Helper Functions
// =============================================================================

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// sortDurations sorts a slice of durations in place.
func sortDurations(d []time.Duration) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0 && d[j] < d[j-1]; j-- {
			d[j], d[j-1] = d[j-1], d[j]
		}
	}
}

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
