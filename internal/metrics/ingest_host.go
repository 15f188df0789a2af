package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// IngestHostMetrics is what the ingest server's node_exporter reports.
type IngestHostMetrics struct {
	CPUPercent float64
	MemUsed    int64
	MemTotal   int64
	MemPercent float64
	NetInRate  float64 // bytes/sec (instantaneous)
	NetOutRate float64 // bytes/sec (instantaneous)

	// Rolling window percentiles
	NetInP50         float64
	NetInMax         float64
	NetOutP50        float64
	NetOutMax        float64
	NetWindowSeconds int

	LastUpdate time.Time
	Healthy    bool
	Error      string
}

// IngestHostScraper scrapes node_exporter on the ingest host. A saturated
// ingest host is the usual reason cameras disappear from the stats page,
// so its load is shown next to the grid.
//
// Uses atomic.Value for lock-free metric reads.
type IngestHostScraper struct {
	url        string
	interval   time.Duration
	logger     *slog.Logger
	httpClient *http.Client

	metrics atomic.Value // *IngestHostMetrics

	// Counter state for rate calculation. Only touched by scrape.
	lastNetIn   float64
	lastNetOut  float64
	lastCPUIdle float64
	lastCPUAll  float64
	lastScrape  time.Time

	windowMu   sync.Mutex
	windowSize time.Duration
	netIn      *rollingWindow
	netOut     *rollingWindow
}

// NewIngestHostScraper creates a scraper. Returns nil if url is empty
// (feature disabled); all methods accept a nil receiver.
func NewIngestHostScraper(url string, interval, windowSize time.Duration, logger *slog.Logger) *IngestHostScraper {
	if url == "" {
		return nil
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if windowSize < 10*time.Second {
		windowSize = 10 * time.Second
	}
	if windowSize > 300*time.Second {
		windowSize = 300 * time.Second
	}

	s := &IngestHostScraper{
		url:      url,
		interval: interval,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		windowSize: windowSize,
		netIn:      newRollingWindow(windowSize),
		netOut:     newRollingWindow(windowSize),
	}
	s.metrics.Store(&IngestHostMetrics{
		Healthy: false,
		Error:   "not yet scraped",
	})
	return s
}

// Run scrapes immediately and then every interval until ctx is done.
// onScrape, if set, receives each result.
func (s *IngestHostScraper) Run(ctx context.Context, onScrape func(*IngestHostMetrics)) {
	if s == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.scrape(ctx, time.Now())
		if onScrape != nil {
			onScrape(s.GetMetrics())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GetMetrics returns a copy of the current metrics.
func (s *IngestHostScraper) GetMetrics() *IngestHostMetrics {
	if s == nil {
		return nil
	}
	m := *s.metrics.Load().(*IngestHostMetrics)

	now := time.Now()
	s.windowMu.Lock()
	m.NetInP50, m.NetInMax = s.netIn.summary(now)
	m.NetOutP50, m.NetOutMax = s.netOut.summary(now)
	s.windowMu.Unlock()
	m.NetWindowSeconds = int(s.windowSize.Seconds())

	return &m
}

// scrape fetches node_exporter once. Failed scrapes keep the previous
// values and mark the result unhealthy.
func (s *IngestHostScraper) scrape(ctx context.Context, now time.Time) {
	prev := s.metrics.Load().(*IngestHostMetrics)
	next := *prev
	next.LastUpdate = now

	families, err := s.fetch(ctx)
	if err != nil {
		next.Healthy = false
		next.Error = err.Error()
		s.metrics.Store(&next)
		if s.logger != nil {
			s.logger.Debug("ingest_host_scrape_error", "url", s.url, "error", err)
		}
		return
	}

	idle, all := extractCPUSeconds(families)
	next.CPUPercent = cpuPercent(s.lastCPUIdle, s.lastCPUAll, idle, all)
	s.lastCPUIdle, s.lastCPUAll = idle, all

	next.MemUsed, next.MemTotal, next.MemPercent = extractMemory(families)

	in, out := extractNetworkBytes(families)
	next.NetInRate, next.NetOutRate = 0, 0
	if !s.lastScrape.IsZero() {
		if dt := now.Sub(s.lastScrape).Seconds(); dt > 0 {
			next.NetInRate = counterRate(s.lastNetIn, in, dt)
			next.NetOutRate = counterRate(s.lastNetOut, out, dt)

			s.windowMu.Lock()
			s.netIn.add(next.NetInRate, now)
			s.netOut.add(next.NetOutRate, now)
			s.windowMu.Unlock()
		}
	}
	s.lastNetIn, s.lastNetOut = in, out
	s.lastScrape = now

	next.Healthy = true
	next.Error = ""
	s.metrics.Store(&next)
}

// fetch GETs the exporter and decodes the text exposition format.
func (s *IngestHostScraper) fetch(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	decoder := expfmt.NewDecoder(resp.Body, expfmt.FmtText)
	families := make(map[string]*dto.MetricFamily)
	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode error: %w", err)
		}
		families[mf.GetName()] = &mf
	}
	return families, nil
}

// extractCPUSeconds sums node_cpu_seconds_total over all CPUs.
func extractCPUSeconds(families map[string]*dto.MetricFamily) (idle, all float64) {
	mf, ok := families["node_cpu_seconds_total"]
	if !ok {
		return 0, 0
	}
	for _, m := range mf.GetMetric() {
		v := m.GetCounter().GetValue()
		all += v
		if labelValue(m, "mode") == "idle" {
			idle += v
		}
	}
	return idle, all
}

// cpuPercent returns busy time over the scrape interval, or over uptime
// on the first scrape.
func cpuPercent(prevIdle, prevAll, idle, all float64) float64 {
	dIdle, dAll := idle-prevIdle, all-prevAll
	if prevAll == 0 || dAll <= 0 {
		dIdle, dAll = idle, all
	}
	if dAll <= 0 {
		return 0
	}
	return (1 - dIdle/dAll) * 100
}

// extractMemory reads node_memory_*; MemFree is used when MemAvailable is
// missing (old kernels).
func extractMemory(families map[string]*dto.MetricFamily) (used, total int64, percent float64) {
	totalBytes, ok := firstGauge(families, "node_memory_MemTotal_bytes")
	if !ok {
		return 0, 0, 0
	}
	avail, ok := firstGauge(families, "node_memory_MemAvailable_bytes")
	if !ok {
		if avail, ok = firstGauge(families, "node_memory_MemFree_bytes"); !ok {
			return 0, 0, 0
		}
	}
	total = int64(totalBytes)
	used = int64(totalBytes - avail)
	if total > 0 {
		percent = float64(used) / float64(total) * 100
	}
	return used, total, percent
}

// extractNetworkBytes sums receive and transmit counters of every
// non-loopback device.
func extractNetworkBytes(families map[string]*dto.MetricFamily) (in, out float64) {
	sum := func(name string) float64 {
		var total float64
		mf, ok := families[name]
		if !ok {
			return 0
		}
		for _, m := range mf.GetMetric() {
			if labelValue(m, "device") == "lo" {
				continue
			}
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return sum("node_network_receive_bytes_total"), sum("node_network_transmit_bytes_total")
}

// counterRate is (cur-prev)/dt. A counter reset (exporter or host restart)
// yields 0 rather than a negative rate.
func counterRate(prev, cur, dt float64) float64 {
	if cur < prev {
		return 0
	}
	return (cur - prev) / dt
}

func firstGauge(families map[string]*dto.MetricFamily, name string) (float64, bool) {
	mf, ok := families[name]
	if !ok || len(mf.GetMetric()) == 0 {
		return 0, false
	}
	return mf.GetMetric()[0].GetGauge().GetValue(), true
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

// HostnameFromURL extracts the hostname from a URL for display.
func HostnameFromURL(raw string) string {
	if raw == "" {
		return "unknown"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

// =============================================================================
// Rolling window
// =============================================================================

type windowSample struct {
	value float64
	time  time.Time
}

// rollingWindow keeps samples for a fixed duration with a T-Digest over
// them. The digest is rebuilt only when samples expire.
type rollingWindow struct {
	size    time.Duration
	digest  *tdigest.TDigest
	samples []windowSample
}

func newRollingWindow(size time.Duration) *rollingWindow {
	return &rollingWindow{
		size:   size,
		digest: tdigest.NewWithCompression(100),
	}
}

func (w *rollingWindow) add(v float64, now time.Time) {
	w.samples = append(w.samples, windowSample{value: v, time: now})
	w.digest.Add(v, 1)
	if len(w.samples) > 20 {
		w.expire(now)
	}
}

// summary returns the median and maximum of samples still in the window.
func (w *rollingWindow) summary(now time.Time) (p50, peak float64) {
	w.expire(now)
	if len(w.samples) == 0 {
		return 0, 0
	}
	peak = w.samples[0].value
	for _, s := range w.samples[1:] {
		if s.value > peak {
			peak = s.value
		}
	}
	return w.digest.Quantile(0.50), peak
}

func (w *rollingWindow) expire(now time.Time) {
	cutoff := now.Add(-w.size)
	valid := w.samples[:0]
	for _, s := range w.samples {
		if s.time.After(cutoff) {
			valid = append(valid, s)
		}
	}
	if len(valid) == len(w.samples) {
		return
	}
	w.samples = valid
	w.digest = tdigest.NewWithCompression(100)
	for _, s := range valid {
		w.digest.Add(s.value, 1)
	}
}
