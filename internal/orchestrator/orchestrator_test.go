package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/supervisor"
)

// fakeFFmpeg writes a script that ignores its arguments and idles like a
// long-running composition.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\necho 'Input #0, flv, from rtmp://ingest/live/cam1' >&2\nexec sleep 30\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// statsServer serves an nginx-rtmp style statistics page.
type statsServer struct {
	mu      sync.Mutex
	streams []string
	status  int
}

func (s *statsServer) set(streams ...string) {
	s.mu.Lock()
	s.streams = streams
	s.mu.Unlock()
}

func (s *statsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	var b strings.Builder
	b.WriteString("<rtmp><server><application><name>live</name><live>")
	for _, n := range s.streams {
		fmt.Fprintf(&b, "<stream><name>%s</name><nclients>1</nclients></stream>", n)
	}
	b.WriteString("</live></application></server></rtmp>")
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

func testConfig(statsURL, ffmpeg string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.StatsURL = statsURL
	cfg.FFmpegPath = ffmpeg
	cfg.Interval = 50 * time.Millisecond
	cfg.FetchTimeout = time.Second
	cfg.StopTimeout = time.Second
	cfg.MetricsAddr = ""
	cfg.SkipPreflight = true
	cfg.Labels = map[string]string{"cam1": "Front door"}
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// Tests: NewRunner
// =============================================================================

func TestNewRunner_UsesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FFmpegPath = "/opt/ffmpeg/bin/ffmpeg"
	cfg.IngestURL = "rtmp://ingest.example:1935/live"
	cfg.EgressURL = "rtmp://egress.example/final/1"
	cfg.FontFile = "/usr/share/fonts/DejaVuSans.ttf"
	cfg.FontSize = 32
	cfg.VideoCodec = "libx265"
	cfg.Preset = "ultrafast"
	cfg.Labels = map[string]string{"cam3": "Garage"}

	runner, resolver := NewRunner(cfg)

	if got := resolver.Resolve("cam3"); got != "Garage" {
		t.Errorf("Resolve(cam3) = %q, want Garage", got)
	}

	cmd, err := runner.CommandString(ingest.ActiveSet{"cam3", "cam1"})
	if err != nil {
		t.Fatalf("CommandString() error = %v", err)
	}
	for _, want := range []string{
		"/opt/ffmpeg/bin/ffmpeg",
		"rtmp://ingest.example:1935/live/cam3",
		"rtmp://ingest.example:1935/live/cam1",
		"rtmp://egress.example/final/1",
		"DejaVuSans.ttf",
		"fontsize=32",
		"Garage",
		"libx265",
		"ultrafast",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command missing %q:\n%s", want, cmd)
		}
	}
	if strings.Contains(cmd, "-progress") {
		t.Error("-progress should be absent unless enabled")
	}

	cfg.Progress = true
	runner, _ = NewRunner(cfg)
	cmd, _ = runner.CommandString(ingest.ActiveSet{"cam1"})
	if !strings.Contains(cmd, "-progress") {
		t.Error("-progress expected when enabled")
	}
}

// =============================================================================
// Tests: New / Status / Snapshot
// =============================================================================

func TestNew_InitialStatus(t *testing.T) {
	o := New(testConfig("http://127.0.0.1:1/stats", "ffmpeg"), logging.Discard(), "test")

	st := o.Status()
	if st.Version != "test" {
		t.Errorf("Version = %q, want test", st.Version)
	}
	if st.Pipeline.State != supervisor.StateIdle.String() {
		t.Errorf("Pipeline.State = %q, want idle", st.Pipeline.State)
	}
	if st.Resources != nil || st.IngestHost != nil {
		t.Error("optional sections should be absent")
	}

	// Empty sets encode as [] so API clients need no null checks.
	body, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"cameras":[]`, `"observed":[]`, `"streams":[]`} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("status JSON missing %s: %s", want, body)
		}
	}

	snap := o.Snapshot()
	if snap.IngestHost != nil {
		t.Error("Snapshot().IngestHost should be nil when the scraper is disabled")
	}
	if snap.Resources != nil {
		t.Error("Snapshot().Resources should be nil before a sample")
	}
}

func TestNew_IngestHostEnabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/stats", "ffmpeg")
	cfg.IngestHostMetricsURL = "http://127.0.0.1:1/metrics"
	o := New(cfg, logging.Discard(), "test")

	st := o.Status()
	if st.IngestHost == nil {
		t.Fatal("IngestHost section expected when configured")
	}
	if st.IngestHost.Healthy {
		t.Error("IngestHost should be unhealthy before the first scrape")
	}
}

func TestNew_TwoInstances(t *testing.T) {
	// Each orchestrator owns its registry.
	cfg := testConfig("http://127.0.0.1:1/stats", "ffmpeg")
	_ = New(cfg, logging.Discard(), "a")
	_ = New(cfg, logging.Discard(), "b")
}

func TestOnFetch_Readiness(t *testing.T) {
	o := New(testConfig("http://127.0.0.1:1/stats", "ffmpeg"), logging.Discard(), "test")

	o.onFetch(time.Millisecond, ingest.ErrFetch)
	if o.fetched.Load() {
		t.Error("failed fetch should not mark ready")
	}
	o.onFetch(time.Millisecond, nil)
	if !o.fetched.Load() {
		t.Error("successful fetch should mark ready")
	}
}

// =============================================================================
// Tests: Run
// =============================================================================

func TestRun_ComposesAndStops(t *testing.T) {
	stats := &statsServer{}
	stats.set("cam3", "cam1")
	srv := httptest.NewServer(stats)
	defer srv.Close()

	cfg := testConfig(srv.URL, fakeFFmpeg(t))
	cfg.MetricsAddr = "127.0.0.1:0"
	o := New(cfg, logging.Discard(), "test")
	var out bytes.Buffer
	o.output = &out

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		st := o.supervisor.Status()
		return st.State == supervisor.StateRunning && st.Streams.Equal(ingest.ActiveSet{"cam3", "cam1"})
	}, "composition of cam3,cam1")

	// Status API through the server's handler.
	rec := httptest.NewRecorder()
	o.metricsServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var st StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(st.Reconciler.Cameras) != 2 || st.Reconciler.Cameras[1].Label != "Front door" {
		t.Errorf("cameras = %+v", st.Reconciler.Cameras)
	}

	rec = httptest.NewRecorder()
	o.metricsServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/ready = %d after a fetch, want 200", rec.Code)
	}

	// A set change replaces the composition.
	stats.set("cam2")
	waitFor(t, 5*time.Second, func() bool {
		st := o.supervisor.Status()
		return st.State == supervisor.StateRunning && st.Streams.Equal(ingest.ActiveSet{"cam2"})
	}, "composition of cam2")

	if n, err := testutil.GatherAndCount(o.Registry(), "grid_controller_camera_active"); err != nil || n != ingest.MaxCameras {
		t.Errorf("camera_active series = %d (err %v), want %d", n, err, ingest.MaxCameras)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if st := o.supervisor.Status(); st.State != supervisor.StateIdle {
		t.Errorf("state after Run = %v, want idle", st.State)
	}
	if st := o.supervisor.Status(); st.Launches < 2 {
		t.Errorf("launches = %d, want >= 2", st.Launches)
	}
	if !strings.Contains(out.String(), "Exit Summary") {
		t.Errorf("exit summary not printed:\n%s", out.String())
	}
}

func TestRun_EmptySetLaunchesNothing(t *testing.T) {
	stats := &statsServer{}
	srv := httptest.NewServer(stats)
	defer srv.Close()

	o := New(testConfig(srv.URL, fakeFFmpeg(t)), logging.Discard(), "test")
	o.output = &bytes.Buffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return o.loop.Snapshot().Ticks >= 3 }, "three ticks")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if st := o.supervisor.Status(); st.Launches != 0 {
		t.Errorf("launches = %d, want 0", st.Launches)
	}
}

func TestRun_FetchFailureKeepsIdle(t *testing.T) {
	stats := &statsServer{status: http.StatusBadGateway}
	srv := httptest.NewServer(stats)
	defer srv.Close()

	o := New(testConfig(srv.URL, fakeFFmpeg(t)), logging.Discard(), "test")
	o.output = &bytes.Buffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return o.loop.Snapshot().FetchFailures >= 2 }, "fetch failures")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if o.fetched.Load() {
		t.Error("controller should not be ready without a successful fetch")
	}
	if st := o.supervisor.Status(); st.Launches != 0 {
		t.Errorf("launches = %d, want 0", st.Launches)
	}
}

func TestRun_PreflightFailure(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/stats", filepath.Join(t.TempDir(), "no-such-ffmpeg"))
	cfg.SkipPreflight = false
	o := New(cfg, logging.Discard(), "test")
	var out bytes.Buffer
	o.output = &out

	err := o.Run(context.Background())
	if !errors.Is(err, ErrPreflight) {
		t.Fatalf("Run() error = %v, want ErrPreflight", err)
	}
	if !strings.Contains(out.String(), "Preflight checks:") {
		t.Error("preflight results not printed")
	}
}

func TestRun_MetricsBindError(t *testing.T) {
	ln := httptest.NewServer(http.NotFoundHandler())
	defer ln.Close()

	cfg := testConfig("http://127.0.0.1:1/stats", "ffmpeg")
	cfg.MetricsAddr = strings.TrimPrefix(ln.URL, "http://")
	o := New(cfg, logging.Discard(), "test")

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail when the metrics address is taken")
	}
}

// =============================================================================
// Tests: Exit summary
// =============================================================================

func TestPrintExitSummary(t *testing.T) {
	o := New(testConfig("http://127.0.0.1:1/stats", "ffmpeg"), logging.Discard(), "test")
	var out bytes.Buffer
	o.output = &out

	o.metrics.TickStarted()
	o.metrics.RecordFetch(20*time.Millisecond, nil)
	o.metrics.RecordApply(ingest.ActiveSet{"cam1", "cam2"})
	o.metrics.PipelineStarted()
	o.metrics.RecordExit(1, 3*time.Second, true)

	o.printExitSummary()

	for _, want := range []string{
		"Exit Summary",
		"Peak Cameras:           2",
		"Fetch Latency P50",
		"Crashes:              1",
		"(error)",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "Metrics endpoint") {
		t.Error("metrics endpoint line should be absent when the server is disabled")
	}
}

func TestExitCodeLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0, "(clean)"},
		{1, "(error)"},
		{137, "(SIGKILL)"},
		{143, "(SIGTERM)"},
		{255, "(ffmpeg exit)"},
		{42, ""},
	}
	for _, tt := range tests {
		if got := exitCodeLabel(tt.code); got != tt.want {
			t.Errorf("exitCodeLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	if got := formatDuration(3723 * time.Second); got != "01:02:03" {
		t.Errorf("formatDuration = %q, want 01:02:03", got)
	}
}
