package orchestrator

import (
	"time"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/reconciler"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/supervisor"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	StatsURL   string            `json:"stats_url"`
	EgressURL  string            `json:"egress_url"`
	MaxCameras int               `json:"max_cameras"`
	Reconciler ReconcilerStatus  `json:"reconciler"`
	Pipeline   PipelineStatus    `json:"pipeline"`
	Egress     EgressStatus      `json:"egress"`
	Resources  *ResourceStatus   `json:"resources,omitempty"`
	IngestHost *IngestHostStatus `json:"ingest_host,omitempty"`
}

// EgressStatus is the composed stream's output throughput.
type EgressStatus struct {
	TotalBytes int64   `json:"total_bytes"`
	Avg10s     float64 `json:"avg_10s_bytes_per_second"`
	Avg60s     float64 `json:"avg_60s_bytes_per_second"`
	Avg300s    float64 `json:"avg_300s_bytes_per_second"`
}

// CameraStatus is one composed camera.
type CameraStatus struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Slot  int    `json:"slot"`
}

// ReconcilerStatus mirrors reconciler.Status.
type ReconcilerStatus struct {
	Cameras        []CameraStatus `json:"cameras"`
	Observed       []string       `json:"observed"`
	LastFetchAt    *time.Time     `json:"last_fetch_at,omitempty"`
	LastFetchError string         `json:"last_fetch_error,omitempty"`
	Ticks          int64          `json:"ticks"`
	TicksSkipped   int64          `json:"ticks_skipped"`
	FetchFailures  int64          `json:"fetch_failures"`
	Applies        int64          `json:"applies"`
	LaunchFailures int64          `json:"launch_failures"`
	Crashes        int64          `json:"crashes"`
	RetryAfter     *time.Time     `json:"retry_after,omitempty"`
}

// PipelineStatus mirrors supervisor.Status.
type PipelineStatus struct {
	State      string      `json:"state"`
	ID         string      `json:"id,omitempty"`
	PID        int         `json:"pid,omitempty"`
	Generation uint64      `json:"generation"`
	Streams    []string    `json:"streams"`
	Uptime     string      `json:"uptime,omitempty"`
	Launches   int64       `json:"launches"`
	Crashes    int64       `json:"crashes"`
	Degraded   bool        `json:"degraded"`
	LastExit   *ExitStatus `json:"last_exit,omitempty"`
	FPS        float64     `json:"fps,omitempty"`
	Speed      float64     `json:"speed,omitempty"`
	Frames     int64       `json:"frames,omitempty"`
}

// ExitStatus describes the last child exit.
type ExitStatus struct {
	ID       string   `json:"id"`
	PID      int      `json:"pid"`
	Streams  []string `json:"streams"`
	ExitCode int      `json:"exit_code"`
	Uptime   string   `json:"uptime"`
	Error    string   `json:"error,omitempty"`
}

// ResourceStatus is the last CPU/memory sample of the child.
type ResourceStatus struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
}

// IngestHostStatus is the ingest host's load.
type IngestHostStatus struct {
	Healthy    bool    `json:"healthy"`
	Error      string  `json:"error,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	NetInBps   float64 `json:"net_in_bytes_per_second"`
	NetOutBps  float64 `json:"net_out_bytes_per_second"`
}

// Status builds the status API response.
func (o *Orchestrator) Status() StatusResponse {
	resp := StatusResponse{
		Version:    o.version,
		StatsURL:   o.config.StatsURL,
		EgressURL:  o.config.EgressURL,
		MaxCameras: o.config.MaxCameras,
		Reconciler: o.reconcilerStatus(o.loop.Snapshot()),
		Pipeline:   pipelineStatus(o.supervisor.Status()),
	}
	e := o.egress.GetStats()
	resp.Egress = EgressStatus{
		TotalBytes: e.TotalBytes,
		Avg10s:     e.Avg10s,
		Avg60s:     e.Avg60s,
		Avg300s:    e.Avg300s,
	}
	if !o.startTime.IsZero() {
		resp.Uptime = time.Since(o.startTime).Truncate(time.Second).String()
	}
	if s := o.sampler.Last(); s != nil {
		resp.Resources = &ResourceStatus{
			PID:        s.PID,
			CPUPercent: s.CPUPercent,
			RSSBytes:   s.RSSBytes,
			Threads:    s.Threads,
		}
	}
	if h := o.ingestHost.GetMetrics(); h != nil {
		resp.IngestHost = ingestHostStatus(h)
	}
	return resp
}

func (o *Orchestrator) reconcilerStatus(st reconciler.Status) ReconcilerStatus {
	rs := ReconcilerStatus{
		Cameras:        make([]CameraStatus, 0, len(st.LastApplied)),
		Observed:       nonNil(st.LastObserved),
		LastFetchError: st.LastFetchError,
		Ticks:          st.Ticks,
		TicksSkipped:   st.TicksSkipped,
		FetchFailures:  st.FetchFailures,
		Applies:        st.Applies,
		LaunchFailures: st.LaunchFailures,
		Crashes:        st.Crashes,
	}
	for i, id := range st.LastApplied {
		rs.Cameras = append(rs.Cameras, CameraStatus{
			ID:    id.String(),
			Label: o.resolver.Resolve(id),
			Slot:  i,
		})
	}
	if !st.LastFetchAt.IsZero() {
		t := st.LastFetchAt
		rs.LastFetchAt = &t
	}
	if !st.RetryAfter.IsZero() {
		t := st.RetryAfter
		rs.RetryAfter = &t
	}
	return rs
}

func pipelineStatus(st supervisor.Status) PipelineStatus {
	ps := PipelineStatus{
		State:      st.State.String(),
		ID:         st.ID,
		PID:        st.PID,
		Generation: st.Generation,
		Streams:    nonNil(st.Streams),
		Launches:   st.Launches,
		Crashes:    st.Crashes,
		Degraded:   st.Degraded,
	}
	if st.State == supervisor.StateRunning {
		ps.Uptime = st.Uptime.Truncate(time.Second).String()
	}
	if u := st.Progress; u != nil {
		ps.FPS = u.FPS
		ps.Speed = u.Speed
		ps.Frames = u.Frame
	}
	if e := st.LastExit; e != nil {
		ps.LastExit = &ExitStatus{
			ID:       e.ID,
			PID:      e.PID,
			Streams:  nonNil(e.Streams),
			ExitCode: e.ExitCode,
			Uptime:   e.Uptime.Truncate(time.Millisecond).String(),
		}
		if e.Err != nil {
			ps.LastExit.Error = e.Err.Error()
		}
	}
	return ps
}

func ingestHostStatus(h *metrics.IngestHostMetrics) *IngestHostStatus {
	return &IngestHostStatus{
		Healthy:    h.Healthy,
		Error:      h.Error,
		CPUPercent: h.CPUPercent,
		MemPercent: h.MemPercent,
		NetInBps:   h.NetInRate,
		NetOutBps:  h.NetOutRate,
	}
}

// nonNil renders an empty set as [] rather than null.
func nonNil(set ingest.ActiveSet) []string {
	if len(set) == 0 {
		return []string{}
	}
	return set.Strings()
}
