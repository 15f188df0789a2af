// Package config provides configuration management for the grid controller.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
)

// Config holds all configuration options for the controller.
//
// Field tags serve both the YAML config file and the JSON status endpoint.
type Config struct {
	// Ingest server
	StatsURL     string            `json:"stats_url" yaml:"stats_url"`
	IngestURL    string            `json:"ingest_url" yaml:"ingest_url"`
	EgressURL    string            `json:"egress_url" yaml:"egress_url"`
	Interval     time.Duration     `json:"interval" yaml:"interval"`
	FetchTimeout time.Duration     `json:"fetch_timeout" yaml:"fetch_timeout"`
	MaxCameras   int               `json:"max_cameras" yaml:"max_cameras"`
	Labels       map[string]string `json:"labels" yaml:"labels"`

	// FFmpeg
	FFmpegPath     string `json:"ffmpeg_path" yaml:"ffmpeg"`
	FFmpegLogLevel string `json:"ffmpeg_log_level" yaml:"ffmpeg_loglevel"`
	VideoCodec     string `json:"video_codec" yaml:"vcodec"`
	Preset         string `json:"preset" yaml:"preset"`
	FontFile       string `json:"font_file" yaml:"font_file"`
	FontSize       int    `json:"font_size" yaml:"font_size"`

	// Process lifecycle
	StopTimeout  time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
	RetryInitial time.Duration `json:"retry_initial" yaml:"retry_initial"`
	RetryMax     time.Duration `json:"retry_max" yaml:"retry_max"`

	// Observability
	Progress             bool   `json:"progress" yaml:"progress"`
	MetricsAddr          string `json:"metrics_addr" yaml:"metrics"`
	IngestHostMetricsURL string `json:"ingest_host_metrics_url" yaml:"ingest_host_metrics"`
	Verbose              bool   `json:"verbose" yaml:"verbose"`
	LogFormat            string `json:"log_format" yaml:"log_format"`
	TUIEnabled           bool   `json:"tui" yaml:"tui"`

	// Diagnostic modes (flags only)
	PrintCmd      string `json:"-" yaml:"-"`
	SkipPreflight bool   `json:"skip_preflight" yaml:"skip_preflight"`
	ShowVersion   bool   `json:"-" yaml:"-"`
	ConfigFile    string `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with the defaults of a single-host setup:
// nginx-rtmp on 1936 with its stat page on 8081.
func DefaultConfig() *Config {
	return &Config{
		StatsURL:     "http://localhost:8081/stats",
		IngestURL:    "rtmp://localhost:1936/live",
		EgressURL:    "rtmp://localhost:1936/final/257148",
		Interval:     5 * time.Second,
		FetchTimeout: 3 * time.Second,
		MaxCameras:   ingest.MaxCameras,
		Labels:       map[string]string{},

		FFmpegPath:     "ffmpeg",
		FFmpegLogLevel: "warning",
		VideoCodec:     "libx264",
		Preset:         "veryfast",
		FontSize:       24,

		StopTimeout:  5 * time.Second,
		RetryInitial: time.Second,
		RetryMax:     0,

		MetricsAddr: "0.0.0.0:17092",
		LogFormat:   "json",
	}
}

// RetryCap returns the maximum relaunch delay. Zero RetryMax follows the
// poll interval, so a failing set is retried on every tick.
func (c *Config) RetryCap() time.Duration {
	if c.RetryMax > 0 {
		return c.RetryMax
	}
	return c.Interval
}

// PrintCmdSet parses -print-cmd ("cam1,cam3") into an active set. Order is
// kept as given, duplicates are dropped.
func (c *Config) PrintCmdSet() (ingest.ActiveSet, error) {
	var set ingest.ActiveSet
	seen := make(map[ingest.StreamID]bool)
	for _, part := range strings.Split(c.PrintCmd, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		id, ok := ingest.ParseStreamID(part)
		if !ok {
			return nil, fmt.Errorf("invalid stream id %q", strings.TrimSpace(part))
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		set = append(set, id)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no stream ids in %q", c.PrintCmd)
	}
	if len(set) > c.MaxCameras {
		return nil, fmt.Errorf("%d streams exceed max cameras %d", len(set), c.MaxCameras)
	}
	return set, nil
}
