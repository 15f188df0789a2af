package process

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/layout"
)

// FFmpegConfig holds configuration for the composition process.
type FFmpegConfig struct {
	// BinaryPath is the path to the FFmpeg binary.
	BinaryPath string

	// IngestURL is the base of every input, e.g. rtmp://localhost:1936/live.
	// The stream identifier is appended as the last path element.
	IngestURL string

	// EgressURL is the single output destination.
	EgressURL string

	// LogLevel is the FFmpeg log level (error, warning, info, ...).
	LogLevel string

	// Encode parameters
	VideoCodec  string
	Preset      string
	PixelFormat string
	AudioCodec  string
	SampleRate  int
	Channels    int
	Format      string

	// ProgressEnabled adds -progress pipe:1 so stdout carries key=value
	// progress blocks.
	ProgressEnabled bool
}

// DefaultFFmpegConfig returns an FFmpegConfig with the stock ingest layout.
func DefaultFFmpegConfig() *FFmpegConfig {
	return &FFmpegConfig{
		BinaryPath:  "ffmpeg",
		IngestURL:   "rtmp://localhost:1936/live",
		EgressURL:   "rtmp://localhost:1936/final/257148",
		LogLevel:    "warning",
		VideoCodec:  "libx264",
		Preset:      "veryfast",
		PixelFormat: "yuv420p",
		AudioCodec:  "aac",
		SampleRate:  48000,
		Channels:    2,
		Format:      "flv",
	}
}

// Planner produces layouts for active sets.
type Planner interface {
	Plan(set ingest.ActiveSet) (*layout.Plan, error)
}

// GridRunner turns active sets into ffmpeg invocations.
type GridRunner struct {
	config  *FFmpegConfig
	planner Planner
}

// NewGridRunner creates a runner using planner for layouts.
func NewGridRunner(cfg *FFmpegConfig, planner Planner) *GridRunner {
	return &GridRunner{
		config:  cfg,
		planner: planner,
	}
}

// Name returns "ffmpeg".
func (r *GridRunner) Name() string {
	return "ffmpeg"
}

// Config returns the FFmpeg configuration.
func (r *GridRunner) Config() *FFmpegConfig {
	return r.config
}

// Build plans set and assembles the complete argument list.
func (r *GridRunner) Build(set ingest.ActiveSet) (*PipelineSpec, error) {
	plan, err := r.planner.Plan(set)
	if err != nil {
		return nil, fmt.Errorf("plan layout: %w", err)
	}
	return &PipelineSpec{
		Streams: plan.Streams,
		Plan:    plan,
		Args:    r.BuildArgs(plan),
	}, nil
}

// BuildCommand creates an exec.Cmd for FFmpeg with the given arguments.
func (r *GridRunner) BuildCommand(args []string) (*exec.Cmd, error) {
	if r.config.BinaryPath == "" {
		return nil, fmt.Errorf("ffmpeg binary path is empty")
	}
	return exec.Command(r.config.BinaryPath, args...), nil
}

// BuildArgs constructs the FFmpeg command-line arguments for plan.
//
// Order: preamble, one input per stream, the filter graph, output maps,
// encode parameters, egress.
func (r *GridRunner) BuildArgs(plan *layout.Plan) []string {
	args := make([]string, 0, 32+2*len(plan.Streams))

	args = append(args,
		"-hide_banner",
		"-nostdin",
		"-loglevel", r.config.LogLevel,
	)

	if r.config.ProgressEnabled {
		args = append(args, "-progress", "pipe:1", "-stats_period", "1")
	}

	for _, id := range plan.Streams {
		args = append(args, "-i", r.IngestURL(id))
	}

	args = append(args, "-filter_complex", plan.FilterGraph())

	args = append(args,
		"-map", "["+layout.VideoOutPad+"]",
		"-map", plan.AudioMap,
	)

	args = append(args, r.encodeArgs()...)

	args = append(args, r.config.EgressURL)
	return args
}

// encodeArgs returns the fixed codec and container parameters.
func (r *GridRunner) encodeArgs() []string {
	return []string{
		"-c:v", r.config.VideoCodec,
		"-preset", r.config.Preset,
		"-pix_fmt", r.config.PixelFormat,
		"-c:a", r.config.AudioCodec,
		"-ar", strconv.Itoa(r.config.SampleRate),
		"-ac", strconv.Itoa(r.config.Channels),
		"-f", r.config.Format,
	}
}

// IngestURL returns the input reference for one stream.
func (r *GridRunner) IngestURL(id ingest.StreamID) string {
	return strings.TrimRight(r.config.IngestURL, "/") + "/" + string(id)
}

// CommandString returns the command that would be executed for set
// (for debugging and -print-cmd). Arguments containing spaces or shell
// metacharacters are single-quoted.
func (r *GridRunner) CommandString(set ingest.ActiveSet) (string, error) {
	spec, err := r.Build(set)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(spec.Args)+1)
	parts = append(parts, r.config.BinaryPath)
	for _, a := range spec.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " "), nil
}

// shellQuote quotes s for a POSIX shell when needed.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()[]*?!{}#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
