// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// Options configures RunAll.
type Options struct {
	FFmpegPath string
	FontFile   string // optional; checked only when set
	StatsURL   string // optional; unreachable is a warning
	MaxCameras int

	// ProbeFilters reports missing libavfilter filters. Optional.
	ProbeFilters func(ctx context.Context) error

	// StatsTimeout bounds the stats URL request (default: 2s).
	StatsTimeout time.Duration
}

// RunAll executes all preflight checks. Missing ffmpeg, missing filters
// and an unreadable font fail the result; the rest only warn.
func RunAll(ctx context.Context, opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	ffmpeg := checkFFmpeg(opts.FFmpegPath)
	add(ffmpeg)

	if ffmpeg.Passed && opts.ProbeFilters != nil {
		add(checkFilters(ctx, opts.ProbeFilters))
	}

	if opts.FontFile != "" {
		add(checkFontFile(opts.FontFile))
	}

	add(checkFileDescriptors(opts.MaxCameras))

	if opts.StatsURL != "" {
		add(checkStatsURL(ctx, opts.StatsURL, opts.StatsTimeout))
	}

	return result
}

// checkFFmpeg verifies FFmpeg is available and working.
func checkFFmpeg(path string) Check {
	cmd := exec.Command(path, "-version")
	output, err := cmd.Output()

	if err != nil {
		return Check{
			Name:    "ffmpeg",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	return Check{
		Name:    "ffmpeg",
		Passed:  true,
		Message: fmt.Sprintf("found at %s (version %s)", path, parseVersion(string(output))),
	}
}

// parseVersion extracts the version from "ffmpeg version 6.1 Copyright ...".
func parseVersion(output string) string {
	first, _, _ := strings.Cut(output, "\n")
	parts := strings.Fields(first)
	if len(parts) >= 3 && parts[1] == "version" {
		return parts[2]
	}
	return "unknown"
}

// checkFilters runs the filter probe.
func checkFilters(ctx context.Context, probe func(context.Context) error) Check {
	if err := probe(ctx); err != nil {
		return Check{
			Name:    "ffmpeg_filters",
			Passed:  false,
			Message: err.Error(),
		}
	}
	return Check{
		Name:    "ffmpeg_filters",
		Passed:  true,
		Message: "scale, pad, drawtext, xstack, amix available",
	}
}

// checkFontFile verifies the label font is a readable regular file.
func checkFontFile(path string) Check {
	info, err := os.Stat(path)
	if err != nil {
		return Check{
			Name:    "font_file",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", path, err),
		}
	}
	if !info.Mode().IsRegular() {
		return Check{
			Name:    "font_file",
			Passed:  false,
			Message: fmt.Sprintf("%s is not a regular file", path),
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return Check{
			Name:    "font_file",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", path, err),
		}
	}
	f.Close()
	return Check{
		Name:    "font_file",
		Passed:  true,
		Message: path,
	}
}

// checkFileDescriptors warns when the fd limit is tight. One composition
// holds an RTMP socket per camera plus the egress, pipes and libav
// internals; the controller adds the metrics server and its own sockets.
func checkFileDescriptors(cameras int) Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	required := requiredFDs(cameras)
	actual := int(limit.Cur)
	if limit.Cur > uint64(1<<31-1) {
		actual = 1<<31 - 1
	}

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   true,
		Warning:  actual < required,
		Message:  fmt.Sprintf("ulimit -n %d (recommend %d for %d cameras)", actual, required, cameras),
	}
}

func requiredFDs(cameras int) int {
	if cameras < 1 {
		cameras = 1
	}
	return cameras*16 + 64
}

// checkStatsURL warns when the statistics endpoint does not answer 200.
// The controller still starts: the ingest server may come up later.
func checkStatsURL(ctx context.Context, url string, timeout time.Duration) Check {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	warn := func(format string, args ...any) Check {
		return Check{
			Name:    "stats_url",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf(format, args...),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return warn("%s: %v", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return warn("%s unreachable: %v", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return warn("%s returned HTTP %d", url, resp.StatusCode)
	}
	return Check{
		Name:    "stats_url",
		Passed:  true,
		Message: fmt.Sprintf("%s reachable", url),
	}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed || check.Warning {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 4096 (or edit /etc/security/limits.conf)"
	case "ffmpeg":
		return "install ffmpeg (apt install ffmpeg / brew install ffmpeg) or pass -ffmpeg"
	case "ffmpeg_filters":
		return "use an ffmpeg build with libfreetype (drawtext) and libavfilter"
	case "font_file":
		return "pass an existing .ttf to -font-file or omit it to use fontconfig"
	case "stats_url":
		return "check -stats-url and that the ingest server's stat page is enabled"
	default:
		return "see documentation"
	}
}
