package logging

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength truncates pathological stderr lines.
	MaxLineLength = 4096

	// MaxBufferedLines is how many recent lines are kept for the exit summary.
	MaxBufferedLines = 100
)

// StderrHandler logs the composition process's stderr and keeps the most
// recent lines so a crash can be explained after the fact.
//
// It satisfies parser.LineParser, so it can sit behind a lossy Pipeline.
type StderrHandler struct {
	pipelineID string
	logger     *slog.Logger
	verbose    bool

	mu    sync.Mutex
	ring  [MaxBufferedLines]string
	next  int
	count int
}

// NewStderrHandler creates a handler for one launched pipeline.
func NewStderrHandler(pipelineID string, logger *slog.Logger, verbose bool) *StderrHandler {
	if logger == nil {
		logger = Discard()
	}
	return &StderrHandler{
		pipelineID: pipelineID,
		logger:     logger,
		verbose:    verbose,
	}
}

// HandleReader consumes r line by line until EOF. A line too long to scan
// ends line handling; the rest of r is discarded so the writer never stalls.
func (h *StderrHandler) HandleReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, MaxLineLength), MaxLineLength*4)
	for scanner.Scan() {
		h.HandleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		h.HandleLine("stderr scan stopped: " + err.Error())
		_, _ = io.Copy(io.Discard, r)
	}
}

// ParseLine is HandleLine under the parser.LineParser name.
func (h *StderrHandler) ParseLine(line string) {
	h.HandleLine(line)
}

// HandleLine records and logs one line.
func (h *StderrHandler) HandleLine(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.ring[h.next] = line
	h.next = (h.next + 1) % MaxBufferedLines
	if h.count < MaxBufferedLines {
		h.count++
	}
	h.mu.Unlock()

	level := classifyLine(line)
	if level == slog.LevelDebug && !h.verbose {
		return
	}
	h.logger.Log(context.Background(), level, "ffmpeg_stderr",
		"pipeline_id", h.pipelineID,
		"line", line,
	)
}

// classifyLine maps an ffmpeg stderr line to a log level.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "[error]"),
		strings.Contains(lower, "[fatal]"),
		strings.Contains(lower, "conversion failed"),
		strings.Contains(lower, "error opening"),
		strings.Contains(lower, "no such filter"),
		strings.Contains(lower, "connection refused"):
		return slog.LevelError
	case strings.Contains(lower, "[warning]"),
		strings.Contains(lower, "error"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "past duration too large"):
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// RecentLines returns up to n of the newest lines, oldest first.
func (h *StderrHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > h.count {
		n = h.count
	}
	if n <= 0 {
		return nil
	}
	lines := make([]string, n)
	start := (h.next - n + MaxBufferedLines) % MaxBufferedLines
	for i := 0; i < n; i++ {
		lines[i] = h.ring[(start+i)%MaxBufferedLines]
	}
	return lines
}

// ErrorPatterns are the stderr fragments counted in the exit summary.
var ErrorPatterns = []string{
	"Connection refused",
	"Input/output error",
	"Server returned",
	"Broken pipe",
	"Error opening input",
	"Conversion failed",
	"No such filter",
	"timed out",
	"404",
}

// CountErrors counts ErrorPatterns across the buffered lines.
func (h *StderrHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)
	for i := 0; i < h.count; i++ {
		line := h.ring[i]
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}
	return counts
}
