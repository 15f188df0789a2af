package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/metrics"
)

// gridColumns matches the composed mosaic's 3x2 layout.
const gridColumns = 3

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderGrid())

	if m.snap != nil {
		sections = append(sections, m.renderReconcilerStats())
		sections = append(sections, m.renderPipelineStats())

		if m.snap.Resources != nil || m.snap.IngestHost != nil {
			sections = append(sections, m.renderResources())
		}
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView shows the last stderr lines of the composition process.
func (m Model) renderDetailedView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderStderr())
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	state := PipelineStatusIdle
	if m.snap != nil {
		state = GetPipelineStatus(m.snap.Pipeline.State, m.snap.Pipeline.Degraded, m.Retrying())
	}

	header := fmt.Sprintf(
		" ffmpeg-grid-controller │ %s │ Cameras: %d/%d │ Elapsed: %s ",
		GetPipelineLabel(state),
		m.ActiveCameras(),
		m.maxCameras,
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Grid
// =============================================================================

// renderGrid draws the mosaic as it is composed: a single full-frame tile
// for one camera, otherwise the 3x2 grid filled row by row.
func (m Model) renderGrid() string {
	var lines []string
	lines = append(lines, sectionHeaderStyle.Render("Grid"))

	if m.snap == nil || len(m.snap.Reconciler.LastApplied) == 0 {
		lines = append(lines, dimStyle.Render("  no cameras composed"))
		lines = append(lines, RenderKeyValue("Occupancy", "")+RenderProgressBar(0, 30))
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
	}

	set := m.snap.Reconciler.LastApplied
	if len(set) == 1 {
		full := tileStyle.Width(gridColumns*18 + 4).Render(m.tileText(0))
		lines = append(lines, full)
	} else {
		cells := m.maxCameras
		if cells < len(set) {
			cells = len(set)
		}
		var row []string
		for i := 0; i < cells; i++ {
			if i < len(set) {
				row = append(row, tileStyle.Render(m.tileText(i)))
			} else {
				row = append(row, tileEmptyStyle.Render("empty"))
			}
			if len(row) == gridColumns || i == cells-1 {
				lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, row...))
				row = nil
			}
		}
	}

	lines = append(lines, RenderKeyValue("Occupancy", "")+RenderProgressBar(m.Occupancy(), 30))

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) tileText(i int) string {
	id := m.snap.Reconciler.LastApplied[i]
	label := m.resolve(id)
	if label == string(id) {
		return label
	}
	return label + "\n" + dimStyle.Render(string(id))
}

// =============================================================================
// Reconciler
// =============================================================================

func (m Model) renderReconcilerStats() string {
	r := m.snap.Reconciler
	now := time.Now()

	var lines []string
	lines = append(lines, sectionHeaderStyle.Render("Reconciler"))

	lines = append(lines, RenderKeyValue("Observed", r.LastObserved.String()))
	lines = append(lines, RenderKeyValue("Applied", r.LastApplied.String()))
	lines = append(lines, RenderKeyValue("Last fetch", formatAgo(r.LastFetchAt, now)))
	lines = append(lines, RenderKeyValue("Ticks",
		fmt.Sprintf("%s (%s skipped)", formatNumber(r.Ticks), formatNumber(r.TicksSkipped))))
	lines = append(lines, renderStyledKeyValue("Fetch failures",
		GetCountStyle(r.FetchFailures).Render(formatNumber(r.FetchFailures))))
	lines = append(lines, RenderKeyValue("Applies", formatNumber(r.Applies)))
	lines = append(lines, renderStyledKeyValue("Launch failures",
		GetCountStyle(r.LaunchFailures).Render(formatNumber(r.LaunchFailures))))

	if r.LastFetchError != "" {
		lines = append(lines, renderStyledKeyValue("Fetch error", valueBadStyle.Render(truncate(r.LastFetchError, m.width-26))))
	}
	if !r.RetryAfter.IsZero() {
		wait := r.RetryAfter.Sub(now)
		if wait < 0 {
			wait = 0
		}
		lines = append(lines, renderStyledKeyValue("Retry in", valueWarnStyle.Render(formatMs(wait))))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// =============================================================================
// Pipeline
// =============================================================================

func (m Model) renderPipelineStats() string {
	p := m.snap.Pipeline

	var left []string
	left = append(left, sectionHeaderStyle.Render("Pipeline"))
	left = append(left, RenderKeyValue("State", p.State.String()))
	if p.PID > 0 {
		left = append(left, RenderKeyValue("PID", fmt.Sprintf("%d", p.PID)))
		left = append(left, RenderKeyValue("Uptime", formatDuration(p.Uptime)))
	}
	left = append(left, RenderKeyValue("Launches", formatNumber(p.Launches)))
	left = append(left, renderStyledKeyValue("Crashes", GetCountStyle(p.Crashes).Render(formatNumber(p.Crashes))))
	if e := p.LastExit; e != nil {
		exit := fmt.Sprintf("code %d after %s", e.ExitCode, formatDuration(e.Uptime))
		left = append(left, RenderKeyValue("Last exit", exit))
	}

	var right []string
	right = append(right, sectionHeaderStyle.Render("Encode"))
	if u := p.Progress; u != nil {
		right = append(right, RenderKeyValue("FPS", fmt.Sprintf("%.1f", u.FPS)))
		right = append(right, renderStyledKeyValue("Speed", GetSpeedLabel(u.Speed)))
		right = append(right, RenderKeyValue("Frames", formatNumber(u.Frame)))
		right = append(right, renderStyledKeyValue("Dropped", GetCountStyle(u.DropFrames).Render(formatNumber(u.DropFrames))))
		right = append(right, RenderKeyValue("Duplicated", formatNumber(u.DupFrames)))
		right = append(right, RenderKeyValue("Bitrate", u.Bitrate))
		right = append(right, RenderKeyValue("Egress", formatBytes(u.TotalSize)))
	} else {
		right = append(right, dimStyle.Render("  no progress yet"))
	}
	if e := m.snap.Egress; e != nil && e.TotalBytes > 0 {
		rate := fmt.Sprintf("%s (60s %s)", formatBitsRate(e.Avg10s), formatBitsRate(e.Avg60s))
		right = append(right, RenderKeyValue("Egress rate", rate))
	}
	if p.Degraded {
		right = append(right, statusWarning.Render("  progress lines dropped"))
	}

	if m.width >= 100 {
		return boxStyle.Width(m.width - 2).Render(renderTwoColumns(left, right, m.width-2))
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, append(left, right...)...))
}

// =============================================================================
// Resources
// =============================================================================

func (m Model) renderResources() string {
	var left, right []string

	if r := m.snap.Resources; r != nil {
		left = append(left, sectionHeaderStyle.Render("ffmpeg process"))
		left = append(left, RenderKeyValue("CPU", formatPercent(r.CPUPercent)))
		left = append(left, RenderKeyValue("RSS", formatBytes(int64(r.RSSBytes))))
		left = append(left, RenderKeyValue("Threads", fmt.Sprintf("%d", r.Threads)))
	}

	if h := m.snap.IngestHost; h != nil {
		right = append(right, m.renderIngestHost(h)...)
	}

	if len(left) == 0 {
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, right...))
	}
	if len(right) == 0 {
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, left...))
	}
	return boxStyle.Width(m.width - 2).Render(renderTwoColumns(left, right, m.width-2))
}

func (m Model) renderIngestHost(h *metrics.IngestHostMetrics) []string {
	var lines []string
	lines = append(lines, sectionHeaderStyle.Render("Ingest host "+metrics.HostnameFromURL(m.statsURL)))

	if !h.Healthy {
		lines = append(lines, renderStyledKeyValue("Status", valueBadStyle.Render(truncate(h.Error, 40))))
		if h.LastUpdate.IsZero() {
			return lines
		}
	}

	lines = append(lines, RenderKeyValue("CPU", formatPercent(h.CPUPercent)))
	lines = append(lines, RenderKeyValue("Memory",
		fmt.Sprintf("%s / %s (%s)", formatBytes(h.MemUsed), formatBytes(h.MemTotal), formatPercent(h.MemPercent))))
	lines = append(lines, RenderKeyValue("Net in", formatBitsRate(h.NetInRate)))
	lines = append(lines, RenderKeyValue("Net out", formatBitsRate(h.NetOutRate)))
	if h.NetWindowSeconds > 0 {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("  %ds window: in p50 %s max %s",
			h.NetWindowSeconds, formatBitsRate(h.NetInP50), formatBitsRate(h.NetInMax))))
	}
	return lines
}

// =============================================================================
// Stderr
// =============================================================================

func (m Model) renderStderr() string {
	var lines []string
	lines = append(lines, sectionHeaderStyle.Render("ffmpeg stderr"))

	if m.snap == nil || len(m.snap.RecentStderr) == 0 {
		lines = append(lines, dimStyle.Render("  (empty)"))
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
	}

	// Fit the window: header, box borders and footer take about 8 rows.
	stderr := m.snap.RecentStderr
	if room := m.height - 8; room > 0 && len(stderr) > room {
		stderr = stderr[len(stderr)-room:]
	}
	for i, line := range stderr {
		style := tableRowEvenStyle
		if i%2 == 1 {
			style = tableRowOddStyle
		}
		lines = append(lines, style.Render(truncate(line, m.width-6)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle stderr",
		"r: refresh",
	}

	url := truncate(m.egressURL, m.width-60)
	if m.metricsAddr != "" {
		url += " │ metrics " + m.metricsAddr
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := dimStyle.Render("Egress: " + url)

	// Pad to fill width
	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// =============================================================================
// Helpers
// =============================================================================

// truncate shortens s to n runes with a "..." suffix. n <= 10 leaves s
// unchanged.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 10 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// renderTwoColumns renders two columns side by side.
func renderTwoColumns(left, right []string, totalWidth int) string {
	separatorWidth := 3 // " │ "
	padding := 2        // Box padding
	availableWidth := totalWidth - separatorWidth - padding*2

	leftWidth := availableWidth / 2
	if leftWidth < 20 {
		leftWidth = 20
	}

	leftContent := lipgloss.NewStyle().Width(leftWidth).Render(lipgloss.JoinVertical(lipgloss.Left, left...))
	rightContent := lipgloss.JoinVertical(lipgloss.Left, right...)

	separator := mutedStyle.Render(" │ ")
	return lipgloss.JoinHorizontal(lipgloss.Top, leftContent, separator, rightContent)
}
