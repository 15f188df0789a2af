// Package tui provides a live terminal dashboard for the grid controller.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays:
//   - The grid as it is currently composed
//   - Reconciler activity (ticks, fetches, retries)
//   - Composition process state and encode progress
//   - CPU and memory of the process and, optionally, the ingest host
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/supervisor"
)

// Dashboard palette.
var (
	colorAccent = lipgloss.Color("#7C3AED")
	colorTitle  = lipgloss.Color("#06B6D4")
	colorLive   = lipgloss.Color("#10B981")
	colorWarn   = lipgloss.Color("#F59E0B")
	colorFail   = lipgloss.Color("#EF4444")
	colorIdle   = lipgloss.Color("#3B82F6")
	colorText   = lipgloss.Color("#E5E7EB")
	colorMuted  = lipgloss.Color("#9CA3AF")
	colorDim    = lipgloss.Color("#6B7280")
	colorFrame  = lipgloss.Color("#374151")
)

// bold is the style shared by status indicators and values.
func bold(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}

// tile draws one grid cell; the border color tells live cells from empty ones.
func tile(border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(border).
		Align(lipgloss.Center).
		Width(18)
}

var (
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
	dimStyle   = lipgloss.NewStyle().Foreground(colorDim)

	statusOK      = bold(colorLive)
	statusWarning = bold(colorWarn)
	statusError   = bold(colorFail)
	statusInfo    = bold(colorIdle)

	valueStyle     = bold(colorText)
	valueGoodStyle = bold(colorLive)
	valueBadStyle  = bold(colorFail)
	valueWarnStyle = bold(colorWarn)
	labelStyle     = lipgloss.NewStyle().Foreground(colorMuted).Width(20)

	tileStyle      = tile(colorLive)
	tileEmptyStyle = tile(colorFrame).Foreground(colorDim)

	tableRowEvenStyle = lipgloss.NewStyle().Foreground(colorText)
	tableRowOddStyle  = lipgloss.NewStyle().Foreground(colorMuted)

	progressBarStyle      = lipgloss.NewStyle().Foreground(colorAccent)
	progressBarEmptyStyle = lipgloss.NewStyle().Foreground(colorFrame)
	progressPercentStyle  = bold(colorText)
)

// Panels.
var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorFrame).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorAccent).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorTitle).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorFrame).
				MarginTop(1)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			MarginTop(1)
)

// =============================================================================
// Pipeline Status Indicator
// =============================================================================

// PipelineStatus summarizes the composition process for the header.
type PipelineStatus int

const (
	PipelineStatusIdle PipelineStatus = iota
	PipelineStatusRunning
	PipelineStatusDegraded
	PipelineStatusRetrying
)

// GetPipelineStatus derives the header status. retrying means the slot is
// idle because of a crash or failed launch and a relaunch is scheduled.
func GetPipelineStatus(state supervisor.State, degraded, retrying bool) PipelineStatus {
	switch {
	case state == supervisor.StateRunning && degraded:
		return PipelineStatusDegraded
	case state == supervisor.StateRunning:
		return PipelineStatusRunning
	case retrying:
		return PipelineStatusRetrying
	default:
		return PipelineStatusIdle
	}
}

// GetPipelineLabel returns a styled label for the status.
func GetPipelineLabel(status PipelineStatus) string {
	switch status {
	case PipelineStatusRunning:
		return statusOK.Render("● Running")
	case PipelineStatusDegraded:
		return statusWarning.Render("● Running (metrics degraded)")
	case PipelineStatusRetrying:
		return statusError.Render("● Retrying")
	default:
		return statusInfo.Render("○ Idle")
	}
}

// GetSpeedStyle returns a style based on encode speed.
func GetSpeedStyle(speed float64) lipgloss.Style {
	switch {
	case speed >= 1.0:
		return valueGoodStyle
	case speed >= 0.9:
		return valueWarnStyle
	default:
		return valueBadStyle
	}
}

// GetSpeedLabel returns a styled speed value.
func GetSpeedLabel(speed float64) string {
	style := GetSpeedStyle(speed)
	return style.Render(formatSpeedValue(speed))
}

func formatSpeedValue(speed float64) string {
	if speed == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.2fx", speed)
}

// GetCountStyle returns the bad style for non-zero failure counters.
func GetCountStyle(n int64) lipgloss.Style {
	if n > 0 {
		return valueBadStyle
	}
	return valueStyle
}

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// renderStyledKeyValue renders a label with a pre-styled value.
func renderStyledKeyValue(label string, styled string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		styled,
	)
}

// RenderProgressBar renders a progress bar.
func RenderProgressBar(progress float64, width int) string {
	if width < 10 {
		width = 10
	}

	filled := int(progress * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := progressBarStyle.Render(repeatChar('█', filled)) +
		progressBarEmptyStyle.Render(repeatChar('░', width-filled))

	percent := progressPercentStyle.Render(fmt.Sprintf(" %3.0f%%", progress*100))

	return bar + percent
}

func repeatChar(char rune, count int) string {
	if count <= 0 {
		return ""
	}
	return strings.Repeat(string(char), count)
}
