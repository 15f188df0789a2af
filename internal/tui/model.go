package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/reconciler"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/supervisor"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries an updated snapshot.
type SnapshotMsg struct {
	Snapshot *Snapshot
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// Snapshot is everything the dashboard renders, collected in one call.
type Snapshot struct {
	Reconciler reconciler.Status
	Pipeline   supervisor.Status

	// Optional sections; nil hides them.
	Resources  *metrics.ProcessSample
	IngestHost *metrics.IngestHostMetrics
	Egress     *timeseries.EgressStats

	RecentStderr []string
}

// SnapshotSource provides dashboard snapshots.
type SnapshotSource interface {
	Snapshot() *Snapshot
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	maxCameras  int
	statsURL    string
	egressURL   string
	metricsAddr string
	resolve     func(ingest.StreamID) string

	// Current state
	snap         *Snapshot
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	source SnapshotSource

	// Quit flag
	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	MaxCameras  int
	StatsURL    string
	EgressURL   string
	MetricsAddr string
	Source      SnapshotSource

	// Resolve returns the display label of a camera. Defaults to the ID.
	Resolve func(ingest.StreamID) string
}

// New creates a new TUI model.
func New(cfg Config) Model {
	resolve := cfg.Resolve
	if resolve == nil {
		resolve = func(id ingest.StreamID) string { return string(id) }
	}
	maxCameras := cfg.MaxCameras
	if maxCameras <= 0 {
		maxCameras = ingest.MaxCameras
	}
	return Model{
		maxCameras:  maxCameras,
		statsURL:    cfg.StatsURL,
		egressURL:   cfg.EgressURL,
		metricsAddr: cfg.MetricsAddr,
		resolve:     resolve,
		source:      cfg.Source,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// tea.WithAltScreen() is passed when creating the program.
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			// Force refresh
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.source != nil {
			m.snap = m.source.Snapshot()
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case SnapshotMsg:
		m.snap = msg.Snapshot
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the controller started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// ActiveCameras returns the number of cameras in the running composition.
func (m Model) ActiveCameras() int {
	if m.snap == nil {
		return 0
	}
	return len(m.snap.Reconciler.LastApplied)
}

// MaxCameras returns the grid capacity.
func (m Model) MaxCameras() int {
	return m.maxCameras
}

// Occupancy returns the share of grid cells in use (0.0 to 1.0).
func (m Model) Occupancy() float64 {
	if m.maxCameras == 0 {
		return 0
	}
	return float64(m.ActiveCameras()) / float64(m.maxCameras)
}

// Retrying reports whether a relaunch of the same set is pending.
func (m Model) Retrying() bool {
	if m.snap == nil {
		return false
	}
	return !m.snap.Reconciler.RetryAfter.IsZero() &&
		m.snap.Pipeline.State != supervisor.StateRunning
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendSnapshot sends a snapshot to the TUI.
func SendSnapshot(p *tea.Program, snap *Snapshot) {
	if p != nil {
		p.Send(SnapshotMsg{Snapshot: snap})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatBytes formats bytes with KB/MB/GB suffixes.
func formatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// formatBitsRate formats a bytes/sec rate as bits/sec.
func formatBitsRate(bytesPerSec float64) string {
	bits := bytesPerSec * 8
	switch {
	case bits >= 1_000_000_000:
		return fmt.Sprintf("%.2f Gbps", bits/1_000_000_000)
	case bits >= 1_000_000:
		return fmt.Sprintf("%.1f Mbps", bits/1_000_000)
	case bits >= 1_000:
		return fmt.Sprintf("%.1f Kbps", bits/1_000)
	default:
		return fmt.Sprintf("%.0f bps", bits)
	}
}

// formatMs formats a duration as milliseconds.
func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// formatPercent formats a 0-100 percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value)
}

// formatAgo formats the time since t, or "never".
func formatAgo(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < time.Second {
		return "just now"
	}
	return d.Truncate(time.Second).String() + " ago"
}
