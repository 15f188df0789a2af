package tui

import (
	"strings"
	"testing"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/supervisor"
)

// =============================================================================
// Tests: GetPipelineStatus
// =============================================================================

func TestGetPipelineStatus(t *testing.T) {
	tests := []struct {
		name     string
		state    supervisor.State
		degraded bool
		retrying bool
		want     PipelineStatus
	}{
		{"idle", supervisor.StateIdle, false, false, PipelineStatusIdle},
		{"running", supervisor.StateRunning, false, false, PipelineStatusRunning},
		{"running degraded", supervisor.StateRunning, true, false, PipelineStatusDegraded},
		{"idle retrying", supervisor.StateIdle, false, true, PipelineStatusRetrying},
		{"running ignores retry", supervisor.StateRunning, false, true, PipelineStatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetPipelineStatus(tt.state, tt.degraded, tt.retrying); got != tt.want {
				t.Errorf("GetPipelineStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Tests: GetPipelineLabel
// =============================================================================

func TestGetPipelineLabel(t *testing.T) {
	tests := []struct {
		status     PipelineStatus
		wantSubstr string
	}{
		{PipelineStatusIdle, "Idle"},
		{PipelineStatusRunning, "Running"},
		{PipelineStatusDegraded, "degraded"},
		{PipelineStatusRetrying, "Retrying"},
	}

	for _, tt := range tests {
		t.Run(tt.wantSubstr, func(t *testing.T) {
			got := GetPipelineLabel(tt.status)
			if !strings.Contains(got, tt.wantSubstr) {
				t.Errorf("GetPipelineLabel(%v) = %q, want to contain %q", tt.status, got, tt.wantSubstr)
			}
		})
	}
}

// =============================================================================
// Tests: Speed
// =============================================================================

func TestGetSpeedStyle_Boundaries(t *testing.T) {
	tests := []struct {
		speed float64
		want  string
	}{
		{1.5, "good"},
		{1.0, "good"},
		{0.95, "warn"},
		{0.9, "warn"},
		{0.89, "bad"},
		{0, "bad"},
	}

	styles := map[string]string{
		"good": valueGoodStyle.Render("x"),
		"warn": valueWarnStyle.Render("x"),
		"bad":  valueBadStyle.Render("x"),
	}

	for _, tt := range tests {
		got := GetSpeedStyle(tt.speed).Render("x")
		if got != styles[tt.want] {
			t.Errorf("GetSpeedStyle(%v) rendered %q, want %s style", tt.speed, got, tt.want)
		}
	}
}

func TestGetSpeedLabel(t *testing.T) {
	if got := GetSpeedLabel(1.02); !strings.Contains(got, "1.02x") {
		t.Errorf("GetSpeedLabel(1.02) = %q, want to contain 1.02x", got)
	}
	if got := GetSpeedLabel(0); !strings.Contains(got, "N/A") {
		t.Errorf("GetSpeedLabel(0) = %q, want to contain N/A", got)
	}
}

func TestGetCountStyle(t *testing.T) {
	if GetCountStyle(0).Render("x") != valueStyle.Render("x") {
		t.Error("zero count should use the plain value style")
	}
	if GetCountStyle(3).Render("x") != valueBadStyle.Render("x") {
		t.Error("non-zero count should use the bad style")
	}
}

// =============================================================================
// Tests: RenderKeyValue
// =============================================================================

func TestRenderKeyValue(t *testing.T) {
	got := RenderKeyValue("Applies", "12")
	if !strings.Contains(got, "Applies:") {
		t.Errorf("RenderKeyValue() = %q, want label", got)
	}
	if !strings.Contains(got, "12") {
		t.Errorf("RenderKeyValue() = %q, want value", got)
	}
}

// =============================================================================
// Tests: RenderProgressBar
// =============================================================================

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		name        string
		progress    float64
		width       int
		wantPercent string
	}{
		{"empty", 0, 20, "0%"},
		{"half", 0.5, 20, "50%"},
		{"full", 1.0, 20, "100%"},
		{"narrow width clamps", 0.5, 2, "50%"},
		{"over full", 1.5, 20, "150%"},
		{"negative", -0.5, 20, "%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderProgressBar(tt.progress, tt.width)
			if !strings.Contains(got, tt.wantPercent) {
				t.Errorf("RenderProgressBar(%v, %d) = %q, want to contain %q", tt.progress, tt.width, got, tt.wantPercent)
			}
		})
	}
}

func TestRenderProgressBar_Cells(t *testing.T) {
	got := RenderProgressBar(0.5, 20)
	if n := strings.Count(got, "█"); n != 10 {
		t.Errorf("filled cells = %d, want 10", n)
	}
	if n := strings.Count(got, "░"); n != 10 {
		t.Errorf("empty cells = %d, want 10", n)
	}

	got = RenderProgressBar(2, 10)
	if n := strings.Count(got, "█"); n != 10 {
		t.Errorf("over-full filled cells = %d, want 10", n)
	}
}

func TestRepeatChar(t *testing.T) {
	tests := []struct {
		char  rune
		count int
		want  string
	}{
		{'x', 0, ""},
		{'x', -1, ""},
		{'x', 3, "xxx"},
		{'█', 2, "██"},
	}
	for _, tt := range tests {
		if got := repeatChar(tt.char, tt.count); got != tt.want {
			t.Errorf("repeatChar(%q, %d) = %q, want %q", tt.char, tt.count, got, tt.want)
		}
	}
}
