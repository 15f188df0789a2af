// Package process builds the ffmpeg invocation for a grid composition.
package process

import (
	"os/exec"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/layout"
)

// CommandBuilder creates executable commands from argument lists.
// This interface allows the supervisor to stay unaware of ffmpeg specifics.
type CommandBuilder interface {
	// BuildCommand returns a ready-to-start command. It must not be started.
	BuildCommand(args []string) (*exec.Cmd, error)

	// Name returns a human-readable name for this process type.
	Name() string
}

// PipelineSpec is everything needed to launch one composition. It is
// derived from an active set and always rebuilt in full.
type PipelineSpec struct {
	Streams ingest.ActiveSet
	Plan    *layout.Plan
	Args    []string
}
