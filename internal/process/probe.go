package process

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// RequiredFilters are the libavfilter filters a grid composition uses.
// drawtext in particular is missing from builds without libfreetype.
var RequiredFilters = []string{"scale", "pad", "drawtext", "xstack", "amix"}

// ProbeFilters runs "ffmpeg -filters" and returns an error naming any
// required filter the binary lacks.
func (r *GridRunner) ProbeFilters(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.config.BinaryPath, "-hide_banner", "-filters")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg -filters failed: %w", err)
	}

	missing := MissingFilters(ParseFilterList(stdout.String()), RequiredFilters)
	if len(missing) > 0 {
		return fmt.Errorf("ffmpeg lacks required filters: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ParseFilterList extracts filter names from "ffmpeg -filters" output.
//
// Data lines look like:
//
//	 ... xstack            N->V       Stack video inputs into custom layout.
//	 T.C drawtext          V->V       Draw text on top of video frames using libfreetype library.
//
// The first field is a flags column, the second the filter name and the
// third the input->output type. Legend lines have no "->" column.
func ParseFilterList(output string) map[string]bool {
	filters := make(map[string]bool)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || !strings.Contains(fields[2], "->") {
			continue
		}
		filters[fields[1]] = true
	}
	return filters
}

// MissingFilters returns the entries of required not present in available,
// sorted.
func MissingFilters(available map[string]bool, required []string) []string {
	var missing []string
	for _, name := range required {
		if !available[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
