// Package layout plans the grid mosaic for a set of active cameras.
//
// A Plan is a pure function of the active set, the label table and the
// fixed geometry: the same input always yields the same filter chains.
// The reconciler relies on this, since comparing active sets is then
// enough to decide whether the running composition is stale.
//
// Geometry:
//
//	1 camera:   one 640x360 tile upscaled to 1280x720, audio passed through
//	2-6 cameras: 640x360 tiles on a 3x2 grid, 1920x720 canvas, audio mixed
//
//	+--------+--------+--------+
//	|  0,0   | 640,0  | 1280,0 |
//	+--------+--------+--------+
//	| 0,360  |640,360 |1280,360|
//	+--------+--------+--------+
package layout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
)

// Filter graph pad names shared with the argument builder.
const (
	VideoOutPad = "vgrid"
	AudioOutPad = "aout"
)

var (
	// ErrEmptySet is returned when planning with no cameras.
	ErrEmptySet = errors.New("no active streams to lay out")

	// ErrTooManyStreams is returned when the set exceeds the grid capacity.
	ErrTooManyStreams = errors.New("more active streams than grid cells")
)

// Geometry holds the fixed dimensions of the mosaic.
type Geometry struct {
	TileWidth   int
	TileHeight  int
	Columns     int
	Rows        int
	FullWidth   int // single-camera output
	FullHeight  int
	CanvasColor string
}

// DefaultGeometry returns the 640x360 tile, 3x2 grid layout.
func DefaultGeometry() Geometry {
	return Geometry{
		TileWidth:   640,
		TileHeight:  360,
		Columns:     3,
		Rows:        2,
		FullWidth:   1280,
		FullHeight:  720,
		CanvasColor: "black",
	}
}

// CanvasWidth is the width of the multi-camera canvas.
func (g Geometry) CanvasWidth() int { return g.TileWidth * g.Columns }

// CanvasHeight is the height of the multi-camera canvas.
func (g Geometry) CanvasHeight() int { return g.TileHeight * g.Rows }

// Capacity is the number of grid cells.
func (g Geometry) Capacity() int { return g.Columns * g.Rows }

// Overlay configures the per-tile label.
type Overlay struct {
	FontFile  string // empty uses ffmpeg's fontconfig default
	FontSize  int
	FontColor string
	BoxColor  string
	X         string
	Y         string
}

// DefaultOverlay returns a bottom-left white label on a translucent box.
func DefaultOverlay() Overlay {
	return Overlay{
		FontSize:  24,
		FontColor: "white",
		BoxColor:  "0x00000099",
		X:         "10",
		Y:         "h-30",
	}
}

// Tile is one camera's cell in the composed frame.
type Tile struct {
	Index  int
	Stream ingest.StreamID
	Label  string
	Column int
	Row    int
	X      int
	Y      int
}

// Plan is the complete video/audio layout for one active set.
type Plan struct {
	Streams ingest.ActiveSet
	Tiles   []Tile
	Width   int
	Height  int

	// TileChains holds one "[i:v]...[vi]" chain per input.
	TileChains []string

	// Assembly turns the tile outputs into [vgrid].
	Assembly string

	// AudioMix is the amix directive, empty when audio passes through.
	AudioMix string

	// AudioMap is the -map target for audio: "0:a" or "[aout]".
	AudioMap string
}

// Mixed reports whether audio from several inputs is mixed.
func (p *Plan) Mixed() bool {
	return p.AudioMix != ""
}

// Directives returns the filter chains in graph order.
func (p *Plan) Directives() []string {
	out := make([]string, 0, len(p.TileChains)+2)
	out = append(out, p.TileChains...)
	out = append(out, p.Assembly)
	if p.AudioMix != "" {
		out = append(out, p.AudioMix)
	}
	return out
}

// FilterGraph joins all directives into one filter_complex expression.
func (p *Plan) FilterGraph() string {
	return strings.Join(p.Directives(), ";")
}

// Planner computes Plans from active sets.
type Planner struct {
	geometry Geometry
	overlay  Overlay
	resolver *Resolver
}

// NewPlanner creates a Planner. A nil resolver labels tiles by identifier.
func NewPlanner(geometry Geometry, overlay Overlay, resolver *Resolver) *Planner {
	return &Planner{
		geometry: geometry,
		overlay:  overlay,
		resolver: resolver,
	}
}

// Geometry returns the planner's geometry.
func (p *Planner) Geometry() Geometry {
	return p.geometry
}

// Plan lays out set. The set must be non-empty and fit the grid.
func (p *Planner) Plan(set ingest.ActiveSet) (*Plan, error) {
	n := len(set)
	if n == 0 {
		return nil, ErrEmptySet
	}
	if n > p.geometry.Capacity() {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyStreams, n, p.geometry.Capacity())
	}

	g := p.geometry
	plan := &Plan{
		Streams:    set.Clone(),
		Tiles:      make([]Tile, n),
		TileChains: make([]string, n),
	}

	for i, id := range set {
		col := i % g.Columns
		row := i / g.Columns
		tile := Tile{
			Index:  i,
			Stream: id,
			Label:  p.resolver.Resolve(id),
			Column: col,
			Row:    row,
			X:      col * g.TileWidth,
			Y:      row * g.TileHeight,
		}
		plan.Tiles[i] = tile
		plan.TileChains[i] = p.tileChain(tile)
	}

	if n == 1 {
		plan.Width, plan.Height = g.FullWidth, g.FullHeight
		plan.Assembly = fmt.Sprintf("[v0]scale=%d:%d[%s]", g.FullWidth, g.FullHeight, VideoOutPad)
		plan.AudioMap = "0:a"
		return plan, nil
	}

	plan.Width, plan.Height = g.CanvasWidth(), g.CanvasHeight()
	plan.Assembly = p.assembly(plan.Tiles)
	plan.AudioMix = audioMix(n)
	plan.AudioMap = "[" + AudioOutPad + "]"
	return plan, nil
}

// tileChain scales and letterboxes one input into a tile and draws its label.
func (p *Planner) tileChain(t Tile) string {
	g := p.geometry
	return fmt.Sprintf("[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,"+
		"pad=%d:%d:(ow-iw)/2:(oh-ih)/2,%s[v%d]",
		t.Index, g.TileWidth, g.TileHeight,
		g.TileWidth, g.TileHeight,
		p.drawtext(t.Label),
		t.Index,
	)
}

// drawtext renders the label overlay. The label must already be sanitized.
func (p *Planner) drawtext(label string) string {
	o := p.overlay
	var b strings.Builder
	b.WriteString("drawtext=")
	if o.FontFile != "" {
		b.WriteString("fontfile='" + EscapeFilterPath(o.FontFile) + "':")
	}
	fmt.Fprintf(&b, "text='%s':expansion=none:x=%s:y=%s:fontsize=%d:fontcolor=%s:box=1:boxcolor=%s",
		label, o.X, o.Y, o.FontSize, o.FontColor, o.BoxColor)
	return b.String()
}

// assembly stacks the tiles at their grid offsets and pads the result to
// the fixed canvas so the egress resolution does not depend on N.
func (p *Planner) assembly(tiles []Tile) string {
	g := p.geometry
	var inputs strings.Builder
	positions := make([]string, len(tiles))
	for i, t := range tiles {
		fmt.Fprintf(&inputs, "[v%d]", t.Index)
		positions[i] = fmt.Sprintf("%d_%d", t.X, t.Y)
	}
	return fmt.Sprintf("%sxstack=inputs=%d:layout=%s:fill=%s,pad=%d:%d:0:0:color=%s[%s]",
		inputs.String(), len(tiles), strings.Join(positions, "|"), g.CanvasColor,
		g.CanvasWidth(), g.CanvasHeight(), g.CanvasColor,
		VideoOutPad,
	)
}

// audioMix mixes every input's audio into one loudness-normalized track.
func audioMix(n int) string {
	var inputs strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&inputs, "[%d:a]", i)
	}
	return fmt.Sprintf("%samix=inputs=%d:normalize=1[%s]", inputs.String(), n, AudioOutPad)
}

// EscapeFilterPath escapes a file path for use inside a single-quoted
// filter option value: backslashes are doubled and colons escaped.
func EscapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, `\`, `\\`)
	return strings.ReplaceAll(path, ":", `\:`)
}
