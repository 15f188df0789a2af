package layout

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
)

// Resolver maps camera identifiers to display labels. The table is fixed
// at construction.
type Resolver struct {
	labels map[ingest.StreamID]string
}

// NewResolver copies labels into a new Resolver. Keys that are not valid
// identifiers are ignored.
func NewResolver(labels map[string]string) *Resolver {
	r := &Resolver{labels: make(map[ingest.StreamID]string, len(labels))}
	for k, v := range labels {
		id, ok := ingest.ParseStreamID(k)
		if !ok {
			continue
		}
		r.labels[id] = v
	}
	return r
}

// Resolve returns the sanitized label for id, falling back to the
// identifier itself. It never fails.
func (r *Resolver) Resolve(id ingest.StreamID) string {
	label, ok := "", false
	if r != nil {
		label, ok = r.labels[id]
	}
	if !ok {
		label = string(id)
	}
	if s := Sanitize(label); s != "" {
		return s
	}
	return Sanitize(string(id))
}

// labelStripper removes characters that delimit drawtext options or
// escape sequences, and turns commas (filter separators) into spaces.
var labelStripper = strings.NewReplacer(
	":", "",
	"'", "",
	`\`, "",
	",", " ",
)

// Sanitize makes s safe to embed as a quoted drawtext text value.
// Whitespace runs collapse to a single space.
func Sanitize(s string) string {
	s = norm.NFC.String(s)
	s = labelStripper.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
