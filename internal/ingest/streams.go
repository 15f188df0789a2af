// Package ingest reads the ingest server's statistics document and turns it
// into the set of camera streams that are currently publishing.
//
// The statistics endpoint (nginx-rtmp's /stats) is loosely structured and
// not guaranteed to be well-formed, so the document is scanned with a
// tolerant pattern instead of a strict XML decoder. Anything that does not
// look like a stream block with a valid camera name is ignored.
package ingest

import (
	"regexp"
	"sort"
	"strings"
)

// MaxCameras is the largest number of cameras the identifier scheme allows.
const MaxCameras = 6

// StreamID identifies one camera stream: "cam1" through "cam6".
type StreamID string

// streamIDPattern is the only accepted identifier scheme.
var streamIDPattern = regexp.MustCompile(`^cam[1-6]$`)

// streamBlockPattern matches a <stream> block and captures the first <name>
// inside it. Non-greedy so adjacent blocks are not merged.
var streamBlockPattern = regexp.MustCompile(`(?s)<stream>.*?<name>([^<]+)</name>.*?</stream>`)

// ParseStreamID validates s against the identifier scheme.
func ParseStreamID(s string) (StreamID, bool) {
	s = strings.TrimSpace(s)
	if !streamIDPattern.MatchString(s) {
		return "", false
	}
	return StreamID(s), true
}

// String returns the identifier text.
func (id StreamID) String() string {
	return string(id)
}

// ActiveSet is the sorted, deduplicated list of publishing cameras.
// It is treated as immutable: every poll produces a new one.
type ActiveSet []StreamID

// Equal reports whether both sets hold the same identifiers in the same
// order. Order matters because tile placement depends on it.
func (s ActiveSet) Equal(other ActiveSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Strings returns the identifiers as plain strings.
func (s ActiveSet) Strings() []string {
	out := make([]string, len(s))
	for i, id := range s {
		out[i] = string(id)
	}
	return out
}

// String renders the set as "[cam1 cam3]".
func (s ActiveSet) String() string {
	return "[" + strings.Join(s.Strings(), " ") + "]"
}

// Clone returns an independent copy.
func (s ActiveSet) Clone() ActiveSet {
	if s == nil {
		return nil
	}
	out := make(ActiveSet, len(s))
	copy(out, s)
	return out
}

// ParseStreams extracts every valid camera identifier from a statistics
// document. The result is deduplicated and sorted ascending, so it does not
// depend on the order of blocks in the document. Malformed blocks and
// names outside the scheme are skipped.
func ParseStreams(doc string) []StreamID {
	seen := make(map[StreamID]struct{})
	for _, m := range streamBlockPattern.FindAllStringSubmatch(doc, -1) {
		id, ok := ParseStreamID(m[1])
		if !ok {
			continue
		}
		seen[id] = struct{}{}
	}

	ids := make([]StreamID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ParseActiveSet parses doc and keeps at most max identifiers.
// A max outside [1, MaxCameras] is treated as MaxCameras.
func ParseActiveSet(doc string, max int) ActiveSet {
	if max <= 0 || max > MaxCameras {
		max = MaxCameras
	}
	ids := ParseStreams(doc)
	if len(ids) > max {
		ids = ids[:max]
	}
	return ActiveSet(ids)
}
