package parser

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProgressUpdate is one -progress block from the grid encoder.
// Counters are cumulative since the process started and reset on relaunch.
type ProgressUpdate struct {
	Frame      int64
	FPS        float64
	Bitrate    string // "2876.4kbits/s" or "N/A"
	TotalSize  int64  // bytes written to the egress muxer
	OutTimeUS  int64
	DupFrames  int64
	DropFrames int64
	Speed      float64 // 1.0 = realtime
	Progress   string  // "continue" or "end"
	ReceivedAt time.Time
}

// ProgressCallback receives a copy of each complete block.
type ProgressCallback func(*ProgressUpdate)

// ProgressParser parses ffmpeg's -progress output. The output is a series
// of key=value lines; each block ends with "progress=continue" or
// "progress=end".
//
//	frame=1500
//	fps=30.01
//	bitrate=2876.4kbits/s
//	total_size=17985536
//	out_time_us=50000000
//	dup_frames=0
//	drop_frames=3
//	speed=1.00x
//	progress=continue
//
// It implements LineParser and is safe for concurrent use.
type ProgressParser struct {
	callback ProgressCallback

	mu             sync.Mutex
	current        ProgressUpdate
	last           *ProgressUpdate
	blocksReceived int64
	linesProcessed int64
}

// NewProgressParser creates a parser. cb may be nil.
func NewProgressParser(cb ProgressCallback) *ProgressParser {
	return &ProgressParser{callback: cb}
}

// ParseLine accumulates one line, emitting the block on "progress=".
func (p *ProgressParser) ParseLine(line string) {
	key, value, ok := parseKeyValue(line)
	if !ok {
		return
	}

	p.mu.Lock()
	p.linesProcessed++

	switch key {
	case "frame":
		p.current.Frame, _ = strconv.ParseInt(value, 10, 64)
	case "fps":
		p.current.FPS, _ = strconv.ParseFloat(value, 64)
	case "bitrate":
		p.current.Bitrate = value
	case "total_size":
		if value != "N/A" {
			p.current.TotalSize, _ = strconv.ParseInt(value, 10, 64)
		}
	case "out_time_us":
		p.current.OutTimeUS, _ = strconv.ParseInt(value, 10, 64)
	case "dup_frames":
		p.current.DupFrames, _ = strconv.ParseInt(value, 10, 64)
	case "drop_frames":
		p.current.DropFrames, _ = strconv.ParseInt(value, 10, 64)
	case "speed":
		p.current.Speed = parseSpeed(value)
	case "progress":
		p.current.Progress = value
		p.current.ReceivedAt = time.Now()
		p.blocksReceived++

		update := p.current
		p.last = &update
		p.current = ProgressUpdate{}
		cb := p.callback
		p.mu.Unlock()

		if cb != nil {
			u := update
			cb(&u)
		}
		return
	}
	p.mu.Unlock()
}

// Stats returns blocks emitted and key=value lines processed.
func (p *ProgressParser) Stats() (blocksReceived, linesProcessed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocksReceived, p.linesProcessed
}

// Last returns a copy of the most recent complete block, or nil.
func (p *ProgressParser) Last() *ProgressUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	u := *p.last
	return &u
}

// Current returns a copy of the block being accumulated.
func (p *ProgressParser) Current() ProgressUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func parseKeyValue(line string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(strings.TrimSpace(line), "=")
	if !ok || key == "" {
		return "", "", false
	}
	return key, value, true
}

// parseSpeed converts "1.00x" to 1.0. "N/A" and garbage yield 0.
func parseSpeed(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "x"))
	if s == "" || s == "N/A" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// OutTime returns the encoded media position.
func (u *ProgressUpdate) OutTime() time.Duration {
	return time.Duration(u.OutTimeUS) * time.Microsecond
}

// IsLagging reports whether the encoder is falling behind realtime.
// A live grid should hold speed near 1.0; 0 means not yet known.
func (u *ProgressUpdate) IsLagging() bool {
	return u.Speed > 0 && u.Speed < 0.9
}

// IsEnd reports whether ffmpeg emitted its final block.
func (u *ProgressUpdate) IsEnd() bool {
	return u.Progress == "end"
}
