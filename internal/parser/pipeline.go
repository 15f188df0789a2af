// Package parser reads the composition process's output without ever
// blocking it.
//
// ffmpeg writes progress to stdout as fast as it encodes. If the consumer
// falls behind, lines are dropped rather than letting the pipe fill and
// stall the encoder, so a slow metrics path cannot freeze the egress stream.
//
//	Reader (PipeReader) -> bounded channel -> LineParser (ProgressParser)
package parser

import (
	"sync"
	"sync/atomic"
)

// LineParser consumes lines from a Pipeline.
type LineParser interface {
	ParseLine(line string)
}

// Pipeline is a bounded, lossy line queue between a reader and a parser.
type Pipeline struct {
	name     string
	lineChan chan string

	closeOnce sync.Once

	linesRead    atomic.Int64
	linesDropped atomic.Int64
	linesParsed  atomic.Int64

	dropThreshold float64
}

// NewPipeline creates a lossy parsing pipeline.
// name identifies the stream in logs ("progress").
func NewPipeline(name string, bufferSize int, dropThreshold float64) *Pipeline {
	if bufferSize < 1 {
		bufferSize = 256
	}
	if dropThreshold <= 0 {
		dropThreshold = 0.01
	}
	return &Pipeline{
		name:          name,
		lineChan:      make(chan string, bufferSize),
		dropThreshold: dropThreshold,
	}
}

// FeedLine queues a line. Returns false if it was dropped (queue full).
func (p *Pipeline) FeedLine(line string) bool {
	p.linesRead.Add(1)
	select {
	case p.lineChan <- line:
		return true
	default:
		p.linesDropped.Add(1)
		return false
	}
}

// CloseChannel signals the parser to stop. Must be called by the source
// when it is exhausted; safe to call more than once.
func (p *Pipeline) CloseChannel() {
	p.closeOnce.Do(func() {
		close(p.lineChan)
	})
}

// RunParser consumes lines until the channel is closed.
// Run it in its own goroutine.
func (p *Pipeline) RunParser(parser LineParser) {
	for line := range p.lineChan {
		parser.ParseLine(line)
		p.linesParsed.Add(1)
	}
}

// Stats returns lines read, dropped and parsed.
func (p *Pipeline) Stats() (read, dropped, parsed int64) {
	return p.linesRead.Load(), p.linesDropped.Load(), p.linesParsed.Load()
}

// DropRate returns dropped/read, or 0 before any line was read.
func (p *Pipeline) DropRate() float64 {
	read := p.linesRead.Load()
	if read == 0 {
		return 0
	}
	return float64(p.linesDropped.Load()) / float64(read)
}

// IsDegraded reports whether the drop rate exceeds the threshold.
func (p *Pipeline) IsDegraded() bool {
	return p.DropRate() > p.dropThreshold
}

// Name returns the stream name.
func (p *Pipeline) Name() string {
	return p.name
}

// NoopParser discards lines.
type NoopParser struct{}

// ParseLine does nothing.
func (NoopParser) ParseLine(string) {}
