package parser

import (
	"bufio"
	"bytes"
	"io"
	"sync/atomic"
)

// maxLineBytes bounds one scanned line. Longer lines end the scan and the
// rest of the pipe is discarded.
const maxLineBytes = 1024 * 1024

// PipeReader feeds lines from a process pipe into a Pipeline.
type PipeReader struct {
	reader   io.Reader
	pipeline *Pipeline

	bytesRead    atomic.Int64
	linesRead    atomic.Int64
	bytesDrained atomic.Int64
}

// NewPipeReader creates a reader for r, typically cmd.StdoutPipe().
func NewPipeReader(r io.Reader, pipeline *Pipeline) *PipeReader {
	return &PipeReader{
		reader:   r,
		pipeline: pipeline,
	}
}

// Run reads until EOF and then closes the pipeline channel. The pipe is
// always read to EOF: if scanning fails the remainder is discarded so the
// writing process never blocks on a full pipe.
func (p *PipeReader) Run() {
	defer p.pipeline.CloseChannel()

	scanner := bufio.NewScanner(p.reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	scanner.Split(scanLinesOrCR)

	for scanner.Scan() {
		line := scanner.Text()
		p.bytesRead.Add(int64(len(line) + 1))
		if line == "" {
			continue
		}
		p.linesRead.Add(1)
		p.pipeline.FeedLine(line)
	}

	if scanner.Err() != nil {
		n, _ := io.Copy(io.Discard, p.reader)
		p.bytesDrained.Add(n)
	}
}

// Stats returns bytes and lines read so far.
func (p *PipeReader) Stats() (bytesRead, linesRead int64) {
	return p.bytesRead.Load(), p.linesRead.Load()
}

// Drained returns the bytes discarded after a scan error.
func (p *PipeReader) Drained() int64 {
	return p.bytesDrained.Load()
}

// scanLinesOrCR splits on '\n' or '\r'. ffmpeg ends its periodic stats
// line with a bare '\r'. A "\r\n" pair yields an empty token, which Run
// skips.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
