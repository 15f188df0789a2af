package parser

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// slowParser cannot keep up with its input.
type slowParser struct {
	delay time.Duration
	mu    sync.Mutex
	lines []string
}

func (p *slowParser) ParseLine(line string) {
	time.Sleep(p.delay)
	p.mu.Lock()
	p.lines = append(p.lines, line)
	p.mu.Unlock()
}

type countingParser struct {
	mu    sync.Mutex
	count int64
}

func (p *countingParser) ParseLine(string) {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
}

func (p *countingParser) Count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// runPipe drives a PipeReader and parser to completion.
func runPipe(r io.Reader, pipeline *Pipeline, lp LineParser) *PipeReader {
	reader := NewPipeReader(r, pipeline)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reader.Run()
	}()
	go func() {
		defer wg.Done()
		pipeline.RunParser(lp)
	}()
	wg.Wait()
	return reader
}

func TestPipeline_DropsUnderPressure(t *testing.T) {
	pipeline := NewPipeline("progress", 5, 0.01)
	lp := &slowParser{delay: 10 * time.Millisecond}

	runPipe(strings.NewReader(strings.Repeat("frame=1\n", 100)), pipeline, lp)

	read, dropped, parsed := pipeline.Stats()
	if read != 100 {
		t.Errorf("read = %d, want 100", read)
	}
	if dropped == 0 {
		t.Error("expected drops with a slow parser and a 5 line buffer")
	}
	if parsed+dropped != read {
		t.Errorf("parsed(%d) + dropped(%d) != read(%d)", parsed, dropped, read)
	}
	if !pipeline.IsDegraded() {
		t.Error("pipeline should be degraded")
	}
}

func TestPipeline_NoDropsWhenFast(t *testing.T) {
	pipeline := NewPipeline("progress", 1000, 0.01)
	lp := &countingParser{}

	reader := runPipe(strings.NewReader(strings.Repeat("frame=1\n", 100)), pipeline, lp)

	read, dropped, parsed := pipeline.Stats()
	if read != 100 || dropped != 0 || parsed != 100 {
		t.Errorf("stats = (%d, %d, %d), want (100, 0, 100)", read, dropped, parsed)
	}
	if lp.Count() != 100 {
		t.Errorf("parser saw %d lines, want 100", lp.Count())
	}
	bytes, lines := reader.Stats()
	if lines != 100 || bytes != 800 {
		t.Errorf("reader stats = (%d, %d), want (800, 100)", bytes, lines)
	}
}

func TestPipeline_FeedLine(t *testing.T) {
	pipeline := NewPipeline("progress", 2, 0.5)

	if !pipeline.FeedLine("a") || !pipeline.FeedLine("b") {
		t.Fatal("first two lines should be queued")
	}
	if pipeline.FeedLine("c") {
		t.Error("third line should be dropped")
	}
	if got := pipeline.DropRate(); got < 0.33 || got > 0.34 {
		t.Errorf("DropRate() = %v, want ~0.333", got)
	}
	if pipeline.IsDegraded() {
		t.Error("0.33 drop rate is under the 0.5 threshold")
	}
}

func TestPipeline_DropRateEmpty(t *testing.T) {
	if got := NewPipeline("progress", 10, 0.01).DropRate(); got != 0 {
		t.Errorf("DropRate() = %v, want 0", got)
	}
}

func TestPipeline_CloseChannelTwice(t *testing.T) {
	pipeline := NewPipeline("progress", 10, 0.01)
	pipeline.CloseChannel()
	pipeline.CloseChannel()
	pipeline.RunParser(NoopParser{})
}

func TestPipeline_Defaults(t *testing.T) {
	pipeline := NewPipeline("stdout", 0, 0)
	if cap(pipeline.lineChan) != 256 {
		t.Errorf("buffer = %d, want 256", cap(pipeline.lineChan))
	}
	if pipeline.dropThreshold != 0.01 {
		t.Errorf("dropThreshold = %v, want 0.01", pipeline.dropThreshold)
	}
	if pipeline.Name() != "stdout" {
		t.Errorf("Name() = %q", pipeline.Name())
	}
}

func TestPipeReader_LongLine(t *testing.T) {
	pipeline := NewPipeline("progress", 10, 0.01)
	long := strings.Repeat("x", 200*1024)
	lp := &countingParser{}

	runPipe(strings.NewReader(long+"\nframe=2\n"), pipeline, lp)

	if lp.Count() != 2 {
		t.Errorf("parsed %d lines, want 2", lp.Count())
	}
}
