// Package silence keeps an audio source's sample count in step with wall-clock
// time by synthesizing zero-filled PCM whenever the source delivers nothing.
package silence

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// MaxChunk bounds a single synthesized batch.
const MaxChunk = 50 * time.Millisecond

// Generator tracks one audio source. It is not safe for concurrent use; the
// capture loop owns it for the lifetime of a session.
type Generator struct {
	source core.SourceKind
	format core.AudioFormat
	clock  clock.PassiveClock

	started bool
	start   time.Time
	total   uint64 // real plus synthesized frames

	buf []byte // zero-filled, reused across calls
}

// New creates a generator for source producing PCM in format.
func New(source core.SourceKind, format core.AudioFormat, clk clock.PassiveClock) *Generator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Generator{
		source: source,
		format: format,
		clock:  clk,
	}
}

func (g *Generator) mark() time.Time {
	now := g.clock.Now()
	if !g.started {
		g.started = true
		g.start = now
	}
	return now
}

// Expected returns how many frames the source should have produced by now.
func (g *Generator) Expected() uint64 {
	now := g.mark()
	elapsed := now.Sub(g.start).Milliseconds()
	if elapsed <= 0 {
		return 0
	}
	return uint64(int64(g.format.SampleRate) * elapsed / 1000)
}

// Account records frames delivered by the real device so they count toward
// the expected total.
func (g *Generator) Account(frames uint32) {
	g.mark()
	g.total += uint64(frames)
}

// Fill returns the silence needed to catch up with wall-clock time, capped at
// MaxChunk. When the source is already caught up it returns an empty batch
// without touching the buffer. The returned data aliases the generator's
// buffer, must not be modified, and is only valid until the next call.
func (g *Generator) Fill() core.SampleBatch {
	expected := g.Expected()
	if g.total >= expected {
		return core.SampleBatch{Source: g.source, Synthesized: true}
	}

	needed := expected - g.total
	if limit := uint64(g.format.FramesFor(MaxChunk)); needed > limit {
		needed = limit
	}

	size := int(needed) * g.format.BlockAlign()
	if cap(g.buf) < size {
		g.buf = make([]byte, size)
	}

	g.total += needed
	return core.SampleBatch{
		Source:      g.source,
		Data:        g.buf[:size],
		Frames:      uint32(needed),
		Synthesized: true,
	}
}

// Total returns the frames accounted so far, real and synthesized.
func (g *Generator) Total() uint64 {
	return g.total
}

// Reset forgets the start tick and the running total. The buffer is kept.
func (g *Generator) Reset() {
	g.started = false
	g.start = time.Time{}
	g.total = 0
}
