package core

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// SourceKind identifies which producer an audio batch came from.
type SourceKind int

const (
	SourceSystem SourceKind = iota
	SourceMicrophone
)

func (k SourceKind) String() string {
	switch k {
	case SourceSystem:
		return "system"
	case SourceMicrophone:
		return "microphone"
	default:
		return fmt.Sprintf("source(%d)", int(k))
	}
}

// FrameUnit represents a single captured video frame in BGRA layout.
type FrameUnit struct {
	Data   []byte // 4 bytes per pixel, row-major, no padding
	Width  int
	Height int
	Index  uint64 // Capture-order index assigned by the producer
}

// SampleBatch represents a run of interleaved PCM frames from one audio source.
type SampleBatch struct {
	Source      SourceKind
	Data        []byte // Interleaved little-endian PCM
	Frames      uint32 // Number of sample frames (one sample per channel)
	Synthesized bool   // True when produced by the silence generator
}

// Empty reports whether the batch carries no frames.
func (b SampleBatch) Empty() bool {
	return b.Frames == 0
}

// AudioFormat describes interleaved integer PCM.
type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Validate checks that every field is set to something a sink can declare.
func (f AudioFormat) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return errors.Wrapf(ErrInvalidFormat, "%d Hz, %d channels, %d bits", f.SampleRate, f.Channels, f.BitsPerSample)
	}
	return nil
}

// BlockAlign is the size in bytes of one sample frame.
func (f AudioFormat) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// FramesFor returns how many whole frames fit into d, at millisecond granularity.
func (f AudioFormat) FramesFor(d time.Duration) uint32 {
	return uint32(int64(f.SampleRate) * d.Milliseconds() / 1000)
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Progress is the payload of progress notifications.
type Progress struct {
	Frames  uint64
	Elapsed time.Duration
}
