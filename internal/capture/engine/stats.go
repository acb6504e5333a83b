package engine

import (
	"time"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// AudioStats counts what one audio source contributed.
type AudioStats struct {
	Source        core.SourceKind
	Format        core.AudioFormat
	RealFrames    uint64
	SilenceFrames uint64
	PollErrors    uint64
	Dropped       uint64 // frames the source discarded because they were not polled in time
}

// Stats summarizes a session. Failed sessions report what was collected
// before the failure.
type Stats struct {
	TotalFrames   uint64
	FailedFrames  uint64
	RepeatFrames  uint64 // frames answered from the frame cache
	WriteFailures uint64
	Iterations    uint64
	Duration      time.Duration

	AudioEnabled bool
	AudioFormat  core.AudioFormat
	Audio        []AudioStats
}

// Result is what Run returns. Success means the container was finalized and
// the session was not aborted; a watchdog stop still succeeds and carries the
// watchdog error in Err.
type Result struct {
	Success    bool
	Message    string
	OutputPath string
	Reason     StopReason
	Stats      Stats
	Err        error
}
