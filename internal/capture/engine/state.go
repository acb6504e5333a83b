package engine

import (
	"fmt"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// State is the lifecycle phase of the engine.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StopReason tells why the capture loop ended.
type StopReason int

const (
	ReasonNone StopReason = iota
	ReasonStopRequested
	ReasonDurationReached
	ReasonRunawayLoop
	ReasonUnboundedDuration
	ReasonMemoryCeiling
	ReasonAudioFailure
	ReasonSinkFailure
	ReasonInitFailure
)

func (r StopReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonStopRequested:
		return "stop requested"
	case ReasonDurationReached:
		return "duration reached"
	case ReasonRunawayLoop:
		return "runaway loop"
	case ReasonUnboundedDuration:
		return "unlimited duration ceiling"
	case ReasonMemoryCeiling:
		return "memory ceiling"
	case ReasonAudioFailure:
		return "persistent audio failure"
	case ReasonSinkFailure:
		return "persistent write failure"
	case ReasonInitFailure:
		return "initialization failure"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Err returns the error kind behind an abnormal stop, nil for a normal one.
func (r StopReason) Err() error {
	switch r {
	case ReasonRunawayLoop:
		return core.ErrRunawayLoop
	case ReasonUnboundedDuration:
		return core.ErrUnboundedDuration
	case ReasonMemoryCeiling:
		return core.ErrMemoryCeiling
	case ReasonAudioFailure:
		return core.ErrPersistentAudioFailure
	case ReasonSinkFailure:
		return core.ErrSinkWrite
	case ReasonInitFailure:
		return core.ErrInitialization
	default:
		return nil
	}
}

// Fatal reports whether the session was aborted rather than ended.
// Watchdog stops are not fatal: the recording up to that point is kept.
func (r StopReason) Fatal() bool {
	switch r {
	case ReasonAudioFailure, ReasonSinkFailure, ReasonInitFailure:
		return true
	default:
		return false
	}
}
