package core

import "github.com/pkg/errors"

// Error kinds surfaced by the capture engine. Callers match them with errors.Is.
var (
	// ErrInitialization covers any failure before the first loop iteration.
	ErrInitialization = errors.New("capture initialization failed")
	// ErrTransientCapture is a single failed poll. It is counted, never fatal.
	ErrTransientCapture = errors.New("transient capture failure")
	// ErrPersistentAudioFailure aborts an audio-only session.
	ErrPersistentAudioFailure = errors.New("persistent audio capture failure")
	// ErrRunawayLoop is raised when the loop spins faster than the iteration ceiling.
	ErrRunawayLoop = errors.New("runaway capture loop detected")
	// ErrUnboundedDuration is raised when an unlimited session hits the safety ceiling.
	ErrUnboundedDuration = errors.New("unlimited recording reached safety ceiling")
	// ErrMemoryCeiling is raised when the process exceeds the configured RSS limit.
	ErrMemoryCeiling = errors.New("process memory ceiling exceeded")
	// ErrFinalize means the container could not be finalized.
	ErrFinalize = errors.New("container finalize failed")
	// ErrEmptyMedia is returned by sinks finalized before any unit was written.
	ErrEmptyMedia = errors.New("no media was written")
	// ErrSinkWrite is raised when writes keep failing for the whole failure budget.
	ErrSinkWrite = errors.New("persistent sink write failure")

	ErrNotOpen       = errors.New("timeline not open")
	ErrUnknownStream = errors.New("unknown stream")
	ErrInvalidFormat = errors.New("invalid audio format")
	ErrSessionActive = errors.New("a recording session is already active")
)
