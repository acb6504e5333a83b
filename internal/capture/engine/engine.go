// Package engine runs the capture loop: it polls the video and audio
// sources, fills audio gaps with silence, stamps everything through the
// timeline and enforces the termination guarantees of a recording.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
	"github.com/rmguney/mux-sweeper/internal/capture/session"
)

// Config holds the engine's limits.
type Config struct {
	MaxIterationsPerSecond      int
	UnlimitedCeiling            time.Duration
	MaxConsecutiveAudioFailures int
	MaxConsecutiveWriteFailures int
	MaxRSSBytes                 uint64 // 0 disables the memory ceiling
	FrameCacheLimit             int    // negative disables frame repeating
	OutputSampleRate            int    // 0 declares each source's own rate
	PreflightAudio              bool
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxIterationsPerSecond:      2000,
		UnlimitedCeiling:            60 * time.Second,
		MaxConsecutiveAudioFailures: 1000,
		MaxConsecutiveWriteFailures: 1000,
		FrameCacheLimit:             32 << 20,
		PreflightAudio:              true,
	}
}

// Sources are the capture collaborators of a session. Nil entries are not
// captured even when requested.
type Sources struct {
	Video  core.VideoSource
	System core.AudioSource
	Mic    core.AudioSource
}

// Engine records one session at a time. Run blocks on the calling goroutine;
// RequestStop, IsRunning and State may be called from any goroutine.
type Engine struct {
	cfg      Config
	sources  Sources
	opener   core.SinkOpener
	clock    clock.Clock
	logger   *slog.Logger
	status   core.Notifier[string]
	progress core.Notifier[core.Progress]
	memory   MemorySampler

	state         atomic.Int32
	stopRequested atomic.Bool
	running       atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithStatusNotifier sets where human-readable status lines go.
func WithStatusNotifier(n core.Notifier[string]) Option {
	return func(e *Engine) { e.status = n }
}

// WithProgressNotifier sets the target of per-frame progress updates.
func WithProgressNotifier(n core.Notifier[core.Progress]) Option {
	return func(e *Engine) { e.progress = n }
}

func WithMemorySampler(p MemorySampler) Option {
	return func(e *Engine) { e.memory = p }
}

// New creates an idle engine.
func New(sources Sources, opener core.SinkOpener, opts ...Option) *Engine {
	e := &Engine{
		cfg:     DefaultConfig(),
		sources: sources,
		opener:  opener,
		clock:   clock.RealClock{},
		logger:  slog.Default(),
		memory:  ProcessRSS,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.status == nil {
		e.status = LogStatus(e.logger)
	}
	if e.progress == nil {
		e.progress = LogProgress(e.logger, DefaultProgressInterval)
	}
	return e
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	old := State(e.state.Swap(int32(s)))
	e.logger.Debug("Engine state changed", "from", old, "to", s)
}

// RequestStop asks the loop to end at the top of its next iteration.
func (e *Engine) RequestStop() {
	e.stopRequested.Store(true)
}

// StopRequested reports whether a stop is pending. The flag is cleared when
// Run returns.
func (e *Engine) StopRequested() bool {
	return e.stopRequested.Load()
}

// IsRunning reports whether Run is between entry and return.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// ForceStopped marks the engine as no longer running. It is the last resort
// of a shutdown that gave up waiting for the loop.
func (e *Engine) ForceStopped() {
	if e.running.Swap(false) {
		e.logger.Warn("Engine forcefully marked as stopped")
	}
}

// Run records s until its duration elapses, ctx is cancelled, RequestStop is
// called or a watchdog fires. The session is released when Run returns.
func (e *Engine) Run(ctx context.Context, s *session.Session) Result {
	defer s.Release()

	st := e.State()
	if st != StateIdle && st != StateFailed {
		return Result{
			Message:    "engine is busy",
			OutputPath: s.Params.OutputPath,
			Reason:     ReasonInitFailure,
			Err:        errors.Wrapf(core.ErrSessionActive, "engine %s", st),
		}
	}

	// a stop requested before Run belongs to this session
	defer e.stopRequested.Store(false)
	e.running.Store(true)
	defer e.running.Store(false)

	logger := e.logger.With("session", s.ShortID())
	rec := newRecording(ctx, e, s.Params, logger)

	e.setState(StateStarting)
	e.status.Notify("Initializing capture...")
	if err := rec.start(); err != nil {
		rec.cleanup()
		e.setState(StateFailed)
		logger.Error("Capture initialization failed", "error", err)
		e.status.Notify("Initialization failed: " + err.Error())
		return Result{
			Message:    err.Error(),
			OutputPath: s.Params.OutputPath,
			Reason:     ReasonInitFailure,
			Stats:      rec.stats,
			Err:        errors.Wrap(core.ErrInitialization, err.Error()),
		}
	}

	e.setState(StateRunning)
	e.status.Notify(rec.describe())
	reason := rec.loop()

	e.setState(StateStopping)
	finalizeErr := rec.stop()
	rec.cleanup()
	e.setState(StateIdle)

	res := Result{
		OutputPath: s.Params.OutputPath,
		Reason:     reason,
		Stats:      rec.stats,
		Err:        reason.Err(),
	}
	switch {
	case finalizeErr != nil:
		res.Err = finalizeErr
		res.Message = "Recording could not be finalized: " + finalizeErr.Error()
	case reason.Fatal():
		res.Message = fmt.Sprintf("Recording aborted (%s) after %d frames", reason, rec.stats.TotalFrames)
	default:
		res.Success = true
		res.Message = fmt.Sprintf("Recording completed: %d frames, %d ms", rec.stats.TotalFrames, rec.stats.Duration.Milliseconds())
	}

	logger.Info("Recording finished",
		"success", res.Success,
		"reason", reason,
		"frames", rec.stats.TotalFrames,
		"failed_frames", rec.stats.FailedFrames,
		"duration", rec.stats.Duration)
	e.status.Notify(res.Message)
	return res
}
