package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
	"github.com/rmguney/mux-sweeper/internal/capture/session"
	"github.com/rmguney/mux-sweeper/internal/capture/silence"
	"github.com/rmguney/mux-sweeper/internal/capture/source"
	"github.com/rmguney/mux-sweeper/internal/capture/timeline"
)

const (
	preflightInterval       = 100 * time.Millisecond
	micPreflightAttempts    = 5
	systemPreflightAttempts = 3

	// audioSleep paces the loop whenever an audio source is active.
	audioSleep = 5 * time.Millisecond
)

type audioLane struct {
	kind  core.SourceKind
	src   core.AudioSource
	gen   *silence.Generator
	stats AudioStats
}

// recording is the state of one session. Only the loop goroutine touches it.
type recording struct {
	ctx    context.Context
	e      *Engine
	params session.Params
	logger *slog.Logger
	tl     *timeline.Timeline

	video *source.CachingVideo
	lanes []*audioLane

	// devices opened so far, closed exactly once by cleanup
	opened []core.Device

	startedAt     time.Time
	deadlines     int64
	nextFrame     time.Time
	audioFailures int
	writeFailures int

	stats Stats
}

func newRecording(ctx context.Context, e *Engine, params session.Params, logger *slog.Logger) *recording {
	return &recording{
		ctx:    ctx,
		e:      e,
		params: params,
		logger: logger,
		tl:     timeline.New(e.opener, logger),
	}
}

func (r *recording) audioOnly() bool {
	return r.params.AudioOnly()
}

// start runs the Starting phase: open devices, check audio, open the
// container and start delivery. On error the caller runs cleanup.
func (r *recording) start() error {
	if r.params.Video {
		if r.e.sources.Video == nil {
			return errors.New("video requested but no video source is available")
		}
		if err := r.e.sources.Video.Open(); err != nil {
			r.opened = append(r.opened, r.e.sources.Video)
			return errors.Wrap(err, "open video source")
		}
		r.video = source.NewCachingVideo(r.e.sources.Video, r.e.cfg.FrameCacheLimit, r.logger)
		r.opened = append(r.opened, r.video)
	}

	r.openAudio(core.SourceSystem, r.params.SystemAudio, r.e.sources.System)
	r.openAudio(core.SourceMicrophone, r.params.Microphone, r.e.sources.Mic)
	if r.audioOnly() && len(r.lanes) == 0 {
		return errors.New("no audio source could be opened")
	}

	if r.video != nil && len(r.lanes) > 0 && r.e.cfg.PreflightAudio {
		r.preflightAudio()
	}

	layout := r.layout()
	if err := r.tl.Open(r.params.OutputPath, layout); err != nil {
		return errors.Wrap(err, "open output")
	}

	if r.video != nil {
		if err := r.video.Start(); err != nil {
			return errors.Wrap(err, "start video source")
		}
	}
	for _, lane := range r.lanes {
		if err := lane.src.Start(); err != nil {
			// the track is already declared; it is kept continuous with silence
			r.logger.Warn("Audio source failed to start, recording silence", "source", lane.kind, "error", err)
		}
		lane.gen = silence.New(lane.kind, lane.src.Format(), r.e.clock)
	}

	r.stats.AudioEnabled = len(r.lanes) > 0
	if tracks := layout.AudioTracks(); len(tracks) > 0 {
		r.stats.AudioFormat = tracks[0].Format
		if layout.DualTrack() {
			r.stats.AudioFormat = tracks[1].Format
		}
	}

	r.startedAt = r.e.clock.Now()
	r.nextFrame = r.startedAt
	return nil
}

// openAudio opens one audio source. A failure only disables that source;
// start decides whether the session can go on without it.
func (r *recording) openAudio(kind core.SourceKind, enabled bool, src core.AudioSource) {
	if !enabled {
		return
	}
	if src == nil {
		r.logger.Warn("Audio source not available", "source", kind)
		r.e.status.Notify(fmt.Sprintf("Warning: %s audio not available", kind))
		return
	}

	err := src.Open()
	if err == nil {
		err = src.Format().Validate()
	}
	r.opened = append(r.opened, src)
	if err != nil {
		r.logger.Warn("Audio source failed to open", "source", kind, "error", err)
		r.e.status.Notify(fmt.Sprintf("Warning: %s audio failed to initialize", kind))
		return
	}

	lane := &audioLane{kind: kind, src: src}
	lane.stats.Source = kind
	lane.stats.Format = src.Format()
	r.lanes = append(r.lanes, lane)
	r.logger.Info("Audio source ready", "source", kind, "format", src.Format())
}

// preflightAudio checks that each audio source can deliver before a video
// session commits to an audio track. The microphone must produce data; the
// system loopback is silent whenever nothing plays, so it only has to start.
func (r *recording) preflightAudio() {
	r.e.status.Notify("Testing audio capture availability...")

	kept := r.lanes[:0]
	for _, lane := range r.lanes {
		attempts, strict := systemPreflightAttempts, false
		if lane.kind == core.SourceMicrophone {
			attempts, strict = micPreflightAttempts, true
		}

		ok := r.preflight(lane, attempts)
		if !ok && strict {
			r.logger.Warn("Audio source produced no data during preflight, disabling it", "source", lane.kind)
			r.e.status.Notify(fmt.Sprintf("Warning: %s audio test failed, continuing without it", lane.kind))
			continue
		}
		if !ok {
			r.logger.Info("Audio source silent during preflight, keeping it", "source", lane.kind)
		}
		kept = append(kept, lane)
	}
	r.lanes = kept

	if len(r.lanes) == 0 {
		r.e.status.Notify("Warning: no audio source passed the test, recording video only")
	}
}

func (r *recording) preflight(lane *audioLane, attempts int) bool {
	if err := lane.src.Start(); err != nil {
		r.logger.Warn("Audio source failed to start during preflight", "source", lane.kind, "error", err)
		return false
	}
	defer func() {
		if err := lane.src.Stop(); err != nil {
			r.logger.Debug("Audio source stop after preflight", "source", lane.kind, "error", err)
		}
	}()

	for i := 0; i < attempts; i++ {
		_, frames, err := lane.src.PollBuffer()
		if err == nil && frames > 0 {
			if err := lane.src.ReleaseBuffer(frames); err != nil {
				r.logger.Debug("Release after preflight", "source", lane.kind, "error", err)
			}
			return true
		}
		r.e.clock.Sleep(preflightInterval)
	}
	return false
}

// layout derives the container layout from the sources that survived
// initialization.
func (r *recording) layout() timeline.Layout {
	l := timeline.Layout{AudioOnly: r.audioOnly()}
	if r.video != nil {
		w, h := r.video.Size()
		l.Video = &core.VideoSpec{Width: w, Height: h, FPS: r.params.FPS}
	}
	for _, lane := range r.lanes {
		f := lane.src.Format()
		if rate := r.e.cfg.OutputSampleRate; rate > 0 && rate != f.SampleRate {
			r.logger.Warn("Declaring output rate different from device rate, audio is not resampled",
				"source", lane.kind, "device_rate", f.SampleRate, "output_rate", rate)
			f.SampleRate = rate
		}
		switch lane.kind {
		case core.SourceSystem:
			l.System = &f
		case core.SourceMicrophone:
			l.Mic = &f
		}
	}
	if l.System != nil && l.Mic != nil && !l.DualTrack() && *l.System != *l.Mic {
		r.logger.Warn("Sources share one track but formats differ", "system", *l.System, "microphone", *l.Mic)
	}
	return l
}

func (r *recording) describe() string {
	var parts []string
	if r.video != nil {
		w, h := r.video.Size()
		parts = append(parts, fmt.Sprintf("video %dx%d@%d", w, h, r.params.FPS))
	}
	for _, lane := range r.lanes {
		parts = append(parts, fmt.Sprintf("%s audio %s", lane.kind, lane.src.Format()))
	}
	limit := "unlimited"
	if !r.params.Unlimited() {
		limit = r.params.Duration.String()
	}
	return fmt.Sprintf("Recording started (%s, %s)", strings.Join(parts, ", "), limit)
}

// loop polls until something ends the session.
func (r *recording) loop() StopReason {
	wd := newWatchdog(r.e.cfg, r.params.Unlimited(), r.e.memory, r.logger, r.startedAt)
	for {
		now := r.e.clock.Now()
		r.stats.Iterations++
		r.stats.Duration = now.Sub(r.startedAt)

		if r.e.stopRequested.Load() || r.ctx.Err() != nil {
			return ReasonStopRequested
		}
		if !r.params.Unlimited() && r.stats.Duration >= r.params.Duration {
			return ReasonDurationReached
		}
		if reason := wd.observe(now); reason != ReasonNone {
			return reason
		}

		if r.video != nil && !now.Before(r.nextFrame) {
			r.captureVideo(now)
		}
		if reason := r.captureAudio(); reason != ReasonNone {
			return reason
		}
		if r.writeFailures > r.e.cfg.MaxConsecutiveWriteFailures {
			r.logger.Error("Sink keeps rejecting writes, aborting", "failures", r.writeFailures)
			return ReasonSinkFailure
		}

		r.e.clock.Sleep(r.sleepFor(r.e.clock.Now()))
	}
}

func (r *recording) captureVideo(now time.Time) {
	frame, err := r.video.PollFrame()
	switch {
	case err != nil:
		r.stats.FailedFrames++
		r.logger.Debug("Video poll failed", "error", errors.Wrap(core.ErrTransientCapture, err.Error()))
	case frame == nil:
		r.stats.FailedFrames++
	default:
		if err := r.tl.WriteVideo(frame); err != nil {
			r.writeFailed("video", err)
		} else {
			r.writeFailures = 0
			r.stats.TotalFrames++
			r.e.progress.Notify(core.Progress{Frames: r.stats.TotalFrames, Elapsed: now.Sub(r.startedAt)})
		}
	}

	// deadlines are anchored to the start so scheduling jitter never accumulates
	r.deadlines++
	r.nextFrame = r.startedAt.Add(time.Duration(r.deadlines * int64(time.Second) / int64(r.params.FPS)))
}

// captureAudio polls every audio source once. Empty or failed polls are
// filled with silence so each track keeps pace with the wall clock.
func (r *recording) captureAudio() StopReason {
	if len(r.lanes) == 0 {
		return ReasonNone
	}

	allFailed := true
	for _, lane := range r.lanes {
		data, frames, err := lane.src.PollBuffer()

		var batch core.SampleBatch
		switch {
		case err != nil:
			lane.stats.PollErrors++
			batch = lane.gen.Fill()
		case frames > 0:
			allFailed = false
			batch = core.SampleBatch{Source: lane.kind, Data: data, Frames: frames}
			lane.gen.Account(frames)
		default:
			allFailed = false
			batch = lane.gen.Fill()
		}

		if !batch.Empty() {
			if err := r.tl.WriteAudio(batch); err != nil {
				r.writeFailed(lane.kind.String(), err)
			} else {
				r.writeFailures = 0
				if batch.Synthesized {
					lane.stats.SilenceFrames += uint64(batch.Frames)
				} else {
					lane.stats.RealFrames += uint64(batch.Frames)
				}
			}
		}

		if frames > 0 {
			if err := lane.src.ReleaseBuffer(frames); err != nil {
				r.logger.Debug("Audio buffer release failed", "source", lane.kind, "error", err)
			}
		}
	}

	if !allFailed {
		r.audioFailures = 0
		return ReasonNone
	}
	r.audioFailures++
	if r.audioOnly() && r.audioFailures > r.e.cfg.MaxConsecutiveAudioFailures {
		r.logger.Error("Audio capture keeps failing, aborting", "failures", r.audioFailures)
		return ReasonAudioFailure
	}
	return ReasonNone
}

func (r *recording) writeFailed(stream string, err error) {
	r.writeFailures++
	r.stats.WriteFailures++
	if r.stats.WriteFailures == 1 || r.writeFailures%100 == 0 {
		r.logger.Warn("Sink rejected unit", "stream", stream, "consecutive", r.writeFailures, "error", err)
	}
}

// sleepFor picks the pause before the next iteration. Audio needs frequent
// polls; video alone sleeps until just before its next deadline.
func (r *recording) sleepFor(now time.Time) time.Duration {
	if len(r.lanes) > 0 {
		return audioSleep
	}
	return videoSleep(r.nextFrame.Sub(now))
}

func videoSleep(untilNext time.Duration) time.Duration {
	switch {
	case untilNext > 5*time.Millisecond:
		return 5 * time.Millisecond
	case untilNext > time.Millisecond:
		return untilNext - time.Millisecond
	default:
		return 3 * time.Millisecond
	}
}

// stop runs the Stopping phase and returns the finalize error, if any.
func (r *recording) stop() error {
	r.e.status.Notify("Stopping capture...")
	if r.video != nil {
		if err := r.video.Stop(); err != nil {
			r.logger.Debug("Video source stop", "error", err)
		}
		r.stats.RepeatFrames = r.video.Repeats()
	}
	for _, lane := range r.lanes {
		if err := lane.src.Stop(); err != nil {
			r.logger.Debug("Audio source stop", "source", lane.kind, "error", err)
		}
	}

	r.e.status.Notify("Finalizing recording...")
	return r.tl.Finalize()
}

// dropCounter is implemented by audio sources that buffer on their own and
// discard data when the loop falls behind.
type dropCounter interface {
	Dropped() uint64
}

// cleanup releases every resource acquired by start. It runs once per
// session on every exit path.
func (r *recording) cleanup() {
	r.tl.Close()
	for _, d := range r.opened {
		if err := d.Close(); err != nil {
			r.logger.Debug("Device close", "error", err)
		}
	}
	r.opened = nil

	for _, lane := range r.lanes {
		if d, ok := lane.src.(dropCounter); ok {
			lane.stats.Dropped = d.Dropped()
		}
		r.stats.Audio = append(r.stats.Audio, lane.stats)
		if lane.gen != nil {
			lane.gen.Reset()
		}
	}
	r.lanes = nil
	r.video = nil
}
