// Package timeline owns the output container of a recording session. It
// decides the stream layout, stamps every unit from per-stream counters and
// finalizes the container.
package timeline

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// Layout describes which streams a session writes.
type Layout struct {
	Video     *core.VideoSpec
	System    *core.AudioFormat // nil when system audio is not captured
	Mic       *core.AudioFormat // nil when the microphone is not captured
	AudioOnly bool
}

// DualTrack reports whether system audio and microphone get separate tracks.
func (l Layout) DualTrack() bool {
	return l.System != nil && l.Mic != nil && !l.AudioOnly
}

// AudioTracks returns the audio streams to declare, in declaration order.
// Without dual tracks every source shares one stream using the microphone
// format when present, otherwise the system format.
func (l Layout) AudioTracks() []core.AudioTrackSpec {
	switch {
	case l.DualTrack():
		return []core.AudioTrackSpec{
			{Tag: core.StreamSystemAudio, Name: "System Audio", Format: *l.System},
			{Tag: core.StreamMicAudio, Name: "Microphone", Format: *l.Mic},
		}
	case l.Mic != nil:
		return []core.AudioTrackSpec{{Tag: core.StreamAudio, Name: "Audio", Format: *l.Mic}}
	case l.System != nil:
		return []core.AudioTrackSpec{{Tag: core.StreamAudio, Name: "Audio", Format: *l.System}}
	default:
		return nil
	}
}

type stream struct {
	handle core.StreamHandle
	rate   int // output sample rate for audio, fps for video
	count  uint64
	lastTS int64
	writes uint64
}

// Timeline routes units to an encoding sink. It is owned by a single
// goroutine for the lifetime of a session.
type Timeline struct {
	opener  core.SinkOpener
	logger  *slog.Logger
	sink    core.EncodingSink
	layout  Layout
	streams map[core.StreamTag]*stream
}

// New creates a closed timeline that opens its container through opener.
func New(opener core.SinkOpener, logger *slog.Logger) *Timeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timeline{
		opener: opener,
		logger: logger.With("component", "timeline"),
	}
}

// Open creates the container at path and one stream per layout entry.
func (t *Timeline) Open(path string, layout Layout) error {
	if t.sink != nil {
		return errors.New("timeline already open")
	}

	tracks := layout.AudioTracks()
	for _, tr := range tracks {
		if err := tr.Format.Validate(); err != nil {
			return errors.Wrapf(err, "declare %s stream", tr.Tag)
		}
	}
	if layout.Video == nil && len(tracks) == 0 {
		return errors.New("no streams to open")
	}

	sink, err := t.opener.Open(path, layout.Video, tracks)
	if err != nil {
		return errors.Wrapf(err, "open sink at %s", path)
	}

	rates := make(map[core.StreamTag]int, len(tracks)+1)
	if layout.Video != nil {
		rates[core.StreamVideo] = layout.Video.FPS
	}
	for _, tr := range tracks {
		rates[tr.Tag] = tr.Format.SampleRate
	}

	t.streams = make(map[core.StreamTag]*stream, len(rates))
	for _, h := range sink.Handles() {
		t.streams[h.Tag] = &stream{handle: h, rate: rates[h.Tag]}
	}
	t.sink = sink
	t.layout = layout

	t.logger.Info("Timeline opened",
		"path", path,
		"streams", len(t.streams),
		"dual_track", layout.DualTrack(),
		"audio_only", layout.AudioOnly)
	return nil
}

// IsOpen reports whether a container is currently open.
func (t *Timeline) IsOpen() bool {
	return t.sink != nil
}

// Layout returns the layout the timeline was opened with.
func (t *Timeline) Layout() Layout {
	return t.layout
}

// Write hands one unit to the sink on the stream named by tag.
func (t *Timeline) Write(tag core.StreamTag, payload []byte, ts, dur int64) error {
	s, err := t.lookup(tag)
	if err != nil {
		return err
	}
	if err := t.sink.WriteFrame(s.handle, payload, ts, dur); err != nil {
		return errors.Wrapf(err, "write %s unit at %d", tag, ts)
	}
	s.lastTS = ts
	s.writes++
	return nil
}

// WriteVideo stamps frame from the video counter and writes it. The counter
// advances only when the sink accepts the frame.
func (t *Timeline) WriteVideo(frame *core.FrameUnit) error {
	s, err := t.lookup(core.StreamVideo)
	if err != nil {
		return err
	}
	ts := VideoTimestamp(s.count, s.rate)
	if err := t.Write(core.StreamVideo, frame.Data, ts, VideoDuration(s.rate)); err != nil {
		return err
	}
	s.count++
	return nil
}

// WriteAudio stamps batch from its stream's sample counter and writes it.
// Batches from both sources share one counter when there is a single audio
// stream; they are interleaved in arrival order, not mixed.
func (t *Timeline) WriteAudio(batch core.SampleBatch) error {
	if batch.Empty() {
		return nil
	}
	tag := t.route(batch.Source)
	s, err := t.lookup(tag)
	if err != nil {
		return err
	}
	ts := AudioTimestamp(s.count, s.rate)
	if err := t.Write(tag, batch.Data, ts, AudioDuration(batch.Frames, s.rate)); err != nil {
		return err
	}
	s.count += uint64(batch.Frames)
	return nil
}

func (t *Timeline) route(src core.SourceKind) core.StreamTag {
	if !t.layout.DualTrack() {
		return core.StreamAudio
	}
	if src == core.SourceMicrophone {
		return core.StreamMicAudio
	}
	return core.StreamSystemAudio
}

func (t *Timeline) lookup(tag core.StreamTag) (*stream, error) {
	if t.sink == nil {
		return nil, core.ErrNotOpen
	}
	s, ok := t.streams[tag]
	if !ok {
		return nil, errors.Wrap(core.ErrUnknownStream, tag.String())
	}
	return s, nil
}

// Count returns the counter of the stream named by tag: frames for video,
// sample frames for audio.
func (t *Timeline) Count(tag core.StreamTag) uint64 {
	if s, ok := t.streams[tag]; ok {
		return s.count
	}
	return 0
}

// Finalize flushes every stream, marks the end of each stream that received
// data and completes the container. A sink with no media is not an error.
func (t *Timeline) Finalize() error {
	if t.sink == nil {
		return core.ErrNotOpen
	}

	if err := t.sink.Flush(); err != nil {
		t.logger.Warn("Flush before finalize failed", "error", err)
	}

	for _, h := range t.sink.Handles() {
		s := t.streams[h.Tag]
		if s == nil || s.writes == 0 {
			continue
		}
		if err := t.sink.SendEndMarker(s.handle, s.lastTS); err != nil {
			t.logger.Warn("End marker rejected", "stream", h.Tag, "error", err)
		}
	}

	err := t.sink.Finalize()
	switch {
	case err == nil:
		t.logger.Info("Container finalized", "video_frames", t.Count(core.StreamVideo))
		return nil
	case errors.Is(err, core.ErrEmptyMedia):
		t.logger.Info("Container finalized without media")
		return nil
	default:
		return errors.Wrap(core.ErrFinalize, err.Error())
	}
}

// Close releases the sink and zeroes every counter. It is idempotent.
func (t *Timeline) Close() {
	if t.sink != nil {
		if err := t.sink.Close(); err != nil {
			t.logger.Debug("Sink close", "error", err)
		}
	}
	t.sink = nil
	t.streams = nil
	t.layout = Layout{}
}
