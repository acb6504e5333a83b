package core

// StreamTag names a logical output stream.
type StreamTag int

const (
	StreamVideo StreamTag = iota
	StreamAudio           // merged audio track
	StreamSystemAudio
	StreamMicAudio
)

func (t StreamTag) String() string {
	switch t {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	case StreamSystemAudio:
		return "system-audio"
	case StreamMicAudio:
		return "mic-audio"
	default:
		return "unknown"
	}
}

// StreamHandle identifies a stream inside an open sink.
type StreamHandle struct {
	Tag     StreamTag
	TrackID int
}

// VideoSpec declares the video stream of a container.
type VideoSpec struct {
	Width  int
	Height int
	FPS    int
}

// AudioTrackSpec declares one audio stream of a container. Format.SampleRate
// is the output rate and the timebase of the stream's timestamps.
type AudioTrackSpec struct {
	Tag    StreamTag
	Name   string
	Format AudioFormat
}

// SinkOpener creates an encoding sink bound to an output path.
type SinkOpener interface {
	Open(path string, video *VideoSpec, audio []AudioTrackSpec) (EncodingSink, error)
}

// SinkOpenerFunc adapts a function to SinkOpener.
type SinkOpenerFunc func(path string, video *VideoSpec, audio []AudioTrackSpec) (EncodingSink, error)

func (f SinkOpenerFunc) Open(path string, video *VideoSpec, audio []AudioTrackSpec) (EncodingSink, error) {
	return f(path, video, audio)
}

// EncodingSink is a container writer. Timestamps and durations are in
// 100 ns units. Implementations need not be safe for concurrent use.
type EncodingSink interface {
	// Handles lists the streams created at open, video first.
	Handles() []StreamHandle

	WriteFrame(h StreamHandle, data []byte, ts, dur int64) error
	SendEndMarker(h StreamHandle, ts int64) error
	Flush() error

	// Finalize completes the container. It returns ErrEmptyMedia when no
	// unit was ever written.
	Finalize() error

	// Close releases the output without finalizing. Safe to call twice.
	Close() error
}
