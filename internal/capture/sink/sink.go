// Package sink writes capture timelines into container files.
package sink

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// Format selects the container written by a sink.
type Format string

const (
	FormatMP4 Format = "mp4" // fragmented MP4, MJPEG + LPCM
	FormatMKV Format = "mkv" // Matroska, MJPEG + PCM
)

// ParseFormat accepts a format name or a file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(s), ".") {
	case "mp4", "fmp4", "m4v":
		return FormatMP4, nil
	case "mkv", "matroska":
		return FormatMKV, nil
	default:
		return "", errors.Errorf("unsupported container format %q", s)
	}
}

// Extension returns the file extension for f, including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// Options configures the sinks created by NewOpener.
type Options struct {
	Format           Format
	JPEGQuality      int
	FragmentDuration time.Duration // fMP4 only
	Logger           *slog.Logger
}

// NewOpener returns a SinkOpener that creates files in the configured format.
func NewOpener(opts Options) (core.SinkOpener, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 80
	}
	if opts.FragmentDuration <= 0 {
		opts.FragmentDuration = time.Second
	}

	switch opts.Format {
	case FormatMP4, "":
		return core.SinkOpenerFunc(func(path string, video *core.VideoSpec, audio []core.AudioTrackSpec) (core.EncodingSink, error) {
			return CreateFMP4(path, video, audio, opts)
		}), nil
	case FormatMKV:
		return core.SinkOpenerFunc(func(path string, video *core.VideoSpec, audio []core.AudioTrackSpec) (core.EncodingSink, error) {
			return CreateMKV(path, video, audio, opts)
		}), nil
	default:
		return nil, errors.Errorf("unsupported container format %q", opts.Format)
	}
}

func validateTracks(video *core.VideoSpec, audio []core.AudioTrackSpec) error {
	if video == nil && len(audio) == 0 {
		return errors.New("sink needs at least one stream")
	}
	if video != nil && (video.Width <= 0 || video.Height <= 0 || video.FPS <= 0) {
		return errors.Errorf("invalid video stream %dx%d@%d", video.Width, video.Height, video.FPS)
	}
	for _, a := range audio {
		if err := a.Format.Validate(); err != nil {
			return errors.Wrapf(err, "%s stream", a.Tag)
		}
	}
	return nil
}
