package sink

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
	"github.com/rmguney/mux-sweeper/internal/util"
)

// closeTimeout bounds how long Finalize waits for the block writer to drain.
const closeTimeout = 5 * time.Second

// MKVSink writes a Matroska file with an MJPEG video track and 16-bit
// little-endian PCM audio tracks. Block timestamps are in milliseconds.
type MKVSink struct {
	path    string
	logger  *slog.Logger
	video   *core.VideoSpec
	encoder *frameEncoder
	out     *fileCloser

	writers map[core.StreamTag]webm.BlockWriteCloser
	handles []core.StreamHandle
	counts  map[core.StreamTag]uint64
	lastTS  map[core.StreamTag]int64

	fatal   error
	fatalMu sync.Mutex
	written uint64
	closed  bool
}

// fileCloser wraps the output file so the block writer's final Close can be
// observed.
type fileCloser struct {
	file   *os.File
	logger *util.Logger
	once   sync.Once
	done   chan struct{}
	err    error
	failed bool
}

func (fc *fileCloser) Write(p []byte) (n int, err error) {
	if fc.failed {
		return 0, io.ErrClosedPipe
	}
	n, err = fc.file.Write(p)
	if err != nil {
		fc.logger.Warnf("Write error detected, marking writer as failed: %v (%T, %d of %d bytes written)",
			err, err, n, len(p))
		fc.failed = true
	}
	return n, err
}

func (fc *fileCloser) Close() error {
	fc.once.Do(func() {
		fc.err = fc.file.Close()
		close(fc.done)
	})
	return fc.err
}

// CreateMKV creates the file at path and writes the Matroska header.
func CreateMKV(path string, video *core.VideoSpec, audio []core.AudioTrackSpec, opts Options) (*MKVSink, error) {
	if err := validateTracks(video, audio); err != nil {
		return nil, err
	}
	for _, a := range audio {
		if a.Format.BitsPerSample != 16 {
			return nil, errors.Wrapf(core.ErrInvalidFormat, "matroska %s stream needs 16-bit PCM, got %d", a.Tag, a.Format.BitsPerSample)
		}
	}

	s := &MKVSink{
		path:    path,
		logger:  opts.Logger.With("component", "mkv_sink"),
		video:   video,
		encoder: newFrameEncoder(opts.JPEGQuality),
		writers: make(map[core.StreamTag]webm.BlockWriteCloser),
		counts:  make(map[core.StreamTag]uint64),
		lastTS:  make(map[core.StreamTag]int64),
	}

	var entries []webm.TrackEntry
	if video != nil {
		entries = append(entries, webm.TrackEntry{
			Name:            "Video",
			TrackNumber:     uint64(len(entries) + 1),
			TrackUID:        uint64(len(entries) + 1),
			CodecID:         "V_MJPEG",
			TrackType:       1,
			DefaultDuration: uint64(time.Second.Nanoseconds() / int64(video.FPS)),
			Video: &webm.Video{
				PixelWidth:  uint64(video.Width),
				PixelHeight: uint64(video.Height),
			},
		})
		s.handles = append(s.handles, core.StreamHandle{Tag: core.StreamVideo, TrackID: len(entries)})
	}
	for _, a := range audio {
		entries = append(entries, webm.TrackEntry{
			Name:        a.Name,
			TrackNumber: uint64(len(entries) + 1),
			TrackUID:    uint64(len(entries) + 1),
			CodecID:     "A_PCM/INT/LIT",
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(a.Format.SampleRate),
				Channels:          uint64(a.Format.Channels),
			},
		})
		s.handles = append(s.handles, core.StreamHandle{Tag: a.Tag, TrackID: len(entries)})
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create output file")
	}
	s.out = &fileCloser{file: f, logger: util.NewCompatLogger(s.logger), done: make(chan struct{})}

	header := *webm.DefaultEBMLHeader
	header.DocType = "matroska"

	writers, err := webm.NewSimpleBlockWriter(s.out, entries,
		mkvcore.WithEBMLHeader(&header),
		mkvcore.WithOnFatalHandler(func(err error) {
			s.logger.Warn("Matroska writer error", "error", err)
			s.fatalMu.Lock()
			s.fatal = err
			s.fatalMu.Unlock()
		}))
	if err != nil {
		s.out.Close()
		return nil, errors.Wrap(err, "create matroska writer")
	}
	for i, h := range s.handles {
		s.writers[h.Tag] = writers[i]
	}

	s.logger.Info("🎬 Matroska container initialized", "path", path, "tracks", len(entries))
	return s, nil
}

// Handles returns the declared tracks, video first.
func (s *MKVSink) Handles() []core.StreamHandle {
	return s.handles
}

func (s *MKVSink) fatalErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}

// WriteFrame writes one block. Timestamps are truncated to milliseconds.
func (s *MKVSink) WriteFrame(h core.StreamHandle, data []byte, ts, dur int64) error {
	if s.closed {
		return errors.New("sink closed")
	}
	if err := s.fatalErr(); err != nil {
		return errors.Wrap(err, "matroska writer failed")
	}
	w, ok := s.writers[h.Tag]
	if !ok {
		return errors.Wrapf(core.ErrUnknownStream, "track %d (%s)", h.TrackID, h.Tag)
	}
	if len(data) == 0 {
		return errors.New("empty unit")
	}

	payload := data
	if h.Tag == core.StreamVideo {
		var err error
		payload, err = s.encoder.Encode(data, s.video.Width, s.video.Height)
		if err != nil {
			return err
		}
	} else {
		payload = bytes.Clone(data)
	}

	if _, err := w.Write(true, ts/10_000, payload); err != nil {
		return errors.Wrapf(err, "write %s block", h.Tag)
	}
	s.counts[h.Tag]++
	s.lastTS[h.Tag] = ts
	s.written++
	return nil
}

// SendEndMarker is informational for Matroska; the track ends with its
// last block.
func (s *MKVSink) SendEndMarker(h core.StreamHandle, ts int64) error {
	if _, ok := s.writers[h.Tag]; !ok {
		return errors.Wrapf(core.ErrUnknownStream, "track %d (%s)", h.TrackID, h.Tag)
	}
	s.logger.Debug("Stream ended", "stream", h.Tag, "ts", ts, "blocks", s.counts[h.Tag])
	return nil
}

// Flush is a no-op; blocks go straight to the file.
func (s *MKVSink) Flush() error {
	return s.fatalErr()
}

// Finalize closes every track writer and waits for the file to be closed.
func (s *MKVSink) Finalize() error {
	if s.closed {
		return errors.New("sink closed")
	}
	s.closeWriters()

	select {
	case <-s.out.done:
	case <-time.After(closeTimeout):
		s.out.Close()
		return errors.New("timed out waiting for matroska writer")
	}
	s.closed = true

	if s.out.err != nil {
		return errors.Wrap(s.out.err, "close output file")
	}
	if err := s.fatalErr(); err != nil {
		return err
	}

	s.logger.Info("Matroska file finalized", "path", s.path, "blocks", s.written)
	if s.written == 0 {
		return core.ErrEmptyMedia
	}
	return nil
}

func (s *MKVSink) closeWriters() {
	for _, h := range s.handles {
		if err := s.writers[h.Tag].Close(); err != nil {
			s.logger.Debug("Track writer close", "stream", h.Tag, "error", err)
		}
	}
}

// Close abandons the file. Safe to call after Finalize.
func (s *MKVSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeWriters()
	return s.out.Close()
}
