package sink

import (
	"bytes"
	"log/slog"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// trackTimeScale matches the capture timebase so timestamps need no scaling.
const trackTimeScale = 10_000_000

// FMP4Sink writes a fragmented MP4 file: one init segment followed by a
// fragment every FragmentDuration. Video is stored as MJPEG and audio as
// little-endian LPCM.
type FMP4Sink struct {
	file    *os.File
	path    string
	logger  *slog.Logger
	video   *core.VideoSpec
	encoder *frameEncoder

	tracks  map[core.StreamTag]*fmp4Track
	handles []core.StreamHandle

	fragmentDuration int64
	sequenceNumber   uint32
	written          uint64
	bytesOut         int64
	closed           bool
}

type fmp4Track struct {
	id        int
	tag       core.StreamTag
	codec     mp4.Codec
	lastDTS   int64
	sampleNum uint32
	endTS     int64
	ended     bool

	pending   []*fmp4.Sample
	pendingTS []int64
}

// span returns how much time the pending samples cover.
func (t *fmp4Track) span() int64 {
	if len(t.pending) == 0 {
		return 0
	}
	last := len(t.pending) - 1
	return t.pendingTS[last] - t.pendingTS[0] + int64(t.pending[last].Duration)
}

// CreateFMP4 creates the file at path and writes the init segment.
func CreateFMP4(path string, video *core.VideoSpec, audio []core.AudioTrackSpec, opts Options) (*FMP4Sink, error) {
	if err := validateTracks(video, audio); err != nil {
		return nil, err
	}

	s := &FMP4Sink{
		path:             path,
		logger:           opts.Logger.With("component", "fmp4_sink"),
		video:            video,
		encoder:          newFrameEncoder(opts.JPEGQuality),
		tracks:           make(map[core.StreamTag]*fmp4Track),
		fragmentDuration: opts.FragmentDuration.Nanoseconds() / 100,
		sequenceNumber:   1,
	}

	init := &fmp4.Init{}
	nextID := 1
	if video != nil {
		codec := &mp4.CodecMJPEG{Width: video.Width, Height: video.Height}
		s.addTrack(init, nextID, core.StreamVideo, codec)
		nextID++
	}
	for _, a := range audio {
		codec := &mp4.CodecLPCM{
			LittleEndian: true,
			BitDepth:     a.Format.BitsPerSample,
			SampleRate:   a.Format.SampleRate,
			ChannelCount: a.Format.Channels,
		}
		s.addTrack(init, nextID, a.Tag, codec)
		nextID++
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, errors.Wrap(err, "marshal init segment")
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create output file")
	}
	s.file = f

	if err := s.write(buf.Bytes()); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "write init segment")
	}

	s.logger.Info("fMP4 init segment written", "path", path, "tracks", len(s.handles), "size", len(buf.Bytes()))
	return s, nil
}

func (s *FMP4Sink) addTrack(init *fmp4.Init, id int, tag core.StreamTag, codec mp4.Codec) {
	s.tracks[tag] = &fmp4Track{id: id, tag: tag, codec: codec}
	s.handles = append(s.handles, core.StreamHandle{Tag: tag, TrackID: id})
	init.Tracks = append(init.Tracks, &fmp4.InitTrack{
		ID:        id,
		TimeScale: trackTimeScale,
		Codec:     codec,
	})
}

func (s *FMP4Sink) write(b []byte) error {
	n, err := s.file.Write(b)
	s.bytesOut += int64(n)
	return err
}

// Handles returns the streams declared in the init segment.
func (s *FMP4Sink) Handles() []core.StreamHandle {
	return s.handles
}

func (s *FMP4Sink) track(h core.StreamHandle) (*fmp4Track, error) {
	if s.closed {
		return nil, errors.New("sink closed")
	}
	t, ok := s.tracks[h.Tag]
	if !ok || t.id != h.TrackID {
		return nil, errors.Wrapf(core.ErrUnknownStream, "track %d (%s)", h.TrackID, h.Tag)
	}
	return t, nil
}

// WriteFrame queues one sample and emits a fragment once any track has
// buffered FragmentDuration worth of samples.
func (s *FMP4Sink) WriteFrame(h core.StreamHandle, data []byte, ts, dur int64) error {
	t, err := s.track(h)
	if err != nil {
		return err
	}
	if t.ended {
		return errors.Errorf("%s stream already ended", t.tag)
	}
	if len(data) == 0 {
		return errors.New("empty unit")
	}
	if t.sampleNum > 0 && ts < t.lastDTS {
		return errors.Errorf("%s timestamp %d before previous %d", t.tag, ts, t.lastDTS)
	}

	var payload []byte
	if t.tag == core.StreamVideo {
		payload, err = s.encoder.Encode(data, s.video.Width, s.video.Height)
		if err != nil {
			return err
		}
	} else {
		payload = bytes.Clone(data)
	}

	prevDTS := t.lastDTS
	var prevDur uint32
	if n := len(t.pending); n > 0 {
		prevDur = t.pending[n-1].Duration
	}

	t.pending = append(t.pending, &fmp4.Sample{
		Duration: uint32(dur),
		Payload:  payload,
	})
	t.pendingTS = append(t.pendingTS, ts)
	t.lastDTS = ts
	t.sampleNum++
	s.written++

	if t.span() >= s.fragmentDuration {
		if err := s.Flush(); err != nil {
			// a rejected sample must not be written by a later fragment
			n := len(t.pending) - 1
			t.pending = t.pending[:n]
			t.pendingTS = t.pendingTS[:n]
			if n > 0 {
				t.pending[n-1].Duration = prevDur
			}
			t.lastDTS = prevDTS
			t.sampleNum--
			s.written--
			return err
		}
	}
	return nil
}

// SendEndMarker records where a stream ends. No further samples are
// accepted on that stream.
func (s *FMP4Sink) SendEndMarker(h core.StreamHandle, ts int64) error {
	t, err := s.track(h)
	if err != nil {
		return err
	}
	if ts < t.lastDTS {
		s.logger.Warn("End marker precedes last sample", "stream", t.tag, "ts", ts, "last", t.lastDTS)
	}
	t.endTS = ts
	t.ended = true
	s.logger.Debug("Stream ended", "stream", t.tag, "ts", ts, "samples", t.sampleNum)
	return nil
}

// Flush writes every pending sample as one fragment.
func (s *FMP4Sink) Flush() error {
	if s.closed {
		return errors.New("sink closed")
	}

	part := &fmp4.Part{SequenceNumber: s.sequenceNumber}
	samples := 0
	for _, h := range s.handles {
		t := s.tracks[h.Tag]
		if len(t.pending) == 0 {
			continue
		}
		// sample durations follow the timestamps so the track stays contiguous
		for i := 0; i+1 < len(t.pending); i++ {
			if d := t.pendingTS[i+1] - t.pendingTS[i]; d > 0 {
				t.pending[i].Duration = uint32(d)
			}
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.pendingTS[0]),
			Samples:  t.pending,
		})
		samples += len(t.pending)
	}
	if samples == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return errors.Wrap(err, "marshal fragment")
	}
	if err := s.write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write fragment")
	}

	for _, t := range s.tracks {
		t.pending = t.pending[:0]
		t.pendingTS = t.pendingTS[:0]
	}
	s.logger.Debug("Fragment written", "sequence", s.sequenceNumber, "samples", samples, "size", len(buf.Bytes()))
	s.sequenceNumber++
	return nil
}

// Finalize flushes the last fragment and closes the file. It returns
// core.ErrEmptyMedia when no sample was ever written.
func (s *FMP4Sink) Finalize() error {
	if s.closed {
		return errors.New("sink closed")
	}
	if err := s.Flush(); err != nil {
		s.Close()
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.logger.Warn("Sync failed", "error", err)
	}

	empty := s.written == 0
	if err := s.Close(); err != nil {
		return errors.Wrap(err, "close output file")
	}

	attrs := []any{"path", s.path, "fragments", s.sequenceNumber - 1, "bytes", s.bytesOut}
	for _, h := range s.handles {
		attrs = append(attrs, h.Tag.String(), s.tracks[h.Tag].sampleNum)
	}
	s.logger.Info("fMP4 file finalized", attrs...)

	if empty {
		return core.ErrEmptyMedia
	}
	return nil
}

// Close closes the file without writing pending samples.
func (s *FMP4Sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
