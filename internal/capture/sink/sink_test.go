package sink

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
	"github.com/rmguney/mux-sweeper/internal/util"
)

var (
	testVideo = &core.VideoSpec{Width: 16, Height: 8, FPS: 30}
	testAudio = []core.AudioTrackSpec{
		{Tag: core.StreamSystemAudio, Name: "System Audio", Format: core.AudioFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16}},
		{Tag: core.StreamMicAudio, Name: "Microphone", Format: core.AudioFormat{SampleRate: 44100, Channels: 1, BitsPerSample: 16}},
	}
)

func testOptions(format Format) Options {
	return Options{
		Format:           format,
		JPEGQuality:      75,
		FragmentDuration: 500 * time.Millisecond,
		Logger:           slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
}

func frame(w, h int) []byte {
	data := make([]byte, w*h*4)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func handleFor(t *testing.T, s core.EncodingSink, tag core.StreamTag) core.StreamHandle {
	t.Helper()
	for _, h := range s.Handles() {
		if h.Tag == tag {
			return h
		}
	}
	t.Fatalf("no %s handle", tag)
	return core.StreamHandle{}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"mp4", FormatMP4, false},
		{".MP4", FormatMP4, false},
		{"fmp4", FormatMP4, false},
		{"mkv", FormatMKV, false},
		{"matroska", FormatMKV, false},
		{"avi", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, ".mkv", FormatMKV.Extension())
}

func TestNewOpenerRejectsUnknownFormat(t *testing.T) {
	_, err := NewOpener(Options{Format: "avi"})
	assert.Error(t, err)
}

func TestFrameEncoderRejectsShortFrame(t *testing.T) {
	enc := newFrameEncoder(80)
	_, err := enc.Encode(make([]byte, 10), 16, 8)
	assert.Error(t, err)

	pic, err := enc.Encode(frame(16, 8), 16, 8)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pic, []byte{0xff, 0xd8}), "JPEG SOI marker")
}

func TestFMP4WritesFragments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	opener, err := NewOpener(testOptions(FormatMP4))
	require.NoError(t, err)

	s, err := opener.Open(path, testVideo, testAudio)
	require.NoError(t, err)
	require.Len(t, s.Handles(), 3)

	video := handleFor(t, s, core.StreamVideo)
	system := handleFor(t, s, core.StreamSystemAudio)

	// one second of video, 30 frames, crosses the 500 ms fragment boundary
	for i := int64(0); i < 30; i++ {
		require.NoError(t, s.WriteFrame(video, frame(16, 8), i*333333, 333333))
		require.NoError(t, s.WriteFrame(system, make([]byte, 1600*4), i*333333, 333333))
	}
	require.NoError(t, s.SendEndMarker(video, 29*333333))
	assert.Error(t, s.WriteFrame(video, frame(16, 8), 30*333333, 333333), "ended stream rejects samples")

	require.NoError(t, s.Finalize())
	assert.NoError(t, s.Close(), "close after finalize is a no-op")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, box := range []string{"ftyp", "moov", "moof", "mdat"} {
		assert.True(t, bytes.Contains(data, []byte(box)), "missing %s box", box)
	}
	assert.GreaterOrEqual(t, bytes.Count(data, []byte("moof")), 2)
}

func TestFMP4RejectsBadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	s, err := CreateFMP4(path, testVideo, nil, testOptions(FormatMP4))
	require.NoError(t, err)
	defer s.Close()

	video := handleFor(t, s, core.StreamVideo)
	assert.Error(t, s.WriteFrame(video, make([]byte, 12), 0, 333333), "wrong frame size")
	assert.Error(t, s.WriteFrame(video, nil, 0, 333333), "empty unit")

	err = s.WriteFrame(core.StreamHandle{Tag: core.StreamMicAudio, TrackID: 2}, []byte{1, 2}, 0, 1)
	assert.True(t, errors.Is(err, core.ErrUnknownStream))

	require.NoError(t, s.WriteFrame(video, frame(16, 8), 666667, 333333))
	assert.Error(t, s.WriteFrame(video, frame(16, 8), 333333, 333333), "timestamps must not go backwards")
}

func TestFMP4FailedFlushDropsSample(t *testing.T) {
	opts := testOptions(FormatMP4)
	opts.FragmentDuration = time.Millisecond
	s, err := CreateFMP4(filepath.Join(t.TempDir(), "out.mp4"), testVideo, nil, opts)
	require.NoError(t, err)
	defer s.Close()

	video := handleFor(t, s, core.StreamVideo)
	require.NoError(t, s.WriteFrame(video, frame(16, 8), 0, 333333))

	// the next fragment write fails
	require.NoError(t, s.file.Close())
	assert.Error(t, s.WriteFrame(video, frame(16, 8), 333333, 333333))

	tr := s.tracks[core.StreamVideo]
	assert.Empty(t, tr.pending)
	assert.Empty(t, tr.pendingTS)
	assert.Equal(t, uint32(1), tr.sampleNum)
	assert.Equal(t, int64(0), tr.lastDTS)
	assert.Equal(t, uint64(1), s.written)
}

func TestFMP4EmptyFinalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mp4")
	s, err := CreateFMP4(path, nil, testAudio[:1], testOptions(FormatMP4))
	require.NoError(t, err)

	err = s.Finalize()
	assert.True(t, errors.Is(err, core.ErrEmptyMedia))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Size(), "init segment is still written")
}

func TestFMP4CreateFailsOnBadPath(t *testing.T) {
	_, err := CreateFMP4(filepath.Join(t.TempDir(), "missing", "out.mp4"), testVideo, nil, testOptions(FormatMP4))
	assert.Error(t, err)
}

func TestFMP4RejectsInvalidAudioFormat(t *testing.T) {
	bad := []core.AudioTrackSpec{{Tag: core.StreamAudio, Format: core.AudioFormat{SampleRate: 48000}}}
	_, err := CreateFMP4(filepath.Join(t.TempDir(), "out.mp4"), nil, bad, testOptions(FormatMP4))
	assert.True(t, errors.Is(err, core.ErrInvalidFormat))
}

func TestMKVWritesBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mkv")
	opener, err := NewOpener(testOptions(FormatMKV))
	require.NoError(t, err)

	s, err := opener.Open(path, testVideo, testAudio)
	require.NoError(t, err)

	video := handleFor(t, s, core.StreamVideo)
	mic := handleFor(t, s, core.StreamMicAudio)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, s.WriteFrame(video, frame(16, 8), i*333333, 333333))
		require.NoError(t, s.WriteFrame(mic, make([]byte, 1470*2), i*333333, 333333))
	}
	require.NoError(t, s.SendEndMarker(video, 9*333333))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Finalize())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte{0x1a, 0x45, 0xdf, 0xa3}), "EBML magic")
	assert.True(t, bytes.Contains(data, []byte("matroska")))
	assert.True(t, bytes.Contains(data, []byte("V_MJPEG")))
	assert.True(t, bytes.Contains(data, []byte("A_PCM/INT/LIT")))
}

func TestMKVEmptyFinalize(t *testing.T) {
	s, err := CreateMKV(filepath.Join(t.TempDir(), "empty.mkv"), testVideo, nil, testOptions(FormatMKV))
	require.NoError(t, err)

	assert.True(t, errors.Is(s.Finalize(), core.ErrEmptyMedia))
	assert.NoError(t, s.Close())
}

func TestMKVFileCloserMarksFailedWriter(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.mkv"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var logs bytes.Buffer
	fc := &fileCloser{
		file:   f,
		logger: util.NewCompatLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		done:   make(chan struct{}),
	}

	_, err = fc.Write([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "marking writer as failed")

	_, err = fc.Write([]byte{4})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestMKVRequires16BitAudio(t *testing.T) {
	audio := []core.AudioTrackSpec{{Tag: core.StreamAudio, Format: core.AudioFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 24}}}
	_, err := CreateMKV(filepath.Join(t.TempDir(), "out.mkv"), nil, audio, testOptions(FormatMKV))
	assert.True(t, errors.Is(err, core.ErrInvalidFormat))
}
