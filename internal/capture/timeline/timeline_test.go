package timeline

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmguney/mux-sweeper/internal/capture/capturetest"
	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

var (
	fmt44 = core.AudioFormat{SampleRate: 44100, Channels: 2, BitsPerSample: 16}
	fmt48 = core.AudioFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
	video = &core.VideoSpec{Width: 4, Height: 2, FPS: 30}
)

func openTimeline(t *testing.T, layout Layout) (*Timeline, *capturetest.Sink) {
	t.Helper()
	sink := &capturetest.Sink{}
	tl := New(sink.Opener(nil), nil)
	require.NoError(t, tl.Open("out.mp4", layout))
	return tl, sink
}

func batch(src core.SourceKind, frames uint32, f core.AudioFormat) core.SampleBatch {
	return core.SampleBatch{Source: src, Frames: frames, Data: make([]byte, int(frames)*f.BlockAlign())}
}

func TestLayoutStreams(t *testing.T) {
	sys, mic := fmt48, fmt44

	tests := []struct {
		name   string
		layout Layout
		tags   []core.StreamTag
	}{
		{"video only", Layout{Video: video}, []core.StreamTag{core.StreamVideo}},
		{"video and system", Layout{Video: video, System: &sys}, []core.StreamTag{core.StreamVideo, core.StreamAudio}},
		{"video and mic", Layout{Video: video, Mic: &mic}, []core.StreamTag{core.StreamVideo, core.StreamAudio}},
		{"dual track", Layout{Video: video, System: &sys, Mic: &mic},
			[]core.StreamTag{core.StreamVideo, core.StreamSystemAudio, core.StreamMicAudio}},
		{"audio only with both sources shares one stream", Layout{System: &sys, Mic: &mic, AudioOnly: true},
			[]core.StreamTag{core.StreamAudio}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, sink := openTimeline(t, tt.layout)
			var tags []core.StreamTag
			for _, h := range sink.Handles() {
				tags = append(tags, h.Tag)
			}
			assert.Equal(t, tt.tags, tags)
		})
	}
}

func TestMergedTrackUsesMicFormat(t *testing.T) {
	sys, mic := fmt48, fmt44
	_, sink := openTimeline(t, Layout{System: &sys, Mic: &mic, AudioOnly: true})
	require.Len(t, sink.Audio, 1)
	assert.Equal(t, fmt44, sink.Audio[0].Format)
}

func TestOpenRejectsInvalidFormat(t *testing.T) {
	bad := core.AudioFormat{SampleRate: 0, Channels: 2, BitsPerSample: 16}
	sink := &capturetest.Sink{}
	tl := New(sink.Opener(nil), nil)

	err := tl.Open("out.mp4", Layout{Mic: &bad, AudioOnly: true})
	assert.True(t, errors.Is(err, core.ErrInvalidFormat))
	assert.False(t, tl.IsOpen())
	assert.Empty(t, sink.Path, "sink must not be created")
}

func TestOpenFailsWhenSinkFails(t *testing.T) {
	sink := &capturetest.Sink{}
	tl := New(sink.Opener(errors.New("permission denied")), nil)

	err := tl.Open("/nope/out.mp4", Layout{Video: video})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.False(t, tl.IsOpen())
}

func TestWriteErrors(t *testing.T) {
	tl := New((&capturetest.Sink{}).Opener(nil), nil)
	assert.True(t, errors.Is(tl.Write(core.StreamVideo, []byte{1}, 0, 1), core.ErrNotOpen))

	tl, _ = openTimeline(t, Layout{Video: video})
	err := tl.Write(core.StreamMicAudio, []byte{1}, 0, 1)
	assert.True(t, errors.Is(err, core.ErrUnknownStream))
}

func TestVideoFramesAreStampedFromCounter(t *testing.T) {
	tl, sink := openTimeline(t, Layout{Video: video})

	for i := 0; i < 3; i++ {
		require.NoError(t, tl.WriteVideo(&core.FrameUnit{Data: make([]byte, 32), Width: 4, Height: 2}))
	}

	units := sink.UnitsFor(core.StreamVideo)
	require.Len(t, units, 3)
	assert.Equal(t, []int64{0, 333333, 666667}, []int64{units[0].TS, units[1].TS, units[2].TS})
	for _, u := range units {
		assert.Equal(t, int64(333333), u.Dur)
	}
	assert.Equal(t, uint64(3), tl.Count(core.StreamVideo))
}

func TestRejectedWriteDoesNotAdvanceCounter(t *testing.T) {
	tl, sink := openTimeline(t, Layout{Video: video})
	sink.WriteErr = errors.New("sink busy")

	assert.Error(t, tl.WriteVideo(&core.FrameUnit{Data: make([]byte, 32)}))
	assert.Zero(t, tl.Count(core.StreamVideo))

	sink.WriteErr = nil
	require.NoError(t, tl.WriteVideo(&core.FrameUnit{Data: make([]byte, 32)}))
	assert.Equal(t, int64(0), sink.UnitsFor(core.StreamVideo)[0].TS)
}

func TestDualTrackRoutesBySource(t *testing.T) {
	sys, mic := fmt48, fmt44
	tl, sink := openTimeline(t, Layout{Video: video, System: &sys, Mic: &mic})

	require.NoError(t, tl.WriteAudio(batch(core.SourceSystem, 480, sys)))
	require.NoError(t, tl.WriteAudio(batch(core.SourceMicrophone, 441, mic)))
	require.NoError(t, tl.WriteAudio(batch(core.SourceSystem, 480, sys)))

	system := sink.UnitsFor(core.StreamSystemAudio)
	require.Len(t, system, 2)
	assert.Equal(t, int64(0), system[0].TS)
	assert.Equal(t, int64(100000), system[1].TS)

	micUnits := sink.UnitsFor(core.StreamMicAudio)
	require.Len(t, micUnits, 1)
	assert.Equal(t, int64(100000), micUnits[0].Dur)
	assert.Equal(t, uint64(960), tl.Count(core.StreamSystemAudio))
	assert.Equal(t, uint64(441), tl.Count(core.StreamMicAudio))
}

func TestSingleTrackInterleavesBothSources(t *testing.T) {
	sys, mic := fmt44, fmt44
	tl, sink := openTimeline(t, Layout{System: &sys, Mic: &mic, AudioOnly: true})

	// both sources advance the same counter; their batches follow each other
	// on the timeline instead of being summed
	require.NoError(t, tl.WriteAudio(batch(core.SourceSystem, 441, sys)))
	require.NoError(t, tl.WriteAudio(batch(core.SourceMicrophone, 441, mic)))
	require.NoError(t, tl.WriteAudio(batch(core.SourceSystem, 441, sys)))

	units := sink.UnitsFor(core.StreamAudio)
	require.Len(t, units, 3)
	assert.Equal(t, []int64{0, 100000, 200000}, []int64{units[0].TS, units[1].TS, units[2].TS})
	assert.Equal(t, uint64(1323), tl.Count(core.StreamAudio))
}

func TestEmptyBatchIsIgnored(t *testing.T) {
	mic := fmt44
	tl, sink := openTimeline(t, Layout{Mic: &mic, AudioOnly: true})

	require.NoError(t, tl.WriteAudio(core.SampleBatch{Source: core.SourceMicrophone}))
	assert.Empty(t, sink.Units)
}

func TestFinalizeSendsEndMarkers(t *testing.T) {
	sys, mic := fmt48, fmt44
	tl, sink := openTimeline(t, Layout{Video: video, System: &sys, Mic: &mic})

	for i := 0; i < 60; i++ {
		require.NoError(t, tl.WriteVideo(&core.FrameUnit{Data: make([]byte, 32)}))
	}
	require.NoError(t, tl.WriteAudio(batch(core.SourceSystem, 480, sys)))

	require.NoError(t, tl.Finalize())
	assert.Equal(t, 1, sink.Flushes)
	assert.Equal(t, 1, sink.Finalizes)
	assert.Equal(t, VideoTimestamp(59, 30), sink.Ends[core.StreamVideo])
	assert.Equal(t, int64(0), sink.Ends[core.StreamSystemAudio])
	_, micEnded := sink.Ends[core.StreamMicAudio]
	assert.False(t, micEnded, "streams without data get no end marker")
}

func TestFinalizeWithoutMediaSucceeds(t *testing.T) {
	tl, sink := openTimeline(t, Layout{Video: video})

	assert.NoError(t, tl.Finalize())
	assert.Equal(t, 1, sink.Finalizes)
	assert.Empty(t, sink.Ends)
}

func TestFinalizeFailure(t *testing.T) {
	tl, sink := openTimeline(t, Layout{Video: video})
	sink.FinalizeErr = errors.New("disk full")

	err := tl.Finalize()
	assert.True(t, errors.Is(err, core.ErrFinalize))
	assert.Contains(t, err.Error(), "disk full")
}

func TestCloseIsIdempotent(t *testing.T) {
	tl, sink := openTimeline(t, Layout{Video: video})
	require.NoError(t, tl.WriteVideo(&core.FrameUnit{Data: make([]byte, 32)}))

	tl.Close()
	tl.Close()

	assert.Equal(t, 1, sink.Closes)
	assert.False(t, tl.IsOpen())
	assert.Zero(t, tl.Count(core.StreamVideo))
	assert.True(t, errors.Is(tl.Finalize(), core.ErrNotOpen))

	// a closed timeline can be opened again for a new session
	require.NoError(t, tl.Open("again.mp4", Layout{Video: video}))
	require.NoError(t, tl.WriteVideo(&core.FrameUnit{Data: make([]byte, 32)}))
	assert.Equal(t, int64(0), sink.Units[len(sink.Units)-1].TS)
}
