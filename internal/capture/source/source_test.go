package source

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/rmguney/mux-sweeper/internal/capture/capturetest"
	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

var pcm16 = core.AudioFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16}

func TestFrameCacheStoresCopy(t *testing.T) {
	c := NewFrameCache(64)
	assert.Nil(t, c.Load())

	src := &core.FrameUnit{Data: []byte{1, 2, 3, 4}, Width: 1, Height: 1, Index: 7}
	require.True(t, c.Store(src))
	src.Data[0] = 9

	got := c.Load()
	require.NotNil(t, got)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Data)
	assert.Equal(t, uint64(7), got.Index)

	got.Data[1] = 9
	assert.Equal(t, []byte{1, 2, 3, 4}, c.Load().Data, "loads are independent copies")
}

func TestFrameCacheLimit(t *testing.T) {
	c := NewFrameCache(8)
	require.True(t, c.Store(&core.FrameUnit{Data: make([]byte, 8)}))

	assert.False(t, c.Store(&core.FrameUnit{Data: make([]byte, 16)}))
	assert.Nil(t, c.Load(), "oversized frame invalidates the cache")

	require.True(t, c.Store(&core.FrameUnit{Data: make([]byte, 4)}))
	c.Release()
	assert.Nil(t, c.Load())
}

func TestCachingVideoRepeatsLastFrame(t *testing.T) {
	inner := capturetest.NewVideo(2, 2)
	inner.Ready = func(i int) bool { return i == 1 }
	v := NewCachingVideo(inner, DefaultCacheLimit, nil)

	f, err := v.PollFrame()
	require.NoError(t, err)
	assert.Nil(t, f, "nothing cached yet")

	f, err = v.PollFrame()
	require.NoError(t, err)
	require.NotNil(t, f)

	f, err = v.PollFrame()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint64(1), v.Repeats())

	require.NoError(t, v.Close())
	assert.Equal(t, int32(1), inner.Closes.Load())
}

func TestCachingVideoPassesErrors(t *testing.T) {
	inner := capturetest.NewVideo(2, 2)
	v := NewCachingVideo(inner, DefaultCacheLimit, nil)
	_, err := v.PollFrame()
	require.NoError(t, err)

	inner.Err = io.ErrUnexpectedEOF
	f, err := v.PollFrame()
	assert.Nil(t, f)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPipeVideoDeliversNewestFrame(t *testing.T) {
	r, w := io.Pipe()
	v := NewPipeVideo(r, 2, 1, nil)
	require.NoError(t, v.Open())
	require.NoError(t, v.Start())

	_, err := w.Write([]byte{1, 1, 1, 1, 1, 1, 1, 1})
	require.NoError(t, err)
	_, err = w.Write([]byte{2, 2, 2, 2, 2, 2, 2, 2})
	require.NoError(t, err)

	var f *core.FrameUnit
	require.Eventually(t, func() bool {
		f, _ = v.PollFrame()
		return f != nil && f.Data[0] == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2, f.Width)

	f, err = v.PollFrame()
	require.NoError(t, err)
	assert.Nil(t, f, "each frame is handed out once")

	require.NoError(t, w.Close())
	require.Eventually(t, v.ended.Load, time.Second, time.Millisecond)
	assert.NoError(t, v.Close())
}

func TestPipeVideoRejectsBadSize(t *testing.T) {
	r, _ := io.Pipe()
	assert.Error(t, NewPipeVideo(r, 0, 10, nil).Open())
}

func TestPipeAudioBuffersWholeFrames(t *testing.T) {
	r, w := io.Pipe()
	a := NewPipeAudio(r, pcm16, nil)
	require.NoError(t, a.Open())
	require.NoError(t, a.Start())

	// 2.5 frames: the half frame stays queued
	_, err := w.Write(make([]byte, 10))
	require.NoError(t, err)

	var frames uint32
	require.Eventually(t, func() bool {
		_, frames, _ = a.PollBuffer()
		return frames > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint32(2), frames)

	_, _, err = a.PollBuffer()
	assert.Error(t, err, "poll before release")
	assert.Error(t, a.ReleaseBuffer(1))
	require.NoError(t, a.ReleaseBuffer(2))

	_, n, err := a.PollBuffer()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, w.Close())
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "close is idempotent")
}

func TestPipeAudioDropsWhenStopped(t *testing.T) {
	r, w := io.Pipe()
	a := NewPipeAudio(r, pcm16, nil)
	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())

	_, err := w.Write(make([]byte, 400))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Eventually(t, a.ended.Load, time.Second, time.Millisecond)

	_, n, err := a.PollBuffer()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, a.Close())
}

func TestPipeAudioCountsOverflow(t *testing.T) {
	r, w := io.Pipe()
	// one second of this format is 200 bytes
	a := NewPipeAudio(r, core.AudioFormat{SampleRate: 100, Channels: 1, BitsPerSample: 16}, nil)
	require.NoError(t, a.Start())

	_, err := w.Write(make([]byte, 300))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Dropped() == 50 }, time.Second, time.Millisecond)

	_, n, err := a.PollBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), n, "the newest second is kept")
	require.NoError(t, a.ReleaseBuffer(n))

	require.NoError(t, w.Close())
	assert.NoError(t, a.Close())
}

func TestTestPatternFollowsClock(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Unix(0, 0))
	p := NewTestPattern(16, 4, 10, clk)
	require.NoError(t, p.Open())

	f, err := p.PollFrame()
	require.NoError(t, err)
	assert.Nil(t, f, "not started")

	require.NoError(t, p.Start())
	f, _ = p.PollFrame()
	require.NotNil(t, f)
	assert.Len(t, f.Data, 16*4*4)

	f, _ = p.PollFrame()
	assert.Nil(t, f, "second frame is not due yet")

	clk.Step(350 * time.Millisecond)
	f, _ = p.PollFrame()
	require.NotNil(t, f)
	assert.Equal(t, uint64(3), f.Index, "missed frames are skipped")
}

func TestTonePacing(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Unix(0, 0))
	tone := NewTone(pcm16, 440, false, clk)
	require.NoError(t, tone.Open())
	require.NoError(t, tone.Start())

	clk.Step(20 * time.Millisecond)
	data, frames, err := tone.PollBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(960), frames)
	assert.Len(t, data, 960*4)
	require.NoError(t, tone.ReleaseBuffer(frames))

	clk.Step(time.Second)
	_, frames, err = tone.PollBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(4800), frames, "capped at 100 ms")
	require.NoError(t, tone.ReleaseBuffer(frames))
}

func TestMutedToneDeliversNothing(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Unix(0, 0))
	tone := NewTone(pcm16, 440, true, clk)
	require.NoError(t, tone.Start())
	clk.Step(time.Second)

	_, frames, err := tone.PollBuffer()
	require.NoError(t, err)
	assert.Zero(t, frames)
}

func TestToneRequires16Bit(t *testing.T) {
	tone := NewTone(core.AudioFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 32}, 440, false, nil)
	assert.ErrorIs(t, tone.Open(), core.ErrInvalidFormat)
}
