package source

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// TestPattern is a video source drawing moving color bars at a fixed rate.
type TestPattern struct {
	width, height int
	fps           int
	clock         clock.PassiveClock

	running bool
	start   time.Time
	next    int64 // index of the next frame to produce
}

// NewTestPattern creates a width x height pattern produced at fps.
func NewTestPattern(width, height, fps int, clk clock.PassiveClock) *TestPattern {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &TestPattern{width: width, height: height, fps: fps, clock: clk}
}

func (p *TestPattern) Open() error {
	if p.width <= 0 || p.height <= 0 || p.fps <= 0 {
		return errors.Errorf("invalid test pattern %dx%d@%d", p.width, p.height, p.fps)
	}
	return nil
}

func (p *TestPattern) Start() error {
	p.running = true
	p.start = p.clock.Now()
	p.next = 0
	return nil
}

func (p *TestPattern) Stop() error {
	p.running = false
	return nil
}

func (p *TestPattern) Close() error { return nil }

func (p *TestPattern) Size() (int, int) {
	return p.width, p.height
}

var bars = [][3]byte{
	{0xff, 0xff, 0xff}, {0x00, 0xff, 0xff}, {0xff, 0xff, 0x00}, {0x00, 0xff, 0x00},
	{0xff, 0x00, 0xff}, {0x00, 0x00, 0xff}, {0xff, 0x00, 0x00}, {0x00, 0x00, 0x00},
}

// PollFrame produces a frame once its due time has passed. Frames missed
// while nobody polled are skipped rather than queued.
func (p *TestPattern) PollFrame() (*core.FrameUnit, error) {
	if !p.running {
		return nil, nil
	}
	due := p.clock.Since(p.start) * time.Duration(p.fps) / time.Second
	if int64(due) < p.next {
		return nil, nil
	}
	index := uint64(due)
	p.next = int64(due) + 1

	data := make([]byte, p.width*p.height*4)
	barWidth := p.width/len(bars) + 1
	shift := int(index) % p.width
	for y := 0; y < p.height; y++ {
		row := data[y*p.width*4:]
		for x := 0; x < p.width; x++ {
			bgr := bars[((x+shift)%p.width)/barWidth]
			row[x*4] = bgr[0]
			row[x*4+1] = bgr[1]
			row[x*4+2] = bgr[2]
			row[x*4+3] = 0xff
		}
	}
	return &core.FrameUnit{Data: data, Width: p.width, Height: p.height, Index: index}, nil
}

// Tone is an audio source producing a sine wave in 16-bit PCM, paced by the
// clock. A muted tone never delivers data, like an idle loopback device.
type Tone struct {
	format    core.AudioFormat
	frequency float64
	muted     bool
	clock     clock.PassiveClock

	running  bool
	start    time.Time
	produced uint64
	phase    float64

	buf     []byte
	pending uint32
}

// NewTone creates a tone source. frequency 0 yields digital silence that is
// still delivered as real data.
func NewTone(format core.AudioFormat, frequency float64, muted bool, clk clock.PassiveClock) *Tone {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tone{format: format, frequency: frequency, muted: muted, clock: clk}
}

func (t *Tone) Open() error {
	if err := t.format.Validate(); err != nil {
		return err
	}
	if t.format.BitsPerSample != 16 {
		return errors.Wrapf(core.ErrInvalidFormat, "tone needs 16-bit samples, got %d", t.format.BitsPerSample)
	}
	return nil
}

func (t *Tone) Start() error {
	t.running = true
	t.start = t.clock.Now()
	t.produced = 0
	return nil
}

func (t *Tone) Stop() error {
	t.running = false
	return nil
}

func (t *Tone) Close() error { return nil }

func (t *Tone) Format() core.AudioFormat {
	return t.format
}

// PollBuffer returns the samples due since the last poll, at most 100 ms.
func (t *Tone) PollBuffer() ([]byte, uint32, error) {
	if t.pending != 0 {
		return nil, 0, errors.New("previous buffer not released")
	}
	if !t.running || t.muted {
		return nil, 0, nil
	}

	due := uint64(t.clock.Since(t.start).Nanoseconds() * int64(t.format.SampleRate) / int64(time.Second))
	if due <= t.produced {
		return nil, 0, nil
	}
	frames := due - t.produced
	if limit := uint64(t.format.FramesFor(100 * time.Millisecond)); frames > limit {
		t.produced = due - limit
		frames = limit
	}

	size := int(frames) * t.format.BlockAlign()
	if cap(t.buf) < size {
		t.buf = make([]byte, size)
	}
	t.buf = t.buf[:size]

	step := 2 * math.Pi * t.frequency / float64(t.format.SampleRate)
	for i := 0; i < int(frames); i++ {
		v := int16(math.Sin(t.phase) * 0.25 * math.MaxInt16)
		t.phase = math.Mod(t.phase+step, 2*math.Pi)
		for ch := 0; ch < t.format.Channels; ch++ {
			off := (i*t.format.Channels + ch) * 2
			binary.LittleEndian.PutUint16(t.buf[off:], uint16(v))
		}
	}

	t.produced += frames
	t.pending = uint32(frames)
	return t.buf, t.pending, nil
}

func (t *Tone) ReleaseBuffer(frames uint32) error {
	if frames != t.pending {
		return errors.Errorf("release of %d frames, %d pending", frames, t.pending)
	}
	t.pending = 0
	return nil
}
