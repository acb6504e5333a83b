package capturetest

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// Lifecycle counts Device calls and can inject failures.
type Lifecycle struct {
	OpenErr  error
	StartErr error

	Opens  atomic.Int32
	Starts atomic.Int32
	Stops  atomic.Int32
	Closes atomic.Int32
}

func (l *Lifecycle) Open() error {
	l.Opens.Add(1)
	return l.OpenErr
}

func (l *Lifecycle) Start() error {
	l.Starts.Add(1)
	return l.StartErr
}

func (l *Lifecycle) Stop() error {
	l.Stops.Add(1)
	return nil
}

func (l *Lifecycle) Close() error {
	l.Closes.Add(1)
	return nil
}

// Video is a VideoSource whose polls are scripted by Ready.
type Video struct {
	Lifecycle
	Width, Height int

	// Ready decides whether poll number i yields a frame. Nil means always.
	Ready func(i int) bool
	// Err, when set, is returned by every poll.
	Err error

	polls int
	index uint64
}

// NewVideo returns a small always-ready video source.
func NewVideo(width, height int) *Video {
	return &Video{Width: width, Height: height}
}

func (v *Video) Size() (int, int) {
	return v.Width, v.Height
}

func (v *Video) PollFrame() (*core.FrameUnit, error) {
	i := v.polls
	v.polls++
	if v.Err != nil {
		return nil, v.Err
	}
	if v.Ready != nil && !v.Ready(i) {
		return nil, nil
	}
	f := &core.FrameUnit{
		Data:   make([]byte, v.Width*v.Height*4),
		Width:  v.Width,
		Height: v.Height,
		Index:  v.index,
	}
	v.index++
	return f, nil
}

// Polls returns how many times PollFrame was called.
func (v *Video) Polls() int {
	return v.polls
}

// Audio is an AudioSource whose polls are scripted by Deliver.
type Audio struct {
	Lifecycle
	AudioFormat core.AudioFormat

	// Deliver returns the frame count (or error) of poll number i.
	// Nil means the source never has data.
	Deliver func(i int) (uint32, error)

	polls    int
	pending  uint32
	Released uint64
	Real     uint64
}

// NewAudio returns a silent audio source in format f.
func NewAudio(f core.AudioFormat) *Audio {
	return &Audio{AudioFormat: f}
}

func (a *Audio) Format() core.AudioFormat {
	return a.AudioFormat
}

func (a *Audio) PollBuffer() ([]byte, uint32, error) {
	if a.pending != 0 {
		return nil, 0, errors.New("previous buffer not released")
	}
	i := a.polls
	a.polls++
	if a.Deliver == nil {
		return nil, 0, nil
	}
	frames, err := a.Deliver(i)
	if err != nil || frames == 0 {
		return nil, 0, err
	}
	data := make([]byte, int(frames)*a.AudioFormat.BlockAlign())
	for j := range data {
		data[j] = 0x7f
	}
	a.pending = frames
	a.Real += uint64(frames)
	return data, frames, nil
}

func (a *Audio) ReleaseBuffer(frames uint32) error {
	if frames != a.pending {
		return errors.Errorf("release of %d frames, %d pending", frames, a.pending)
	}
	a.Released += uint64(frames)
	a.pending = 0
	return nil
}

// Polls returns how many times PollBuffer was called.
func (a *Audio) Polls() int {
	return a.polls
}
