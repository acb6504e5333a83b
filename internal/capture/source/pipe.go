package source

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// pump runs a reader loop on its own goroutine from the first Start until
// Close. Start and Stop only toggle whether data read from the pipe is kept.
type pump struct {
	reader     io.ReadCloser
	logger     *slog.Logger
	group      errgroup.Group
	once       sync.Once
	delivering atomic.Bool
	ended      atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

func (p *pump) start(loop func() error) {
	p.delivering.Store(true)
	p.once.Do(func() {
		p.group.Go(func() error {
			defer p.ended.Store(true)
			err := loop()
			if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
				errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				p.logger.Info("Pipe ended")
				return nil
			}
			p.logger.Warn("Pipe read failed", "error", err)
			return err
		})
	})
}

func (p *pump) stop() {
	p.delivering.Store(false)
}

func (p *pump) close() error {
	p.closeOnce.Do(func() {
		p.delivering.Store(false)
		if err := p.reader.Close(); err != nil {
			p.logger.Debug("Pipe close", "error", err)
		}
		p.closeErr = p.group.Wait()
	})
	return p.closeErr
}

// PipeVideo reads raw BGRA frames of a fixed size from a reader, such as a
// FIFO fed by an external screen grabber.
type PipeVideo struct {
	pump
	width, height int

	mu     sync.Mutex
	latest []byte
	fresh  bool
	index  uint64
}

// NewPipeVideo creates a video source reading width*height*4 byte frames.
func NewPipeVideo(r io.ReadCloser, width, height int, logger *slog.Logger) *PipeVideo {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipeVideo{
		pump:   pump{reader: r, logger: logger.With("component", "pipe_video")},
		width:  width,
		height: height,
	}
}

func (v *PipeVideo) Open() error {
	if v.width <= 0 || v.height <= 0 {
		return errors.Errorf("invalid frame size %dx%d", v.width, v.height)
	}
	return nil
}

func (v *PipeVideo) Start() error {
	v.start(v.read)
	return nil
}

func (v *PipeVideo) Stop() error {
	v.stop()
	return nil
}

func (v *PipeVideo) Close() error {
	return v.close()
}

func (v *PipeVideo) Size() (int, int) {
	return v.width, v.height
}

func (v *PipeVideo) read() error {
	size := v.width * v.height * 4
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(v.reader, buf); err != nil {
			return err
		}
		if !v.delivering.Load() {
			continue
		}
		v.mu.Lock()
		v.latest = buf
		v.fresh = true
		v.mu.Unlock()
	}
}

// PollFrame hands over the newest complete frame, dropping older ones.
func (v *PipeVideo) PollFrame() (*core.FrameUnit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.fresh {
		return nil, nil
	}
	v.fresh = false
	f := &core.FrameUnit{Data: v.latest, Width: v.width, Height: v.height, Index: v.index}
	v.latest = nil
	v.index++
	return f, nil
}

// PipeAudio reads raw interleaved little-endian PCM from a reader.
type PipeAudio struct {
	pump
	format core.AudioFormat

	mu       sync.Mutex
	queue    bytes.Buffer
	maxQueue int
	dropped  uint64

	polled  []byte
	pending uint32
}

// NewPipeAudio creates an audio source of the given format. At most one
// second of audio is buffered; older data is dropped first.
func NewPipeAudio(r io.ReadCloser, format core.AudioFormat, logger *slog.Logger) *PipeAudio {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipeAudio{
		pump:     pump{reader: r, logger: logger.With("component", "pipe_audio")},
		format:   format,
		maxQueue: format.SampleRate * format.BlockAlign(),
	}
}

func (a *PipeAudio) Open() error {
	return a.format.Validate()
}

func (a *PipeAudio) Start() error {
	a.start(a.read)
	return nil
}

func (a *PipeAudio) Stop() error {
	a.stop()
	return nil
}

func (a *PipeAudio) Close() error {
	return a.close()
}

func (a *PipeAudio) Format() core.AudioFormat {
	return a.format
}

func (a *PipeAudio) read() error {
	chunk := make([]byte, 4096*a.format.BlockAlign())
	for {
		n, err := a.reader.Read(chunk)
		if n > 0 && a.delivering.Load() {
			a.mu.Lock()
			a.queue.Write(chunk[:n])
			if excess := a.queue.Len() - a.maxQueue; excess > 0 {
				align := a.format.BlockAlign()
				excess = (excess + align - 1) / align * align
				a.queue.Next(excess)
				a.dropped += uint64(excess / align)
			}
			a.mu.Unlock()
		}
		if err != nil {
			return err
		}
	}
}

// PollBuffer returns every whole frame buffered so far.
func (a *PipeAudio) PollBuffer() ([]byte, uint32, error) {
	if a.pending != 0 {
		return nil, 0, errors.New("previous buffer not released")
	}

	a.mu.Lock()
	align := a.format.BlockAlign()
	frames := a.queue.Len() / align
	if frames == 0 {
		a.mu.Unlock()
		return nil, 0, nil
	}
	size := frames * align
	if cap(a.polled) < size {
		a.polled = make([]byte, size)
	}
	a.polled = a.polled[:size]
	copy(a.polled, a.queue.Next(size))
	a.mu.Unlock()

	a.pending = uint32(frames)
	return a.polled, a.pending, nil
}

// ReleaseBuffer returns the frames handed out by the last PollBuffer.
func (a *PipeAudio) ReleaseBuffer(frames uint32) error {
	if frames != a.pending {
		return errors.Errorf("release of %d frames, %d pending", frames, a.pending)
	}
	a.pending = 0
	return nil
}

// Dropped returns how many frames were discarded because nobody polled.
func (a *PipeAudio) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}
