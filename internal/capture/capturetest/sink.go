// Package capturetest provides in-memory collaborators for exercising the
// capture engine without devices or files.
package capturetest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// Unit is one write recorded by Sink.
type Unit struct {
	Tag  core.StreamTag
	Size int
	TS   int64
	Dur  int64
}

// Sink is an EncodingSink that records every call.
type Sink struct {
	mu sync.Mutex

	Path      string
	Video     *core.VideoSpec
	Audio     []core.AudioTrackSpec
	Units     []Unit
	Ends      map[core.StreamTag]int64
	Flushes   int
	Finalizes int
	Closes    int

	// WriteErr, when set, is returned by every WriteFrame.
	WriteErr error
	// FinalizeErr overrides the Finalize result.
	FinalizeErr error

	handles []core.StreamHandle
}

// Opener returns a SinkOpener that hands out s, or fails with err when err is
// non-nil.
func (s *Sink) Opener(err error) core.SinkOpener {
	return core.SinkOpenerFunc(func(path string, video *core.VideoSpec, audio []core.AudioTrackSpec) (core.EncodingSink, error) {
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.Path = path
		s.Video = video
		s.Audio = audio
		s.Ends = map[core.StreamTag]int64{}
		s.handles = nil
		id := 1
		if video != nil {
			s.handles = append(s.handles, core.StreamHandle{Tag: core.StreamVideo, TrackID: id})
			id++
		}
		for _, a := range audio {
			s.handles = append(s.handles, core.StreamHandle{Tag: a.Tag, TrackID: id})
			id++
		}
		return s, nil
	})
}

func (s *Sink) Handles() []core.StreamHandle {
	return s.handles
}

func (s *Sink) WriteFrame(h core.StreamHandle, data []byte, ts, dur int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	if len(data) == 0 {
		return errors.New("empty unit")
	}
	s.Units = append(s.Units, Unit{Tag: h.Tag, Size: len(data), TS: ts, Dur: dur})
	return nil
}

func (s *Sink) SendEndMarker(h core.StreamHandle, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Ends[h.Tag] = ts
	return nil
}

func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Flushes++
	return nil
}

func (s *Sink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Finalizes++
	if s.FinalizeErr != nil {
		return s.FinalizeErr
	}
	if len(s.Units) == 0 {
		return core.ErrEmptyMedia
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closes++
	return nil
}

// UnitsFor returns the recorded units of one stream in write order.
func (s *Sink) UnitsFor(tag core.StreamTag) []Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Unit
	for _, u := range s.Units {
		if u.Tag == tag {
			out = append(out, u)
		}
	}
	return out
}
