// Package session describes one recording and guards the rule that a process
// records at most one session at a time.
package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

const (
	DefaultFPS = 30
	MinFPS     = 1
	MaxFPS     = 120
)

// Params are the user-facing recording options.
type Params struct {
	OutputPath  string
	FPS         int
	Duration    time.Duration // 0 records until stopped
	Video       bool
	SystemAudio bool
	Microphone  bool
}

// AudioOnly reports whether the session records audio without video.
func (p Params) AudioOnly() bool {
	return !p.Video && (p.SystemAudio || p.Microphone)
}

// DualTrack reports whether system audio and microphone get their own tracks.
func (p Params) DualTrack() bool {
	return p.SystemAudio && p.Microphone && !p.AudioOnly()
}

// Unlimited reports whether the session has no duration limit.
func (p Params) Unlimited() bool {
	return p.Duration <= 0
}

// Normalize fills defaults and repairs invalid values. Every repair is
// reported as a warning. ext is the container extension including the dot;
// dir is where a default filename is placed.
func Normalize(p Params, now time.Time, dir, ext string) (Params, []string) {
	var warnings []string

	if p.FPS < MinFPS || p.FPS > MaxFPS {
		if p.FPS != 0 {
			warnings = append(warnings, fmt.Sprintf("fps %d outside %d-%d, using %d", p.FPS, MinFPS, MaxFPS, DefaultFPS))
		}
		p.FPS = DefaultFPS
	}
	if p.Duration < 0 {
		p.Duration = 0
	}
	if !p.Video && !p.SystemAudio && !p.Microphone {
		p.Video, p.SystemAudio, p.Microphone = true, true, true
	}

	if p.OutputPath == "" {
		p.OutputPath = filepath.Join(dir, DefaultFilename(now, ext))
	} else if forced := ForceExtension(p.OutputPath, ext); forced != p.OutputPath {
		warnings = append(warnings, fmt.Sprintf("output renamed to %s", forced))
		p.OutputPath = forced
	}
	return p, warnings
}

// DefaultFilename names a recording after its start time, yymmddhhmmss.
func DefaultFilename(t time.Time, ext string) string {
	return t.Format("060102150405") + ext
}

// ForceExtension replaces or appends the extension of path.
func ForceExtension(path, ext string) string {
	current := filepath.Ext(path)
	if strings.EqualFold(current, ext) {
		return path
	}
	return strings.TrimSuffix(path, current) + ext
}

// Session is an active recording. Release it exactly when recording ends.
type Session struct {
	ID     string
	Params Params

	released atomic.Bool
}

var active atomic.Bool

// Acquire claims the process-wide recording slot.
func Acquire(p Params) (*Session, error) {
	if !active.CompareAndSwap(false, true) {
		return nil, core.ErrSessionActive
	}
	return &Session{ID: uuid.New().String(), Params: p}, nil
}

// Release frees the recording slot. Calls after the first are no-ops.
func (s *Session) Release() {
	if s.released.CompareAndSwap(false, true) {
		active.Store(false)
	}
}

// Active reports whether a session currently holds the slot.
func Active() bool {
	return active.Load()
}

// ShortID returns the first block of the session ID for log lines.
func (s *Session) ShortID() string {
	if i := strings.IndexByte(s.ID, '-'); i > 0 {
		return s.ID[:i]
	}
	return s.ID
}

// ErrNoSources is returned by Validate when nothing can be recorded.
var ErrNoSources = errors.New("no capture source enabled")

// Validate checks normalized params.
func (p Params) Validate() error {
	if !p.Video && !p.SystemAudio && !p.Microphone {
		return ErrNoSources
	}
	if p.FPS < MinFPS || p.FPS > MaxFPS {
		return errors.Errorf("fps %d outside %d-%d", p.FPS, MinFPS, MaxFPS)
	}
	if p.OutputPath == "" {
		return errors.New("output path is empty")
	}
	return nil
}
