// Package source provides capture collaborators that do not depend on an OS
// capture API: raw pipes, synthetic generators and a frame-repeating cache.
package source

import (
	"log/slog"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// DefaultCacheLimit is the largest frame the cache keeps.
const DefaultCacheLimit = 32 << 20

// FrameCache holds a copy of the most recent frame.
type FrameCache struct {
	limit int
	buf   []byte
	frame core.FrameUnit
	valid bool
}

// NewFrameCache creates a cache that refuses frames larger than limit bytes.
// Zero selects DefaultCacheLimit and a negative limit disables caching.
func NewFrameCache(limit int) *FrameCache {
	if limit == 0 {
		limit = DefaultCacheLimit
	}
	return &FrameCache{limit: limit}
}

// Store copies f into the cache. A frame over the limit is not cached and
// invalidates the previous one so a stale size is never replayed.
func (c *FrameCache) Store(f *core.FrameUnit) bool {
	if c.limit < 0 || len(f.Data) > c.limit {
		c.valid = false
		return false
	}
	if cap(c.buf) < len(f.Data) {
		c.buf = make([]byte, len(f.Data))
	}
	c.buf = c.buf[:len(f.Data)]
	copy(c.buf, f.Data)
	c.frame = core.FrameUnit{Data: c.buf, Width: f.Width, Height: f.Height, Index: f.Index}
	c.valid = true
	return true
}

// Load returns a copy of the cached frame, or nil when nothing is cached.
func (c *FrameCache) Load() *core.FrameUnit {
	if !c.valid {
		return nil
	}
	f := c.frame
	f.Data = append([]byte(nil), c.buf...)
	return &f
}

// Release drops the cached frame and its buffer.
func (c *FrameCache) Release() {
	c.buf = nil
	c.frame = core.FrameUnit{}
	c.valid = false
}

// CachingVideo repeats the last frame when the wrapped source has nothing
// new, the way a desktop duplicator reports an unchanged screen.
type CachingVideo struct {
	core.VideoSource
	cache   *FrameCache
	logger  *slog.Logger
	repeats uint64
	skipped uint64
}

// NewCachingVideo wraps src with a cache bounded by limit bytes.
func NewCachingVideo(src core.VideoSource, limit int, logger *slog.Logger) *CachingVideo {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingVideo{
		VideoSource: src,
		cache:       NewFrameCache(limit),
		logger:      logger.With("component", "frame_cache"),
	}
}

// PollFrame returns a new frame when there is one, else the cached frame.
func (v *CachingVideo) PollFrame() (*core.FrameUnit, error) {
	f, err := v.VideoSource.PollFrame()
	if err != nil {
		return nil, err
	}
	if f != nil {
		if !v.cache.Store(f) && v.cache.limit >= 0 {
			v.skipped++
			if v.skipped == 1 {
				v.logger.Warn("Frame too large to cache", "size", len(f.Data), "limit", v.cache.limit)
			}
		}
		return f, nil
	}
	if cached := v.cache.Load(); cached != nil {
		v.repeats++
		return cached, nil
	}
	return nil, nil
}

// Repeats returns how many polls were answered from the cache.
func (v *CachingVideo) Repeats() uint64 {
	return v.repeats
}

// Close releases the cache and closes the wrapped source.
func (v *CachingVideo) Close() error {
	v.cache.Release()
	return v.VideoSource.Close()
}
