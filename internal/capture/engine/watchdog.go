package engine

import (
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// watchdogWindow is how often the loop's vital signs are checked.
const watchdogWindow = time.Second

// MemorySampler reports the resident set size of the process in bytes.
type MemorySampler func() (uint64, error)

// ProcessRSS reads the resident set size of the current process.
func ProcessRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, errors.Wrap(err, "inspect process")
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, errors.Wrap(err, "read memory info")
	}
	return mem.RSS, nil
}

// watchdog stops a loop that spins too fast, an unlimited session that runs
// past the safety ceiling, or a process that grows past its memory limit.
type watchdog struct {
	maxIterations int
	ceiling       time.Duration // 0 disables the unlimited-duration check
	maxRSS        uint64
	memory        MemorySampler
	logger        *slog.Logger

	start       time.Time
	windowStart time.Time
	iterations  int
}

func newWatchdog(cfg Config, unlimited bool, memory MemorySampler, logger *slog.Logger, now time.Time) *watchdog {
	w := &watchdog{
		maxIterations: cfg.MaxIterationsPerSecond,
		maxRSS:        cfg.MaxRSSBytes,
		memory:        memory,
		logger:        logger,
		start:         now,
		windowStart:   now,
	}
	if unlimited {
		w.ceiling = cfg.UnlimitedCeiling
	}
	return w
}

// observe counts one loop iteration and returns a reason to stop, if any.
// Limits are evaluated once per window.
func (w *watchdog) observe(now time.Time) StopReason {
	w.iterations++
	if now.Sub(w.windowStart) < watchdogWindow {
		return ReasonNone
	}

	iterations := w.iterations
	w.iterations = 0
	w.windowStart = now

	if w.maxIterations > 0 && iterations > w.maxIterations {
		w.logger.Error("Capture loop running too fast, stopping", "iterations", iterations, "limit", w.maxIterations)
		return ReasonRunawayLoop
	}
	if w.ceiling > 0 && now.Sub(w.start) >= w.ceiling {
		w.logger.Warn("Unlimited recording reached safety ceiling, stopping", "ceiling", w.ceiling)
		return ReasonUnboundedDuration
	}
	if w.maxRSS > 0 && w.memory != nil {
		rss, err := w.memory()
		if err != nil {
			w.logger.Debug("Memory sampling failed", "error", err)
		} else if rss > w.maxRSS {
			w.logger.Error("Process memory above ceiling, stopping", "rss", rss, "limit", w.maxRSS)
			return ReasonMemoryCeiling
		}
	}
	return ReasonNone
}
