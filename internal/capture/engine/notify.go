package engine

import (
	"log/slog"
	"time"

	"github.com/rmguney/mux-sweeper/internal/capture/core"
)

// DefaultProgressInterval is how many frames pass between progress log lines.
const DefaultProgressInterval = 30

// LogStatus sends status lines to logger at info level.
func LogStatus(logger *slog.Logger) core.Notifier[string] {
	return core.NotifierFunc[string](func(msg string) {
		logger.Info(msg)
	})
}

// LogProgress logs every n-th frame.
func LogProgress(logger *slog.Logger, n uint64) core.Notifier[core.Progress] {
	if n == 0 {
		n = DefaultProgressInterval
	}
	return core.NotifierFunc[core.Progress](func(p core.Progress) {
		if p.Frames%n == 0 {
			logger.Info("Recording progress", "frames", p.Frames, "elapsed", p.Elapsed.Round(time.Millisecond))
		}
	})
}
