package util

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.Mutex
	logger  *slog.Logger
	verbose bool
	logFile *lumberjack.Logger
)

// InitLogger initializes the global slog logger. Console output goes to
// stderr so stdout stays free for the recording UI; when logPath is set the
// log is written to a rotating file instead.
func InitLogger(v bool, logPath string) {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo, // Default level
	}
	if v {
		opts.Level = slog.LevelDebug
	}

	closeFileLocked()
	var out io.Writer = os.Stderr
	if logPath != "" {
		logFile = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
		out = logFile
	}

	verbose = v
	logger = slog.New(slog.NewTextHandler(out, opts))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	mu.Lock()
	initialized := logger != nil
	mu.Unlock()
	if !initialized {
		// Fallback initialization with INFO level
		InitLogger(false, "")
	}

	mu.Lock()
	defer mu.Unlock()
	return logger
}

// IsVerbose reports whether debug logging was requested.
func IsVerbose() bool {
	mu.Lock()
	defer mu.Unlock()
	return verbose
}

// CloseLogger flushes and closes the log file, if any.
func CloseLogger() error {
	mu.Lock()
	defer mu.Unlock()
	return closeFileLocked()
}

func closeFileLocked() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}
