package util

import (
	"fmt"
	"log"
	"log/slog"
	"strings"
)

// Logger adds log.Printf style methods on top of a slog logger, for code
// that reports through format strings.
type Logger struct {
	slogLogger *slog.Logger
}

// GetCompatLogger returns a Printf style logger backed by the global logger.
func GetCompatLogger() *Logger {
	return NewCompatLogger(GetLogger())
}

// NewCompatLogger wraps l. A nil l uses the global logger.
func NewCompatLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = GetLogger()
	}
	return &Logger{slogLogger: l}
}

// Printf provides log.Printf compatibility while using slog internally
func (l *Logger) Printf(format string, v ...interface{}) {
	l.slogLogger.Info(fmt.Sprintf(format, v...))
}

// Debugf logs at debug level, and only when verbose logging is on.
func (l *Logger) Debugf(format string, v ...interface{}) {
	if IsVerbose() {
		l.slogLogger.Debug(fmt.Sprintf(format, v...))
	}
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.slogLogger.Info(fmt.Sprintf(format, v...))
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.slogLogger.Warn(fmt.Sprintf(format, v...))
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.slogLogger.Error(fmt.Sprintf(format, v...))
}

// SetupGlobalLogger routes the standard log package through slog so
// libraries that print with log end up in the same output.
func SetupGlobalLogger() {
	logger := GetCompatLogger()
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: logger.slogLogger})
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
