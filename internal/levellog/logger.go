package levellog

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
)

// Logger is the main logger type: a threshold plus an optional dotted
// prefix, writing through a shared slog.Logger. It has the same nil-safe
// property as mutagen's logging.Logger: a nil *Logger discards everything,
// so a Handler or component that didn't get one wired up never panics.
type Logger struct {
	threshold Level
	prefix    string
	backend   *slog.Logger
}

// New creates a root logger at the given threshold, writing text-formatted
// records to stderr.
func New(threshold Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &Logger{threshold: threshold, backend: slog.New(handler)}
}

// Sublogger returns a derived logger sharing the threshold and backend but
// tagged with an additional dotted name component, mirroring mutagen's
// Logger.Sublogger.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{threshold: l.threshold, prefix: prefix, backend: l.backend}
}

func (l *Logger) line(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		return fmt.Sprintf("[%s] %s", l.prefix, msg)
	}
	return msg
}

func (l *Logger) log(lvl Level, slvl slog.Level, format string, args ...any) {
	if l == nil || !lvl.enabled(l.threshold) {
		return
	}
	l.backend.Log(context.Background(), slvl, l.line(format, args...))
}

// Debugf logs at the debug threshold (10).
func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, slog.LevelDebug, format, args...) }

// Infof logs at the info threshold (20).
func (l *Logger) Infof(format string, args ...any) { l.log(LevelInfo, slog.LevelInfo, format, args...) }

// Warnf logs at the warn threshold (30), colorized yellow on a TTY.
func (l *Logger) Warnf(format string, args ...any) {
	if l == nil || !LevelWarn.enabled(l.threshold) {
		return
	}
	l.backend.Log(context.Background(), slog.LevelWarn, l.line("%s", color.YellowString(fmt.Sprintf(format, args...))))
}

// Errorf logs at the error threshold (40), colorized red on a TTY.
func (l *Logger) Errorf(format string, args ...any) {
	if l == nil || !LevelError.enabled(l.threshold) {
		return
	}
	l.backend.Log(context.Background(), slog.LevelError, l.line("%s", color.RedString(fmt.Sprintf(format, args...))))
}
