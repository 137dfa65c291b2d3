// Package levellog is a small numeric-level logger wrapping log/slog. The
// level numbers mirror Python's logging module (DEBUG=10 ... CRITICAL=50)
// because the CLI's -v/-q flags shift the effective threshold by 10 per
// occurrence, the same arithmetic the original source used.
package levellog

// Level is a numeric logging threshold. Lower values are more verbose.
type Level int

const (
	LevelDebug    Level = 10
	LevelInfo     Level = 20
	LevelWarn     Level = 30
	LevelError    Level = 40
	LevelCritical Level = 50
)

func (l Level) String() string {
	switch {
	case l <= LevelDebug:
		return "debug"
	case l <= LevelInfo:
		return "info"
	case l <= LevelWarn:
		return "warn"
	case l <= LevelError:
		return "error"
	default:
		return "critical"
	}
}

// FromVerbosity computes the effective level from a repeatable -v count and
// a repeatable -q count: each -v lowers the threshold by 10, each -q raises
// it by 10, floored at 1. There is no upper bound: enough -q occurrences
// raise the threshold past LevelError and suppress every message.
func FromVerbosity(verbose, quiet int) Level {
	lvl := int(LevelInfo) - verbose*10 + quiet*10
	if lvl < 1 {
		lvl = 1
	}
	return Level(lvl)
}

func (l Level) enabled(threshold Level) bool { return l >= threshold }
