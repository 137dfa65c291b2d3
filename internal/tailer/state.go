// Package tailer implements the rotation-resilient tailing engine: the
// per-path state machine that reconciles filesystem-event notifications, an
// open file descriptor, a byte cursor, and a partial-line buffer.
package tailer

import "os"

// logger is the narrow slice of internal/levellog's Logger the engine needs.
// Declared locally so this package does not import levellog directly.
type logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// fileState is one entry in the Path Registry: the tailing state for a
// single registered path. handle/cursor/carry cycle on every rotation;
// path is fixed for the life of the process and handlers only grow, by
// Register appending to them.
type fileState struct {
	path string

	hasWatch bool
	file     *os.File
	cursor   int64 // -1 when handle is absent, per spec invariant
	carry    []byte

	handlers []Handler
}

func newFileState(path string) *fileState {
	return &fileState{path: path, cursor: -1}
}

func (fs *fileState) attached() bool { return fs.file != nil }

// dirState tracks the set of registered paths under one watched directory.
type dirState struct {
	directory string
	members   map[string]struct{}
}
