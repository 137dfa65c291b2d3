package tailer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/quinox/logfile-exporter/internal/eventsource"
)

// Source is the subset of eventsource.Source the engine drives. Declared
// locally so tests can supply a fake without depending on real inotify.
type Source interface {
	PollDescriptor() int
	InstallFileWatch(path string) (eventsource.WatchID, error)
	InstallDirWatch(path string) (eventsource.WatchID, error)
	RemoveWatch(path string) error
	Drain() ([]eventsource.Event, error)
}

// Engine is the Tailing Engine: it owns the Path Registry and drives the
// per-path state machine described in §4.3. It is not safe for concurrent
// use; the event loop is expected to call Register during setup and Tick
// from its single thread of control thereafter.
type Engine struct {
	source Source
	log    logger

	files map[string]*fileState
	dirs  map[string]*dirState
}

// New constructs an Engine driven by source, an already-initialized Event
// Source.
func New(source Source, log logger) *Engine {
	return &Engine{
		source: source,
		log:    log,
		files:  make(map[string]*fileState),
		dirs:   make(map[string]*dirState),
	}
}

// Register adds handler as an interested party for path, creating the
// FileState on first registration for that path (§4.2). A path already
// tracked simply gains another handler; no second watch is installed and no
// existing cursor is disturbed, satisfying the at-most-one-watch-per-path
// and idempotent-attach properties.
func (e *Engine) Register(path string, handler Handler) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("tailer: resolve %q: %w", path, err)
	}

	fs, exists := e.files[abs]
	if !exists {
		fs = newFileState(abs)
		e.files[abs] = fs
	}
	fs.handlers = append(fs.handlers, handler)

	if !exists {
		e.attach(fs, false)
		if fs.attached() {
			e.readAndDispatch(fs)
		}
	}
	return nil
}

// Tick drains the Event Source and applies every event it returns (§4.3).
// It never returns an error that should stop the process; TransientIO on
// the source itself is logged and swallowed, matching the rest of the
// engine's never-fail-the-process contract (§7).
func (e *Engine) Tick() {
	events, err := e.source.Drain()
	if err != nil {
		e.log.Warnf("tailer: drain failed: %v", err)
		return
	}
	for _, ev := range events {
		e.apply(ev)
	}
}

func (e *Engine) apply(ev eventsource.Event) {
	fs, ok := e.files[ev.Path]
	if !ok {
		// UnknownPathEvent: silently ignored, per §4.3's catch-all row.
		return
	}

	switch ev.Kind {
	case eventsource.Modify:
		if !fs.attached() {
			e.log.Debugf("tailer: MODIFY on detached path %s ignored", fs.path)
			return
		}
		e.readAndDispatch(fs)

	case eventsource.Create, eventsource.MovedIn:
		if fs.attached() {
			// Already attached: an idempotent re-announcement, no-op.
			return
		}
		e.attach(fs, true)
		if fs.attached() {
			e.readAndDispatch(fs)
		}

	case eventsource.MovedOut, eventsource.Deleted:
		e.detach(fs)

	case eventsource.Ignored:
		e.detach(fs)
		if _, err := os.Lstat(fs.path); err == nil {
			e.attach(fs, false)
			if fs.attached() {
				e.readAndDispatch(fs)
			}
		}
	}
}

// attach idempotently installs the file-level watch, ensures the parent
// directory watch exists, and opens the file if present (§4.3). fromStart
// selects offset 0 (a file just observed being created or moved in) versus
// end-of-file (a file already present at registration time).
func (e *Engine) attach(fs *fileState, fromStart bool) {
	if !fs.hasWatch {
		if _, err := e.source.InstallFileWatch(fs.path); err != nil {
			e.log.Infof("tailer: watch install failed for %s: %v", fs.path, err)
		} else {
			fs.hasWatch = true
		}
	}

	e.ensureDirWatch(filepath.Dir(fs.path), fs.path)

	file, err := os.Open(fs.path)
	if err != nil {
		fs.file = nil
		fs.cursor = -1
		fs.carry = nil
		return
	}

	var whence int
	if fromStart {
		whence = io.SeekStart
	} else {
		whence = io.SeekEnd
	}
	pos, err := file.Seek(0, whence)
	if err != nil {
		e.log.Infof("tailer: seek failed for %s: %v", fs.path, err)
		file.Close()
		fs.file = nil
		fs.cursor = -1
		fs.carry = nil
		return
	}

	fs.file = file
	fs.cursor = pos
	fs.carry = nil
}

// detach closes the handle, removes the file-level watch, and clears carry,
// per the MOVED_OUT/DELETED/IGNORED rows of the state table. It is safe to
// call on an already-detached state.
func (e *Engine) detach(fs *fileState) {
	if fs.hasWatch {
		if err := e.source.RemoveWatch(fs.path); err != nil {
			e.log.Warnf("tailer: remove watch failed for %s: %v", fs.path, err)
		}
		fs.hasWatch = false
	}
	if fs.file != nil {
		fs.file.Close()
		fs.file = nil
	}
	fs.cursor = -1
	fs.carry = nil
}

func (e *Engine) ensureDirWatch(dir, path string) {
	ds, ok := e.dirs[dir]
	if !ok {
		ds = &dirState{directory: dir, members: make(map[string]struct{})}
		e.dirs[dir] = ds
		if _, err := e.source.InstallDirWatch(dir); err != nil {
			e.log.Warnf("tailer: directory watch install failed for %s: %v", dir, err)
		}
	}
	ds.members[path] = struct{}{}
}

// readAndDispatch implements §4.3's read-and-dispatch algorithm: detect
// truncation, read whatever is available, split on the literal newline
// byte, and deliver complete lines to every handler registered for the
// path, in order.
func (e *Engine) readAndDispatch(fs *fileState) {
	info, err := fs.file.Stat()
	if err != nil {
		e.log.Warnf("tailer: stat failed for %s: %v", fs.path, err)
		return
	}

	if info.Size() < fs.cursor {
		if _, err := fs.file.Seek(0, io.SeekStart); err != nil {
			e.log.Warnf("tailer: seek-to-0 after truncation failed for %s: %v", fs.path, err)
			return
		}
		fs.cursor = 0
		fs.carry = nil
		e.log.Infof("tailer: truncation detected on %s", fs.path)
	}

	chunk, err := io.ReadAll(fs.file)
	if err != nil {
		e.log.Warnf("tailer: read failed for %s: %v", fs.path, err)
		return
	}

	pos, err := fs.file.Seek(0, io.SeekCurrent)
	if err != nil {
		e.log.Warnf("tailer: position query failed for %s: %v", fs.path, err)
		return
	}
	fs.cursor = pos

	if len(chunk) == 0 {
		return
	}
	e.log.Debugf("tailer: read %s from %s", humanize.Bytes(uint64(len(chunk))), fs.path)

	combined := append(fs.carry, chunk...)
	last := bytes.LastIndexByte(combined, '\n')
	if last == -1 {
		fs.carry = combined
		return
	}

	complete := combined[:last]
	fs.carry = append([]byte(nil), combined[last+1:]...)

	for _, raw := range bytes.Split(complete, []byte{'\n'}) {
		line := strings.ToValidUTF8(string(raw), "�")
		e.dispatch(fs.path, line, fs.handlers)
	}
}
