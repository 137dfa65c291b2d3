// Package eventsource turns Linux inotify notifications into a path-keyed
// sequence of events, the way fsnotify's inotify backend turns raw
// inotify_event buffers into fsnotify.Event values. Unlike fsnotify, Source
// runs no background goroutine: it hands out its raw file descriptor via
// PollDescriptor so a caller-owned readiness multiplexer (see
// internal/eventloop) can wait on it alongside other descriptors, and Drain
// does a single non-blocking read once that descriptor is ready.
package eventsource

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kind identifies the class of filesystem change an Event reports.
type Kind int

const (
	// Modify reports appended or changed content on a file-level watch.
	Modify Kind = iota
	// Create reports a new entry inside a directory-level watch.
	Create
	// MovedIn reports an entry renamed into a directory-level watch.
	MovedIn
	// MovedOut reports an entry renamed out of a directory-level watch.
	MovedOut
	// Deleted reports an entry unlinked from a directory-level watch.
	Deleted
	// Ignored reports that the kernel dropped a previously installed watch.
	Ignored
)

func (k Kind) String() string {
	switch k {
	case Modify:
		return "MODIFY"
	case Create:
		return "CREATE"
	case MovedIn:
		return "MOVED_IN"
	case MovedOut:
		return "MOVED_OUT"
	case Deleted:
		return "DELETED"
	case Ignored:
		return "IGNORED"
	default:
		return "UNKNOWN"
	}
}

// Event is a single path-qualified filesystem notification.
type Event struct {
	Path string
	Kind Kind
}

// WatchID is an opaque identifier for a live kernel-level watch. It is only
// meaningful to the Source that issued it.
type WatchID int

// fileMask is the event set requested for a file-level watch: content
// changes only, per spec §4.1.
const fileMask uint32 = unix.IN_MODIFY

// dirMask is the event set requested for a directory-level watch: entries
// appearing, disappearing, or moving across its boundary.
const dirMask uint32 = unix.IN_CREATE | unix.IN_MOVED_TO | unix.IN_MOVED_FROM | unix.IN_DELETE

// ErrNotWatched reports a path with no live watch. RemoveWatch does not
// return it: removing an unwatched path is a no-op that returns nil.
var ErrNotWatched = errors.New("eventsource: path is not watched")

type watch struct {
	wd        int
	path      string
	isDirMask bool
}

// Source is a single inotify instance plus the bookkeeping needed to
// resolve kernel watch descriptors back to the paths the engine cares
// about.
type Source struct {
	fd int

	mu      sync.Mutex
	byWD    map[int]*watch
	byPath  map[string]*watch
	readBuf []byte
}

// New creates an inotify instance in non-blocking mode, so Drain never
// blocks even if called without the descriptor having signalled readiness.
func New() (*Source, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventsource: inotify_init1: %w", err)
	}
	return &Source{
		fd:      fd,
		byWD:    make(map[int]*watch),
		byPath:  make(map[string]*watch),
		readBuf: make([]byte, unix.SizeofInotifyEvent*4096),
	}, nil
}

// PollDescriptor returns the raw inotify file descriptor. It is readable
// (POLLIN) whenever drain would return at least one event.
func (s *Source) PollDescriptor() int { return s.fd }

// Close releases the inotify instance. Installed watches are implicitly
// dropped by the kernel when the fd closes.
func (s *Source) Close() error { return unix.Close(s.fd) }

// InstallFileWatch idempotently installs a file-level watch (MODIFY only)
// on path. Calling it again for an already-watched path is a no-op that
// returns the existing WatchID.
func (s *Source) InstallFileWatch(path string) (WatchID, error) {
	return s.install(path, fileMask, false)
}

// InstallDirWatch idempotently installs a directory-level watch
// (CREATE/MOVED_IN/MOVED_OUT/DELETED) on path.
func (s *Source) InstallDirWatch(path string) (WatchID, error) {
	return s.install(path, dirMask, true)
}

func (s *Source) install(path string, mask uint32, dir bool) (WatchID, error) {
	s.mu.Lock()
	if existing, ok := s.byPath[path]; ok {
		s.mu.Unlock()
		return WatchID(existing.wd), nil
	}
	s.mu.Unlock()

	wd, err := unix.InotifyAddWatch(s.fd, path, mask)
	if err != nil {
		return 0, fmt.Errorf("eventsource: inotify_add_watch %q: %w", path, err)
	}

	w := &watch{wd: wd, path: path, isDirMask: dir}
	s.mu.Lock()
	s.byWD[wd] = w
	s.byPath[path] = w
	s.mu.Unlock()
	return WatchID(wd), nil
}

// RemoveWatch removes the watch installed on path, if any. It is not an
// error to remove a path with no live watch; the kernel may have already
// torn it down (e.g. after a delete), in which case this is a no-op.
func (s *Source) RemoveWatch(path string) error {
	s.mu.Lock()
	w, ok := s.byPath[path]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.byPath, path)
	delete(s.byWD, w.wd)
	s.mu.Unlock()

	_, err := unix.InotifyRmWatch(s.fd, uint32(w.wd))
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("eventsource: inotify_rm_watch %q: %w", path, err)
	}
	return nil
}

// Drain performs one non-blocking read of the inotify fd and returns every
// event it contains, translated to path-qualified Events. It is meant to
// be called once the descriptor returned by PollDescriptor has signalled
// readiness; calling it otherwise simply returns no events (EAGAIN).
func (s *Source) Drain() ([]Event, error) {
	n, err := unix.Read(s.fd, s.readBuf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventsource: read: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	if n < unix.SizeofInotifyEvent {
		return nil, errors.New("eventsource: short read from inotify fd")
	}

	var events []Event
	buf := s.readBuf[:n]
	var offset uint32
	for offset <= uint32(n)-unix.SizeofInotifyEvent {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		mask := uint32(raw.Mask)
		nameLen := uint32(raw.Len)

		s.mu.Lock()
		w := s.byWD[int(raw.Wd)]
		s.mu.Unlock()

		var name string
		if nameLen > 0 {
			nameBytes := buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+nameLen]
			name = strings.TrimRight(string(nameBytes), "\x00")
		}
		offset += unix.SizeofInotifyEvent + nameLen

		if w == nil {
			continue
		}

		path := w.path
		if w.isDirMask && name != "" {
			path = w.path + string(os.PathSeparator) + name
		}

		if mask&unix.IN_IGNORED != 0 {
			events = append(events, Event{Path: path, Kind: Ignored})
			continue
		}
		if mask&unix.IN_Q_OVERFLOW != 0 {
			continue
		}
		switch {
		case mask&unix.IN_MODIFY != 0:
			events = append(events, Event{Path: path, Kind: Modify})
		case mask&unix.IN_CREATE != 0:
			events = append(events, Event{Path: path, Kind: Create})
		case mask&unix.IN_MOVED_TO != 0:
			events = append(events, Event{Path: path, Kind: MovedIn})
		case mask&unix.IN_MOVED_FROM != 0:
			events = append(events, Event{Path: path, Kind: MovedOut})
		case mask&unix.IN_DELETE != 0:
			events = append(events, Event{Path: path, Kind: Deleted})
		}
	}
	return events, nil
}
