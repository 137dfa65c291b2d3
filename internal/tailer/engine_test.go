package tailer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/quinox/logfile-exporter/internal/eventsource"
)

type nullLog struct{}

func (nullLog) Debugf(string, ...any) {}
func (nullLog) Infof(string, ...any)  {}
func (nullLog) Warnf(string, ...any)  {}

type recorder struct{ lines []string }

func (r *recorder) Process(line string) error {
	r.lines = append(r.lines, line)
	return nil
}

func newEngine(t *testing.T) (*Engine, *eventsource.Source) {
	t.Helper()
	src, err := eventsource.New()
	if err != nil {
		t.Fatalf("eventsource.New: %s", err)
	}
	t.Cleanup(func() { src.Close() })
	return New(src, nullLog{}), src
}

// poll gives the kernel a brief moment to deliver any pending inotify
// events, then drives one Tick regardless (a Tick with nothing to drain is
// harmless, mirroring the spec's POLL_TIMEOUT ticks).
func poll(t *testing.T, eng *Engine, src *eventsource.Source) {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(src.PollDescriptor()), Events: unix.POLLIN}}
	unix.Poll(fds, 300)
	eng.Tick()
}

func touch(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("touch(%q): %s", path, err)
	}
	f.Close()
}

func appendLine(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("append(%q): %s", path, err)
	}
	if _, err := f.WriteString(s); err != nil {
		t.Fatalf("append(%q): %s", path, err)
	}
	f.Close()
}

func eqLines(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestExistingFileLateRegistration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	eng, src := newEngine(t)

	touch(t, path)
	appendLine(t, path, "12:34 First entry\n")
	poll(t, eng, src)

	rec := &recorder{}
	if err := eng.Register(path, rec); err != nil {
		t.Fatalf("Register: %s", err)
	}

	appendLine(t, path, "12:35 Second entry\n")
	poll(t, eng, src)

	want := []string{"12:35 Second entry"}
	if !eqLines(rec.lines, want) {
		t.Fatalf("got %v, want %v", rec.lines, want)
	}
}

func TestCreatedAfterRegistration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	eng, src := newEngine(t)

	rec := &recorder{}
	if err := eng.Register(path, rec); err != nil {
		t.Fatalf("Register: %s", err)
	}

	appendLine(t, path, "12:34 First entry\n12:35 Second entry\n")
	poll(t, eng, src)

	want := []string{"12:34 First entry", "12:35 Second entry"}
	if !eqLines(rec.lines, want) {
		t.Fatalf("got %v, want %v", rec.lines, want)
	}

	appendLine(t, path, "12:36 Third entry\n")
	poll(t, eng, src)

	want = append(want, "12:36 Third entry")
	if !eqLines(rec.lines, want) {
		t.Fatalf("got %v, want %v", rec.lines, want)
	}
}

func TestRecreateAfterDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	eng, src := newEngine(t)

	touch(t, path)
	rec := &recorder{}
	if err := eng.Register(path, rec); err != nil {
		t.Fatalf("Register: %s", err)
	}

	appendLine(t, path, "12:35 Second entry\n")
	poll(t, eng, src)

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %s", err)
	}
	poll(t, eng, src)

	touch(t, path)
	appendLine(t, path, "12:36 Third entry\n")
	poll(t, eng, src)

	want := []string{"12:35 Second entry", "12:36 Third entry"}
	if !eqLines(rec.lines, want) {
		t.Fatalf("got %v, want %v", rec.lines, want)
	}
}

func TestRotationByRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	rotated := path + ".1"
	eng, src := newEngine(t)

	touch(t, path)
	rec := &recorder{}
	if err := eng.Register(path, rec); err != nil {
		t.Fatalf("Register: %s", err)
	}

	appendLine(t, path, "12:35 Second entry\n")
	poll(t, eng, src)

	if err := os.Rename(path, rotated); err != nil {
		t.Fatalf("Rename: %s", err)
	}
	touch(t, path)
	poll(t, eng, src)

	appendLine(t, path, "12:36 Third entry\n")
	poll(t, eng, src)

	want := []string{"12:35 Second entry", "12:36 Third entry"}
	if !eqLines(rec.lines, want) {
		t.Fatalf("got %v, want %v", rec.lines, want)
	}
}

func TestMovedOutIsNoLongerTailed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	rotated := path + ".1"
	eng, src := newEngine(t)

	touch(t, path)
	rec := &recorder{}
	if err := eng.Register(path, rec); err != nil {
		t.Fatalf("Register: %s", err)
	}

	appendLine(t, path, "12:35 Second entry\n")
	poll(t, eng, src)

	stale, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open stale handle: %s", err)
	}
	if err := os.Rename(path, rotated); err != nil {
		t.Fatalf("Rename: %s", err)
	}
	if _, err := stale.WriteString("12:36 Third entry\n"); err != nil {
		t.Fatalf("write via stale handle: %s", err)
	}
	stale.Close()
	poll(t, eng, src)

	want := []string{"12:35 Second entry"}
	if !eqLines(rec.lines, want) {
		t.Fatalf("got %v, want %v (stale-handle write must not appear)", rec.lines, want)
	}

	touch(t, path)
	appendLine(t, path, "12:37 Fourth entry\n")
	poll(t, eng, src)
	waitFor(t, func() bool { return len(rec.lines) == 2 }, time.Second, func() { poll(t, eng, src) })

	want = []string{"12:35 Second entry", "12:37 Fourth entry"}
	if !eqLines(rec.lines, want) {
		t.Fatalf("got %v, want %v", rec.lines, want)
	}
}

func TestIgnoreUntrackedSibling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	sibling := filepath.Join(dir, "messages")
	eng, src := newEngine(t)

	touch(t, path)
	rec := &recorder{}
	if err := eng.Register(path, rec); err != nil {
		t.Fatalf("Register: %s", err)
	}

	touch(t, sibling)
	appendLine(t, sibling, "unrelated\n")
	poll(t, eng, src)

	if len(rec.lines) != 0 {
		t.Fatalf("sibling write leaked into recorder: %v", rec.lines)
	}

	appendLine(t, path, "12:35 Second entry\n")
	poll(t, eng, src)

	want := []string{"12:35 Second entry"}
	if !eqLines(rec.lines, want) {
		t.Fatalf("got %v, want %v", rec.lines, want)
	}
}

// waitFor retries cond by calling step repeatedly until cond is true or the
// deadline passes, to absorb scheduling jitter in the rename+reopen races
// exercised above.
func waitFor(t *testing.T, cond func() bool, timeout time.Duration, step func()) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() && time.Now().Before(deadline) {
		step()
	}
}
