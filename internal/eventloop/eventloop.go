// Package eventloop is the single-threaded readiness multiplexer described
// in §4.5: it waits on the Event Source's descriptor and the HTTP
// exposition server's listening socket using epoll (golang.org/x/sys/unix,
// the same syscall layer internal/eventsource and internal/httpexpo already
// use), and on each readiness boundary drives exactly the work that
// descriptor signals. Nothing here runs in a goroutine; ordering and
// single-flight dispatch fall out of the loop being a plain for-loop.
package eventloop

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/prometheus/client_golang/prometheus"
)

const pollTimeoutMillis = 10_000

type logger interface {
	Warnf(format string, args ...any)
}

// source is the subset of the Event Source the loop needs: a descriptor to
// watch and a tick to run once it is readable.
type source interface {
	PollDescriptor() int
	Tick()
}

// httpServer is the subset of the exposition server the loop needs.
type httpServer interface {
	PollDescriptor() int
	AcceptAndHandle()
}

// Loop owns one epoll instance multiplexing exactly two descriptors.
type Loop struct {
	epfd int

	sourceFd int
	httpFd   int

	source source
	http   httpServer

	pollCount prometheus.Counter
	log       logger

	// maxPolls stops the loop after this many iterations; -1 runs forever.
	// It exists for tests and for the hidden --max-polls CLI flag.
	maxPolls int
}

// New builds the loop and registers both descriptors with the kernel. It
// does not start running; call Run.
func New(src source, http httpServer, pollCount prometheus.Counter, log logger, maxPolls int) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}

	l := &Loop{
		epfd:      epfd,
		sourceFd:  src.PollDescriptor(),
		httpFd:    http.PollDescriptor(),
		source:    src,
		http:      http,
		pollCount: pollCount,
		log:       log,
		maxPolls:  maxPolls,
	}

	if err := l.register(l.sourceFd); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if err := l.register(l.httpFd); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	return l, nil
}

func (l *Loop) register(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

// Close releases the epoll instance. It does not close the descriptors it
// was watching; their owners do that.
func (l *Loop) Close() error { return unix.Close(l.epfd) }

// Run drives the loop until ctx is cancelled or maxPolls iterations have
// run, per §4.5/§5: an interrupt terminates at the next readiness boundary,
// with any in-flight work (a Tick, a request) run to completion first.
func (l *Loop) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 8)

	for polls := 0; l.maxPolls < 0 || polls < l.maxPolls; polls++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, pollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}

		l.pollCount.Inc()

		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case l.sourceFd:
				l.source.Tick()
			case l.httpFd:
				l.http.AcceptAndHandle()
			default:
				l.log.Warnf("eventloop: readiness on unknown descriptor %d", events[i].Fd)
			}
		}
	}
	return nil
}
