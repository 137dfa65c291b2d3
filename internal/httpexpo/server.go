// Package httpexpo is a minimal HTTP/1.1 exposition server (§4.6). It is
// deliberately not built on net/http.Server: that type owns its own accept
// loop, which cannot be driven by an external readiness multiplexer. Instead
// Server owns a raw non-blocking listening socket (golang.org/x/sys/unix,
// following the same syscall-level style as internal/eventsource) and
// exposes its descriptor for the event loop to poll alongside the
// filesystem event source. Request parsing and response serialization
// still go through net/http's own types (http.ReadRequest, http.Response),
// so only the transport loop is hand-rolled.
package httpexpo

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"

	"golang.org/x/sys/unix"
)

type logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

// Server listens on one TCP port and serves a single request per accepted
// connection, forwarding GET requests to handler (the Prometheus
// exposition handler) and rejecting everything else with 405.
type Server struct {
	fd   int
	port int

	handler http.Handler
	log     logger
}

// New creates and binds the listening socket but does not start accepting;
// the event loop drives accepts via AcceptAndHandle once PollDescriptor
// signals readiness.
func New(port int, handler http.Handler, log logger) (*Server, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("httpexpo: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("httpexpo: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("httpexpo: bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("httpexpo: listen: %w", err)
	}

	actualPort := port
	if sa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			actualPort = in4.Port
		}
	}

	return &Server{fd: fd, port: actualPort, handler: handler, log: log}, nil
}

// PollDescriptor returns the listening socket's descriptor.
func (s *Server) PollDescriptor() int { return s.fd }

// Port returns the bound port (useful when New was called with 0 to pick
// an ephemeral one, e.g. in tests).
func (s *Server) Port() int { return s.port }

// Close releases the listening socket.
func (s *Server) Close() error { return unix.Close(s.fd) }

// AcceptAndHandle accepts at most one pending connection without blocking
// and serves exactly one request on it. Reading the request and writing the
// response block on that connection with no deadline, so a peer that stalls
// holds up the caller until it sends or disconnects. Any peer-side error (reset, aborted
// write, malformed request) is logged and swallowed; it never escapes to
// the event loop, per §4.6's hardening requirement.
func (s *Server) AcceptAndHandle() {
	connFd, _, err := unix.Accept4(s.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		s.log.Warnf("httpexpo: accept failed: %v", err)
		return
	}

	file := os.NewFile(uintptr(connFd), "httpexpo-conn")
	conn, err := net.FileConn(file)
	file.Close() // FileConn dups the descriptor; release our copy either way.
	if err != nil {
		s.log.Warnf("httpexpo: adopting accepted connection: %v", err)
		return
	}
	defer conn.Close()

	s.serveOne(conn)
}

func (s *Server) serveOne(conn net.Conn) {
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		if err != io.EOF {
			s.log.Debugf("httpexpo: malformed request from %s: %v", conn.RemoteAddr(), err)
		}
		return
	}
	defer req.Body.Close()

	rec := httptest.NewRecorder()
	if req.Method != http.MethodGet {
		rec.WriteHeader(http.StatusMethodNotAllowed)
	} else {
		s.handler.ServeHTTP(rec, req)
	}
	resp := rec.Result()
	defer resp.Body.Close()

	if err := resp.Write(conn); err != nil {
		s.log.Debugf("httpexpo: writing response to %s: %v", conn.RemoteAddr(), err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		s.log.Warnf("httpexpo: %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)
	}
}
