package nvmet

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// errNoRawConn marks a connection that doesn't expose a syscall fd
// (e.g. net.Pipe in tests), so readiness waits can't be armed on it.
var errNoRawConn = errors.New("socket: connection has no raw fd to wait on")

// socketState wraps a queue's connection with the bookkeeping the
// caravan flush path and the write-space callback need: a no-space
// latch and a way to estimate how much room is left in the kernel
// send buffer.
type socketState struct {
	conn        net.Conn
	fd          int
	rawConn     syscall.RawConn
	bufferBytes int

	mu      sync.Mutex
	noSpace bool
}

// newSocketState wraps conn. bufferBytes overrides ForcedSocketBufferBytes
// when positive, letting an operator raise or lower the forced
// send/receive buffer size from the default.
func newSocketState(conn net.Conn, bufferBytes int) *socketState {
	if bufferBytes <= 0 {
		bufferBytes = ForcedSocketBufferBytes
	}
	s := &socketState{conn: conn, fd: -1, bufferBytes: bufferBytes}
	if tc, ok := conn.(*net.TCPConn); ok {
		s.fd = netfd.GetFdFromConn(tc)
	}
	if sc, ok := conn.(syscall.Conn); ok {
		if rc, err := sc.SyscallConn(); err == nil {
			s.rawConn = rc
		}
	}
	return s
}

// applySocketOptions installs the target's socket policy: forced
// send/receive buffers (bufferBytes), TCP_NODELAY on, and
// SO_LINGER{on,0} so a torn-down queue resets the connection instead
// of lingering in TIME_WAIT with caravan bytes still in flight.
func (s *socketState) applySocketOptions() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if s.fd < 0 {
		return nil
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, s.bufferBytes); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, s.bufferBytes); err != nil {
		return err
	}
	linger := unix.Linger{Onoff: 1, Linger: 0}
	return unix.SetsockoptLinger(s.fd, unix.SOL_SOCKET, unix.SO_LINGER, &linger)
}

// availableSendSpace estimates the free space left in the kernel send
// buffer by subtracting the unacknowledged-and-unsent byte count
// (TIOCOUTQ) from bufferBytes. When the fd is unavailable (non-TCP
// conn, e.g. in tests using net.Pipe) it reports an unbounded amount
// of space so flushes proceed unconditionally.
func (s *socketState) availableSendSpace() int {
	if s.fd < 0 {
		return 1 << 30
	}
	queued, err := unix.IoctlGetInt(s.fd, unix.TIOCOUTQ)
	if err != nil {
		return 1 << 30
	}
	space := s.bufferBytes - queued
	if space < 0 {
		return 0
	}
	return space
}

func (s *socketState) setNoSpace() {
	s.mu.Lock()
	s.noSpace = true
	s.mu.Unlock()
}

// clearNoSpaceIfWritable clears the latch and reports whether it was
// set, so the caller knows whether to wake the queue. Only clears when
// the stream is actually writable again.
func (s *socketState) clearNoSpaceIfWritable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.noSpace {
		return false
	}
	if s.availableSendSpace() <= 0 {
		return false
	}
	s.noSpace = false
	return true
}

// waitReadable blocks until the socket has bytes available to read,
// without consuming any of them: the callback returns true the moment
// the runtime poller reports the fd readable, so the underlying
// Read never issues its own recv(2). This lets a dedicated watcher
// goroutine notice new data and reschedule the queue while leaving the
// actual read to the receive state machine's own tryRead.
func (s *socketState) waitReadable() error {
	if s.rawConn == nil {
		return errNoRawConn
	}
	return s.rawConn.Read(func(fd uintptr) bool { return true })
}

// waitWritable is waitReadable's write-side twin, used to resume a
// queue once the kernel send buffer has drained past the no-space
// latch.
func (s *socketState) waitWritable() error {
	if s.rawConn == nil {
		return errNoRawConn
	}
	return s.rawConn.Write(func(fd uintptr) bool { return true })
}

// tryRead performs one polling read: it arms an immediate read
// deadline so a call with nothing already buffered returns ErrAgain
// instead of blocking the worker goroutine, treating recvmsg as a
// polling call. Any data already queued by the runtime/kernel is still
// returned even past the deadline.
func (s *socketState) tryRead(buf []byte) (int, error) {
	_ = s.conn.SetReadDeadline(time.Now())
	n, err := s.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if n > 0 {
				return n, nil
			}
			return 0, ErrAgain
		}
		return n, err
	}
	return n, nil
}

// tryWrite performs one polling write, symmetric to tryRead: it arms
// an immediate write deadline so a call that cannot make progress
// returns ErrAgain instead of blocking, treating sendmsg as a polling
// call too.
func (s *socketState) tryWrite(buf []byte) (int, error) {
	_ = s.conn.SetWriteDeadline(time.Now())
	n, err := s.conn.Write(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if n > 0 {
				return n, nil
			}
			return 0, ErrAgain
		}
		return n, err
	}
	return n, nil
}

// isPeerClose classifies a recv/send error as a clean or reset peer
// close.
func isPeerClose(err error) bool {
	return errorsIsAny(err, syscall.EPIPE, syscall.ECONNRESET, unix.EPIPE, unix.ECONNRESET)
}

func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
