//go:build unix

package network

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// NewSocket wraps conn. Connections backed by a descriptor are polled with
// raw syscalls; anything else falls back to deadlines.
func NewSocket(conn net.Conn, nonblocking bool) Socket {
	if sc, ok := conn.(syscall.Conn); ok {
		if rc, err := sc.SyscallConn(); err == nil {
			return &rawSocket{conn: conn, rc: rc, nonblocking: nonblocking}
		}
	}
	return &deadlineSocket{conn: conn, nonblocking: nonblocking}
}

// rawSocket issues a single read or write on the descriptor. The runtime
// keeps network descriptors in O_NONBLOCK, so EAGAIN maps to ErrWouldBlock.
type rawSocket struct {
	conn        net.Conn
	rc          syscall.RawConn
	nonblocking bool
}

func (s *rawSocket) SetNonblocking(on bool) { s.nonblocking = on }

func (s *rawSocket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *rawSocket) Close() error { return s.conn.Close() }

func (s *rawSocket) TryRead(p []byte) (int, error) {
	if !s.nonblocking {
		return s.conn.Read(p)
	}
	var n int
	var opErr error
	err := s.rc.Read(func(fd uintptr) bool {
		n, opErr = syscall.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if wouldBlock(opErr) {
		return 0, ErrWouldBlock
	}
	if opErr != nil {
		return 0, opErr
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *rawSocket) TryWrite(p []byte) (int, error) {
	if !s.nonblocking {
		return s.conn.Write(p)
	}
	var n int
	var opErr error
	err := s.rc.Write(func(fd uintptr) bool {
		n, opErr = syscall.Write(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if wouldBlock(opErr) {
		return 0, ErrWouldBlock
	}
	if opErr != nil {
		return 0, opErr
	}
	return n, nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
