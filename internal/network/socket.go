package network

import (
	"errors"
	"net"
	"os"
	"time"
)

// ErrWouldBlock is returned by a non-blocking socket that cannot make
// progress right now.
var ErrWouldBlock = errors.New("operation would block")

// Socket is a stream that can be polled without parking the caller.
type Socket interface {
	TryRead(p []byte) (int, error)
	TryWrite(p []byte) (int, error)
	SetNonblocking(on bool)
	RemoteAddr() net.Addr
	Close() error
}

// pollWindow is how long a deadline based socket waits for data before
// reporting ErrWouldBlock.
const pollWindow = time.Millisecond

// deadlineSocket emulates non-blocking I/O with short deadlines. It is used
// for connections that expose no descriptor, such as net.Pipe.
type deadlineSocket struct {
	conn        net.Conn
	nonblocking bool
}

func (s *deadlineSocket) SetNonblocking(on bool) { s.nonblocking = on }

func (s *deadlineSocket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *deadlineSocket) Close() error { return s.conn.Close() }

func (s *deadlineSocket) TryRead(p []byte) (int, error) {
	if s.nonblocking {
		s.conn.SetReadDeadline(time.Now().Add(pollWindow))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}
	n, err := s.conn.Read(p)
	if isTimeout(err) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	return n, err
}

func (s *deadlineSocket) TryWrite(p []byte) (int, error) {
	if s.nonblocking {
		s.conn.SetWriteDeadline(time.Now().Add(pollWindow))
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}
	n, err := s.conn.Write(p)
	if isTimeout(err) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	return n, err
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
