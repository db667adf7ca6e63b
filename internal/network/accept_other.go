//go:build !unix

package network

import (
	"net"
	"time"
)

// tryAccept waits at most pollWindow for a client.
func tryAccept(ln *net.TCPListener) (net.Conn, error) {
	ln.SetDeadline(time.Now().Add(pollWindow))
	conn, err := ln.Accept()
	if isTimeout(err) {
		return nil, ErrWouldBlock
	}
	return conn, err
}
