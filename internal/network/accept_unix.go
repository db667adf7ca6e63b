//go:build unix

package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// tryAccept makes one accept attempt on the listener's descriptor. With no
// client pending it reports ErrWouldBlock without waiting.
func tryAccept(ln *net.TCPListener) (net.Conn, error) {
	rc, err := ln.SyscallConn()
	if err != nil {
		return nil, err
	}
	var fd int
	var opErr error
	err = rc.Read(func(raw uintptr) bool {
		fd, _, opErr = syscall.Accept(int(raw))
		return true
	})
	if err != nil {
		return nil, err
	}
	// an aborted handshake leaves nothing to hand off
	if wouldBlock(opErr) || errors.Is(opErr, syscall.ECONNABORTED) {
		return nil, ErrWouldBlock
	}
	if opErr != nil {
		return nil, opErr
	}
	syscall.CloseOnExec(fd)

	file := os.NewFile(uintptr(fd), fmt.Sprintf("tcp-accept-%d", fd))
	defer file.Close()
	return net.FileConn(file)
}
