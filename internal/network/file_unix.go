//go:build unix

package network

import (
	"os"
	"syscall"
)

func dupFile(file *os.File) (*os.File, error) {
	rc, err := file.SyscallConn()
	if err != nil {
		return nil, err
	}
	var fd int
	var dupErr error
	if err := rc.Control(func(raw uintptr) {
		fd, dupErr = syscall.Dup(int(raw))
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, dupErr
	}
	syscall.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), file.Name()), nil
}
