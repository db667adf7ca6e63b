//go:build !unix

package network

import (
	"errors"
	"os"
)

func dupFile(*os.File) (*os.File, error) {
	return nil, errors.New("descriptor cloning is not supported on this platform")
}
