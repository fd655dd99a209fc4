//go:build !unix

package processional

import (
	"errors"
	"os"
)

var errNoMmap = errors.New("shared memory segments need a unix platform")

func mmapFile(*os.File, int) ([]byte, error) { return nil, errNoMmap }

func munmap([]byte) error { return nil }
