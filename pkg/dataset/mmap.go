//go:build unix

package dataset

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func mapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error opening: %s", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error stating: %s", path)
	}
	if fi.Size() == 0 {
		return nil, nil, errors.Wrapf(ErrData, "empty file: %s", path)
	}

	b, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error mapping: %s", path)
	}
	return b, func() error { return unix.Munmap(b) }, nil
}
