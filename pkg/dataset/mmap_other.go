//go:build !unix

package dataset

import (
	"os"

	"github.com/pkg/errors"
)

func mapFile(path string) ([]byte, func() error, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error reading: %s", path)
	}
	if len(b) == 0 {
		return nil, nil, errors.Wrapf(ErrData, "empty file: %s", path)
	}
	return b, func() error { return nil }, nil
}
