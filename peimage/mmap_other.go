//go:build !unix

package peimage

import (
	"errors"
	"os"
)

func mapFile(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, nil, errors.New("empty image file")
	}
	return data, func() error { return nil }, nil
}
