//go:build !unix

package store

import "errors"

func freeSpace(dir string) (int64, error) {
	return 0, errors.New("free space reporting not supported on this platform")
}
