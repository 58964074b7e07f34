//go:build !linux && !darwin && !freebsd

package readiness

import "errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.New("disk space check unsupported on this platform")
}
