//go:build !unix && !windows

package handle

import "errors"

// ErrUnsupported is returned on platforms without handle duplication.
var ErrUnsupported = errors.New("handle duplication not supported on this platform")

// Duplicate always fails on this platform.
func Duplicate(h Handle) (Handle, error) {
	return Invalid, ErrUnsupported
}

// Close always fails on this platform.
func Close(h Handle) error {
	return ErrUnsupported
}
