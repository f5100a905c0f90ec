//go:build unix

package handle

import (
	"golang.org/x/sys/unix"
)

// Duplicate returns a new descriptor referring to the same open file as h.
// The duplicate is close-on-exec and owned by the caller.
func Duplicate(h Handle) (Handle, error) {
	if !h.Valid() {
		return Invalid, ErrInvalid
	}
	fd, err := unix.FcntlInt(uintptr(h), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return Invalid, err
	}
	return Handle(fd), nil
}

// Close releases h.
func Close(h Handle) error {
	if !h.Valid() {
		return ErrInvalid
	}
	return unix.Close(int(h))
}
