//go:build windows

package handle

import (
	"golang.org/x/sys/windows"
)

// Duplicate returns a new handle in the current process table with the same
// access rights as h. The duplicate is not inheritable and is owned by the
// caller.
func Duplicate(h Handle) (Handle, error) {
	if !h.Valid() {
		return Invalid, ErrInvalid
	}
	proc := windows.CurrentProcess()
	var dup windows.Handle
	err := windows.DuplicateHandle(proc, windows.Handle(h), proc, &dup, 0, false, windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		return Invalid, err
	}
	return Handle(dup), nil
}

// Close releases h.
func Close(h Handle) error {
	if !h.Valid() {
		return ErrInvalid
	}
	return windows.CloseHandle(windows.Handle(h))
}
