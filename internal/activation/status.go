package activation

import (
	"errors"
	"fmt"
)

// Status is a 32-bit registry status code. Values with the high bit set are
// failures; the numbering follows the HRESULT codes a COM class registry
// reports.
type Status uint32

const (
	StatusOK                      Status = 0x00000000
	StatusAborted                 Status = 0x80004004
	StatusFail                    Status = 0x80004005
	StatusClassNotRegistered      Status = 0x80040154
	StatusInvalidClassString      Status = 0x800401F3
	StatusObjectNotRegistered     Status = 0x800401FB
	StatusObjectAlreadyRegistered Status = 0x800401FC
	StatusInvalidHandle           Status = 0x80070006
	StatusInvalidArg              Status = 0x80070057
	StatusTimeout                 Status = 0x800705B4
)

// String renders the code as 0x followed by eight hex digits.
func (s Status) String() string {
	return fmt.Sprintf("0x%08x", uint32(s))
}

// Failed reports whether s is a failure code.
func (s Status) Failed() bool {
	return s&0x80000000 != 0
}

var (
	// ErrNotRegistered means no handler is registered for the identity.
	ErrNotRegistered = errors.New("activation identity not registered")

	// ErrRevoked means the identity was registered recently but has been
	// revoked or consumed by a single-use activation.
	ErrRevoked = errors.New("activation registration revoked")

	// ErrAlreadyRegistered means another handler holds the identity.
	ErrAlreadyRegistered = errors.New("activation identity already registered")

	// ErrUnknownToken means the token does not name a live registration.
	ErrUnknownToken = errors.New("unknown registration token")

	// ErrNilHandler is returned when registering without a handler.
	ErrNilHandler = errors.New("activation handler is nil")
)

// StatusError pairs a failure with its status code.
type StatusError struct {
	Op     string
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed (%s)", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusOf extracts the status carried by err. A nil error is StatusOK and
// an error without a status is StatusFail.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusFail
}

// errorForStatus rebuilds an error from a status received over the wire.
func errorForStatus(op string, st Status) error {
	if !st.Failed() {
		return nil
	}
	var cause error
	switch st {
	case StatusClassNotRegistered:
		cause = ErrNotRegistered
	case StatusObjectNotRegistered:
		cause = ErrRevoked
	case StatusObjectAlreadyRegistered:
		cause = ErrAlreadyRegistered
	}
	return &StatusError{Op: op, Status: st, Err: cause}
}
