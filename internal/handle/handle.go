// Package handle models the OS channel handles carried by a pty handoff and
// the duplication that turns a borrowed handle into an independently owned one.
//
// On unix a Handle is a file descriptor; on Windows it is a kernel HANDLE.
package handle

import (
	"errors"
	"fmt"
	"os"
)

// Handle is an OS channel handle value.
type Handle uintptr

// Invalid is the sentinel for "no handle" (fd -1, INVALID_HANDLE_VALUE).
const Invalid = ^Handle(0)

// ErrInvalid is returned when an operation is attempted on Invalid.
var ErrInvalid = errors.New("invalid handle")

// Valid reports whether h refers to a handle.
func (h Handle) Valid() bool {
	return h != Invalid
}

// File wraps h in an *os.File. The file takes ownership of h.
func (h Handle) File(name string) *os.File {
	if !h.Valid() {
		return nil
	}
	return os.NewFile(uintptr(h), name)
}

// Role is the fixed semantic position of a handle within a Set.
type Role int

const (
	RoleIn Role = iota
	RoleOut
	RoleSignal
	RoleRef
	RoleServer
	RoleClient
)

// NumRoles is the number of handles in a handoff.
const NumRoles = 6

func (r Role) String() string {
	switch r {
	case RoleIn:
		return "in"
	case RoleOut:
		return "out"
	case RoleSignal:
		return "signal"
	case RoleRef:
		return "ref"
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Set holds the six handles of a handoff.
type Set struct {
	In     Handle
	Out    Handle
	Signal Handle
	Ref    Handle
	Server Handle
	Client Handle
}

// InvalidSet returns a Set with every role unset.
func InvalidSet() Set {
	return Set{In: Invalid, Out: Invalid, Signal: Invalid, Ref: Invalid, Server: Invalid, Client: Invalid}
}

// FromValues builds a Set from handles in role order.
func FromValues(v [NumRoles]Handle) Set {
	return Set{In: v[0], Out: v[1], Signal: v[2], Ref: v[3], Server: v[4], Client: v[5]}
}

// Values returns the handles in role order.
func (s Set) Values() [NumRoles]Handle {
	return [NumRoles]Handle{s.In, s.Out, s.Signal, s.Ref, s.Server, s.Client}
}

// Get returns the handle for role.
func (s Set) Get(r Role) Handle {
	if r < 0 || int(r) >= NumRoles {
		return Invalid
	}
	return s.Values()[r]
}

// StartupInfo is the opaque startup record delivered alongside the handles.
// The broker never interprets it.
type StartupInfo struct {
	Title      string `json:"title,omitempty"`
	IconPath   string `json:"icon_path,omitempty"`
	IconIndex  int32  `json:"icon_index,omitempty"`
	ShowWindow uint16 `json:"show_window,omitempty"`
	Columns    uint16 `json:"columns,omitempty"`
	Rows       uint16 `json:"rows,omitempty"`
}

// Payload is what an activation hands to the broker. It is transient: the
// handles in it belong to whoever invoked the activation.
type Payload struct {
	Handles     Set
	StartupInfo StartupInfo
}

// DuplicateError reports which role failed to duplicate.
type DuplicateError struct {
	Role   Role
	Handle Handle
	Err    error
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicating %s handle %d: %v", e.Role, e.Handle, e.Err)
}

func (e *DuplicateError) Unwrap() error {
	return e.Err
}

// DuplicateSet duplicates every handle of s into this process with the same
// access rights. Either all six duplicates are returned or none: on failure
// the duplicates made so far are closed before returning.
func DuplicateSet(s Set) (Set, error) {
	src := s.Values()
	var dst [NumRoles]Handle
	for i := range dst {
		dst[i] = Invalid
	}

	for i, h := range src {
		d, err := Duplicate(h)
		if err != nil {
			_ = CloseSet(FromValues(dst))
			return InvalidSet(), &DuplicateError{Role: Role(i), Handle: h, Err: err}
		}
		dst[i] = d
	}
	return FromValues(dst), nil
}

// CloseSet closes every valid handle in s and joins the errors.
func CloseSet(s Set) error {
	var errs []error
	for i, h := range s.Values() {
		if !h.Valid() {
			continue
		}
		if err := Close(h); err != nil {
			errs = append(errs, fmt.Errorf("closing %s handle: %w", Role(i), err))
		}
	}
	return errors.Join(errs...)
}
