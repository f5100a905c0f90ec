// Package activation defines the Activation Registry the handoff broker
// registers with, and provides two implementations: an in-process registry
// and a unix-socket registry that receives handles from another process.
//
// A registry maps an identity to a Handler. Activations may arrive on any
// goroutine, concurrently with Register and Revoke, and may still reach a
// handler briefly after its registration was revoked.
package activation

import (
	"context"

	"github.com/zjrosen/ptyhandoff/internal/handle"
)

// Handler receives activations for a registered identity.
//
// The handles in the payload belong to the caller and remain valid only
// for the duration of the call.
type Handler interface {
	EstablishHandoff(ctx context.Context, p handle.Payload) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p handle.Payload) error

// EstablishHandoff calls f.
func (f HandlerFunc) EstablishHandoff(ctx context.Context, p handle.Payload) error {
	return f(ctx, p)
}

// Mode controls how many activations a registration accepts.
type Mode int

const (
	// MultipleUse accepts activations until revoked.
	MultipleUse Mode = iota
	// SingleUse stops matching after the first activation.
	SingleUse
)

func (m Mode) String() string {
	if m == SingleUse {
		return "single-use"
	}
	return "multiple-use"
}

// Token identifies a live registration. The zero Token means none.
type Token uint64

// Registry accepts (identity, handler) registrations.
type Registry interface {
	// Register installs h for id. Failures are *StatusError.
	Register(id ID, h Handler, mode Mode) (Token, error)

	// Revoke removes a registration. In-flight activations may still
	// complete.
	Revoke(token Token) error
}
