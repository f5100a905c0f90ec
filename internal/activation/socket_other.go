//go:build !unix

package activation

import (
	"context"
	"errors"

	"github.com/zjrosen/ptyhandoff/internal/handle"
)

// ErrSocketUnsupported is returned where descriptor passing is unavailable.
var ErrSocketUnsupported = errors.New("socket activation requires a unix platform")

// SocketRegistry is unavailable on this platform.
type SocketRegistry struct{}

var _ Registry = (*SocketRegistry)(nil)

// NewSocketRegistry always fails on this platform.
func NewSocketRegistry(dir string, opts ...LocalOption) (*SocketRegistry, error) {
	return nil, ErrSocketUnsupported
}

// Dir returns "".
func (s *SocketRegistry) Dir() string { return "" }

// Register always fails on this platform.
func (s *SocketRegistry) Register(ID, Handler, Mode) (Token, error) {
	return 0, &StatusError{Op: "register", Status: StatusFail, Err: ErrSocketUnsupported}
}

// Revoke always fails on this platform.
func (s *SocketRegistry) Revoke(Token) error {
	return &StatusError{Op: "revoke", Status: StatusFail, Err: ErrSocketUnsupported}
}

// Close is a no-op.
func (s *SocketRegistry) Close() error { return nil }

// Dial always fails on this platform.
func Dial(ctx context.Context, dir string, id ID, p handle.Payload) error {
	return &StatusError{Op: "activate", Status: StatusFail, Err: ErrSocketUnsupported}
}
