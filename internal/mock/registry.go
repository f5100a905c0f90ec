// Package mock provides a state-based fake activation.Registry for tests.
//
// Registry records every handler it is given, including revoked ones, so
// tests can simulate the late activations a real registry may deliver
// shortly after a revoke:
//
//	reg := mock.NewRegistry()
//	m := handoff.New(reg)
//	_ = m.Register(id, cb, false)
//	err := reg.Fire(ctx, payload)
package mock

import (
	"context"
	"sync"

	"github.com/zjrosen/ptyhandoff/internal/activation"
	"github.com/zjrosen/ptyhandoff/internal/handle"
)

// Registration is one Register call seen by the fake.
type Registration struct {
	ID      activation.ID
	Handler activation.Handler
	Mode    activation.Mode
	Token   activation.Token
	Revoked bool
}

// Registry is a fake activation.Registry. Function fields override the
// default behaviour when set.
type Registry struct {
	// RegisterFunc, if set, decides the result of Register. A returned
	// error is passed through and the registration is not stored.
	RegisterFunc func(id activation.ID, h activation.Handler, mode activation.Mode) (activation.Token, error)

	// RevokeFunc, if set, decides the result of Revoke. The registration is
	// marked revoked only when it returns nil.
	RevokeFunc func(token activation.Token) error

	mu            sync.Mutex
	next          activation.Token
	registrations []*Registration
	registerCount int
	revokeCount   int
}

var _ activation.Registry = (*Registry)(nil)

// NewRegistry returns an empty fake registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register records the registration and hands out a fresh token.
func (r *Registry) Register(id activation.ID, h activation.Handler, mode activation.Mode) (activation.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerCount++

	r.next++
	token := r.next
	if r.RegisterFunc != nil {
		t, err := r.RegisterFunc(id, h, mode)
		if err != nil {
			return 0, err
		}
		if t != 0 {
			token = t
		}
	}
	r.registrations = append(r.registrations, &Registration{ID: id, Handler: h, Mode: mode, Token: token})
	return token, nil
}

// Revoke marks the registration for token revoked.
func (r *Registry) Revoke(token activation.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revokeCount++

	if r.RevokeFunc != nil {
		if err := r.RevokeFunc(token); err != nil {
			return err
		}
	}
	for _, reg := range r.registrations {
		if reg.Token == token && !reg.Revoked {
			reg.Revoked = true
			return nil
		}
	}
	return &activation.StatusError{Op: "revoke", Status: activation.StatusObjectNotRegistered, Err: activation.ErrUnknownToken}
}

// Fire invokes the most recently registered handler, revoked or not.
func (r *Registry) Fire(ctx context.Context, p handle.Payload) error {
	reg := r.Last()
	if reg == nil {
		return &activation.StatusError{Op: "activate", Status: activation.StatusClassNotRegistered, Err: activation.ErrNotRegistered}
	}
	return reg.Handler.EstablishHandoff(ctx, p)
}

// Last returns a copy of the most recent registration, or nil.
func (r *Registry) Last() *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.registrations) == 0 {
		return nil
	}
	reg := *r.registrations[len(r.registrations)-1]
	return &reg
}

// Live returns how many registrations are not revoked.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, reg := range r.registrations {
		if !reg.Revoked {
			n++
		}
	}
	return n
}

// RegisterCount returns how many times Register was called.
func (r *Registry) RegisterCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerCount
}

// RevokeCount returns how many times Revoke was called.
func (r *Registry) RevokeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revokeCount
}
