package activation

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/ptyhandoff/internal/cachemanager"
	"github.com/zjrosen/ptyhandoff/internal/handle"
	"github.com/zjrosen/ptyhandoff/internal/log"
)

// DefaultRetiredTTL is how long a revoked identity is remembered.
const DefaultRetiredTTL = 2 * time.Minute

type registration struct {
	id          ID
	token       Token
	handler     Handler
	mode        Mode
	activations int
}

// LocalOption configures a LocalRegistry.
type LocalOption func(*LocalRegistry)

// WithRetiredTTL sets how long revoked identities are remembered so late
// activations report ErrRevoked instead of ErrNotRegistered.
func WithRetiredTTL(d time.Duration) LocalOption {
	return func(r *LocalRegistry) {
		if d > 0 {
			r.retiredTTL = d
		}
	}
}

// LocalRegistry is an in-process Registry. Activate dispatches on the
// calling goroutine.
type LocalRegistry struct {
	mu         sync.Mutex
	nextToken  Token
	byToken    map[Token]*registration
	byID       map[ID]*registration
	retired    cachemanager.CacheManager[string, Token]
	retiredTTL time.Duration
}

var _ Registry = (*LocalRegistry)(nil)

// NewLocalRegistry creates an empty registry.
func NewLocalRegistry(opts ...LocalOption) *LocalRegistry {
	r := &LocalRegistry{
		byToken:    make(map[Token]*registration),
		byID:       make(map[ID]*registration),
		retiredTTL: DefaultRetiredTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.retired = cachemanager.NewInMemoryCacheManager[string, Token]("retired-activations", r.retiredTTL, 2*r.retiredTTL)
	return r
}

// Register installs h for id.
func (r *LocalRegistry) Register(id ID, h Handler, mode Mode) (Token, error) {
	if h == nil {
		return 0, &StatusError{Op: "register", Status: StatusInvalidArg, Err: ErrNilHandler}
	}
	if id.IsZero() {
		return 0, &StatusError{Op: "register", Status: StatusInvalidArg, Err: ErrNotRegistered}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return 0, &StatusError{Op: "register", Status: StatusObjectAlreadyRegistered, Err: ErrAlreadyRegistered}
	}

	r.nextToken++
	reg := &registration{id: id, token: r.nextToken, handler: h, mode: mode}
	r.byToken[reg.token] = reg
	r.byID[id] = reg
	_ = r.retired.Delete(context.Background(), id.String())

	log.Info(log.CatRegistry, "Registered activation handler", "id", id, "token", reg.token, "mode", mode)
	return reg.token, nil
}

// Revoke removes the registration named by token.
func (r *LocalRegistry) Revoke(token Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byToken[token]
	if !ok {
		return &StatusError{Op: "revoke", Status: StatusObjectNotRegistered, Err: ErrUnknownToken}
	}
	delete(r.byToken, token)
	if r.byID[reg.id] == reg {
		delete(r.byID, reg.id)
	}
	r.retired.Set(context.Background(), reg.id.String(), token, r.retiredTTL)

	log.Info(log.CatRegistry, "Revoked activation handler", "id", reg.id, "token", token, "activations", reg.activations)
	return nil
}

// Activate routes p to the handler registered for id and returns the
// handler's result. A single-use registration stops matching once it has
// been dispatched, even though its token stays live until revoked.
func (r *LocalRegistry) Activate(ctx context.Context, id ID, p handle.Payload) error {
	h, err := r.dispatch(id)
	if err != nil {
		log.Debug(log.CatRegistry, "Activation rejected", "id", id, "error", err)
		return err
	}
	return h.EstablishHandoff(ctx, p)
}

func (r *LocalRegistry) dispatch(id ID) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		if _, recent := r.retired.Get(context.Background(), id.String()); recent {
			return nil, &StatusError{Op: "activate", Status: StatusObjectNotRegistered, Err: ErrRevoked}
		}
		return nil, &StatusError{Op: "activate", Status: StatusClassNotRegistered, Err: ErrNotRegistered}
	}

	reg.activations++
	if reg.mode == SingleUse {
		delete(r.byID, id)
		r.retired.Set(context.Background(), id.String(), reg.token, r.retiredTTL)
	}
	return reg.handler, nil
}

// Registered reports whether id currently accepts activations.
func (r *LocalRegistry) Registered(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	return ok
}

// Len returns the number of live tokens.
func (r *LocalRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byToken)
}
