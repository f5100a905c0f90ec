// Package handoff implements the single-slot handoff broker.
//
// A Manager registers one activation identity with an activation.Registry.
// When the registry activates it, the Manager duplicates the six incoming
// handles and hands them to the registered Callback, blocking the registry
// until the callback has returned. Every activation, Register and
// Unregister runs under one lock, so deliveries never overlap.
//
// With the default configuration there is no delivery timeout: a callback
// that never returns blocks the registry goroutine and the Manager forever.
// Use WithDeliveryTimeout to bound the wait.
package handoff

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/ptyhandoff/internal/activation"
	"github.com/zjrosen/ptyhandoff/internal/bridge"
	"github.com/zjrosen/ptyhandoff/internal/handle"
	"github.com/zjrosen/ptyhandoff/internal/journal"
	"github.com/zjrosen/ptyhandoff/internal/log"
	"github.com/zjrosen/ptyhandoff/internal/metrics"
	"github.com/zjrosen/ptyhandoff/internal/pubsub"
	"github.com/zjrosen/ptyhandoff/internal/tracing"
)

// Delivery is what the consumer receives. The handles are owned by the
// consumer once the callback runs; it must close the ones it does not keep.
type Delivery struct {
	Handles     handle.Set
	StartupInfo handle.StartupInfo
}

// Callback consumes a delivery. It runs on a dedicated goroutine while the
// Manager's lock is held, so it must not call Register, Unregister or
// Close on the same Manager before returning.
type Callback func(Delivery)

// Recorder persists handoff history. *journal.Journal satisfies it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Snapshot is a copy of the registration slot.
type Snapshot struct {
	ActivationID string
	Token        activation.Token
	Once         bool
	Active       bool
	// Retired is set when a one-shot registration delivered but its token
	// could not be revoked yet.
	Retired bool
}

type slot struct {
	id      activation.ID
	token   activation.Token
	once    bool
	bridge  *bridge.Bridge[Delivery]
	retired bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDeliveryTimeout bounds each blocking delivery. Zero waits forever.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithRecorder journals registrations and deliveries.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithMetrics reports to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithTracer records spans with t.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// Manager owns the registration slot.
type Manager struct {
	registry activation.Registry
	timeout  time.Duration
	recorder Recorder
	metrics  *metrics.Collectors
	tracer   trace.Tracer
	broker   *pubsub.Broker[Event]

	mu   sync.Mutex
	slot slot
	// epoch changes on every successful Register so that handlers from an
	// earlier registration never reach a later consumer.
	epoch uint64
}

var _ pubsub.Subscriber[Event] = (*Manager)(nil)

// New creates a Manager that registers with registry.
func New(registry activation.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		tracer:   noop.NewTracerProvider().Tracer("handoff"),
		broker:   pubsub.NewBroker[Event](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register installs cb for activationID. If a registration is already
// present the call does nothing and returns nil.
func (m *Manager) Register(activationID string, cb Callback, once bool) error {
	ctx, span := m.tracer.Start(context.Background(), tracing.SpanRegister,
		trace.WithAttributes(attribute.Bool(tracing.AttrOnce, once)))
	defer span.End()

	if cb == nil {
		m.metrics.Registration("invalid")
		return &ArgumentError{Message: usageMessage}
	}
	id, err := activation.ParseID(activationID)
	if err != nil {
		m.metrics.Registration("invalid")
		return &ArgumentError{Message: parseFailedMessage, Status: activation.StatusInvalidClassString, Err: err}
	}
	span.SetAttributes(attribute.String(tracing.AttrActivationID, id.String()))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.healLocked(ctx)
	if m.slot.token != 0 || m.slot.bridge != nil {
		log.Debug(log.CatHandoff, "Register ignored, registration present", "id", id, "current", m.slot.id)
		m.metrics.Registration("ignored")
		return nil
	}

	mode := activation.MultipleUse
	if once {
		mode = activation.SingleUse
	}

	b := bridge.New(cb,
		bridge.WithName("handoff "+id.String()),
		bridge.WithQueueCapacity(bridge.DefaultQueueCapacity),
		bridge.WithTimeout(m.timeout),
	)

	epoch := m.epoch + 1
	token, err := m.registry.Register(id, &handler{m: m, epoch: epoch}, mode)
	if err != nil {
		b.Release()
		regErr := &RegistrationError{Status: activation.StatusOf(err), Err: err}
		log.ErrorErr(log.CatHandoff, "Registry refused registration", err, "id", id, "mode", mode)
		m.metrics.Registration("failed")
		m.record(ctx, journal.Entry{Kind: journal.KindRegister, ActivationID: id.String(), Once: once, Outcome: "failed", Status: uint32(regErr.Status)})
		span.RecordError(regErr)
		return regErr
	}

	m.epoch = epoch
	m.slot = slot{id: id, token: token, once: once, bridge: b}
	span.SetAttributes(attribute.Int64(tracing.AttrToken, int64(token)))

	log.Info(log.CatHandoff, "Registered", "id", id, "mode", mode, "token", token)
	m.metrics.Registration("registered")
	m.metrics.SetActive(true)
	m.record(ctx, journal.Entry{Kind: journal.KindRegister, ActivationID: id.String(), Once: once, Outcome: "registered"})
	m.broker.Publish(EventRegistered, Event{ActivationID: id.String(), Once: once})
	return nil
}

// Unregister releases the consumer and revokes the registration. It is
// safe to call at any time and any number of times. If a delivery is in
// progress Unregister waits for it.
func (m *Manager) Unregister() {
	ctx, span := m.tracer.Start(context.Background(), tracing.SpanUnregister)
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slot
	if s.token == 0 && s.bridge == nil {
		return
	}

	if s.bridge != nil {
		s.bridge.Release()
	}
	if s.token != 0 {
		if err := m.registry.Revoke(s.token); err != nil {
			log.ErrorErr(log.CatHandoff, "Revoke failed during unregister", err, "id", s.id, "token", s.token)
		}
	}
	m.slot = slot{}

	log.Info(log.CatHandoff, "Unregistered", "id", s.id)
	m.metrics.SetActive(false)
	m.record(ctx, journal.Entry{Kind: journal.KindUnregister, ActivationID: s.id.String(), Once: s.once, Outcome: "unregistered"})
	m.broker.Publish(EventUnregistered, Event{ActivationID: s.id.String(), Once: s.once})
}

// Active reports whether a consumer is attached.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot.bridge != nil
}

// Status returns a copy of the slot. It waits for any delivery in progress.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slot
	snap := Snapshot{
		Token:   s.token,
		Once:    s.once,
		Active:  s.bridge != nil,
		Retired: s.retired,
	}
	if !s.id.IsZero() {
		snap.ActivationID = s.id.String()
	}
	return snap
}

// Subscribe streams slot events until ctx is done.
func (m *Manager) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return m.broker.Subscribe(ctx)
}

// Close unregisters and closes event subscriptions.
func (m *Manager) Close() {
	m.Unregister()
	if n := m.broker.Dropped(); n > 0 {
		log.Warn(log.CatHandoff, "Slow subscribers missed events", "dropped", n)
	}
	m.broker.Close()
}

// retireLocked detaches the consumer of a one-shot registration and revokes
// its token. A failed revoke leaves the token in place for healLocked.
func (m *Manager) retireLocked(ctx context.Context) {
	s := &m.slot
	if s.bridge != nil {
		s.bridge.Release()
		s.bridge = nil
	}
	s.retired = true

	// Subscribers learn the consumer is gone even if the token lingers.
	m.metrics.SetActive(false)
	m.broker.Publish(EventRetired, Event{ActivationID: s.id.String(), Once: true})
	if !m.revokeRetired(ctx) {
		return
	}
	log.Info(log.CatHandoff, "One-shot registration retired", "id", s.id)
	m.record(ctx, journal.Entry{Kind: journal.KindRetire, ActivationID: s.id.String(), Once: true, Outcome: "revoked"})
	m.slot = slot{}
}

// healLocked retries the revoke of a retired registration.
func (m *Manager) healLocked(ctx context.Context) {
	if !m.slot.retired {
		return
	}
	trace.SpanFromContext(ctx).AddEvent(tracing.EventSelfHeal)
	if !m.revokeRetired(ctx) {
		return
	}
	log.Info(log.CatHandoff, "Retired registration revoked", "id", m.slot.id)
	m.record(ctx, journal.Entry{Kind: journal.KindRetire, ActivationID: m.slot.id.String(), Once: true, Outcome: "healed"})
	m.slot = slot{}
}

func (m *Manager) revokeRetired(ctx context.Context) bool {
	s := m.slot
	if s.token == 0 {
		return true
	}
	err := m.registry.Revoke(s.token)
	if err != nil && !errors.Is(err, activation.ErrUnknownToken) {
		log.Warn(log.CatHandoff, "Revoke of retired registration failed", "id", s.id, "token", s.token, "error", err)
		m.record(ctx, journal.Entry{Kind: journal.KindRetire, ActivationID: s.id.String(), Once: true, Outcome: "revoke_failed", Status: uint32(activation.StatusOf(err))})
		return false
	}
	trace.SpanFromContext(ctx).AddEvent(tracing.EventTokenRevoked,
		trace.WithAttributes(attribute.Int64(tracing.AttrToken, int64(s.token))))
	return true
}

func (m *Manager) record(ctx context.Context, e journal.Entry) {
	if m.recorder == nil {
		return
	}
	// Entries are written even when the activation's context was cancelled.
	if err := m.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		log.ErrorErr(log.CatJournal, "Failed to record handoff entry", err, "kind", e.Kind)
	}
}
