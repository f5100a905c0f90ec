package handoff

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/ptyhandoff/internal/activation"
	"github.com/zjrosen/ptyhandoff/internal/bridge"
	"github.com/zjrosen/ptyhandoff/internal/handle"
	"github.com/zjrosen/ptyhandoff/internal/journal"
	"github.com/zjrosen/ptyhandoff/internal/log"
	"github.com/zjrosen/ptyhandoff/internal/tracing"
)

const establishOp = "establish handoff"

// handler is what the Manager registers with the registry.
type handler struct {
	m     *Manager
	epoch uint64
}

var _ activation.Handler = (*handler)(nil)

// EstablishHandoff duplicates the caller's handles and delivers the copies
// to the consumer, returning once the callback has returned. The caller's
// handles are never closed or retained.
func (h *handler) EstablishHandoff(ctx context.Context, p handle.Payload) error {
	return h.m.establish(ctx, h.epoch, p)
}

func (m *Manager) establish(ctx context.Context, epoch uint64, p handle.Payload) (err error) {
	ctx, span := m.tracer.Start(ctx, tracing.SpanEstablish)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.healLocked(ctx)

	s := m.slot
	if s.bridge == nil || epoch != m.epoch {
		log.Debug(log.CatHandoff, "Activation without consumer", "active_id", s.id)
		m.finish(ctx, span, s, OutcomeNoConsumer, activation.StatusObjectNotRegistered, 0, ErrNoConsumer)
		return &activation.StatusError{Op: establishOp, Status: activation.StatusObjectNotRegistered, Err: ErrNoConsumer}
	}
	span.SetAttributes(
		attribute.String(tracing.AttrActivationID, s.id.String()),
		attribute.Bool(tracing.AttrOnce, s.once),
	)

	// A single-use registration is spent by the registry as soon as it
	// dispatches, so retire whatever happens below.
	if s.once {
		defer m.retireLocked(ctx)
	}

	dups, err := m.duplicate(ctx, p.Handles)
	if err != nil {
		m.finish(ctx, span, s, OutcomeDuplicateFailed, activation.StatusInvalidHandle, 0, err)
		return &activation.StatusError{Op: establishOp, Status: activation.StatusInvalidHandle, Err: err}
	}

	start := time.Now()
	err = m.deliver(ctx, s.bridge, Delivery{Handles: dups, StartupInfo: p.StartupInfo})
	elapsed := time.Since(start)
	if err != nil {
		outcome, st := deliveryFailure(err)
		m.finish(ctx, span, s, outcome, st, elapsed, err)
		return &activation.StatusError{Op: establishOp, Status: st, Err: err}
	}

	m.finish(ctx, span, s, OutcomeDelivered, activation.StatusOK, elapsed, nil)
	return nil
}

func (m *Manager) duplicate(ctx context.Context, in handle.Set) (handle.Set, error) {
	_, span := m.tracer.Start(ctx, tracing.SpanDuplicate)
	defer span.End()

	dups, err := handle.DuplicateSet(in)
	if err != nil {
		var de *handle.DuplicateError
		if errors.As(err, &de) {
			span.SetAttributes(attribute.String(tracing.AttrRole, de.Role.String()))
		}
		span.SetStatus(codes.Error, err.Error())
		log.ErrorErr(log.CatHandoff, "Handle duplication failed", err)
		return handle.InvalidSet(), err
	}
	span.AddEvent(tracing.EventHandlesDuped)
	return dups, nil
}

// deliver blocks on the bridge. Duplicates are closed when the callback
// never started; once it has started they belong to the consumer.
func (m *Manager) deliver(ctx context.Context, b *bridge.Bridge[Delivery], d Delivery) error {
	ctx, span := m.tracer.Start(ctx, tracing.SpanDeliver)
	defer span.End()
	span.AddEvent(tracing.EventCallbackQueued)

	err := b.Invoke(ctx, d)
	if err == nil {
		return nil
	}

	var ie *bridge.InvokeError
	started := errors.As(err, &ie) && ie.Started
	span.SetAttributes(attribute.Bool(tracing.AttrStarted, started))
	span.SetStatus(codes.Error, err.Error())

	if started {
		log.Warn(log.CatHandoff, "Delivery did not complete, consumer keeps the handles", "error", err)
		return err
	}
	if cerr := handle.CloseSet(d.Handles); cerr != nil {
		log.ErrorErr(log.CatHandoff, "Failed to close undelivered handles", cerr)
	}
	return err
}

func deliveryFailure(err error) (string, activation.Status) {
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		return OutcomeTimeout, activation.StatusTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeAborted, activation.StatusAborted
	case errors.Is(err, bridge.ErrReleased):
		return OutcomeNoConsumer, activation.StatusObjectNotRegistered
	default:
		return OutcomeFailed, activation.StatusFail
	}
}

// finish reports one activation to metrics, the journal and subscribers.
func (m *Manager) finish(ctx context.Context, span trace.Span, s slot, outcome string, st activation.Status, elapsed time.Duration, err error) {
	span.SetAttributes(
		attribute.String(tracing.AttrOutcome, outcome),
		attribute.String(tracing.AttrStatus, st.String()),
	)

	m.metrics.Activation(outcome)
	if outcome == OutcomeDelivered {
		m.metrics.ObserveDelivery(elapsed)
	}

	var id string
	if !s.id.IsZero() {
		id = s.id.String()
	}
	m.record(ctx, journal.Entry{
		Kind:         journal.KindDeliver,
		ActivationID: id,
		Once:         s.once,
		Outcome:      outcome,
		Status:       uint32(st),
		Duration:     elapsed,
	})

	ev := Event{ActivationID: id, Once: s.once, Outcome: outcome, Duration: elapsed, Err: err}
	if outcome == OutcomeDelivered {
		log.Info(log.CatHandoff, "Handoff delivered", "id", id, "elapsed", elapsed)
		m.broker.Publish(EventDelivered, ev)
		return
	}
	m.broker.Publish(EventRejected, ev)
}
