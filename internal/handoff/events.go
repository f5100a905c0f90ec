package handoff

import (
	"time"

	"github.com/zjrosen/ptyhandoff/internal/pubsub"
)

// Event types published by Manager.Subscribe.
const (
	EventRegistered   pubsub.EventType = "registered"
	EventDelivered    pubsub.EventType = "delivered"
	EventRejected     pubsub.EventType = "rejected"
	EventRetired      pubsub.EventType = "retired"
	EventUnregistered pubsub.EventType = "unregistered"
)

// Event describes a change of the registration slot or a delivery attempt.
type Event struct {
	ActivationID string
	Once         bool
	// Outcome is set for delivery attempts (see the Outcome constants).
	Outcome  string
	Duration time.Duration
	Err      error
}

// Delivery outcomes, used for events, metrics labels and the journal.
const (
	OutcomeDelivered       = "delivered"
	OutcomeNoConsumer      = "no_consumer"
	OutcomeDuplicateFailed = "duplicate_failed"
	OutcomeTimeout         = "timeout"
	OutcomeAborted         = "aborted"
	OutcomeFailed          = "failed"
)
