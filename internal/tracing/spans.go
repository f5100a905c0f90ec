package tracing

// Span names.
const (
	SpanRegister   = "handoff.register"
	SpanUnregister = "handoff.unregister"
	SpanEstablish  = "handoff.establish"
	SpanDuplicate  = "handoff.duplicate"
	SpanDeliver    = "handoff.deliver"
	SpanRetire     = "handoff.retire"
)

// Attribute keys.
const (
	AttrActivationID = "handoff.activation_id"
	AttrOnce         = "handoff.once"
	AttrToken        = "handoff.token"
	AttrOutcome      = "handoff.outcome"
	AttrStatus       = "handoff.status"
	AttrStarted      = "handoff.callback_started"
	AttrRole         = "handle.role"

	AttrErrorMessage = "error.message"
)

// Event names.
const (
	EventSelfHeal       = "slot.self_heal"
	EventHandlesDuped   = "handles.duplicated"
	EventCallbackQueued = "callback.queued"
	EventTokenRevoked   = "token.revoked"
)
