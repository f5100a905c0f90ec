package handoff

import (
	"errors"
	"fmt"

	"github.com/zjrosen/ptyhandoff/internal/activation"
)

const (
	usageMessage       = "Usage: register(clsid, callback, once)"
	parseFailedMessage = "Failed to parse CLSID string"
	registerMessage    = "Failed to register class object"
)

// ErrNoConsumer is returned to the registry when an activation arrives and
// no consumer is attached: never registered, unregistered, or a one-shot
// registration that already delivered.
var ErrNoConsumer = errors.New("no handoff consumer registered")

// FormatStatus renders msg followed by the status as "(0x%08x)".
func FormatStatus(msg string, st activation.Status) string {
	return fmt.Sprintf("%s (%s)", msg, st)
}

// ArgumentError reports a rejected Register call. No state was changed.
type ArgumentError struct {
	Message string
	// Status is zero for usage errors.
	Status activation.Status
	Err    error
}

func (e *ArgumentError) Error() string {
	if e.Status == activation.StatusOK {
		return e.Message
	}
	return FormatStatus(e.Message, e.Status)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// RegistrationError reports that the registry refused the registration.
type RegistrationError struct {
	Status activation.Status
	Err    error
}

func (e *RegistrationError) Error() string {
	return FormatStatus(registerMessage, e.Status)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}
