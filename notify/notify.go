// Package notify delivers user-facing system notifications: storage
// failures, reconciliation corrections, capture results. Sinks implement
// Notifier; the default wiring fans out to a structured-log sink and an
// optional webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/topos/idgen"
)

// Severity classifies a notification and drives its dismissal behavior.
type Severity int

const (
	Info Severity = iota
	Success
	Warning
	Error
	Critical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// DismissAfter returns how long a notification stays up before an interface
// may auto-dismiss it. Zero means sticky: errors stay until acknowledged.
func (s Severity) DismissAfter() time.Duration {
	switch s {
	case Info, Success:
		return 4 * time.Second
	case Warning:
		return 8 * time.Second
	default:
		return 0
	}
}

// MarshalText makes Severity render as its name in JSON payloads.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Notification is one user-facing message.
type Notification struct {
	ID           string        `json:"id"`
	Severity     Severity      `json:"severity"`
	Title        string        `json:"title"`
	Message      string        `json:"message,omitempty"`
	DismissAfter time.Duration `json:"dismissAfter,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

var newID = idgen.Prefixed("ntf_", idgen.NanoID(12))

// New builds a Notification with a fresh id, timestamp, and the severity's
// default dismissal.
func New(sev Severity, title, message string) Notification {
	return Notification{
		ID:           newID(),
		Severity:     sev,
		Title:        title,
		Message:      message,
		DismissAfter: sev.DismissAfter(),
		CreatedAt:    time.Now(),
	}
}

// Notifier delivers notifications to one sink.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// DeliveryError is returned when a sink could not deliver a notification.
type DeliveryError struct {
	Sink  string
	Cause error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notify: delivery failed on %s: %v", e.Sink, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

// Multi fans a notification out to every sink. All sinks are attempted;
// failures are joined.
func Multi(sinks ...Notifier) Notifier {
	return Func(func(ctx context.Context, n Notification) error {
		var errs []error
		for _, sink := range sinks {
			if err := sink.Notify(ctx, n); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
