// Package alerting notifies operators about gateway events that need a
// human: venue connections failing and bulk closes that only partly worked.
package alerting

import (
	"context"
)

// Severity represents the alert severity level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message. Fields are
	// slog-style key/value pairs.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	Name() string
}

// Event is a predefined gateway alert.
type Event string

const (
	EventConnectionFailed   Event = "connection_failed"
	EventConnectionRestored Event = "connection_restored"
	EventClosePartial       Event = "close_all_partial"
	EventOrderRejected      Event = "order_rejected"
	EventGatewayStarted     Event = "gateway_started"
	EventGatewayStopped     Event = "gateway_stopped"
)

// Severity returns the default severity for an event.
func (e Event) Severity() Severity {
	switch e {
	case EventClosePartial:
		return SeverityCritical
	case EventConnectionFailed, EventOrderRejected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Notify sends event through a with the event's default severity. A nil
// alerter is a no-op.
func Notify(ctx context.Context, a Alerter, event Event, message string, fields ...any) error {
	if a == nil {
		return nil
	}
	fields = append([]any{"event", string(event)}, fields...)
	return a.Alert(ctx, event.Severity(), message, fields...)
}
