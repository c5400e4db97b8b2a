package alerting

import "context"

// FilterAlerter drops alerts whose event is not enabled. Alerts sent
// without an event field always pass.
type FilterAlerter struct {
	next    Alerter
	enabled func(event string) bool
}

// NewFilterAlerter wraps next with an event filter.
func NewFilterAlerter(next Alerter, enabled func(event string) bool) *FilterAlerter {
	return &FilterAlerter{next: next, enabled: enabled}
}

func (f *FilterAlerter) Name() string {
	return f.next.Name()
}

func (f *FilterAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	if event, ok := eventOf(fields); ok && !f.enabled(event) {
		return nil
	}
	return f.next.Alert(ctx, severity, message, fields...)
}

func eventOf(fields []any) (string, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok && k == "event" {
			v, ok := fields[i+1].(string)
			return v, ok
		}
	}
	return "", false
}
