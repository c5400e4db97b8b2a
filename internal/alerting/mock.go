package alerting

import (
	"context"
	"sync"
)

// MockAlerter records alerts for tests.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
	err    error
}

// MockAlert is one captured alert.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// NewMockAlerter creates a new mock alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Name() string {
	return "mock"
}

// FailWith makes subsequent Alert calls return err after recording.
func (m *MockAlerter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, MockAlert{
		Severity: severity,
		Message:  message,
		Fields:   fields,
	})
	return m.err
}

// Alerts returns all captured alerts.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Events returns the event field of every captured alert, in order.
func (m *MockAlerter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, a := range m.alerts {
		for i := 0; i+1 < len(a.Fields); i += 2 {
			if a.Fields[i] == "event" {
				if s, ok := a.Fields[i+1].(string); ok {
					out = append(out, Event(s))
				}
			}
		}
	}
	return out
}
