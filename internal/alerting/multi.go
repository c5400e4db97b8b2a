package alerting

import (
	"context"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
)

// MultiAlerter fans an alert out to several channels concurrently.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a new multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		logger:   logger,
	}
}

func (m *MultiAlerter) Name() string {
	return "multi"
}

// Add registers another channel.
func (m *MultiAlerter) Add(a Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, a)
}

// Alert sends to every channel and combines their errors.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	alerters := make([]Alerter, len(m.alerters))
	copy(alerters, m.alerters)
	m.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		errs error
		emu  sync.Mutex
	)
	for _, a := range alerters {
		wg.Add(1)
		go func(a Alerter) {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alerter failed",
					"alerter", a.Name(),
					"severity", severity.String(),
					"error", err,
				)
				emu.Lock()
				errs = multierr.Append(errs, err)
				emu.Unlock()
			}
		}(a)
	}
	wg.Wait()

	return errs
}
