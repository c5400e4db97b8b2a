package metrics

import (
	"time"

	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Recorder provides methods for recording metrics. It implements
// broker.Observer.
type Recorder struct{}

var _ broker.Observer = (*Recorder)(nil)

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// OrderPlaced records an order placement attempt.
func (r *Recorder) OrderPlaced(backend string, kind types.OrderKind, err error) {
	outcome := "accepted"
	if err != nil {
		outcome = "error"
	}
	OrdersTotal.WithLabelValues(backend, kind.String(), outcome).Inc()
}

// FillRecorded records a fill entering a ledger.
func (r *Recorder) FillRecorded(backend string, f types.Fill) {
	FillsTotal.WithLabelValues(backend, f.Side.String()).Inc()
}

// VenueRequest records one venue round trip.
func (r *Recorder) VenueRequest(backend, op string, d time.Duration, err error) {
	VenueRequestDuration.WithLabelValues(backend, op).Observe(d.Seconds())
	if err != nil {
		VenueRequestErrors.WithLabelValues(backend, op).Inc()
	}
}

// ConnectionChanged records backend connection status.
func (r *Recorder) ConnectionChanged(backend string, s broker.ConnectionState) {
	if s == broker.StateConnected {
		BrokerConnected.WithLabelValues(backend).Set(1)
	} else {
		BrokerConnected.WithLabelValues(backend).Set(0)
	}
}

// RecordDispatch records a handled SendTrade call.
func (r *Recorder) RecordDispatch(outcome string, d time.Duration) {
	DispatchRequestsTotal.WithLabelValues(outcome).Inc()
	DispatchLatency.Observe(d.Seconds())
}

// RecordHeartbeat records a heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordUptime records process uptime.
func (r *Recorder) RecordUptime(d time.Duration) {
	UptimeSeconds.Set(d.Seconds())
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveDispatch records the elapsed time as one dispatch with outcome.
func (t *Timer) ObserveDispatch(outcome string) {
	DispatchRequestsTotal.WithLabelValues(outcome).Inc()
	DispatchLatency.Observe(t.Elapsed().Seconds())
}
