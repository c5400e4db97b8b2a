package broker

import (
	"time"

	"github.com/tathienbao/exec-gateway/internal/types"
)

// Observer receives backend events for instrumentation. Implementations
// must be safe for concurrent use.
type Observer interface {
	OrderPlaced(backend string, kind types.OrderKind, err error)
	FillRecorded(backend string, f types.Fill)
	VenueRequest(backend, op string, d time.Duration, err error)
	ConnectionChanged(backend string, s ConnectionState)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) OrderPlaced(string, types.OrderKind, error) {}
func (NopObserver) FillRecorded(string, types.Fill) {}
func (NopObserver) VenueRequest(string, string, time.Duration, error) {}
func (NopObserver) ConnectionChanged(string, ConnectionState) {}
