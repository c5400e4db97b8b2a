// Package journal records dispatched trade instructions and their outcomes
// for audit. Entries are never read back into broker state.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tathienbao/exec-gateway/internal/types"
)

// Outcome is what the gateway did with an instruction.
type Outcome string

const (
	OutcomePlaced    Outcome = "placed"
	OutcomeHold      Outcome = "hold"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Entry is one journaled dispatch.
type Entry struct {
	ID               string          `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	StrategyName     string          `json:"strategy_name"`
	Broker           string          `json:"broker"`
	Symbol           string          `json:"symbol,omitempty"`
	Exchange         string          `json:"exchange,omitempty"`
	ContractNativeID int64           `json:"contract_id,omitempty"`
	Side             types.Side      `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	OrderKind        types.OrderKind `json:"order_type"`
	LimitPrice       decimal.Decimal `json:"limit_price"`
	Outcome          Outcome         `json:"outcome"`
	OrderID          string          `json:"order_id,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// NewEntry builds an entry for an instruction with a fresh id.
func NewEntry(in types.TradeInstruction, key string, now time.Time) Entry {
	return Entry{
		ID:               uuid.NewString(),
		Timestamp:        now,
		IdempotencyKey:   key,
		StrategyName:     in.StrategyName,
		Broker:           in.Broker(),
		Symbol:           in.Contract.Symbol,
		Exchange:         in.Contract.Exchange,
		ContractNativeID: in.Contract.NativeID,
		Side:             in.Side,
		Quantity:         in.Quantity,
		OrderKind:        in.OrderKind,
		LimitPrice:       in.LimitPrice,
	}
}

// Journal is an append-only audit log.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	ByStrategy(ctx context.Context, strategy string, limit int) ([]Entry, error)
	Close() error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) Recent(context.Context, int) ([]Entry, error) { return nil, nil }
func (Nop) ByStrategy(context.Context, string, int) ([]Entry, error) { return nil, nil }
func (Nop) Close() error { return nil }
