// Package broker defines the capability set every execution backend
// implements, live or simulated.
package broker

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// ConnectionState represents the backend connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Backend is the single broker capability set. Every operation that
// touches the venue connects first if needed.
type Backend interface {
	Name() string

	// Connection management
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState

	// Market data
	GetQuote(ctx context.Context, c types.Contract) (types.Quote, error)
	GetQuoteByNativeID(ctx context.Context, exchange string, nativeID int64) (types.Quote, error)
	GetHistoricalData(ctx context.Context, req types.HistoricalRequest) ([]types.Bar, error)
	GetCurrentMinuteBarOpen(ctx context.Context, c types.Contract) (decimal.Decimal, error)

	// Contracts
	ValidateContract(ctx context.Context, c types.Contract) (bool, error)
	GetContractID(ctx context.Context, c types.Contract) (int64, error)

	// Orders
	PlaceOrder(ctx context.Context, in types.TradeInstruction) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetFills(ctx context.Context) ([]types.Fill, error)
	GetTrades(ctx context.Context) ([]types.Trade, error)

	// Positions and account
	GetPositions(ctx context.Context) ([]types.Position, error)
	CloseAllPositions(ctx context.Context) (types.CloseResult, error)
	GetAccountSummary(ctx context.Context) (types.AccountSummary, error)
}

// VenueTrade is a venue's view of one order.
type VenueTrade struct {
	OrderID string
	Status  types.OrderStatus
	Fill    *types.Fill
}

// Venue is the external brokerage connection a live backend delegates to.
// Implementations do not retry.
type Venue interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	QualifyContract(ctx context.Context, c types.Contract) ([]types.Contract, error)
	RequestQuote(ctx context.Context, c types.Contract) (types.Quote, error)
	RequestHistoricalData(ctx context.Context, req types.HistoricalRequest) ([]types.Bar, error)

	SubmitOrder(ctx context.Context, c types.Contract, in types.TradeInstruction) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(orderID string) (VenueTrade, bool)

	RequestPositions(ctx context.Context) ([]types.Position, error)
	RequestAccountSummary(ctx context.Context) (types.AccountSummary, error)
}
