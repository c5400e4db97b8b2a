// Package types defines shared types used across the execution gateway.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a trade instruction.
type Side int

const (
	SideHold Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// Opposite returns the opposite side. HOLD stays HOLD.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideHold
	}
}

// Sign returns +1 for BUY, -1 for SELL and 0 for HOLD.
func (s Side) Sign() decimal.Decimal {
	switch s {
	case SideBuy:
		return decimal.NewFromInt(1)
	case SideSell:
		return decimal.NewFromInt(-1)
	default:
		return decimal.Zero
	}
}

// ParseSide parses BUY, SELL or HOLD, case-insensitively.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	case "HOLD":
		return SideHold, nil
	default:
		return SideHold, fmt.Errorf("%w: unknown side %q", ErrInvalidArgument, s)
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OrderKind is MARKET or LIMIT. The zero value is LIMIT.
type OrderKind int

const (
	OrderKindLimit OrderKind = iota
	OrderKindMarket
)

func (k OrderKind) String() string {
	if k == OrderKindMarket {
		return "MARKET"
	}
	return "LIMIT"
}

// VenueCode returns the short venue order type (MKT or LMT).
func (k OrderKind) VenueCode() string {
	if k == OrderKindMarket {
		return "MKT"
	}
	return "LMT"
}

// ParseOrderKind accepts MARKET/MKT and LIMIT/LMT. Empty input means LIMIT.
func ParseOrderKind(s string) (OrderKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LIMIT", "LMT":
		return OrderKindLimit, nil
	case "MARKET", "MKT":
		return OrderKindMarket, nil
	default:
		return OrderKindLimit, fmt.Errorf("%w: unknown order kind %q", ErrInvalidArgument, s)
	}
}

func (k OrderKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *OrderKind) UnmarshalText(b []byte) error {
	v, err := ParseOrderKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// AssetClass identifies the kind of instrument. The zero value is unset.
type AssetClass int

const (
	AssetUnset AssetClass = iota
	AssetStock
	AssetFuture
	AssetETF
)

func (a AssetClass) String() string {
	switch a {
	case AssetUnset:
		return ""
	case AssetStock:
		return "STK"
	case AssetFuture:
		return "FUT"
	case AssetETF:
		return "ETF"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(a)) + ")"
	}
}

// ParseAssetClass accepts STK/STOCK, FUT/FUTURE and ETF. Empty input is
// AssetUnset; anything else is ErrUnsupportedContractType.
func ParseAssetClass(s string) (AssetClass, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return AssetUnset, nil
	case "STK", "STOCK":
		return AssetStock, nil
	case "FUT", "FUTURE":
		return AssetFuture, nil
	case "ETF":
		return AssetETF, nil
	default:
		return AssetUnset, fmt.Errorf("%w: %q", ErrUnsupportedContractType, s)
	}
}

func (a AssetClass) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *AssetClass) UnmarshalText(b []byte) error {
	v, err := ParseAssetClass(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Contract is the logical identity of an instrument.
type Contract struct {
	Symbol     string     `json:"symbol,omitempty"`
	AssetClass AssetClass `json:"contract_type"`
	Exchange   string     `json:"exchange,omitempty"`
	Currency   string     `json:"currency,omitempty"`
	Expiry     string     `json:"expiry,omitempty"` // YYYYMM or YYYYMMDD for futures
	NativeID   int64      `json:"contract_id,omitempty"`
}

// Key returns the canonical key used for positions and price tables:
// the symbol when known, otherwise the native id.
func (c Contract) Key() string {
	if c.Symbol != "" {
		return c.Symbol
	}
	return "conid:" + strconv.FormatInt(c.NativeID, 10)
}

func (c Contract) String() string {
	if c.AssetClass == AssetUnset {
		return fmt.Sprintf("%d@%s", c.NativeID, c.Exchange)
	}
	s := c.Symbol + " " + c.AssetClass.String()
	if c.Expiry != "" {
		s += " " + c.Expiry
	}
	if c.Exchange != "" {
		s += " @" + c.Exchange
	}
	return s
}

// DefaultBroker is the backend targeted when an instruction names none.
const DefaultBroker = "IB"

// TradeInstruction is what a strategy sends to request an order.
type TradeInstruction struct {
	StrategyName string          `json:"strategy_name"`
	Contract     Contract        `json:"contract"`
	Side         Side            `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	OrderKind    OrderKind       `json:"order_type"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	TargetBroker string          `json:"broker,omitempty"`
}

// IsHold reports whether the instruction is the no-op HOLD sentinel.
func (t TradeInstruction) IsHold() bool { return t.Side == SideHold }

// Broker returns the target backend name, defaulting to DefaultBroker.
func (t TradeInstruction) Broker() string {
	if t.TargetBroker == "" {
		return DefaultBroker
	}
	return t.TargetBroker
}

// Validate checks quantity and price rules. HOLD must carry zero quantity.
// A MARKET instruction ignores any limit price.
func (t TradeInstruction) Validate() error {
	if t.Side == SideHold {
		if !t.Quantity.IsZero() {
			return fmt.Errorf("%w: HOLD must have zero quantity", ErrInvalidArgument)
		}
		return nil
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("%w: unknown side %d", ErrInvalidArgument, t.Side)
	}
	if !t.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidArgument, t.Quantity)
	}
	if t.OrderKind == OrderKindLimit && !t.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: LIMIT order requires a positive limit price", ErrInvalidArgument)
	}
	return nil
}

// OrderStatus represents the state of an order.
type OrderStatus int

const (
	OrderStatusSubmitted OrderStatus = iota
	OrderStatusFilled
	OrderStatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusSubmitted:
		return "Submitted"
	case OrderStatusFilled:
		return "Filled"
	case OrderStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

func (s OrderStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OrderStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Submitted":
		*s = OrderStatusSubmitted
	case "Filled":
		*s = OrderStatusFilled
	case "Cancelled":
		*s = OrderStatusCancelled
	default:
		return fmt.Errorf("%w: unknown order status %q", ErrInvalidArgument, b)
	}
	return nil
}

// Order is an instruction accepted by a backend.
type Order struct {
	ID           string          `json:"order_id"`
	StrategyName string          `json:"strategy_name,omitempty"`
	Contract     Contract        `json:"contract"`
	Side         Side            `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Kind         OrderKind       `json:"order_type"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	Status       OrderStatus     `json:"status"`
	PlacedAt     time.Time       `json:"placed_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewOrder builds a Submitted order from an instruction.
func NewOrder(id string, in TradeInstruction, now time.Time) Order {
	return Order{
		ID:           id,
		StrategyName: in.StrategyName,
		Contract:     in.Contract,
		Side:         in.Side,
		Quantity:     in.Quantity,
		Kind:         in.OrderKind,
		LimitPrice:   in.LimitPrice,
		Status:       OrderStatusSubmitted,
		PlacedAt:     now,
		UpdatedAt:    now,
	}
}

// Fill is an immutable execution record. One per filled order.
type Fill struct {
	OrderID          string          `json:"order_id"`
	Symbol           string          `json:"symbol"`
	ContractNativeID int64           `json:"contract_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Side             Side            `json:"side"`
	Timestamp        time.Time       `json:"execution_time"`
}

// SignedQuantity returns +quantity for BUY and -quantity for SELL.
func (f Fill) SignedQuantity() decimal.Decimal {
	return f.Quantity.Mul(f.Side.Sign())
}

// Trade is an order together with its fill, if any.
type Trade struct {
	Order Order `json:"order"`
	Fill  *Fill `json:"fill,omitempty"`
}

// Status derives the trade status from the presence of a fill.
func (t Trade) Status() OrderStatus {
	if t.Fill != nil {
		return OrderStatusFilled
	}
	return t.Order.Status
}

// Position is the signed net quantity held in one instrument.
type Position struct {
	Symbol        string          `json:"symbol"`
	Contract      Contract        `json:"contract"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	MarketPrice   decimal.Decimal `json:"market_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Side returns the side that opened the position, HOLD when flat.
func (p Position) Side() Side {
	switch {
	case p.Quantity.IsPositive():
		return SideBuy
	case p.Quantity.IsNegative():
		return SideSell
	default:
		return SideHold
	}
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Contract  Contract        `json:"contract"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Bar is one OHLCV bar.
type Bar struct {
	Time   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// HistoricalRequest describes a historical bar query.
type HistoricalRequest struct {
	Contract         Contract  `json:"contract"`
	Start            time.Time `json:"start_time"`
	End              time.Time `json:"end_time"`
	BarSize          string    `json:"bar_size"`
	RegularHoursOnly bool      `json:"use_rth"`
}

// Validate checks the time range and bar size.
func (r HistoricalRequest) Validate() error {
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidArgument, r.End, r.Start)
	}
	if _, err := ParseBarSize(r.BarSize); err != nil {
		return err
	}
	return nil
}

// ParseBarSize parses venue bar sizes such as "1 min", "5 mins",
// "1 hour" or "1 day".
func ParseBarSize(s string) (time.Duration, error) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) != 2 {
		return 0, fmt.Errorf("%w: bar size %q", ErrInvalidArgument, s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: bar size %q", ErrInvalidArgument, s)
	}
	var unit time.Duration
	switch strings.TrimSuffix(fields[1], "s") {
	case "sec":
		unit = time.Second
	case "min":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: bar size %q", ErrInvalidArgument, s)
	}
	return time.Duration(n) * unit, nil
}

// Recognized account summary metrics.
const (
	MetricNetLiquidation     = "NetLiquidation"
	MetricTotalCashValue     = "TotalCashValue"
	MetricBuyingPower        = "BuyingPower"
	MetricAvailableFunds     = "AvailableFunds"
	MetricExcessLiquidity    = "ExcessLiquidity"
	MetricInitMarginReq      = "InitMarginReq"
	MetricMaintMarginReq     = "MaintMarginReq"
	MetricGrossPositionValue = "GrossPositionValue"
	MetricUnrealizedPnL      = "UnrealizedPnL"
	MetricRealizedPnL        = "RealizedPnL"
)

// AccountMetrics lists the recognized metric names in display order.
var AccountMetrics = []string{
	MetricNetLiquidation,
	MetricTotalCashValue,
	MetricBuyingPower,
	MetricAvailableFunds,
	MetricExcessLiquidity,
	MetricInitMarginReq,
	MetricMaintMarginReq,
	MetricGrossPositionValue,
	MetricUnrealizedPnL,
	MetricRealizedPnL,
}

// IsAccountMetric reports whether name is a recognized metric.
func IsAccountMetric(name string) bool {
	for _, m := range AccountMetrics {
		if m == name {
			return true
		}
	}
	return false
}

// AccountSummary is a read-only snapshot of account metrics in one currency.
type AccountSummary struct {
	Currency  string                     `json:"currency"`
	Values    map[string]decimal.Decimal `json:"values"`
	Timestamp time.Time                  `json:"timestamp"`
}

// Get returns the value for metric, or zero.
func (a AccountSummary) Get(metric string) decimal.Decimal {
	return a.Values[metric]
}

// CloseResult counts the outcome of a bulk close.
type CloseResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
