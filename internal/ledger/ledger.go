// Package ledger tracks orders, fills and net positions for one backend.
//
// Fills are stored permanently and are the single source of truth for
// both trade history and positions. Fill retrieval for callers goes
// through a separate drain cursor, so each fill is handed out at most once
// without ever being removed from history.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Ledger is safe for concurrent use.
type Ledger struct {
	mu sync.RWMutex

	orders   map[string]*types.Order
	sequence []string // order ids in placement order

	fills   map[string]types.Fill
	fillLog []string // order ids in fill order
	cursor  int      // fillLog entries already drained

	positions map[string]*types.Position

	now func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		orders:    make(map[string]*types.Order),
		fills:     make(map[string]types.Fill),
		positions: make(map[string]*types.Position),
		now:       time.Now,
	}
}

// Submit records a new order in Submitted state.
func (l *Ledger) Submit(o types.Order) error {
	if o.ID == "" {
		return fmt.Errorf("%w: empty order id", types.ErrInvalidArgument)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.orders[o.ID]; exists {
		return fmt.Errorf("%w: %s", types.ErrDuplicateOrder, o.ID)
	}
	o.Status = types.OrderStatusSubmitted
	if o.PlacedAt.IsZero() {
		o.PlacedAt = l.now()
	}
	o.UpdatedAt = o.PlacedAt
	l.orders[o.ID] = &o
	l.sequence = append(l.sequence, o.ID)
	return nil
}

// Fill transitions a Submitted order to Filled, stores the fill and applies
// it to the position, all under one lock. Missing fill fields are taken
// from the order. It returns the updated position.
func (l *Ledger) Fill(f types.Fill) (types.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[f.OrderID]
	if !ok {
		return types.Position{}, fmt.Errorf("%w: %s", types.ErrOrderNotFound, f.OrderID)
	}
	if o.Status.IsFinal() {
		return types.Position{}, fmt.Errorf("%w: %s is %s", types.ErrOrderNotPending, o.ID, o.Status)
	}

	if f.Symbol == "" {
		f.Symbol = o.Contract.Key()
	}
	if f.ContractNativeID == 0 {
		f.ContractNativeID = o.Contract.NativeID
	}
	if f.Quantity.IsZero() {
		f.Quantity = o.Quantity
	}
	if f.Side == types.SideHold {
		f.Side = o.Side
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = l.now()
	}

	o.Status = types.OrderStatusFilled
	o.UpdatedAt = f.Timestamp
	l.fills[o.ID] = f
	l.fillLog = append(l.fillLog, o.ID)

	return l.applyFill(o.Contract, f), nil
}

// applyFill updates the position with average-cost accounting.
// Caller must hold l.mu.
func (l *Ledger) applyFill(c types.Contract, f types.Fill) types.Position {
	pos, exists := l.positions[f.Symbol]
	if !exists {
		pos = &types.Position{Symbol: f.Symbol, Contract: c}
		l.positions[f.Symbol] = pos
	}

	qty := f.SignedQuantity()
	switch {
	case pos.Quantity.IsZero():
		pos.AvgCost = f.Price
	case pos.Quantity.Sign() == qty.Sign():
		// Adding to position
		held := pos.Quantity.Abs()
		added := qty.Abs()
		pos.AvgCost = pos.AvgCost.Mul(held).Add(f.Price.Mul(added)).Div(held.Add(added))
	default:
		// Reducing, closing or flipping
		closed := decimal.Min(pos.Quantity.Abs(), qty.Abs())
		pnl := f.Price.Sub(pos.AvgCost).Mul(closed)
		if pos.Quantity.IsNegative() {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)

		remaining := pos.Quantity.Add(qty)
		switch {
		case remaining.IsZero():
			pos.AvgCost = decimal.Zero
		case remaining.Sign() != pos.Quantity.Sign():
			pos.AvgCost = f.Price
		}
	}

	pos.Quantity = pos.Quantity.Add(qty)
	pos.MarketPrice = f.Price
	pos.UnrealizedPnL = unrealized(*pos)
	return *pos
}

func unrealized(p types.Position) decimal.Decimal {
	if p.Quantity.IsZero() || p.MarketPrice.IsZero() {
		return decimal.Zero
	}
	return p.MarketPrice.Sub(p.AvgCost).Mul(p.Quantity)
}

// Cancel moves a Submitted order to Cancelled.
func (l *Ledger) Cancel(orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
	}
	if o.Status.IsFinal() {
		return fmt.Errorf("%w: %s is %s", types.ErrOrderNotPending, orderID, o.Status)
	}
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = l.now()
	return nil
}

// Drain returns fills not yet handed out and advances the cursor. A fill
// is returned by at most one Drain call.
func (l *Ledger) Drain() []types.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := l.fillLog[l.cursor:]
	out := make([]types.Fill, 0, len(pending))
	for _, id := range pending {
		out = append(out, l.fills[id])
	}
	l.cursor = len(l.fillLog)
	return out
}

// Fills returns every fill ever recorded, in fill order.
func (l *Ledger) Fills() []types.Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Fill, 0, len(l.fillLog))
	for _, id := range l.fillLog {
		out = append(out, l.fills[id])
	}
	return out
}

// Trades returns every order with its fill, in placement order.
func (l *Ledger) Trades() []types.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Trade, 0, len(l.sequence))
	for _, id := range l.sequence {
		tr := types.Trade{Order: *l.orders[id]}
		if f, ok := l.fills[id]; ok {
			tr.Fill = &f
		}
		out = append(out, tr)
	}
	return out
}

// Order returns a copy of the order with the given id.
func (l *Ledger) Order(orderID string) (types.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	o, ok := l.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// Pending returns orders still in Submitted state, in placement order.
func (l *Ledger) Pending() []types.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.Order
	for _, id := range l.sequence {
		if o := l.orders[id]; o.Status == types.OrderStatusSubmitted {
			out = append(out, *o)
		}
	}
	return out
}

// Positions returns non-flat positions sorted by symbol.
func (l *Ledger) Positions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if !p.Quantity.IsZero() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns the position for symbol. A symbol never traded returns
// a flat position.
func (l *Ledger) Position(symbol string) types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if p, ok := l.positions[symbol]; ok {
		return *p
	}
	return types.Position{Symbol: symbol}
}

// Mark revalues the position for symbol at price.
func (l *Ledger) Mark(symbol string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok {
		return
	}
	p.MarketPrice = price
	p.UnrealizedPnL = unrealized(*p)
}

// RealizedPnL sums realized P&L across all positions, flat ones included.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.RealizedPnL)
	}
	return total
}
