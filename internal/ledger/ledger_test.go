package ledger

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-gateway/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func submit(t *testing.T, l *Ledger, id string, side types.Side, qty string) {
	t.Helper()
	o := types.Order{
		ID:       id,
		Contract: types.Contract{Symbol: "AAPL", AssetClass: types.AssetStock},
		Side:     side,
		Quantity: d(qty),
		Kind:     types.OrderKindMarket,
	}
	if err := l.Submit(o); err != nil {
		t.Fatalf("Submit(%s) error = %v", id, err)
	}
}

func fill(t *testing.T, l *Ledger, id, price string) types.Position {
	t.Helper()
	pos, err := l.Fill(types.Fill{OrderID: id, Price: d(price)})
	if err != nil {
		t.Fatalf("Fill(%s) error = %v", id, err)
	}
	return pos
}

func TestLedger_SubmitDuplicate(t *testing.T) {
	l := New()
	submit(t, l, "1", types.SideBuy, "10")

	err := l.Submit(types.Order{ID: "1"})
	if !errors.Is(err, types.ErrDuplicateOrder) {
		t.Errorf("Submit() error = %v, want ErrDuplicateOrder", err)
	}
}

func TestLedger_FillTransitions(t *testing.T) {
	l := New()
	submit(t, l, "1", types.SideBuy, "10")

	pos := fill(t, l, "1", "150")
	if !pos.Quantity.Equal(d("10")) {
		t.Errorf("Quantity = %s, want 10", pos.Quantity)
	}

	o, _ := l.Order("1")
	if o.Status != types.OrderStatusFilled {
		t.Errorf("Status = %v, want Filled", o.Status)
	}

	_, err := l.Fill(types.Fill{OrderID: "1", Price: d("151")})
	if !errors.Is(err, types.ErrOrderNotPending) {
		t.Errorf("second Fill() error = %v, want ErrOrderNotPending", err)
	}
	if got := l.Position("AAPL").Quantity; !got.Equal(d("10")) {
		t.Errorf("position after refill = %s, want 10", got)
	}

	_, err = l.Fill(types.Fill{OrderID: "missing"})
	if !errors.Is(err, types.ErrOrderNotFound) {
		t.Errorf("Fill(missing) error = %v, want ErrOrderNotFound", err)
	}
}

func TestLedger_FillDefaultsFromOrder(t *testing.T) {
	l := New()
	submit(t, l, "1", types.SideSell, "4")
	fill(t, l, "1", "100")

	f := l.Fills()[0]
	if f.Symbol != "AAPL" || f.Side != types.SideSell || !f.Quantity.Equal(d("4")) {
		t.Errorf("Fill = %+v, want AAPL SELL 4", f)
	}
	if f.Timestamp.IsZero() {
		t.Error("Fill timestamp should be set")
	}
}

func TestLedger_CancelIsTerminal(t *testing.T) {
	l := New()
	submit(t, l, "1", types.SideBuy, "1")

	if err := l.Cancel("1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, err := l.Fill(types.Fill{OrderID: "1", Price: d("1")}); !errors.Is(err, types.ErrOrderNotPending) {
		t.Errorf("Fill(cancelled) error = %v, want ErrOrderNotPending", err)
	}
	if err := l.Cancel("1"); !errors.Is(err, types.ErrOrderNotPending) {
		t.Errorf("Cancel(cancelled) error = %v, want ErrOrderNotPending", err)
	}
	if len(l.Pending()) != 0 {
		t.Errorf("Pending() = %d, want 0", len(l.Pending()))
	}
}

func TestLedger_DrainAtMostOnce(t *testing.T) {
	l := New()
	submit(t, l, "1", types.SideBuy, "1")
	submit(t, l, "2", types.SideBuy, "1")
	fill(t, l, "1", "10")

	first := l.Drain()
	if len(first) != 1 || first[0].OrderID != "1" {
		t.Fatalf("Drain() = %+v, want [1]", first)
	}
	if again := l.Drain(); len(again) != 0 {
		t.Errorf("second Drain() = %+v, want empty", again)
	}

	fill(t, l, "2", "11")
	next := l.Drain()
	if len(next) != 1 || next[0].OrderID != "2" {
		t.Errorf("Drain() = %+v, want [2]", next)
	}

	// History survives draining.
	trades := l.Trades()
	if len(trades) != 2 {
		t.Fatalf("Trades() = %d, want 2", len(trades))
	}
	for _, tr := range trades {
		if tr.Fill == nil || tr.Status() != types.OrderStatusFilled {
			t.Errorf("trade %s status = %v, want Filled", tr.Order.ID, tr.Status())
		}
	}
}

func TestLedger_AverageCost(t *testing.T) {
	tests := []struct {
		name         string
		fills        [][3]string // side, qty, price
		wantQty      string
		wantAvg      string
		wantRealized string
	}{
		{
			name:    "open",
			fills:   [][3]string{{"BUY", "10", "100"}},
			wantQty: "10", wantAvg: "100", wantRealized: "0",
		},
		{
			name:    "add",
			fills:   [][3]string{{"BUY", "10", "100"}, {"BUY", "10", "110"}},
			wantQty: "20", wantAvg: "105", wantRealized: "0",
		},
		{
			name:    "partial close long",
			fills:   [][3]string{{"BUY", "10", "100"}, {"SELL", "4", "110"}},
			wantQty: "6", wantAvg: "100", wantRealized: "40",
		},
		{
			name:    "full close",
			fills:   [][3]string{{"BUY", "10", "100"}, {"SELL", "10", "90"}},
			wantQty: "0", wantAvg: "0", wantRealized: "-100",
		},
		{
			name:    "flip",
			fills:   [][3]string{{"BUY", "10", "100"}, {"SELL", "15", "120"}},
			wantQty: "-5", wantAvg: "120", wantRealized: "200",
		},
		{
			name:    "short cover",
			fills:   [][3]string{{"SELL", "5", "50"}, {"BUY", "5", "40"}},
			wantQty: "0", wantAvg: "0", wantRealized: "50",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			for i, f := range tt.fills {
				side, _ := types.ParseSide(f[0])
				id := fmt.Sprintf("%d", i)
				submit(t, l, id, side, f[1])
				fill(t, l, id, f[2])
			}
			pos := l.Position("AAPL")
			if !pos.Quantity.Equal(d(tt.wantQty)) {
				t.Errorf("Quantity = %s, want %s", pos.Quantity, tt.wantQty)
			}
			if !pos.AvgCost.Equal(d(tt.wantAvg)) {
				t.Errorf("AvgCost = %s, want %s", pos.AvgCost, tt.wantAvg)
			}
			if !pos.RealizedPnL.Equal(d(tt.wantRealized)) {
				t.Errorf("RealizedPnL = %s, want %s", pos.RealizedPnL, tt.wantRealized)
			}
		})
	}
}

func TestLedger_PositionsSkipFlat(t *testing.T) {
	l := New()
	submit(t, l, "1", types.SideBuy, "1")
	submit(t, l, "2", types.SideSell, "1")
	fill(t, l, "1", "10")
	fill(t, l, "2", "12")

	if got := l.Positions(); len(got) != 0 {
		t.Errorf("Positions() = %+v, want empty", got)
	}
	if got := l.RealizedPnL(); !got.Equal(d("2")) {
		t.Errorf("RealizedPnL() = %s, want 2", got)
	}
}

func TestLedger_Mark(t *testing.T) {
	l := New()
	submit(t, l, "1", types.SideBuy, "10")
	fill(t, l, "1", "100")

	l.Mark("AAPL", d("105"))
	if got := l.Position("AAPL").UnrealizedPnL; !got.Equal(d("50")) {
		t.Errorf("UnrealizedPnL = %s, want 50", got)
	}
}

func TestLedger_ConcurrentFillAppliesOnce(t *testing.T) {
	l := New()
	submit(t, l, "1", types.SideBuy, "10")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Fill(types.Fill{OrderID: "1", Price: d("100")}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful fills = %d, want 1", successes)
	}
	if got := l.Position("AAPL").Quantity; !got.Equal(d("10")) {
		t.Errorf("Quantity = %s, want 10", got)
	}
}
