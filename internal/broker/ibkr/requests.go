package ibkr

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Tick types carried by TICK_PRICE, live and delayed.
const (
	tickBid        = 1
	tickAsk        = 2
	tickLast       = 4
	tickDelayedBid = 66
	tickDelayedAsk = 67
	tickDelayedLst = 68
)

// secType maps an asset class to the venue security type. ETFs trade as
// stocks.
func secType(a types.AssetClass) string {
	switch a {
	case types.AssetStock, types.AssetETF:
		return "STK"
	case types.AssetFuture:
		return "FUT"
	default:
		return ""
	}
}

// assetClass maps a venue security type back, keeping ETF when requested.
func assetClass(sec string, requested types.AssetClass) types.AssetClass {
	switch sec {
	case "STK":
		if requested == types.AssetETF {
			return types.AssetETF
		}
		return types.AssetStock
	case "FUT":
		return types.AssetFuture
	default:
		return requested
	}
}

func contractFields(c types.Contract) []any {
	return []any{c.NativeID, c.Symbol, secType(c.AssetClass), c.Expiry, c.Exchange, c.Currency}
}

// QualifyContract returns every venue contract matching c.
func (c *Client) QualifyContract(ctx context.Context, ct types.Contract) ([]types.Contract, error) {
	id, req := c.newRequest()
	defer c.forget(id)

	fields := append([]any{outReqContractData, 8, id}, contractFields(ct)...)
	if err := c.send(ctx, fields...); err != nil {
		return nil, err
	}
	rows, err := c.await(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]types.Contract, 0, len(rows))
	for _, row := range rows {
		r := newFieldReader(row)
		m := types.Contract{
			Symbol:     r.str(),
			AssetClass: assetClass(r.str(), ct.AssetClass),
			Expiry:     r.str(),
			Exchange:   r.str(),
			Currency:   r.str(),
			NativeID:   r.int(),
		}
		if r.err != nil {
			return nil, fmt.Errorf("contract data: %w", r.err)
		}
		out = append(out, m)
	}
	return out, nil
}

// RequestQuote takes a market data snapshot for c.
func (c *Client) RequestQuote(ctx context.Context, ct types.Contract) (types.Quote, error) {
	id, req := c.newRequest()
	defer c.forget(id)

	fields := append([]any{outReqMktData, 11, id}, contractFields(ct)...)
	fields = append(fields, "", 1)
	if err := c.send(ctx, fields...); err != nil {
		return types.Quote{}, err
	}
	rows, err := c.await(ctx, req)
	if err != nil {
		return types.Quote{}, err
	}

	q := types.Quote{Contract: ct, Timestamp: time.Now()}
	for _, row := range rows {
		r := newFieldReader(row)
		tick := r.int()
		price := r.decimal()
		if r.err != nil {
			return types.Quote{}, fmt.Errorf("tick price: %w", r.err)
		}
		switch tick {
		case tickBid, tickDelayedBid:
			q.Bid = price
		case tickAsk, tickDelayedAsk:
			q.Ask = price
		case tickLast, tickDelayedLst:
			q.Last = price
		}
	}
	return q, nil
}

// historicalDuration renders the span as a venue duration string.
func historicalDuration(span time.Duration) string {
	secs := int64(math.Ceil(span.Seconds()))
	if secs <= 0 {
		secs = 1
	}
	if secs <= 86400 {
		return fmt.Sprintf("%d S", secs)
	}
	return fmt.Sprintf("%d D", (secs+86399)/86400)
}

// RequestHistoricalData returns bars in [req.Start, req.End).
func (c *Client) RequestHistoricalData(ctx context.Context, hr types.HistoricalRequest) ([]types.Bar, error) {
	id, req := c.newRequest()
	defer c.forget(id)

	rth := 0
	if hr.RegularHoursOnly {
		rth = 1
	}
	fields := append([]any{outReqHistoricalData, id}, contractFields(hr.Contract)...)
	fields = append(fields,
		hr.End.UTC().Format("20060102-15:04:05"),
		historicalDuration(hr.End.Sub(hr.Start)),
		hr.BarSize,
		"TRADES",
		rth,
		2, // epoch seconds
	)
	if err := c.send(ctx, fields...); err != nil {
		return nil, err
	}
	rows, err := c.await(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	r := newFieldReader(rows[0])
	r.skip(2) // start, end
	count := r.int()
	bars := make([]types.Bar, 0, count)
	for i := int64(0); i < count; i++ {
		bar := types.Bar{
			Time:   time.Unix(r.int(), 0).UTC(),
			Open:   r.decimal(),
			High:   r.decimal(),
			Low:    r.decimal(),
			Close:  r.decimal(),
			Volume: r.int(),
		}
		if r.err != nil {
			return nil, fmt.Errorf("historical data: %w", r.err)
		}
		if bar.Time.Before(hr.Start) || !bar.Time.Before(hr.End) {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// SubmitOrder sends the order and returns the venue order id. Fills
// arrive asynchronously and are read through OrderStatus.
func (c *Client) SubmitOrder(ctx context.Context, ct types.Contract, in types.TradeInstruction) (string, error) {
	if !c.IsConnected() {
		return "", fmt.Errorf("%w: not connected", types.ErrConnectionFailed)
	}
	num := c.nextOrderID.Add(1) - 1
	orderID := strconv.FormatInt(num, 10)

	c.ordersMu.Lock()
	c.orders[orderID] = &venueOrder{
		contract: ct,
		side:     in.Side,
		quantity: in.Quantity,
		status:   types.OrderStatusSubmitted,
	}
	c.ordersMu.Unlock()

	limit := ""
	if in.OrderKind == types.OrderKindLimit {
		limit = in.LimitPrice.String()
	}
	fields := append([]any{outPlaceOrder, 45, num}, contractFields(ct)...)
	fields = append(fields, in.Side.String(), in.Quantity.String(), in.OrderKind.VenueCode(), limit, "DAY")
	if err := c.send(ctx, fields...); err != nil {
		c.ordersMu.Lock()
		delete(c.orders, orderID)
		c.ordersMu.Unlock()
		return "", fmt.Errorf("send order: %w", err)
	}

	c.logger.Info("order placed",
		"order_id", orderID,
		"contract", ct.String(),
		"side", in.Side.String(),
		"quantity", in.Quantity.String(),
		"kind", in.OrderKind.VenueCode(),
	)
	return orderID, nil
}

// CancelOrder requests cancellation. The terminal state arrives as an
// order status message.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.send(ctx, outCancelOrder, 1, orderID); err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}
	c.logger.Info("order cancel requested", "order_id", orderID)
	return nil
}

// OrderStatus returns the venue's current view of an order placed by this
// client.
func (c *Client) OrderStatus(orderID string) (broker.VenueTrade, bool) {
	c.ordersMu.RLock()
	defer c.ordersMu.RUnlock()

	o, ok := c.orders[orderID]
	if !ok {
		return broker.VenueTrade{}, false
	}
	vt := broker.VenueTrade{OrderID: orderID, Status: o.status}
	if o.fill != nil {
		f := *o.fill
		vt.Fill = &f
	}
	return vt, true
}

// RequestPositions returns every position across accounts.
func (c *Client) RequestPositions(ctx context.Context) ([]types.Position, error) {
	c.posMu.Lock()
	defer c.posMu.Unlock()

	req := newRequestState()
	c.posReq.Store(req)
	defer c.posReq.Store(nil)

	if err := c.send(ctx, outReqPositions, 1); err != nil {
		return nil, err
	}
	rows, err := c.await(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, outCancelPositions, 1); err != nil {
		c.logger.Debug("cancel positions failed", "error", err)
	}

	out := make([]types.Position, 0, len(rows))
	for _, row := range rows {
		r := newFieldReader(row)
		r.skip(1) // account
		ct := types.Contract{NativeID: r.int(), Symbol: r.str()}
		ct.AssetClass = assetClass(r.str(), types.AssetUnset)
		ct.Expiry = r.str()
		ct.Exchange = r.str()
		ct.Currency = r.str()
		qty := r.decimal()
		avg := r.decimal()
		if r.err != nil {
			return nil, fmt.Errorf("position data: %w", r.err)
		}
		out = append(out, types.Position{
			Symbol:   ct.Key(),
			Contract: ct,
			Quantity: qty,
			AvgCost:  avg,
		})
	}
	return out, nil
}

// RequestAccountSummary returns recognized metrics in the configured
// currency, summed across accounts.
func (c *Client) RequestAccountSummary(ctx context.Context) (types.AccountSummary, error) {
	id, req := c.newRequest()
	defer c.forget(id)

	if err := c.send(ctx, outReqAccountSummary, 1, id, "All", strings.Join(types.AccountMetrics, ",")); err != nil {
		return types.AccountSummary{}, err
	}
	rows, err := c.await(ctx, req)
	if err != nil {
		return types.AccountSummary{}, err
	}
	if err := c.send(ctx, outCancelAccountSummary, 1, id); err != nil {
		c.logger.Debug("cancel account summary failed", "error", err)
	}

	summary := types.AccountSummary{
		Currency:  c.cfg.Currency,
		Values:    make(map[string]decimal.Decimal),
		Timestamp: time.Now(),
	}
	for _, row := range rows {
		r := newFieldReader(row)
		r.skip(1) // account
		tag := r.str()
		raw := r.str()
		currency := r.str()
		if r.err != nil || !types.IsAccountMetric(tag) || currency != c.cfg.Currency {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		summary.Values[tag] = summary.Values[tag].Add(value)
	}
	return summary, nil
}
