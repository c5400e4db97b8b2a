// Package sim provides a self-contained simulated broker backend used for
// paper trading and as a test double for the live backend.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/tathienbao/exec-gateway/internal/alerting"
	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/contract"
	"github.com/tathienbao/exec-gateway/internal/ledger"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Margin fractions of gross position value used by the account summary.
var (
	initMarginFraction  = decimal.RequireFromString("0.5")
	maintMarginFraction = decimal.RequireFromString("0.25")
	buyingPowerLeverage = decimal.NewFromInt(4)
)

// maxBars caps a single historical request.
const maxBars = 50000

// Config holds simulated backend configuration.
type Config struct {
	Name         string
	StartingCash decimal.Decimal
	Currency     string
	Seed         uint64 // zero picks a random seed
}

// DefaultConfig returns default simulated backend config.
func DefaultConfig() Config {
	return Config{
		Name:         "TEST",
		StartingCash: decimal.NewFromInt(1_000_000),
		Currency:     "USD",
	}
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithObserver sets the instrumentation sink.
func WithObserver(o broker.Observer) Option {
	return func(b *Backend) { b.observer = o }
}

// WithAlerter sets the operator alert channel.
func WithAlerter(a alerting.Alerter) Option {
	return func(b *Backend) { b.alerter = a }
}

// Backend implements broker.Backend with a random-walk price model and
// immediate one-shot fills.
type Backend struct {
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	observer broker.Observer
	alerter  alerting.Alerter

	state atomic.Int32

	// mu serializes order placement so the crossing check, ledger update and
	// cash update happen together.
	mu   sync.Mutex
	cash decimal.Decimal

	prices   *PriceModel
	ledger   *ledger.Ledger
	resolver *contract.Resolver
}

var _ broker.Backend = (*Backend)(nil)

// New creates a simulated backend.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	b := &Backend{
		cfg:      cfg,
		logger:   logger.With("broker", cfg.Name),
		now:      time.Now,
		observer: broker.NopObserver{},
		cash:     cfg.StartingCash,
		ledger:   ledger.New(),
		resolver: contract.NewResolver(nil, logger),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.prices = NewPriceModel(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), b.now)
	return b
}

func (b *Backend) Name() string { return b.cfg.Name }

// Connect marks the backend connected. It never fails.
func (b *Backend) Connect(ctx context.Context) error {
	if b.state.Swap(int32(broker.StateConnected)) != int32(broker.StateConnected) {
		b.logger.Info("simulated broker connected")
		b.observer.ConnectionChanged(b.cfg.Name, broker.StateConnected)
	}
	return nil
}

func (b *Backend) Disconnect() error {
	if b.state.Swap(int32(broker.StateDisconnected)) == int32(broker.StateConnected) {
		b.logger.Info("simulated broker disconnected")
		b.observer.ConnectionChanged(b.cfg.Name, broker.StateDisconnected)
	}
	return nil
}

func (b *Backend) State() broker.ConnectionState {
	return broker.ConnectionState(b.state.Load())
}

// Ledger exposes the backend's order book for inspection.
func (b *Backend) Ledger() *ledger.Ledger { return b.ledger }

func (b *Backend) resolve(ctx context.Context, c *types.Contract, nativeID int64, exchange string) (types.Contract, error) {
	if err := b.Connect(ctx); err != nil {
		return types.Contract{}, err
	}
	resolved, err := b.resolver.Resolve(ctx, c, nativeID, exchange)
	if err != nil {
		return types.Contract{}, err
	}
	// Contracts referenced only by native id and exchange carry no symbol.
	if resolved.Symbol != "" && !contract.IsPlausible(resolved) {
		return types.Contract{}, fmt.Errorf("%w: %s is not a tradable symbol", types.ErrInvalidArgument, resolved)
	}
	return resolved, nil
}

func (b *Backend) quote(c types.Contract) types.Quote {
	bid, ask, last := b.prices.Quote(c.Key())
	return types.Quote{
		Contract:  c,
		Bid:       bid,
		Ask:       ask,
		Last:      last,
		Timestamp: b.now(),
	}
}

// GetQuote returns a simulated quote for c.
func (b *Backend) GetQuote(ctx context.Context, c types.Contract) (types.Quote, error) {
	resolved, err := b.resolve(ctx, &c, 0, "")
	if err != nil {
		return types.Quote{}, err
	}
	return b.quote(resolved), nil
}

// GetQuoteByNativeID returns a simulated quote keyed by native id.
func (b *Backend) GetQuoteByNativeID(ctx context.Context, exchange string, nativeID int64) (types.Quote, error) {
	resolved, err := b.resolve(ctx, nil, nativeID, exchange)
	if err != nil {
		return types.Quote{}, err
	}
	return b.quote(resolved), nil
}

// GetCurrentMinuteBarOpen returns the first simulated price of the
// current minute.
func (b *Backend) GetCurrentMinuteBarOpen(ctx context.Context, c types.Contract) (decimal.Decimal, error) {
	resolved, err := b.resolve(ctx, &c, 0, "")
	if err != nil {
		return decimal.Zero, err
	}
	return b.prices.MinuteOpen(resolved.Key()), nil
}

// GetHistoricalData synthesizes bars between req.Start and req.End.
func (b *Backend) GetHistoricalData(ctx context.Context, req types.HistoricalRequest) ([]types.Bar, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	resolved, err := b.resolve(ctx, &req.Contract, 0, "")
	if err != nil {
		return nil, err
	}
	step, _ := types.ParseBarSize(req.BarSize)

	var times []time.Time
	for t := req.Start.Truncate(step); t.Before(req.End); t = t.Add(step) {
		if t.Before(req.Start) {
			continue
		}
		if req.RegularHoursOnly && !inRegularHours(t, step) {
			continue
		}
		if len(times) == maxBars {
			return nil, fmt.Errorf("%w: more than %d bars requested", types.ErrInvalidArgument, maxBars)
		}
		times = append(times, t)
	}
	return b.prices.Bars(resolved.Key(), times), nil
}

// ValidateContract reports whether c resolves under the synthetic symbol
// rules, the same check every other operation applies.
func (b *Backend) ValidateContract(ctx context.Context, c types.Contract) (bool, error) {
	if _, err := b.resolve(ctx, &c, 0, ""); err != nil {
		if errors.Is(err, types.ErrInvalidArgument) || errors.Is(err, types.ErrUnsupportedContractType) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetContractID returns the native id, or a deterministic hash of the
// normalized contract.
func (b *Backend) GetContractID(ctx context.Context, c types.Contract) (int64, error) {
	resolved, err := b.resolve(ctx, &c, 0, "")
	if err != nil {
		return 0, err
	}
	return resolved.NativeID, nil
}

// PlaceOrder stores the order and fills it at once if it is MARKET or a
// crossing LIMIT. A non-crossing LIMIT stays Submitted. HOLD returns an
// empty id and places nothing.
func (b *Backend) PlaceOrder(ctx context.Context, in types.TradeInstruction) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	if in.IsHold() {
		return "", nil
	}
	resolved, err := b.resolve(ctx, &in.Contract, 0, "")
	if err != nil {
		return "", err
	}
	in.Contract = resolved

	id, err := b.place(in)
	b.observer.OrderPlaced(b.cfg.Name, in.OrderKind, err)
	return id, err
}

func (b *Backend) place(in types.TradeInstruction) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	q := b.quote(in.Contract)

	var id string
	for attempt := 0; ; attempt++ {
		id = fmt.Sprintf("TEST_%d_%d", now.Unix(), b.prices.Digits())
		err := b.ledger.Submit(types.NewOrder(id, in, now))
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrDuplicateOrder) || attempt == 10 {
			return "", err
		}
	}

	price, crosses := fillPrice(in, q)
	b.logger.Info("order placed",
		"order_id", id,
		"symbol", in.Contract.Key(),
		"side", in.Side.String(),
		"quantity", in.Quantity.String(),
		"kind", in.OrderKind.String(),
		"fills", crosses,
	)
	if !crosses {
		return id, nil
	}

	f := types.Fill{
		OrderID:          id,
		Symbol:           in.Contract.Key(),
		ContractNativeID: in.Contract.NativeID,
		Quantity:         in.Quantity,
		Price:            price,
		Side:             in.Side,
		Timestamp:        now,
	}
	if _, err := b.ledger.Fill(f); err != nil {
		return id, err
	}
	b.cash = b.cash.Sub(f.SignedQuantity().Mul(price))
	b.observer.FillRecorded(b.cfg.Name, f)
	return id, nil
}

// fillPrice returns the execution price and whether the order executes now.
func fillPrice(in types.TradeInstruction, q types.Quote) (decimal.Decimal, bool) {
	touch := q.Ask
	if in.Side == types.SideSell {
		touch = q.Bid
	}
	if in.OrderKind == types.OrderKindMarket {
		return touch, true
	}
	if in.Side == types.SideBuy {
		return touch, touch.LessThanOrEqual(in.LimitPrice)
	}
	return touch, touch.GreaterThanOrEqual(in.LimitPrice)
}

// CancelOrder cancels a resting order.
func (b *Backend) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.Connect(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger.Cancel(orderID)
}

// GetFills returns fills not returned by an earlier call.
func (b *Backend) GetFills(ctx context.Context) ([]types.Fill, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	return b.ledger.Drain(), nil
}

// GetTrades returns every order with its fill.
func (b *Backend) GetTrades(ctx context.Context) ([]types.Trade, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	return b.ledger.Trades(), nil
}

// GetPositions returns open positions marked at the current bid/ask mid.
func (b *Backend) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	b.markAll()
	return b.ledger.Positions(), nil
}

func (b *Backend) markAll() {
	for _, p := range b.ledger.Positions() {
		b.ledger.Mark(p.Symbol, b.quote(p.Contract).Mid())
	}
}

// CloseAllPositions flattens every open position with opposing MARKET
// orders. Individual failures are counted, not returned.
func (b *Backend) CloseAllPositions(ctx context.Context) (types.CloseResult, error) {
	if err := b.Connect(ctx); err != nil {
		return types.CloseResult{}, err
	}

	var (
		result types.CloseResult
		errs   error
	)
	for _, p := range b.ledger.Positions() {
		in := types.TradeInstruction{
			StrategyName: "close_all",
			Contract:     p.Contract,
			Side:         p.Side().Opposite(),
			Quantity:     p.Quantity.Abs(),
			OrderKind:    types.OrderKindMarket,
			TargetBroker: b.cfg.Name,
		}
		if _, err := b.PlaceOrder(ctx, in); err != nil {
			result.Failed++
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Symbol, err))
			continue
		}
		result.Succeeded++
	}

	if errs != nil {
		b.logger.Error("close all positions partially failed",
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"error", errs,
		)
		_ = alerting.Notify(ctx, b.alerter, alerting.EventClosePartial, "close all positions partially failed",
			"broker", b.cfg.Name,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
		)
	}
	return result, nil
}

// GetAccountSummary derives account metrics from cash and marked positions.
func (b *Backend) GetAccountSummary(ctx context.Context) (types.AccountSummary, error) {
	if err := b.Connect(ctx); err != nil {
		return types.AccountSummary{}, err
	}
	// Cash and positions change together in place, so mark and read both
	// under mu.
	b.mu.Lock()
	b.markAll()
	cash := b.cash
	positions := b.ledger.Positions()
	realized := b.ledger.RealizedPnL()
	b.mu.Unlock()

	marketValue := decimal.Zero
	gross := decimal.Zero
	unrealized := decimal.Zero
	for _, p := range positions {
		value := p.Quantity.Mul(p.MarketPrice)
		marketValue = marketValue.Add(value)
		gross = gross.Add(value.Abs())
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}

	netLiq := cash.Add(marketValue)
	initMargin := gross.Mul(initMarginFraction)
	maintMargin := gross.Mul(maintMarginFraction)
	available := netLiq.Sub(initMargin)

	return types.AccountSummary{
		Currency: b.cfg.Currency,
		Values: map[string]decimal.Decimal{
			types.MetricNetLiquidation:     netLiq,
			types.MetricTotalCashValue:     cash,
			types.MetricGrossPositionValue: gross,
			types.MetricInitMarginReq:      initMargin,
			types.MetricMaintMarginReq:     maintMargin,
			types.MetricAvailableFunds:     available,
			types.MetricExcessLiquidity:    netLiq.Sub(maintMargin),
			types.MetricBuyingPower:        decimal.Max(available, decimal.Zero).Mul(buyingPowerLeverage),
			types.MetricUnrealizedPnL:      unrealized,
			types.MetricRealizedPnL:        realized,
		},
		Timestamp: b.now(),
	}, nil
}
