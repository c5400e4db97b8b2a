// Package live provides the broker backend that delegates every call to an
// external venue connection.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/tathienbao/exec-gateway/internal/alerting"
	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/contract"
	"github.com/tathienbao/exec-gateway/internal/ledger"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Config holds live backend configuration.
type Config struct {
	Name string
	// MaxConcurrent caps venue requests in flight.
	MaxConcurrent int64
}

// DefaultConfig returns default live backend config.
func DefaultConfig() Config {
	return Config{
		Name:          types.DefaultBroker,
		MaxConcurrent: 8,
	}
}

// Option configures a Backend.
type Option func(*Backend)

// WithObserver sets the instrumentation sink.
func WithObserver(o broker.Observer) Option {
	return func(b *Backend) { b.observer = o }
}

// WithAlerter sets the operator alert channel.
func WithAlerter(a alerting.Alerter) Option {
	return func(b *Backend) { b.alerter = a }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Backend implements broker.Backend on top of a broker.Venue. It performs
// no retries. Venue faults come back as *types.OperationError.
type Backend struct {
	cfg      Config
	logger   *slog.Logger
	venue    broker.Venue
	observer broker.Observer
	alerter  alerting.Alerter
	now      func() time.Time

	// connMu serializes connection attempts. It is never held by ledger
	// operations.
	connMu  sync.Mutex
	lastUp  atomic.Bool
	failing atomic.Bool

	sem *semaphore.Weighted

	// mu guards the transition of pending orders into the ledger.
	mu     sync.Mutex
	ledger *ledger.Ledger

	resolver *contract.Resolver
}

var _ broker.Backend = (*Backend)(nil)

// New creates a live backend over venue.
func New(cfg Config, venue broker.Venue, logger *slog.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}

	b := &Backend{
		cfg:      cfg,
		logger:   logger.With("broker", cfg.Name),
		venue:    venue,
		observer: broker.NopObserver{},
		now:      time.Now,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		ledger:   ledger.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.resolver = contract.NewResolver(venueQualifier{b}, b.logger)
	return b
}

func (b *Backend) Name() string { return b.cfg.Name }

// Connect connects the venue unless already connected. Failures wrap
// types.ErrConnectionFailed and leave the backend disconnected.
func (b *Backend) Connect(ctx context.Context) error {
	if b.venue.IsConnected() {
		return nil
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.venue.IsConnected() {
		return nil
	}
	if b.lastUp.Swap(false) {
		b.observer.ConnectionChanged(b.cfg.Name, broker.StateDisconnected)
	}

	if err := b.venue.Connect(ctx); err != nil {
		if !errors.Is(err, types.ErrConnectionFailed) {
			err = fmt.Errorf("%w: %v", types.ErrConnectionFailed, err)
		}
		b.logger.Error("venue connection failed", "error", err)
		if !b.failing.Swap(true) {
			_ = alerting.Notify(ctx, b.alerter, alerting.EventConnectionFailed, "venue connection failed",
				"broker", b.cfg.Name,
				"error", err.Error(),
			)
		}
		return err
	}

	b.lastUp.Store(true)
	b.observer.ConnectionChanged(b.cfg.Name, broker.StateConnected)
	if b.failing.Swap(false) {
		_ = alerting.Notify(ctx, b.alerter, alerting.EventConnectionRestored, "venue connection restored",
			"broker", b.cfg.Name,
		)
	}
	return nil
}

func (b *Backend) Disconnect() error {
	err := b.venue.Disconnect()
	if b.lastUp.Swap(false) {
		b.observer.ConnectionChanged(b.cfg.Name, broker.StateDisconnected)
	}
	return err
}

func (b *Backend) State() broker.ConnectionState {
	if b.venue.IsConnected() {
		return broker.StateConnected
	}
	return broker.StateDisconnected
}

// Ledger exposes the backend's order book for inspection.
func (b *Backend) Ledger() *ledger.Ledger { return b.ledger }

// call connects, takes a venue slot and runs fn. Connection failures pass
// through; any other fault is wrapped as an OperationError.
func (b *Backend) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := b.Connect(ctx); err != nil {
		return err
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return types.NewOperationError(op, err)
	}
	defer b.sem.Release(1)

	start := time.Now()
	err := fn(ctx)
	b.observer.VenueRequest(b.cfg.Name, op, time.Since(start), err)
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrConnectionFailed) {
		return err
	}
	b.logger.Warn("venue request failed", "op", op, "error", err)
	return types.NewOperationError(op, err)
}

type venueQualifier struct{ b *Backend }

func (q venueQualifier) QualifyContract(ctx context.Context, c types.Contract) ([]types.Contract, error) {
	var out []types.Contract
	err := q.b.call(ctx, "qualifyContract", func(ctx context.Context) error {
		var err error
		out, err = q.b.venue.QualifyContract(ctx, c)
		return err
	})
	return out, err
}

func (b *Backend) GetQuote(ctx context.Context, c types.Contract) (types.Quote, error) {
	resolved, err := b.resolver.Resolve(ctx, &c, 0, "")
	if err != nil {
		return types.Quote{}, err
	}
	return b.quote(ctx, resolved)
}

func (b *Backend) GetQuoteByNativeID(ctx context.Context, exchange string, nativeID int64) (types.Quote, error) {
	resolved, err := b.resolver.Resolve(ctx, nil, nativeID, exchange)
	if err != nil {
		return types.Quote{}, err
	}
	return b.quote(ctx, resolved)
}

func (b *Backend) quote(ctx context.Context, c types.Contract) (types.Quote, error) {
	var q types.Quote
	err := b.call(ctx, "reqQuote", func(ctx context.Context) error {
		var err error
		q, err = b.venue.RequestQuote(ctx, c)
		return err
	})
	return q, err
}

func (b *Backend) GetHistoricalData(ctx context.Context, req types.HistoricalRequest) ([]types.Bar, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	resolved, err := b.resolver.Resolve(ctx, &req.Contract, 0, "")
	if err != nil {
		return nil, err
	}
	req.Contract = resolved
	return b.bars(ctx, req)
}

func (b *Backend) bars(ctx context.Context, req types.HistoricalRequest) ([]types.Bar, error) {
	var bars []types.Bar
	err := b.call(ctx, "reqHistoricalData", func(ctx context.Context) error {
		var err error
		bars, err = b.venue.RequestHistoricalData(ctx, req)
		return err
	})
	return bars, err
}

// GetCurrentMinuteBarOpen returns the open of the bar for the current
// minute, falling back to the last trade when the venue has no bar yet.
func (b *Backend) GetCurrentMinuteBarOpen(ctx context.Context, c types.Contract) (decimal.Decimal, error) {
	resolved, err := b.resolver.Resolve(ctx, &c, 0, "")
	if err != nil {
		return decimal.Zero, err
	}
	minute := b.now().Truncate(time.Minute)
	bars, err := b.bars(ctx, types.HistoricalRequest{
		Contract: resolved,
		Start:    minute,
		End:      minute.Add(time.Minute),
		BarSize:  "1 min",
	})
	if err != nil {
		return decimal.Zero, err
	}
	if len(bars) > 0 {
		return bars[0].Open, nil
	}

	q, err := b.quote(ctx, resolved)
	if err != nil {
		return decimal.Zero, err
	}
	if q.Last.IsZero() {
		return q.Mid(), nil
	}
	return q.Last, nil
}

// ValidateContract reports whether the venue knows exactly one contract
// matching c. Zero or several matches are not errors.
func (b *Backend) ValidateContract(ctx context.Context, c types.Contract) (bool, error) {
	_, err := b.resolver.Resolve(ctx, &c, 0, "")
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, types.ErrContractNotFound),
		errors.Is(err, types.ErrAmbiguousContract),
		errors.Is(err, types.ErrInvalidArgument),
		errors.Is(err, types.ErrUnsupportedContractType):
		return false, nil
	default:
		return false, err
	}
}

func (b *Backend) GetContractID(ctx context.Context, c types.Contract) (int64, error) {
	resolved, err := b.resolver.Resolve(ctx, &c, 0, "")
	if err != nil {
		return 0, err
	}
	return resolved.NativeID, nil
}

// PlaceOrder submits the order to the venue and records it as pending.
// HOLD returns an empty id and places nothing.
func (b *Backend) PlaceOrder(ctx context.Context, in types.TradeInstruction) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	if in.IsHold() {
		return "", nil
	}
	resolved, err := b.resolver.Resolve(ctx, &in.Contract, 0, "")
	if err != nil {
		return "", err
	}
	in.Contract = resolved

	var orderID string
	err = b.call(ctx, "placeOrder", func(ctx context.Context) error {
		var err error
		orderID, err = b.venue.SubmitOrder(ctx, resolved, in)
		return err
	})
	b.observer.OrderPlaced(b.cfg.Name, in.OrderKind, err)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ledger.Submit(types.NewOrder(orderID, in, b.now())); err != nil {
		return orderID, err
	}
	return orderID, nil
}

// CancelOrder asks the venue to cancel a pending order. The ledger moves
// to Cancelled once the venue confirms.
func (b *Backend) CancelOrder(ctx context.Context, orderID string) error {
	o, ok := b.ledger.Order(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
	}
	if o.Status.IsFinal() {
		return fmt.Errorf("%w: %s is %s", types.ErrOrderNotPending, orderID, o.Status)
	}
	return b.call(ctx, "cancelOrder", func(ctx context.Context) error {
		return b.venue.CancelOrder(ctx, orderID)
	})
}

// sync moves every pending order the venue reports as terminal into the
// ledger. Each order transitions at most once.
func (b *Backend) sync() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, o := range b.ledger.Pending() {
		vt, ok := b.venue.OrderStatus(o.ID)
		if !ok {
			continue
		}
		switch vt.Status {
		case types.OrderStatusFilled:
			if vt.Fill == nil {
				continue
			}
			if _, err := b.ledger.Fill(*vt.Fill); err != nil {
				b.logger.Error("apply fill failed", "order_id", o.ID, "error", err)
				continue
			}
			b.observer.FillRecorded(b.cfg.Name, *vt.Fill)
		case types.OrderStatusCancelled:
			if err := b.ledger.Cancel(o.ID); err != nil {
				b.logger.Error("apply cancel failed", "order_id", o.ID, "error", err)
			}
		}
	}
}

// GetFills returns fills the venue reported since the previous call.
func (b *Backend) GetFills(ctx context.Context) ([]types.Fill, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	b.sync()
	return b.ledger.Drain(), nil
}

// GetTrades returns every order placed through this backend.
func (b *Backend) GetTrades(ctx context.Context) ([]types.Trade, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	b.sync()
	return b.ledger.Trades(), nil
}

// GetPositions returns the venue's positions.
func (b *Backend) GetPositions(ctx context.Context) ([]types.Position, error) {
	var positions []types.Position
	err := b.call(ctx, "reqPositions", func(ctx context.Context) error {
		var err error
		positions, err = b.venue.RequestPositions(ctx)
		return err
	})
	return positions, err
}

// CloseAllPositions sends an opposing MARKET order for every open venue
// position. Individual failures are counted, not returned.
func (b *Backend) CloseAllPositions(ctx context.Context) (types.CloseResult, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return types.CloseResult{}, err
	}

	var (
		result types.CloseResult
		errs   error
	)
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
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

func (b *Backend) GetAccountSummary(ctx context.Context) (types.AccountSummary, error) {
	var summary types.AccountSummary
	err := b.call(ctx, "reqAccountSummary", func(ctx context.Context) error {
		var err error
		summary, err = b.venue.RequestAccountSummary(ctx)
		return err
	})
	return summary, err
}
