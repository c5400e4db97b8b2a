package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/journal"
	"github.com/tathienbao/exec-gateway/internal/state"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Config holds dispatch server configuration.
type Config struct {
	// SkipSameDirection acknowledges without placing when the position
	// snapshot already shows an open position on the same side.
	SkipSameDirection bool
	// RequireKnownStrategy rejects strategies absent from the strategy
	// config.
	RequireKnownStrategy bool
	// IdempotencyTTL is how long acknowledgments are remembered by key.
	// Zero disables the cache.
	IdempotencyTTL time.Duration
}

// DefaultConfig returns default dispatch configuration.
func DefaultConfig() Config {
	return Config{
		SkipSameDirection: true,
		IdempotencyTTL:    10 * time.Minute,
	}
}

// Backends looks up a broker backend by name.
type Backends interface {
	Get(name string) (broker.Backend, error)
}

// StateSource supplies the read-only strategy config and position
// snapshot.
type StateSource interface {
	Strategies() state.StrategyConfig
	Positions() state.Positions
}

// Observer records handled dispatches.
type Observer interface {
	RecordDispatch(outcome string, d time.Duration)
}

// Option configures a Server.
type Option func(*Server)

// WithState sets the strategy config and position snapshot source.
func WithState(src StateSource) Option {
	return func(s *Server) { s.state = src }
}

// WithJournal sets the audit journal.
func WithJournal(j journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithObserver sets the dispatch metrics sink.
func WithObserver(o Observer) Option {
	return func(s *Server) { s.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server accepts trade instructions and places them on the named backend.
type Server struct {
	cfg      Config
	backends Backends
	state    StateSource
	journal  journal.Journal
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	cache  *ackCache
	flight singleflight.Group
}

var _ TradeServiceServer = (*Server)(nil)

// NewServer creates a dispatch server.
func NewServer(cfg Config, backends Backends, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		backends: backends,
		journal:  journal.Nop{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = newAckCache(cfg.IdempotencyTTL, s.now)
	return s
}

// Register registers the trade service on gs.
func (s *Server) Register(gs *grpc.Server) {
	RegisterTradeServiceServer(gs, s)
}

// SendTrade handles one wire request.
func (s *Server) SendTrade(ctx context.Context, msg *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()

	req, err := DecodeRequest(msg)
	if err != nil {
		s.record(journal.OutcomeRejected, start)
		return nil, toStatus(err)
	}

	ack, outcome, err := s.dedupe(ctx, req)
	s.record(outcome, start)
	if err != nil {
		return nil, toStatus(err)
	}
	return EncodeAck(ack), nil
}

// dedupe answers repeated idempotency keys from the cache and collapses
// concurrent calls with the same key into one placement.
func (s *Server) dedupe(ctx context.Context, req Request) (Ack, journal.Outcome, error) {
	key := req.IdempotencyKey
	if key == "" || s.cfg.IdempotencyTTL <= 0 {
		return s.handle(ctx, req)
	}
	if ack, ok := s.cache.get(key); ok {
		s.logger.Info("duplicate trade acknowledged from cache",
			"idempotency_key", key,
			"order_id", ack.OrderID,
		)
		return ack, journal.OutcomeDuplicate, nil
	}

	type result struct {
		ack     Ack
		outcome journal.Outcome
	}
	// The flight outlives any single caller: a duplicate must not fail
	// because the first sender hung up.
	flightCtx := context.WithoutCancel(ctx)
	leader := false
	v, err, shared := s.flight.Do(key, func() (any, error) {
		leader = true
		ack, outcome, err := s.handle(flightCtx, req)
		if err != nil {
			return result{outcome: outcome}, err
		}
		s.cache.put(key, ack)
		return result{ack: ack, outcome: outcome}, nil
	})
	r := v.(result)
	if shared && !leader && err == nil {
		r.outcome = journal.OutcomeDuplicate
	}
	return r.ack, r.outcome, err
}

// handle applies the dispatch rules and places the order.
func (s *Server) handle(ctx context.Context, req Request) (Ack, journal.Outcome, error) {
	in := req.Instruction
	entry := journal.NewEntry(in, req.IdempotencyKey, s.now())
	log := s.logger.With(
		"strategy", in.StrategyName,
		"broker", in.Broker(),
		"symbol", in.Contract.Symbol,
		"side", in.Side.String(),
	)

	finish := func(ack Ack, outcome journal.Outcome, err error) (Ack, journal.Outcome, error) {
		entry.Outcome = outcome
		entry.OrderID = ack.OrderID
		if err != nil {
			entry.Error = err.Error()
		}
		if jerr := s.journal.Record(ctx, entry); jerr != nil {
			log.Warn("journal write failed", "error", jerr)
		}
		return ack, outcome, err
	}

	if in.StrategyName == "" {
		return finish(Ack{}, journal.OutcomeRejected, fmt.Errorf("%w: strategy name is required", types.ErrInvalidArgument))
	}
	if err := in.Validate(); err != nil {
		log.Warn("trade rejected", "error", err)
		return finish(Ack{}, journal.OutcomeRejected, err)
	}
	if s.cfg.RequireKnownStrategy && s.state != nil && !s.state.Strategies().Has(in.StrategyName) {
		log.Warn("trade from unknown strategy rejected")
		return finish(Ack{}, journal.OutcomeRejected, errUnknownStrategy)
	}
	if in.IsHold() {
		log.Debug("hold received")
		return finish(Ack{Status: StatusHold}, journal.OutcomeHold, nil)
	}
	if s.cfg.SkipSameDirection && s.state != nil &&
		s.state.Positions().OpenSide(in.StrategyName, in.Contract.Symbol) == in.Side {
		log.Info("trade skipped, position already open in same direction")
		return finish(Ack{Status: StatusSkipped}, journal.OutcomeSkipped, nil)
	}

	backend, err := s.backends.Get(in.Broker())
	if err != nil {
		log.Warn("trade rejected", "error", err)
		return finish(Ack{}, journal.OutcomeRejected, err)
	}

	orderID, err := backend.PlaceOrder(ctx, in)
	if err != nil {
		log.Error("place order failed", "error", err)
		return finish(Ack{}, journal.OutcomeFailed, err)
	}

	log.Info("trade placed",
		"order_id", orderID,
		"quantity", in.Quantity.String(),
		"kind", in.OrderKind.String(),
	)
	return finish(Ack{Status: StatusSubmitted, OrderID: orderID}, journal.OutcomePlaced, nil)
}

func (s *Server) record(outcome journal.Outcome, start time.Time) {
	if s.observer != nil {
		s.observer.RecordDispatch(string(outcome), time.Since(start))
	}
}

var errUnknownStrategy = errors.New("unknown strategy")

// toStatus maps gateway errors onto gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, types.ErrInvalidArgument),
		errors.Is(err, types.ErrAmbiguousContract),
		errors.Is(err, types.ErrUnsupportedContractType):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrContractNotFound),
		errors.Is(err, types.ErrUnsupportedBroker),
		errors.Is(err, types.ErrOrderNotFound):
		code = codes.NotFound
	case errors.Is(err, errUnknownStrategy),
		errors.Is(err, types.ErrOrderNotPending),
		errors.Is(err, types.ErrDuplicateOrder):
		code = codes.FailedPrecondition
	case errors.Is(err, types.ErrConnectionFailed):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// UnaryLogger logs every unary call with its status code and duration.
func UnaryLogger(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}
