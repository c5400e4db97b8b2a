// Package contract normalizes logical instrument descriptions into
// tradable references and qualifies them against a venue.
package contract

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Venue defaults applied during normalization.
const (
	DefaultCurrency       = "USD"
	DefaultEquityExchange = "SMART"
	DefaultFutureExchange = "CME"
)

// Normalize turns an optional contract or a (nativeID, exchange) pair into a
// canonical contract reference. No venue round trip is made.
func Normalize(c *types.Contract, nativeID int64, exchange string) (types.Contract, error) {
	if c == nil || c.AssetClass == types.AssetUnset {
		if c != nil {
			if nativeID == 0 {
				nativeID = c.NativeID
			}
			if exchange == "" {
				exchange = c.Exchange
			}
		}
		if nativeID <= 0 || exchange == "" {
			return types.Contract{}, fmt.Errorf("%w: need a contract or a native id with exchange", types.ErrInvalidArgument)
		}
		return types.Contract{NativeID: nativeID, Exchange: strings.ToUpper(exchange)}, nil
	}

	out := *c
	out.Symbol = strings.ToUpper(strings.TrimSpace(out.Symbol))
	out.Exchange = strings.ToUpper(strings.TrimSpace(out.Exchange))
	out.Currency = strings.ToUpper(strings.TrimSpace(out.Currency))
	if out.Currency == "" {
		out.Currency = DefaultCurrency
	}
	if out.Symbol == "" && out.NativeID == 0 {
		return types.Contract{}, fmt.Errorf("%w: contract has no symbol", types.ErrInvalidArgument)
	}

	switch out.AssetClass {
	case types.AssetStock, types.AssetETF:
		if out.Exchange == "" {
			out.Exchange = DefaultEquityExchange
		}
		out.Expiry = ""
	case types.AssetFuture:
		if out.Expiry == "" {
			return types.Contract{}, fmt.Errorf("%w: future %s requires an expiry", types.ErrInvalidArgument, out.Symbol)
		}
		if out.Exchange == "" {
			out.Exchange = DefaultFutureExchange
		}
	default:
		return types.Contract{}, fmt.Errorf("%w: %s", types.ErrUnsupportedContractType, out.AssetClass)
	}
	return out, nil
}

var (
	equitySymbol = regexp.MustCompile(`^[A-Z]{1,5}$`)
	futureSymbol = regexp.MustCompile(`^[A-Z]{2,4}$`)
)

// IsPlausible applies the synthetic validation rules: STK/ETF symbols are
// 1-5 capitals; FUT symbols are 2-4 capitals with an expiry.
func IsPlausible(c types.Contract) bool {
	switch c.AssetClass {
	case types.AssetStock, types.AssetETF:
		return equitySymbol.MatchString(c.Symbol)
	case types.AssetFuture:
		return futureSymbol.MatchString(c.Symbol) && c.Expiry != ""
	default:
		return false
	}
}

// ID returns a deterministic identifier for c: the xxhash64 of the
// lower-cased canonical key, masked to a positive int64. It is an identity
// function for contracts without a venue id, not a collision-proof one.
func ID(c types.Contract) int64 {
	key := strings.ToLower(strings.Join([]string{
		c.Symbol, c.AssetClass.String(), c.Exchange, c.Currency, c.Expiry,
	}, "|"))
	id := int64(xxhash.Sum64String(key) & 0x7fffffffffffffff)
	if id == 0 {
		id = 1
	}
	return id
}

// Qualifier looks a contract up at a venue and returns every match.
type Qualifier interface {
	QualifyContract(ctx context.Context, c types.Contract) ([]types.Contract, error)
}

// Resolver normalizes contracts and, when given a Qualifier, requires the
// venue to return exactly one match.
type Resolver struct {
	qualifier Qualifier
	logger    *slog.Logger
}

// NewResolver creates a resolver. A nil qualifier makes resolution
// synthetic.
func NewResolver(q Qualifier, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{qualifier: q, logger: logger}
}

// Resolve normalizes and, if configured, qualifies a contract reference.
func (r *Resolver) Resolve(ctx context.Context, c *types.Contract, nativeID int64, exchange string) (types.Contract, error) {
	norm, err := Normalize(c, nativeID, exchange)
	if err != nil {
		return types.Contract{}, err
	}
	if r.qualifier == nil {
		if norm.NativeID == 0 {
			norm.NativeID = ID(norm)
		}
		return norm, nil
	}

	matches, err := r.qualifier.QualifyContract(ctx, norm)
	if err != nil {
		return types.Contract{}, err
	}
	switch len(matches) {
	case 0:
		return types.Contract{}, fmt.Errorf("%w: %s", types.ErrContractNotFound, norm)
	case 1:
		r.logger.Debug("contract qualified",
			"contract", norm.String(),
			"native_id", matches[0].NativeID,
		)
		return matches[0], nil
	default:
		return types.Contract{}, fmt.Errorf("%w: %s matched %d contracts", types.ErrAmbiguousContract, norm, len(matches))
	}
}
