// Package state loads the read-only strategy configuration and position
// snapshot files that the dispatch server consults.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/exec-gateway/internal/types"
)

// Setup is one named setup of a strategy.
type Setup struct {
	Market     string   `json:"market"`
	ContractID int64    `json:"contract_id"`
	Active     bool     `json:"active"`
	Timeframe  string   `json:"timeframe"`
	Schedule   string   `json:"schedule"`
	MarketData []string `json:"market_data,omitempty"`
}

// Strategy groups the setups of one strategy.
type Strategy struct {
	ScriptPath   string           `json:"script_path"`
	StrategyType string           `json:"strategy_type"`
	Setups       map[string]Setup `json:"setups"`
}

// StrategyConfig maps strategy name to strategy.
type StrategyConfig map[string]Strategy

// ParseStrategyConfig decodes a strategy config document.
func ParseStrategyConfig(data []byte) (StrategyConfig, error) {
	cfg := StrategyConfig{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse strategy config: %w", err)
	}
	return cfg, nil
}

// LoadStrategyConfig reads a strategy config file. A missing file yields an
// empty config.
func LoadStrategyConfig(path string) (StrategyConfig, error) {
	data, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	return ParseStrategyConfig(data)
}

// Has reports whether the strategy is configured.
func (c StrategyConfig) Has(strategy string) bool {
	_, ok := c[strategy]
	return ok
}

// Setup looks up a setup by its full name. The strategy is the part of the
// name before the first '-', so "Test-MYM" is setup "Test-MYM" of "Test".
func (c StrategyConfig) Setup(setupName string) (Setup, bool) {
	strategy, _, _ := strings.Cut(setupName, "-")
	s, ok := c[strategy]
	if !ok {
		return Setup{}, false
	}
	setup, ok := s.Setups[setupName]
	return setup, ok
}

// Names returns the configured strategy names, sorted.
func (c StrategyConfig) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Position status values written by the strategy side.
const (
	StatusFilled  = "filled"
	StatusPending = "pending"
	StatusClosed  = "closed"
)

// PositionEntry is the last known position of one strategy in one symbol.
// Quantity is signed: negative for short.
type PositionEntry struct {
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange"`
	Quantity   decimal.Decimal `json:"quantity"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	Datetime   string          `json:"datetime"`
	ContractID int64           `json:"contract_id"`
	Status     string          `json:"status"`
}

// IsOpen reports whether the entry holds a live or pending position.
func (p PositionEntry) IsOpen() bool {
	switch strings.ToLower(p.Status) {
	case StatusFilled, StatusPending:
		return !p.Quantity.IsZero()
	default:
		return false
	}
}

// Side returns the direction of an open entry, HOLD otherwise.
func (p PositionEntry) Side() types.Side {
	if !p.IsOpen() {
		return types.SideHold
	}
	if p.Quantity.IsNegative() {
		return types.SideSell
	}
	return types.SideBuy
}

// Positions maps "{strategy}-{symbol}" to the entry.
type Positions map[string]PositionEntry

// PositionKey builds the snapshot key for a strategy and symbol.
func PositionKey(strategy, symbol string) string {
	return strategy + "-" + symbol
}

// ParsePositions decodes a position snapshot document.
func ParsePositions(data []byte) (Positions, error) {
	p := Positions{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}
	return p, nil
}

// LoadPositions reads a position snapshot file. A missing file yields an
// empty snapshot.
func LoadPositions(path string) (Positions, error) {
	data, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	return ParsePositions(data)
}

// Lookup returns the entry for strategy and symbol.
func (p Positions) Lookup(strategy, symbol string) (PositionEntry, bool) {
	e, ok := p[PositionKey(strategy, symbol)]
	return e, ok
}

// OpenSide returns the direction of the strategy's open position in symbol,
// HOLD when there is none.
func (p Positions) OpenSide(strategy, symbol string) types.Side {
	e, ok := p.Lookup(strategy, symbol)
	if !ok {
		return types.SideHold
	}
	return e.Side()
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
