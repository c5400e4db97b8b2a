package sim

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Price model parameters.
const (
	minBasePrice   = 10.0
	maxBasePrice   = 1000.0
	spreadFraction = 0.001 // spread as a fraction of the first base price
	walkFraction   = 0.001 // standard deviation of one walk step
	walkInterval   = time.Second
	pricePlaces    = 4
)

type priceState struct {
	base    float64
	spread  float64
	updated time.Time

	minute     time.Time
	minuteOpen float64
}

// PriceModel is a per-symbol random walk sampled at most once per second.
type PriceModel struct {
	mu     sync.Mutex
	rng    *rand.Rand
	now    func() time.Time
	prices map[string]*priceState
}

// NewPriceModel creates a price model drawing from rng.
func NewPriceModel(rng *rand.Rand, now func() time.Time) *PriceModel {
	if now == nil {
		now = time.Now
	}
	return &PriceModel{
		rng:    rng,
		now:    now,
		prices: make(map[string]*priceState),
	}
}

// state returns the current state for key, creating or walking it.
// Caller must hold m.mu.
func (m *PriceModel) state(key string) *priceState {
	now := m.now()
	st, ok := m.prices[key]
	if !ok {
		base := minBasePrice + m.rng.Float64()*(maxBasePrice-minBasePrice)
		st = &priceState{
			base:    base,
			spread:  base * spreadFraction,
			updated: now,
		}
		m.prices[key] = st
	} else if now.Sub(st.updated) > walkInterval {
		st.base += m.rng.NormFloat64() * walkFraction * st.base
		if st.base < st.spread {
			st.base = st.spread
		}
		st.updated = now
	}

	minute := now.Truncate(time.Minute)
	if !st.minute.Equal(minute) {
		st.minute = minute
		st.minuteOpen = st.base
	}
	return st
}

// Quote returns bid, ask and last for key.
func (m *PriceModel) Quote(key string) (bid, ask, last decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(key)
	half := st.spread / 2
	jitter := (m.rng.Float64()*2 - 1) * half

	return price(st.base - half), price(st.base + half), price(st.base + jitter)
}

// MinuteOpen returns the first base price seen in the current minute.
func (m *PriceModel) MinuteOpen(key string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	return price(m.state(key).minuteOpen)
}

// Bars synthesizes one bar per timestamp by walking from the current base.
func (m *PriceModel) Bars(key string, times []time.Time) []types.Bar {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.state(key).base
	bars := make([]types.Bar, 0, len(times))
	for _, t := range times {
		open := last
		closePx := math.Max(open+m.rng.NormFloat64()*walkFraction*open, minBasePrice/100)
		high := math.Max(open, closePx) * (1 + m.rng.Float64()*walkFraction/2)
		low := math.Min(open, closePx) * (1 - m.rng.Float64()*walkFraction/2)
		bars = append(bars, types.Bar{
			Time:   t,
			Open:   price(open),
			High:   price(high),
			Low:    price(low),
			Close:  price(closePx),
			Volume: 100 + m.rng.Int64N(9900),
		})
		last = closePx
	}
	return bars
}

// Digits returns a random number in [1000, 9999].
func (m *PriceModel) Digits() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return 1000 + m.rng.IntN(9000)
}

func price(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(pricePlaces)
}
