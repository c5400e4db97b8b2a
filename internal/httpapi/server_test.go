package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/broker/sim"
	"github.com/tathienbao/exec-gateway/internal/journal"
	"github.com/tathienbao/exec-gateway/internal/registry"
	"github.com/tathienbao/exec-gateway/internal/types"
)

func newTestServer(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	cfg := sim.DefaultConfig()
	cfg.Seed = 11
	reg := registry.New(nil, map[string]registry.Factory{
		"TEST": func() (broker.Backend, error) { return sim.New(cfg, nil), nil },
	})
	return NewServer("", reg, nil, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const aapl = `{"symbol":"AAPL","contract_type":"STK"}`

func TestServer_Index(t *testing.T) {
	h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Title, decode[string](t, rec))
}

func TestServer_Quote(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/test/quote", aapl)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q := decode[types.Quote](t, rec)
	assert.Equal(t, "AAPL", q.Contract.Symbol)
	assert.True(t, q.Ask.GreaterThanOrEqual(q.Bid), "ask %s below bid %s", q.Ask, q.Bid)

	rec = do(t, h, http.MethodGet, "/api/TEST/quote/SMART/265598", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q = decode[types.Quote](t, rec)
	assert.Equal(t, int64(265598), q.Contract.NativeID)
}

func TestServer_Errors(t *testing.T) {
	h := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantDetail string
	}{
		{"unknown broker", http.MethodPost, "/api/nope/quote", aapl, http.StatusInternalServerError, "unsupported broker"},
		{"malformed body", http.MethodPost, "/api/test/quote", `{"symbol":`, http.StatusUnprocessableEntity, ""},
		{"unsupported contract type", http.MethodPost, "/api/test/quote", `{"symbol":"X","contract_type":"OPT"}`, http.StatusUnprocessableEntity, "unsupported contract type"},
		{"bad contract id", http.MethodGet, "/api/test/quote/SMART/abc", "", http.StatusUnprocessableEntity, "not an integer"},
		{"invalid order", http.MethodPost, "/api/test/order", `{"strategy_name":"T","contract":` + aapl + `,"side":"BUY","quantity":"0","order_type":"MARKET"}`, http.StatusInternalServerError, "invalid argument"},
		{"cancel unknown", http.MethodPost, "/api/test/order/missing/cancel", "", http.StatusInternalServerError, "order not found"},
		{"history without range", http.MethodPost, "/api/test/historicalData", aapl, http.StatusUnprocessableEntity, "bar_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			body := decode[map[string]string](t, rec)
			assert.Contains(t, body["detail"], tt.wantDetail)
		})
	}
}

func TestServer_OrderLifecycle(t *testing.T) {
	h := newTestServer(t)

	order := `{"strategy_name":"Test","contract":` + aapl + `,"side":"BUY","quantity":"5","order_type":"MARKET"}`
	rec := do(t, h, http.MethodPost, "/api/test/order", order)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	placed := decode[map[string]string](t, rec)
	assert.True(t, strings.HasPrefix(placed["order_id"], "TEST_"), placed["order_id"])

	fills := decode[[]types.Fill](t, do(t, h, http.MethodGet, "/api/test/fills", ""))
	require.Len(t, fills, 1)
	assert.Equal(t, placed["order_id"], fills[0].OrderID)

	// Fills are drained once reported.
	fills = decode[[]types.Fill](t, do(t, h, http.MethodGet, "/api/test/fills", ""))
	assert.Len(t, fills, 0)

	positions := decode[[]types.Position](t, do(t, h, http.MethodGet, "/api/test/positions", ""))
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(5)), "quantity = %s", positions[0].Quantity)

	trades := decode[[]types.Trade](t, do(t, h, http.MethodGet, "/api/test/trades", ""))
	require.Len(t, trades, 1)
	assert.Equal(t, types.OrderStatusFilled, trades[0].Status())

	hold := `{"strategy_name":"Test","contract":` + aapl + `,"side":"HOLD","quantity":"0"}`
	rec = do(t, h, http.MethodPost, "/api/test/order", hold)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "", decode[map[string]string](t, rec)["order_id"])

	closed := decode[types.CloseResult](t, do(t, h, http.MethodGet, "/api/test/closePositions", ""))
	assert.Equal(t, types.CloseResult{Succeeded: 1}, closed)

	positions = decode[[]types.Position](t, do(t, h, http.MethodGet, "/api/test/positions", ""))
	assert.Len(t, positions, 0)
}

func TestServer_HistoricalData(t *testing.T) {
	h := newTestServer(t)

	// Bare contract body with the range as query parameters.
	path := "/api/test/historicalData?start_time=2025-03-12T15:00:00Z&end_time=2025-03-12T15:10:00Z&bar_size=1%20min"
	rec := do(t, h, http.MethodPost, path, aapl)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bars := decode[[]types.Bar](t, rec)
	require.Len(t, bars, 10)
	assert.True(t, bars[0].Time.Equal(time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)))

	// Full request object in the body.
	body := `{"contract":` + aapl + `,"start_time":"2025-03-12T15:00:00Z","end_time":"2025-03-12T16:00:00Z","bar_size":"5 mins"}`
	rec = do(t, h, http.MethodPost, "/api/test/historicalData", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]types.Bar](t, rec), 12)
}

func TestServer_ContractRoutes(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/test/validate-contract", aapl)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[bool](t, rec))

	rec = do(t, h, http.MethodPost, "/api/test/contract-id", aapl)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[int64](t, rec)
	assert.Positive(t, first)

	rec = do(t, h, http.MethodPost, "/api/test/contract-id", aapl)
	assert.Equal(t, first, decode[int64](t, rec), "contract id must be stable")

	rec = do(t, h, http.MethodPost, "/api/test/currentMinuteBarOpen/SMART/265598", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	open := decode[decimal.Decimal](t, rec)
	assert.True(t, open.IsPositive(), "open = %s", open)
}

func TestServer_AccountSummary(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/test/accountSummary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[types.AccountSummary](t, rec)
	assert.Equal(t, "USD", summary.Currency)
	assert.True(t, summary.Get(types.MetricNetLiquidation).Equal(decimal.NewFromInt(1_000_000)))
}

func TestServer_Journal(t *testing.T) {
	j, err := journal.NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	in := types.TradeInstruction{
		StrategyName: "Test",
		Contract:     types.Contract{Symbol: "AAPL", AssetClass: types.AssetStock},
		Side:         types.SideBuy,
		Quantity:     decimal.NewFromInt(1),
		OrderKind:    types.OrderKindMarket,
	}
	e := journal.NewEntry(in, "", time.Now())
	e.Outcome = journal.OutcomePlaced
	require.NoError(t, j.Record(context.Background(), e))

	h := newTestServer(t, WithJournal(j))

	rec := do(t, h, http.MethodGet, "/journal?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entries := decode[[]map[string]any](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "placed", entries[0]["outcome"])

	rec = do(t, h, http.MethodGet, "/journal?strategy=Other", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 0)

	rec = do(t, h, http.MethodGet, "/journal?limit=abc", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
