package contract

import (
	"context"
	"errors"
	"testing"

	"github.com/tathienbao/exec-gateway/internal/types"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		contract *types.Contract
		nativeID int64
		exchange string
		want     types.Contract
		wantErr  error
	}{
		{
			name:    "nothing supplied",
			wantErr: types.ErrInvalidArgument,
		},
		{
			name:     "native id without exchange",
			nativeID: 265598,
			wantErr:  types.ErrInvalidArgument,
		},
		{
			name:     "native id with exchange",
			nativeID: 265598,
			exchange: "smart",
			want:     types.Contract{NativeID: 265598, Exchange: "SMART"},
		},
		{
			name:     "unset asset class falls back to native id",
			contract: &types.Contract{Symbol: "AAPL"},
			wantErr:  types.ErrInvalidArgument,
		},
		{
			name:     "stock defaults",
			contract: &types.Contract{Symbol: "aapl", AssetClass: types.AssetStock},
			want:     types.Contract{Symbol: "AAPL", AssetClass: types.AssetStock, Exchange: "SMART", Currency: "USD"},
		},
		{
			name:     "etf keeps exchange",
			contract: &types.Contract{Symbol: "SPY", AssetClass: types.AssetETF, Exchange: "ARCA", Currency: "usd"},
			want:     types.Contract{Symbol: "SPY", AssetClass: types.AssetETF, Exchange: "ARCA", Currency: "USD"},
		},
		{
			name:     "future requires expiry",
			contract: &types.Contract{Symbol: "MES", AssetClass: types.AssetFuture},
			wantErr:  types.ErrInvalidArgument,
		},
		{
			name:     "future defaults exchange",
			contract: &types.Contract{Symbol: "MES", AssetClass: types.AssetFuture, Expiry: "202503"},
			want:     types.Contract{Symbol: "MES", AssetClass: types.AssetFuture, Exchange: "CME", Currency: "USD", Expiry: "202503"},
		},
		{
			name:     "unsupported asset class",
			contract: &types.Contract{Symbol: "AAPL", AssetClass: types.AssetClass(42)},
			wantErr:  types.ErrUnsupportedContractType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.contract, tt.nativeID, tt.exchange)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Normalize() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIsPlausible(t *testing.T) {
	tests := []struct {
		name string
		c    types.Contract
		want bool
	}{
		{"stock", types.Contract{Symbol: "AAPL", AssetClass: types.AssetStock}, true},
		{"six letters", types.Contract{Symbol: "ABCDEF", AssetClass: types.AssetStock}, false},
		{"lowercase", types.Contract{Symbol: "aapl", AssetClass: types.AssetStock}, false},
		{"etf", types.Contract{Symbol: "SPY", AssetClass: types.AssetETF}, true},
		{"future", types.Contract{Symbol: "MES", AssetClass: types.AssetFuture, Expiry: "202503"}, true},
		{"future no expiry", types.Contract{Symbol: "MES", AssetClass: types.AssetFuture}, false},
		{"future one letter", types.Contract{Symbol: "M", AssetClass: types.AssetFuture, Expiry: "202503"}, false},
		{"unset", types.Contract{Symbol: "AAPL"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPlausible(tt.c); got != tt.want {
				t.Errorf("IsPlausible(%+v) = %v, want %v", tt.c, got, tt.want)
			}
		})
	}
}

func TestID(t *testing.T) {
	a := types.Contract{Symbol: "AAPL", AssetClass: types.AssetStock, Exchange: "SMART", Currency: "USD"}
	b := types.Contract{Symbol: "aapl", AssetClass: types.AssetStock, Exchange: "smart", Currency: "usd"}
	c := types.Contract{Symbol: "MSFT", AssetClass: types.AssetStock, Exchange: "SMART", Currency: "USD"}

	if ID(a) != ID(a) {
		t.Error("ID should be deterministic")
	}
	if ID(a) != ID(b) {
		t.Errorf("ID() differs by case: %d vs %d", ID(a), ID(b))
	}
	if ID(a) == ID(c) {
		t.Errorf("ID(AAPL) == ID(MSFT) = %d", ID(a))
	}
	if ID(a) <= 0 {
		t.Errorf("ID() = %d, want positive", ID(a))
	}
}

type stubQualifier struct {
	matches []types.Contract
	err     error
	calls   int
}

func (s *stubQualifier) QualifyContract(ctx context.Context, c types.Contract) ([]types.Contract, error) {
	s.calls++
	return s.matches, s.err
}

func TestResolver_Resolve(t *testing.T) {
	aapl := &types.Contract{Symbol: "AAPL", AssetClass: types.AssetStock}
	qualified := types.Contract{Symbol: "AAPL", AssetClass: types.AssetStock, Exchange: "SMART", Currency: "USD", NativeID: 265598}
	venueErr := errors.New("timeout")

	tests := []struct {
		name    string
		q       *stubQualifier
		want    types.Contract
		wantErr error
	}{
		{"single match", &stubQualifier{matches: []types.Contract{qualified}}, qualified, nil},
		{"no match", &stubQualifier{}, types.Contract{}, types.ErrContractNotFound},
		{"ambiguous", &stubQualifier{matches: []types.Contract{qualified, qualified}}, types.Contract{}, types.ErrAmbiguousContract},
		{"venue error", &stubQualifier{err: venueErr}, types.Contract{}, venueErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.q, nil)
			got, err := r.Resolve(context.Background(), aapl, 0, "")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
			if tt.q.calls != 1 {
				t.Errorf("qualifier calls = %d, want 1", tt.q.calls)
			}
		})
	}
}

func TestResolver_InvalidSkipsVenue(t *testing.T) {
	q := &stubQualifier{}
	r := NewResolver(q, nil)

	_, err := r.Resolve(context.Background(), nil, 0, "")
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("Resolve() error = %v, want ErrInvalidArgument", err)
	}
	if q.calls != 0 {
		t.Errorf("qualifier calls = %d, want 0", q.calls)
	}
}

func TestResolver_Synthetic(t *testing.T) {
	r := NewResolver(nil, nil)
	got, err := r.Resolve(context.Background(), &types.Contract{Symbol: "AAPL", AssetClass: types.AssetStock}, 0, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.NativeID == 0 {
		t.Error("synthetic resolution should assign a native id")
	}
	again, _ := r.Resolve(context.Background(), &types.Contract{Symbol: "AAPL", AssetClass: types.AssetStock}, 0, "")
	if again.NativeID != got.NativeID {
		t.Errorf("NativeID = %d, then %d; want stable", got.NativeID, again.NativeID)
	}
}
