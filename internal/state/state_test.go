package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/exec-gateway/internal/types"
)

const strategyJSON = `{
  "Test": {
    "script_path": "strategies/script1.py",
    "strategy_type": "python",
    "setups": {
      "Test-MYM": {"market": "MYM", "contract_id": 654503314, "active": true, "timeframe": "1 min", "schedule": "* * * * *"}
    }
  }
}`

const positionsJSON = `{
  "Test-MYM": {"symbol": "MYM", "exchange": "CBOT", "quantity": 1, "cost_basis": 42150.5, "contract_id": 654503314, "status": "filled"},
  "Test-AAPL": {"symbol": "AAPL", "exchange": "SMART", "quantity": -10, "cost_basis": "180.25", "status": "pending"},
  "Test-MSFT": {"symbol": "MSFT", "exchange": "SMART", "quantity": 5, "cost_basis": 400, "status": "closed"}
}`

func TestParseStrategyConfig(t *testing.T) {
	cfg, err := ParseStrategyConfig([]byte(strategyJSON))
	if err != nil {
		t.Fatalf("ParseStrategyConfig() error = %v", err)
	}
	if !cfg.Has("Test") || cfg.Has("Other") {
		t.Errorf("Has() wrong for %v", cfg.Names())
	}

	setup, ok := cfg.Setup("Test-MYM")
	if !ok {
		t.Fatal("Setup(Test-MYM) not found")
	}
	if setup.Market != "MYM" || setup.ContractID != 654503314 || setup.Timeframe != "1 min" {
		t.Errorf("Setup() = %+v", setup)
	}
	if _, ok := cfg.Setup("Test-ES"); ok {
		t.Error("Setup(Test-ES) found, want missing")
	}
	if _, ok := cfg.Setup("Nope-MYM"); ok {
		t.Error("Setup(Nope-MYM) found, want missing")
	}

	if _, err := ParseStrategyConfig([]byte("{")); err == nil {
		t.Error("ParseStrategyConfig(bad json) error = nil")
	}
	empty, err := ParseStrategyConfig(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("ParseStrategyConfig(nil) = %v, %v, want empty", empty, err)
	}
}

func TestPositions_OpenSide(t *testing.T) {
	p, err := ParsePositions([]byte(positionsJSON))
	if err != nil {
		t.Fatalf("ParsePositions() error = %v", err)
	}

	tests := []struct {
		strategy string
		symbol   string
		want     types.Side
	}{
		{"Test", "MYM", types.SideBuy},
		{"Test", "AAPL", types.SideSell},
		{"Test", "MSFT", types.SideHold},
		{"Test", "TSLA", types.SideHold},
		{"Other", "MYM", types.SideHold},
	}

	for _, tt := range tests {
		t.Run(tt.strategy+"-"+tt.symbol, func(t *testing.T) {
			if got := p.OpenSide(tt.strategy, tt.symbol); got != tt.want {
				t.Errorf("OpenSide() = %v, want %v", got, tt.want)
			}
		})
	}

	e, _ := p.Lookup("Test", "AAPL")
	if !e.CostBasis.Equal(decimal.RequireFromString("180.25")) {
		t.Errorf("CostBasis = %s, want 180.25", e.CostBasis)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestStore_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "strategy-config.json"), filepath.Join(dir, "positions.json"), nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if len(s.Strategies()) != 0 || len(s.Positions()) != 0 {
		t.Error("missing files should load empty")
	}

	s, err = NewStore("", "", nil)
	if err != nil {
		t.Fatalf("NewStore(empty paths) error = %v", err)
	}
	if s.Positions().OpenSide("Test", "MYM") != types.SideHold {
		t.Error("empty store should report no open position")
	}
}

func TestStore_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	positions := filepath.Join(dir, "positions.json")
	writeFile(t, positions, positionsJSON)

	s, err := NewStore("", positions, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	loaded := s.LoadedAt()
	if loaded.IsZero() {
		t.Error("LoadedAt() is zero after a successful load")
	}
	writeFile(t, positions, "{not json")
	if err := s.Reload(); err == nil {
		t.Fatal("Reload() error = nil, want parse error")
	}
	if got := s.Positions().OpenSide("Test", "MYM"); got != types.SideBuy {
		t.Errorf("OpenSide after failed reload = %v, want BUY", got)
	}
	if !s.LoadedAt().Equal(loaded) {
		t.Errorf("LoadedAt() = %v after failed reload, want %v", s.LoadedAt(), loaded)
	}
}

func TestStore_Watch(t *testing.T) {
	dir := t.TempDir()
	positions := filepath.Join(dir, "positions.json")
	writeFile(t, positions, `{}`)

	s, err := NewStore("", positions, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	changed := make(chan struct{}, 16)
	s.OnChange(func() { changed <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, filepath.Join(dir, "unrelated.json"), `{}`)
	writeFile(t, positions, positionsJSON)

	deadline := time.After(5 * time.Second)
	for s.Positions().OpenSide("Test", "MYM") != types.SideBuy {
		select {
		case <-changed:
		case <-deadline:
			t.Fatal("position change not picked up")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}
