// Command sendtrade sends one trade instruction to a running gateway over
// the dispatch transport. Strategy scripts use it at their decision points.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/exec-gateway/internal/dispatch"
	"github.com/tathienbao/exec-gateway/internal/types"
)

func main() {
	fs := flag.NewFlagSet("sendtrade", flag.ExitOnError)
	addr := fs.String("addr", "localhost:50051", "Gateway dispatch address")
	strategy := fs.String("strategy", "", "Strategy name (required)")
	symbol := fs.String("symbol", "", "Contract symbol")
	contractType := fs.String("type", "", "Contract type: STK, FUT, ETF (empty resolves by contract id)")
	exchange := fs.String("exchange", "", "Exchange")
	currency := fs.String("currency", "", "Currency")
	expiry := fs.String("expiry", "", "Futures expiry YYYYMM or YYYYMMDD")
	contractID := fs.Int64("contract-id", 0, "Venue contract id")
	side := fs.String("side", "", "BUY, SELL or HOLD (required)")
	qty := fs.String("qty", "0", "Quantity")
	orderType := fs.String("order-type", "MARKET", "MARKET or LIMIT")
	price := fs.String("price", "0", "Limit price")
	brokerName := fs.String("broker", "", "Target backend (default IB)")
	retries := fs.Int("retries", 1, "Attempts on Unavailable; above 1 sends an idempotency key")
	backoff := fs.Duration("backoff", 500*time.Millisecond, "Base delay between attempts")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall deadline")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(os.Args[1:])

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	in, err := instruction(*strategy, *symbol, *contractType, *exchange, *currency, *expiry,
		*contractID, *side, *qty, *orderType, *price, *brokerName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(2)
	}

	client, err := dispatch.Dial(*addr, logger, dispatch.WithRetry(*retries, *backoff))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	ack, err := client.SendTrade(ctx, in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if ack.OrderID != "" {
		fmt.Printf("%s %s\n", ack.Status, ack.OrderID)
		return
	}
	fmt.Println(ack.Status)
}

func instruction(strategy, symbol, contractType, exchange, currency, expiry string,
	contractID int64, side, qty, orderType, price, brokerName string) (types.TradeInstruction, error) {
	if strategy == "" {
		return types.TradeInstruction{}, fmt.Errorf("--strategy is required")
	}
	s, err := types.ParseSide(side)
	if err != nil {
		return types.TradeInstruction{}, err
	}
	class, err := types.ParseAssetClass(contractType)
	if err != nil {
		return types.TradeInstruction{}, err
	}
	kind, err := types.ParseOrderKind(orderType)
	if err != nil {
		return types.TradeInstruction{}, err
	}
	quantity, err := decimal.NewFromString(qty)
	if err != nil {
		return types.TradeInstruction{}, fmt.Errorf("--qty: %w", err)
	}
	limit, err := decimal.NewFromString(price)
	if err != nil {
		return types.TradeInstruction{}, fmt.Errorf("--price: %w", err)
	}

	in := types.TradeInstruction{
		StrategyName: strategy,
		Contract: types.Contract{
			Symbol:     symbol,
			AssetClass: class,
			Exchange:   exchange,
			Currency:   currency,
			Expiry:     expiry,
			NativeID:   contractID,
		},
		Side:         s,
		Quantity:     quantity,
		OrderKind:    kind,
		LimitPrice:   limit,
		TargetBroker: brokerName,
	}
	return in, in.Validate()
}
