// Package main is the entry point for the execution gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/tathienbao/exec-gateway/internal/alerting"
	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/broker/ibkr"
	"github.com/tathienbao/exec-gateway/internal/broker/live"
	"github.com/tathienbao/exec-gateway/internal/broker/sim"
	"github.com/tathienbao/exec-gateway/internal/config"
	"github.com/tathienbao/exec-gateway/internal/dispatch"
	"github.com/tathienbao/exec-gateway/internal/httpapi"
	"github.com/tathienbao/exec-gateway/internal/journal"
	"github.com/tathienbao/exec-gateway/internal/metrics"
	"github.com/tathienbao/exec-gateway/internal/registry"
	"github.com/tathienbao/exec-gateway/internal/state"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const heartbeatInterval = 15 * time.Second

func main() {
	// Parse command
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Execution Gateway - broker access for trading strategies

Usage:
  gateway <command> [options]

Commands:
  run        Start the HTTP and dispatch servers
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  gateway run --config config.yaml
  gateway validate --config config.yaml

Without --config the built-in defaults are used: live IB on 127.0.0.1:7497
and the TEST simulated backend.`)
}

func cmdVersion() {
	fmt.Printf("gateway version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  HTTP address: %s\n", cfg.Server.HTTPAddr)
	fmt.Printf("  Dispatch address: %s\n", cfg.Server.GRPCAddr)
	for _, b := range cfg.Brokers {
		switch b.Type {
		case config.BrokerLive:
			fmt.Printf("  Broker %s: live %s:%d (client %d)\n", b.Name, b.Host, b.Port, b.ClientID)
		default:
			fmt.Printf("  Broker %s: simulated, starting cash %.2f %s\n", b.Name, b.StartingCash, b.Currency)
		}
	}
	if cfg.Journal.Enabled {
		fmt.Printf("  Journal: %s\n", cfg.Journal.Path)
	}
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("gateway shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("gateway starting",
		"version", Version,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"brokers", len(cfg.Brokers),
	)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	recorder := metrics.NewRecorder()
	channels := alerting.NewMultiAlerter(logger, alerting.NewConsoleAlerter(logger))
	if tg := cfg.Alerting.Telegram; tg.BotToken != "" {
		channels.Add(alerting.NewTelegramAlerter(alerting.TelegramConfig{
			BotToken: tg.BotToken,
			ChatID:   tg.ChatID,
		}))
	}
	alerter := alerting.NewFilterAlerter(channels, cfg.IsAlertEventEnabled)

	reg := registry.New(logger, factories(cfg, logger, recorder, alerter))
	logger.Info("brokers registered", "names", reg.Names())
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("broker disconnect failed", "err", err)
		}
	}()

	jrnl, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer jrnl.Close()

	dispatchOpts := []dispatch.Option{
		dispatch.WithJournal(jrnl),
		dispatch.WithObserver(recorder),
	}
	var store *state.Store
	if cfg.HasStateFiles() {
		store, err = state.NewStore(cfg.Dispatch.StrategyConfigPath, cfg.Dispatch.PositionsPath, logger)
		if err != nil {
			return fmt.Errorf("load dispatch state: %w", err)
		}
		store.OnChange(func() {
			logger.Info("dispatch state reloaded",
				"strategies", len(store.Strategies()),
				"positions", len(store.Positions()),
				"loaded_at", store.LoadedAt(),
			)
		})
		dispatchOpts = append(dispatchOpts, dispatch.WithState(store))
	}

	g, gctx := errgroup.WithContext(ctx)

	// Dispatch transport
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	gs := grpc.NewServer(grpc.UnaryInterceptor(dispatch.UnaryLogger(logger)))
	dispatch.NewServer(cfg.ToDispatchConfig(), reg, logger, dispatchOpts...).Register(gs)
	g.Go(func() error {
		logger.Info("dispatch server listening", "addr", lis.Addr().String())
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			recorder.RecordError("grpc")
			return fmt.Errorf("dispatch server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopGRPC(gs, cfg.ShutdownTimeout())
		return nil
	})

	// HTTP boundary
	var apiOpts []httpapi.Option
	if cfg.Journal.Enabled {
		apiOpts = append(apiOpts, httpapi.WithJournal(jrnl))
	}
	api := httpapi.NewServer(cfg.Server.HTTPAddr, reg, logger, apiOpts...)
	g.Go(func() error {
		if err := api.Start(gctx); err != nil {
			recorder.RecordError("http")
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	if store != nil && cfg.Dispatch.Watch {
		g.Go(func() error {
			if err := store.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("state watcher stopped", "err", err)
			}
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		startMetrics(gctx, g, cfg, reg, recorder, logger)
	}

	_ = alerting.Notify(ctx, alerter, alerting.EventGatewayStarted, "gateway started", "version", Version)

	err = g.Wait()

	notifyCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	_ = alerting.Notify(notifyCtx, alerter, alerting.EventGatewayStopped, "gateway stopped")
	return err
}

func factories(cfg *config.Config, logger *slog.Logger, recorder *metrics.Recorder, alerter alerting.Alerter) map[string]registry.Factory {
	out := make(map[string]registry.Factory, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		switch b.Type {
		case config.BrokerLive:
			out[b.Name] = func() (broker.Backend, error) {
				venue := ibkr.NewClient(b.ToIBKRConfig(), logger)
				return live.New(b.ToLiveConfig(), venue, logger,
					live.WithObserver(recorder),
					live.WithAlerter(alerter),
				), nil
			}
		case config.BrokerSimulated:
			out[b.Name] = func() (broker.Backend, error) {
				return sim.New(b.ToSimConfig(), logger,
					sim.WithObserver(recorder),
					sim.WithAlerter(alerter),
				), nil
			}
		}
	}
	return out
}

func openJournal(cfg *config.Config) (journal.Journal, error) {
	if !cfg.Journal.Enabled {
		return journal.Nop{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j, err := journal.NewSQLiteJournal(cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return j, nil
}

func startMetrics(ctx context.Context, g *errgroup.Group, cfg *config.Config, reg *registry.Registry, recorder *metrics.Recorder, logger *slog.Logger) {
	srv := metrics.NewServer(metrics.ServerConfig{
		Port:        cfg.Metrics.Port,
		MetricsPath: cfg.Metrics.Path,
		HealthPath:  metrics.DefaultServerConfig().HealthPath,
	}, logger)
	srv.RegisterHealthCheck("brokers", metrics.BackendsCheck(reg.Backends))
	_ = srv.Start()

	g.Go(func() error {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		recorder.RecordHeartbeat()
		for {
			select {
			case <-ctx.Done():
				shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
				defer cancel()
				return srv.Shutdown(shCtx)
			case <-ticker.C:
				recorder.RecordHeartbeat()
				recorder.RecordUptime(srv.Uptime())
			}
		}
	})
}

// stopGRPC drains in-flight calls, then forces the stop after timeout.
func stopGRPC(gs *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		gs.Stop()
	}
}
