// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tathienbao/exec-gateway/internal/broker/ibkr"
	"github.com/tathienbao/exec-gateway/internal/broker/live"
	"github.com/tathienbao/exec-gateway/internal/broker/sim"
	"github.com/tathienbao/exec-gateway/internal/dispatch"
	"github.com/tathienbao/exec-gateway/internal/metrics"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Broker types.
const (
	BrokerLive      = "live"
	BrokerSimulated = "simulated"
)

// Config represents the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Brokers  []BrokerConfig `yaml:"brokers"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Journal  JournalConfig  `yaml:"journal"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Alerting AlertingConfig `yaml:"alerting"`
	Logging  LoggingConfig  `yaml:"logging"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// BrokerConfig describes one named backend.
type BrokerConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // live | simulated

	// live
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	ClientID           int    `yaml:"client_id"`
	ConnectTimeoutSec  int    `yaml:"connect_timeout_sec"`
	RequestTimeoutSec  int    `yaml:"request_timeout_sec"`
	RateLimitPerSecond int    `yaml:"rate_limit_per_second"`
	MaxConcurrent      int64  `yaml:"max_concurrent"`
	Currency           string `yaml:"currency"`

	// simulated
	StartingCash float64 `yaml:"starting_cash"`
	Seed         uint64  `yaml:"seed"`
}

// DispatchConfig holds trade dispatch settings.
type DispatchConfig struct {
	StrategyConfigPath   string `yaml:"strategy_config_path"`
	PositionsPath        string `yaml:"positions_path"`
	Watch                bool   `yaml:"watch"`
	AllowSameDirection   bool   `yaml:"allow_same_direction"`
	RequireKnownStrategy bool   `yaml:"require_known_strategy"`
	IdempotencyTTLSec    int    `yaml:"idempotency_ttl_sec"`
}

// JournalConfig holds audit journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Events   []string       `yaml:"events"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig enables the Telegram channel when both fields are set.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// LoggingConfig holds log handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// Default returns the configuration used when no file is given: the live
// IB backend on the TWS paper port and the TEST simulated backend.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8000"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":50051"
	}
	if len(c.Brokers) == 0 {
		c.Brokers = []BrokerConfig{
			{Name: types.DefaultBroker, Type: BrokerLive},
			{Name: sim.DefaultConfig().Name, Type: BrokerSimulated},
		}
	}
	ib := ibkr.DefaultConfig()
	for i := range c.Brokers {
		b := &c.Brokers[i]
		b.Name = strings.ToUpper(strings.TrimSpace(b.Name))
		b.Type = strings.ToLower(strings.TrimSpace(b.Type))
		if b.Currency == "" {
			b.Currency = ib.Currency
		}
		switch b.Type {
		case BrokerLive:
			if b.Host == "" {
				b.Host = ib.Host
			}
			if b.Port == 0 {
				b.Port = ib.Port
			}
			if b.ClientID == 0 {
				b.ClientID = ib.ClientID
			}
			if b.ConnectTimeoutSec == 0 {
				b.ConnectTimeoutSec = int(ib.ConnectTimeout / time.Second)
			}
			if b.RequestTimeoutSec == 0 {
				b.RequestTimeoutSec = int(ib.RequestTimeout / time.Second)
			}
			if b.RateLimitPerSecond == 0 {
				b.RateLimitPerSecond = ib.MaxRequestsPerSecond
			}
			if b.MaxConcurrent == 0 {
				b.MaxConcurrent = live.DefaultConfig().MaxConcurrent
			}
		case BrokerSimulated:
			if b.StartingCash == 0 {
				b.StartingCash = sim.DefaultConfig().StartingCash.InexactFloat64()
			}
		}
	}

	if c.Dispatch.IdempotencyTTLSec == 0 {
		c.Dispatch.IdempotencyTTLSec = int(dispatch.DefaultConfig().IdempotencyTTL / time.Second)
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.db"
	}
	probes := metrics.DefaultServerConfig()
	if c.Metrics.Port == 0 {
		c.Metrics.Port = probes.Port
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = probes.MetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Shutdown.TimeoutSec == 0 {
		c.Shutdown.TimeoutSec = 10
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPAddr == "" {
		errs = append(errs, "server.http_addr is required")
	}
	if c.Server.GRPCAddr == "" {
		errs = append(errs, "server.grpc_addr is required")
	}

	// Broker validation
	seen := make(map[string]bool)
	for i, b := range c.Brokers {
		field := fmt.Sprintf("brokers[%d]", i)
		if b.Name == "" {
			errs = append(errs, field+".name is required")
		} else if seen[b.Name] {
			errs = append(errs, fmt.Sprintf("%s.name '%s' is duplicated", field, b.Name))
		}
		seen[b.Name] = true

		switch b.Type {
		case BrokerLive:
			if b.Host == "" {
				errs = append(errs, field+".host is required for live brokers")
			}
			if b.Port <= 0 || b.Port > 65535 {
				errs = append(errs, field+".port must be between 1 and 65535")
			}
			if b.RateLimitPerSecond < 0 || b.RateLimitPerSecond > 50 {
				errs = append(errs, field+".rate_limit_per_second must be between 0 and 50")
			}
			if b.MaxConcurrent < 0 {
				errs = append(errs, field+".max_concurrent must not be negative")
			}
			if b.ConnectTimeoutSec < 0 || b.RequestTimeoutSec < 0 {
				errs = append(errs, field+" timeouts must not be negative")
			}
		case BrokerSimulated:
			if b.StartingCash < 0 {
				errs = append(errs, field+".starting_cash must not be negative")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s.type must be '%s' or '%s'", field, BrokerLive, BrokerSimulated))
		}
	}

	if c.Dispatch.IdempotencyTTLSec < 0 {
		errs = append(errs, "dispatch.idempotency_ttl_sec must not be negative")
	}
	if c.Dispatch.RequireKnownStrategy && c.Dispatch.StrategyConfigPath == "" {
		errs = append(errs, "dispatch.strategy_config_path is required with require_known_strategy")
	}

	tg := c.Alerting.Telegram
	if (tg.BotToken == "") != (tg.ChatID == "") {
		errs = append(errs, "alerting.telegram needs both bot_token and chat_id")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when the journal is enabled")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be between 1 and 65535")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, "logging.format must be 'text' or 'json'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level '%s' is not one of debug, info, warn, error", s)
	}
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := parseLevel(c.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// ToIBKRConfig converts a live broker entry to the venue client config.
func (b BrokerConfig) ToIBKRConfig() ibkr.Config {
	return ibkr.Config{
		Host:                 b.Host,
		Port:                 b.Port,
		ClientID:             b.ClientID,
		ConnectTimeout:       time.Duration(b.ConnectTimeoutSec) * time.Second,
		RequestTimeout:       time.Duration(b.RequestTimeoutSec) * time.Second,
		MaxRequestsPerSecond: b.RateLimitPerSecond,
		Currency:             b.Currency,
	}
}

// ToLiveConfig converts a live broker entry to the backend config.
func (b BrokerConfig) ToLiveConfig() live.Config {
	return live.Config{
		Name:          b.Name,
		MaxConcurrent: b.MaxConcurrent,
	}
}

// ToSimConfig converts a simulated broker entry to the backend config.
func (b BrokerConfig) ToSimConfig() sim.Config {
	return sim.Config{
		Name:         b.Name,
		StartingCash: decimal.NewFromFloat(b.StartingCash),
		Currency:     b.Currency,
		Seed:         b.Seed,
	}
}

// ToDispatchConfig converts the dispatch section to the server config.
func (c *Config) ToDispatchConfig() dispatch.Config {
	return dispatch.Config{
		SkipSameDirection:    !c.Dispatch.AllowSameDirection,
		RequireKnownStrategy: c.Dispatch.RequireKnownStrategy,
		IdempotencyTTL:       time.Duration(c.Dispatch.IdempotencyTTLSec) * time.Second,
	}
}

// HasStateFiles reports whether any dispatch state file is configured.
func (c *Config) HasStateFiles() bool {
	return c.Dispatch.StrategyConfigPath != "" || c.Dispatch.PositionsPath != ""
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
