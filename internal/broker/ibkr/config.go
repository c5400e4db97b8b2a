// Package ibkr is a minimal Interactive Brokers socket API client used as
// the venue behind the live backend.
package ibkr

import (
	"time"
)

// Config holds IBKR connection configuration.
type Config struct {
	// Connection settings
	Host     string
	Port     int
	ClientID int

	// Timeouts
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Rate limiting
	MaxRequestsPerSecond int

	// Account summary values are kept only in this currency.
	Currency string
}

// DefaultConfig returns default IBKR configuration (TWS paper port).
func DefaultConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 7497,
		ClientID:             123,
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       30 * time.Second,
		MaxRequestsPerSecond: 45, // IB limit is 50/sec
		Currency:             "USD",
	}
}

// LiveConfig returns configuration for the TWS live port.
func LiveConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 7496
	return cfg
}

// GatewayConfig returns configuration for IB Gateway.
func GatewayConfig(paper bool) Config {
	cfg := DefaultConfig()
	if paper {
		cfg.Port = 4002
	} else {
		cfg.Port = 4001
	}
	return cfg
}
