// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway holds the process-level configuration of the mTLS
// WebSocket gateway.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/thanaParis/everest-demo/pkg/metrics"
	"github.com/thanaParis/everest-demo/pkg/server/wss"
	mptls "github.com/thanaParis/everest-demo/pkg/tls"
)

// EnvPrefix is the prefix of every gateway environment variable.
const EnvPrefix = "EVEREST_GATEWAY_"

var errInvalidTimeout = errors.New("timeout must be positive")

// Config is the gateway configuration. It is immutable after startup.
type Config struct {
	Host             string        `env:"HOST"               envDefault:"0.0.0.0"`
	Port             string        `env:"PORT"               envDefault:"8444"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT"  envDefault:"10s"`
	UpgradeTimeout   time.Duration `env:"UPGRADE_TIMEOUT"    envDefault:"10s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"   envDefault:"30s"`
	CloseGracePeriod time.Duration `env:"CLOSE_GRACE_PERIOD" envDefault:"5s"`
	HandshakeRate    float64       `env:"HANDSHAKE_RATE"     envDefault:"0"`
	HandshakeBurst   int           `env:"HANDSHAKE_BURST"    envDefault:"20"`

	TLS mptls.Config
}

// NewConfig parses the configuration from the environment and validates it.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values the environment parser cannot.
func (c Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", c.Port)
	}

	timeouts := map[string]time.Duration{
		"handshake":   c.HandshakeTimeout,
		"upgrade":     c.UpgradeTimeout,
		"shutdown":    c.ShutdownTimeout,
		"close grace": c.CloseGracePeriod,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s %w, got %s", name, errInvalidTimeout, d)
		}
	}

	if c.HandshakeRate < 0 {
		return fmt.Errorf("invalid handshake rate %v", c.HandshakeRate)
	}
	if _, err := c.TLS.Policy(); err != nil {
		return err
	}
	if c.TLS.TicketKeys < 1 {
		return mptls.ErrInvalidRetention
	}
	return nil
}

// Address returns the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// ServerConfig loads the key material and returns the gateway server
// configuration.
func (c Config) ServerConfig(logger *slog.Logger, m *metrics.Metrics) (wss.Config, error) {
	tlsCfg, err := c.TLS.Load()
	if err != nil {
		return wss.Config{}, err
	}

	return wss.Config{
		Address:          c.Address(),
		TLSConfig:        tlsCfg,
		TicketRotation:   c.TLS.TicketRotation,
		TicketKeys:       c.TLS.TicketKeys,
		HandshakeTimeout: c.HandshakeTimeout,
		UpgradeTimeout:   c.UpgradeTimeout,
		ShutdownTimeout:  c.ShutdownTimeout,
		CloseGracePeriod: c.CloseGracePeriod,
		HandshakeRate:    c.HandshakeRate,
		HandshakeBurst:   c.HandshakeBurst,
		Logger:           logger,
		Metrics:          m,
	}, nil
}
