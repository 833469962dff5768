// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wss

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	gwerrors "github.com/thanaParis/everest-demo/pkg/errors"
	"github.com/thanaParis/everest-demo/pkg/gate"
	"github.com/thanaParis/everest-demo/pkg/handler"
	"github.com/thanaParis/everest-demo/pkg/health"
	"github.com/thanaParis/everest-demo/pkg/metrics"
	"github.com/thanaParis/everest-demo/pkg/ratelimit"
	"github.com/thanaParis/everest-demo/pkg/server/tcp"
	"github.com/thanaParis/everest-demo/pkg/session"
	gwtls "github.com/thanaParis/everest-demo/pkg/tls"
	"golang.org/x/sync/errgroup"
)

var _ tcp.Observer = (*metrics.Metrics)(nil)

// Config holds the gateway server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is the mutual TLS configuration, see pkg/tls.
	TLSConfig *tls.Config

	// TicketRotation and TicketKeys drive session ticket key rotation.
	TicketRotation time.Duration
	TicketKeys     int

	HandshakeTimeout time.Duration
	UpgradeTimeout   time.Duration
	ShutdownTimeout  time.Duration
	CloseGracePeriod time.Duration

	// HandshakeRate and HandshakeBurst throttle handshakes per client IP.
	// A zero rate disables throttling.
	HandshakeRate  float64
	HandshakeBurst int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server is the gateway: the TLS listener, the HTTP server running the
// upgrade gate, the session manager and the ticket rotator, run and shut
// down together.
type Server struct {
	config   Config
	listener *tcp.Server
	http     *http.Server
	sessions *session.Manager
	tickets  *gwtls.TicketRotator
	logger   *slog.Logger
}

// New creates a gateway server that delivers connection events to h.
func New(cfg Config, h handler.Handler) (*Server, error) {
	if cfg.TLSConfig == nil {
		return nil, tcp.ErrTLSRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UpgradeTimeout == 0 {
		cfg.UpgradeTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.TicketKeys == 0 {
		cfg.TicketKeys = 3
	}

	tickets, err := gwtls.NewTicketRotator(cfg.TLSConfig, cfg.TicketRotation, cfg.TicketKeys,
		gwtls.WithLogger(cfg.Logger),
		gwtls.WithRotateHook(cfg.Metrics.TicketRotated))
	if err != nil {
		return nil, gwerrors.Wrap(err, "failed to initialize session tickets")
	}

	var obs tcp.Observer
	if cfg.Metrics != nil {
		obs = cfg.Metrics
	}
	var admission tcp.Admission
	if cfg.HandshakeRate > 0 {
		admission = ratelimit.NewLimiter(cfg.HandshakeRate, cfg.HandshakeBurst)
	}
	listener := tcp.New(tcp.Config{
		Address:          cfg.Address,
		TLSConfig:        cfg.TLSConfig,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		Admission:        admission,
		Logger:           cfg.Logger,
	}, obs)

	sessions := session.New(session.Config{
		CloseGracePeriod: cfg.CloseGracePeriod,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
	}, h)

	g := gate.New(gate.Config{
		UpgradeTimeout: cfg.UpgradeTimeout,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
	}, sessions)

	return &Server{
		config:   cfg,
		listener: listener,
		http: &http.Server{
			Handler:           g,
			ReadHeaderTimeout: cfg.UpgradeTimeout,
			IdleTimeout:       cfg.UpgradeTimeout,
			ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelDebug),
		},
		sessions: sessions,
		tickets:  tickets,
		logger:   cfg.Logger,
	}, nil
}

// Bind opens the listening socket without serving.
func (s *Server) Bind() error {
	return s.listener.Bind()
}

// Addr returns the bound address, or nil before Bind.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Listen serves until the context is cancelled, then shuts the HTTP server
// and every managed connection down within ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.Bind(); err != nil {
		return err
	}

	s.logger.Info("gateway started", slog.String("address", s.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.listener.Listen(ctx)
	})

	g.Go(func() error {
		err := s.http.Serve(s.listener)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return s.tickets.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	s.logger.Info("shutdown signal received, closing gateway")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("error during HTTP shutdown", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := s.sessions.Shutdown(ctx); err != nil {
		s.logger.Error("error during session shutdown", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("gateway shutdown complete")
	return nil
}

// RegisterChecks adds the gateway readiness checks to c.
func (s *Server) RegisterChecks(c *health.Checker) {
	c.Register("listener", func(ctx context.Context) error {
		if s.Addr() == nil {
			return errors.New("listener not bound")
		}
		return nil
	})

	c.Register("session_tickets", func(ctx context.Context) error {
		interval := s.tickets.Interval()
		if interval <= 0 {
			return nil
		}
		if age := time.Since(s.tickets.RotatedAt()); age > 2*interval {
			return fmt.Errorf("ticket key is %s old, rotation interval is %s", age.Round(time.Second), interval)
		}
		return nil
	})
}
