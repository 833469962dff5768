// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gwerrors "github.com/thanaParis/everest-demo/pkg/errors"
)

var (
	// ErrShutdownTimeout is returned when in-flight handshakes do not finish
	// within the configured timeout during shutdown.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrTLSRequired is returned when the server is started without a TLS configuration.
	ErrTLSRequired = errors.New("tls configuration is required")

	errHandshakeTimeout = errors.New("handshake timed out")
	errThrottled        = errors.New("handshake rate exceeded")
)

// Config holds the TLS listener configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is the server TLS configuration. It is used as is, so
	// session ticket keys installed on it later take effect immediately.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds the TLS handshake of each connection.
	HandshakeTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight handshakes
	// during shutdown.
	ShutdownTimeout time.Duration

	// Admission throttles handshakes per client IP. Nil admits everything.
	Admission Admission

	// Logger for server events
	Logger *slog.Logger
}

// Admission decides whether a new connection from host may start a handshake.
type Admission interface {
	Allow(host string) bool
}

// Server accepts TCP connections, completes their TLS handshakes and hands
// the authenticated connections out through Accept.
//
// Server implements net.Listener, so it can be passed to http.Server.Serve.
type Server struct {
	config   Config
	observer Observer

	mu sync.Mutex
	ln net.Listener

	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

var _ net.Listener = (*Server)(nil)

// New creates a new TLS listener. A nil observer discards notifications.
func New(cfg Config, obs Observer) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if obs == nil {
		obs = NopObserver{}
	}

	return &Server{
		config:   cfg,
		observer: obs,
		conns:    make(chan net.Conn),
		done:     make(chan struct{}),
	}
}

// Bind opens the TCP socket. It is called by Listen if needed; calling it
// first lets the caller learn the bound address before serving.
func (s *Server) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return gwerrors.Wrap(err, "failed to listen on "+s.config.Address)
	}
	s.ln = ln
	return nil
}

// Listen runs the accept loop and blocks until the context is cancelled or
// the server is closed. Every accepted socket is handshaken on its own
// goroutine; a failed handshake closes that socket only.
func (s *Server) Listen(ctx context.Context) error {
	if s.config.TLSConfig == nil {
		return ErrTLSRequired
	}
	if err := s.Bind(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	s.config.Logger.Info("TLS listener started", slog.String("address", ln.Addr().String()))

	go func() {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("shutdown signal received, closing listener")
			s.Close()
		case <-s.done:
		}
	}()

	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = 5 * time.Millisecond
	delay.MaxInterval = time.Second

	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.closed() || errors.Is(err, net.ErrClosed) {
				break
			}
			wait := delay.NextBackOff()
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
			case <-s.done:
			}
			continue
		}
		delay.Reset()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handshake(ctx, raw)
		}()
	}

	// Wait for in-flight handshakes with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("TLS listener stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, abandoning pending handshakes")
		return ErrShutdownTimeout
	}
}

// handshake completes the TLS handshake of one raw connection and queues it
// for Accept. Every failure is confined to this connection.
func (s *Server) handshake(ctx context.Context, raw net.Conn) {
	remote := raw.RemoteAddr().String()
	tracked := newTrackedConn(raw, s.observer, s.config.Logger)

	s.observer.ConnOpened(remote)
	s.config.Logger.Debug("connection established",
		slog.String("remote", remote),
		slog.Time("at", time.Now()))

	if s.config.Admission != nil {
		host, _, _ := net.SplitHostPort(remote)
		if !s.config.Admission.Allow(host) {
			herr := gwerrors.New(gwerrors.ErrHandshakeFailure, "admit", "", remote, errThrottled)
			s.config.Logger.Warn("TLS client error", slog.String("error", herr.Error()))
			s.observer.HandshakeFailed(remote, herr)
			tracked.markFailed()
			tracked.Close()
			return
		}
	}

	conn := tls.Server(tracked, s.config.TLSConfig)

	timer := time.AfterFunc(s.config.HandshakeTimeout, func() {
		tracked.markFailed()
		tracked.Close()
	})

	start := time.Now()
	err := conn.HandshakeContext(ctx)
	if !timer.Stop() {
		err = fmt.Errorf("%w after %s", errHandshakeTimeout, s.config.HandshakeTimeout)
	}
	if err != nil {
		herr := gwerrors.New(gwerrors.ErrHandshakeFailure, "handshake", "", remote, err)
		s.config.Logger.Warn("TLS client error", slog.String("error", herr.Error()))
		s.observer.HandshakeFailed(remote, herr)
		tracked.markFailed()
		conn.Close()
		return
	}

	state := conn.ConnectionState()
	s.observer.HandshakeCompleted(remote, state, time.Since(start))
	s.config.Logger.Debug("TLS handshake completed",
		slog.String("remote", remote),
		slog.String("version", tls.VersionName(state.Version)),
		slog.String("cipher", tls.CipherSuiteName(state.CipherSuite)),
		slog.Bool("resumed", state.DidResume),
		slog.Int("peer_certificates", len(state.PeerCertificates)))

	select {
	case s.conns <- conn:
	case <-s.done:
		conn.Close()
	}
}

// Accept waits for and returns the next connection whose TLS handshake completed.
func (s *Server) Accept() (net.Conn, error) {
	select {
	case conn := <-s.conns:
		return conn, nil
	case <-s.done:
		return nil, net.ErrClosed
	}
}

// Close stops accepting connections. Connections already returned by
// Accept are not affected.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.ln != nil {
			s.closeErr = s.ln.Close()
		}
	})
	return s.closeErr
}

// Addr returns the bound address, or nil before Bind.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
