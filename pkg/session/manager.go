// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thanaParis/everest-demo/pkg/handler"
	"github.com/thanaParis/everest-demo/pkg/metrics"
)

// ErrClosed is returned by Attach after Shutdown was called.
var ErrClosed = errors.New("session manager is shut down")

// Config holds the lifecycle manager configuration.
type Config struct {
	// CloseGracePeriod is how long a server-initiated close waits for the
	// peer's close frame before the socket is shut.
	CloseGracePeriod time.Duration

	// QueueSize is the per-connection event buffer between the socket
	// reader and the handler.
	QueueSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns every promoted connection and their registry.
type Manager struct {
	config  Config
	handler handler.Handler

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool

	wg sync.WaitGroup
}

// New creates a lifecycle manager that reports to h.
func New(cfg Config, h handler.Handler) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CloseGracePeriod <= 0 {
		cfg.CloseGracePeriod = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Manager{
		config:  cfg,
		handler: h,
		conns:   make(map[string]*Conn),
	}
}

// Attach takes ownership of an upgraded socket, registers it in the Open
// state and calls OnOpen before any other notification is delivered.
func (m *Manager) Attach(ws *websocket.Conn, hctx *handler.Context) (*Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		hctx:    hctx,
		manager: m,
		logger: m.config.Logger.With(
			slog.String("session_id", hctx.SessionID),
			slog.String("remote", hctx.RemoteAddr)),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, m.config.QueueSize),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return nil, ErrClosed
	}
	m.conns[hctx.SessionID] = c
	m.wg.Add(1)
	m.mu.Unlock()

	m.config.Metrics.SessionOpened()
	c.logger.Info("connection opened",
		slog.String("path", hctx.Path),
		slog.String("subject", hctx.Subject()))

	if err := m.handler.OnOpen(ctx, hctx); err != nil {
		c.logger.Error("open handler failed", slog.String("error", err.Error()))
	}

	go c.readLoop()
	go func() {
		defer m.wg.Done()
		c.dispatch()
	}()

	return c, nil
}

// Get returns the open or closing connection with the given session ID.
func (m *Manager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Shutdown closes every connection with code 1001 and waits until all of
// them reached Closed. If ctx expires first the remaining sockets are shut
// and ctx's error is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	conns := m.snapshot()
	m.config.Logger.Info("closing connections", slog.Int("count", len(conns)))
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		remaining := m.snapshot()
		m.config.Logger.Warn("shutdown timeout exceeded, forcing connections closed",
			slog.Int("count", len(remaining)))
		for _, c := range remaining {
			c.forceClose()
		}
		return ctx.Err()
	}
}

func (m *Manager) snapshot() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}
