// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	gwerrors "github.com/thanaParis/everest-demo/pkg/errors"
)

// Observer receives notifications about raw socket and handshake events.
// Implementations must be safe for concurrent use.
type Observer interface {
	ConnOpened(remote string)
	HandshakeCompleted(remote string, state tls.ConnectionState, d time.Duration)
	HandshakeFailed(remote string, err error)
	ConnFailed(remote string, err error)
	ConnClosed(remote string, hadError bool)
}

// NopObserver discards all notifications.
type NopObserver struct{}

func (NopObserver) ConnOpened(string)                                             {}
func (NopObserver) HandshakeCompleted(string, tls.ConnectionState, time.Duration) {}
func (NopObserver) HandshakeFailed(string, error)                                 {}
func (NopObserver) ConnFailed(string, error)                                      {}
func (NopObserver) ConnClosed(string, bool)                                       {}

// trackedConn wraps the raw TCP socket beneath the TLS layer. It reports the
// first socket failure and reports the close exactly once, whichever layer
// (TLS, HTTP or WebSocket) ends up closing it.
type trackedConn struct {
	net.Conn
	remote   string
	observer Observer
	logger   *slog.Logger

	failed    atomic.Bool
	closeOnce sync.Once
}

func newTrackedConn(c net.Conn, obs Observer, logger *slog.Logger) *trackedConn {
	return &trackedConn{
		Conn:     c,
		remote:   c.RemoteAddr().String(),
		observer: obs,
		logger:   logger,
	}
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		c.fail("read", err)
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		c.fail("write", err)
	}
	return n, err
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		c.observer.ConnClosed(c.remote, c.failed.Load())
		c.logger.Debug("connection closed",
			slog.String("remote", c.remote),
			slog.Bool("had_error", c.failed.Load()))
	})
	return err
}

// markFailed flags the connection without reporting a socket error. Used
// when the failure was already reported as a handshake failure.
func (c *trackedConn) markFailed() {
	c.failed.Store(true)
}

// fail reports the first transport error. Deadline expiries are not
// transport errors: net/http expires the read deadline to abort its
// background read when a handler hijacks the connection, and stalled
// handshakes are reported by the handshake timer.
func (c *trackedConn) fail(op string, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return
	}
	if !c.failed.CompareAndSwap(false, true) {
		return
	}

	ferr := gwerrors.New(gwerrors.ErrSocketFailure, op, "", c.remote, err)

	c.logger.Warn("socket error", slog.String("error", ferr.Error()))
	c.observer.ConnFailed(c.remote, ferr)
}
