// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gwerrors "github.com/thanaParis/everest-demo/pkg/errors"
	"github.com/thanaParis/everest-demo/pkg/handler"
)

// ErrNotOpen is returned by Close when the connection is already closing.
var ErrNotOpen = errors.New("connection is not open")

// State is the lifecycle state of a managed connection.
type State int32

const (
	// StateOpen accepts messages.
	StateOpen State = iota
	// StateClosing drops messages and waits for the socket to close.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind tags an Event.
type EventKind int

const (
	// EventMessage carries one complete data frame.
	EventMessage EventKind = iota
	// EventError carries a classified transport or framing error.
	EventError
	// EventClose is the reader's last event.
	EventClose
)

// Event is one notification produced by the socket reader.
type Event struct {
	Kind    EventKind
	Message handler.Message
	Err     error
}

// Conn is a promoted connection owned by a Manager.
type Conn struct {
	ws      *websocket.Conn
	hctx    *handler.Context
	manager *Manager
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state  atomic.Int32
	events chan Event
	done   chan struct{}

	timerMu    sync.Mutex
	closeTimer *time.Timer
}

// ID returns the session ID.
func (c *Conn) ID() string {
	return c.hctx.SessionID
}

// Context returns the handler context of the connection.
func (c *Conn) Context() *handler.Context {
	return c.hctx
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed once OnClose has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close starts a server-initiated close: the connection moves to Closing, a
// close frame is sent and the socket is shut after the grace period unless
// the peer answers first.
func (c *Conn) Close(code int, reason string) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return ErrNotOpen
	}

	grace := c.manager.config.CloseGracePeriod
	c.logger.Debug("closing connection", slog.Int("code", code), slog.String("reason", reason))

	c.timerMu.Lock()
	c.closeTimer = time.AfterFunc(grace, c.forceClose)
	c.timerMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(grace)); err != nil {
		c.forceClose()
		return err
	}
	return nil
}

func (c *Conn) forceClose() {
	c.ws.NetConn().Close()
}

// readLoop turns socket reads into events. It is the only reader of the socket.
func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		typ, payload, err := c.ws.ReadMessage()
		if err != nil {
			if ferr := c.classify(err); ferr != nil {
				c.events <- Event{Kind: EventError, Err: ferr}
			}
			c.events <- Event{Kind: EventClose}
			return
		}

		msgType := handler.TextMessage
		if typ == websocket.BinaryMessage {
			msgType = handler.BinaryMessage
		}
		c.events <- Event{Kind: EventMessage, Message: handler.Message{Type: msgType, Payload: payload}}
	}
}

// classify maps a read error to a failure kind. A nil result means the
// connection ended cleanly.
func (c *Conn) classify(err error) error {
	closing := c.State() != StateOpen

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code != websocket.CloseAbnormalClosure || closing {
			c.logger.Debug("close frame received", slog.Int("code", ce.Code), slog.String("text", ce.Text))
			return nil
		}
		return gwerrors.New(gwerrors.ErrSocketFailure, "read", c.ID(), c.hctx.RemoteAddr, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		if closing {
			return nil
		}
		return gwerrors.New(gwerrors.ErrSocketFailure, "read", c.ID(), c.hctx.RemoteAddr, err)
	}

	return gwerrors.New(gwerrors.ErrProtocolError, "read", c.ID(), c.hctx.RemoteAddr, err)
}

// dispatch applies events to the state machine in arrival order.
func (c *Conn) dispatch() {
	defer close(c.done)

	h := c.manager.handler
	m := c.manager.config.Metrics

	for ev := range c.events {
		switch ev.Kind {
		case EventMessage:
			if c.State() != StateOpen {
				c.logger.Debug("dropping message on non-open connection", slog.String("state", c.State().String()))
				continue
			}
			m.MessageReceived(ev.Message.Type.String(), len(ev.Message.Payload))
			if err := h.OnMessage(c.ctx, c.hctx, ev.Message); err != nil {
				c.logger.Error("message handler failed", slog.String("error", err.Error()))
			}

		case EventError:
			if c.State() == StateClosed {
				continue
			}
			c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
			c.logger.Warn("connection error", slog.String("error", ev.Err.Error()))
			m.SessionError(gwerrors.Kind(ev.Err))
			if err := h.OnError(c.ctx, c.hctx, ev.Err); err != nil {
				c.logger.Error("error handler failed", slog.String("error", err.Error()))
			}

		case EventClose:
			c.finish()
		}
	}
}

func (c *Conn) finish() {
	if State(c.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}

	c.timerMu.Lock()
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
	c.timerMu.Unlock()

	c.ws.Close()
	c.manager.remove(c.ID())

	if err := c.manager.handler.OnClose(c.ctx, c.hctx); err != nil {
		c.logger.Error("close handler failed", slog.String("error", err.Error()))
	}
	c.cancel()

	lifetime := time.Since(c.hctx.ConnectedAt)
	c.manager.config.Metrics.SessionClosed(lifetime)
	c.logger.Info("connection closed", slog.Duration("lifetime", lifetime))
}
