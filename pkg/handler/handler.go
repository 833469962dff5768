// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"
)

// MessageType distinguishes text frames from binary frames.
type MessageType int

const (
	// TextMessage is a UTF-8 text payload.
	TextMessage MessageType = iota + 1

	// BinaryMessage is an opaque binary payload.
	BinaryMessage
)

// String returns a string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is one complete payload received on a managed connection.
// The payload is passed through untouched.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Context contains the metadata of a promoted connection.
// It is created by the upgrade gate and passed to every Handler call.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Path is the request path of the upgrade request
	Path string

	// Cert is the client's leaf certificate presented during the TLS handshake
	Cert *x509.Certificate

	// TLS is the state of the TLS session the connection was promoted from
	TLS *tls.ConnectionState

	// ConnectedAt is when the upgrade completed
	ConnectedAt time.Time
}

// Subject returns the client certificate subject, or an empty string.
func (c *Context) Subject() string {
	if c == nil || c.Cert == nil {
		return ""
	}
	return c.Cert.Subject.String()
}

// Handler receives lifecycle notifications for promoted connections.
//
// Calls for one connection are made sequentially, in the order the events
// happened on that connection. Calls for different connections may run
// concurrently. Implementations must return quickly; a slow handler stalls
// only its own connection.
//
// Returned errors are logged by the caller and never change the connection's
// state.
type Handler interface {
	// OnOpen is called once, after the upgrade completed and before any
	// other notification for the connection.
	OnOpen(ctx context.Context, hctx *Context) error

	// OnMessage is called for each text or binary message, in arrival order.
	OnMessage(ctx context.Context, hctx *Context, msg Message) error

	// OnError is called when the connection fails. The connection is
	// closing when this is called; OnClose always follows.
	OnError(ctx context.Context, hctx *Context, err error) error

	// OnClose is called exactly once when the connection is closed.
	// No other notification for the connection follows it.
	OnClose(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that ignores all events.
// Useful for testing.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnOpen(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnMessage(ctx context.Context, hctx *Context, msg Message) error {
	return nil
}

func (h *NoopHandler) OnError(ctx context.Context, hctx *Context, err error) error {
	return nil
}

func (h *NoopHandler) OnClose(ctx context.Context, hctx *Context) error {
	return nil
}
