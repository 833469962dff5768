// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the mutual TLS listener of the gateway.
//
// # Overview
//
// Server accepts TCP connections, runs the TLS handshake of each one on its
// own goroutine and exposes the connections that completed it through the
// net.Listener interface. The WebSocket layer serves HTTP on top of it:
//
//	┌──────────────┐        ┌──────────┐  Accept()  ┌─────────────┐
//	│ Charge Point │ ─TCP─→ │  Server  │ ─────────→ │ http.Server │
//	└──────────────┘        └──────────┘            └─────────────┘
//	                             ↓
//	                        ┌──────────┐
//	                        │ Observer │
//	                        └──────────┘
//
// # Connection Flow
//
//  1. Client connects and the Observer is told the socket opened
//  2. The TLS handshake runs, bounded by HandshakeTimeout
//  3. On failure the socket is closed and HandshakeFailed is reported;
//     no other connection is affected and the listener keeps serving
//  4. On success the *tls.Conn is queued for Accept
//
// The raw socket underneath the TLS layer is wrapped so that socket errors
// and the final close are reported once per connection, no matter which
// layer closes it.
//
// # Accept Errors
//
// Temporary accept failures (for example file descriptor exhaustion) are
// retried with exponential backoff instead of stopping the listener.
//
// # Graceful Shutdown
//
// On context cancellation or Close the socket stops accepting and pending
// handshakes get ShutdownTimeout to finish before Listen returns
// ErrShutdownTimeout.
package tcp
