// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wss runs the gateway: a mutual TLS listener whose authenticated
// connections are served by an HTTP server that only promotes WebSocket
// upgrades.
//
// # Components
//
//	tcp.Server ──Accept──→ http.Server ──→ gate.Gate ──Attach──→ session.Manager
//	     │                                                            │
//	TicketRotator                                              handler.Handler
//
// The HTTP server bounds reading the upgrade request with UpgradeTimeout;
// upgraded connections are hijacked and carry no deadline afterwards.
//
// # Shutdown
//
// When the context passed to Listen is cancelled the listener stops
// accepting, the HTTP server is shut down and every managed connection is
// sent a 1001 (going away) close frame. Connections still open after
// ShutdownTimeout are closed forcibly.
package wss
