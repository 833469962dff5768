// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links promoted connections to
// application logic.
//
// # Architecture Overview
//
// The gateway authenticates clients with mutual TLS, promotes their upgrade
// requests to WebSocket connections and then hands every lifecycle event of
// those connections to a Handler. The gateway itself never interprets
// payloads; routing and business logic live behind this interface.
//
// # Data Flow
//
//	Client → TLS listener → Upgrade gate → Session manager → Handler
//
// # Handler Methods
//
//   - OnOpen: the connection reached the Open state
//   - OnMessage: a text or binary message arrived
//   - OnError: the connection failed and is closing
//   - OnClose: the connection reached the Closed state (exactly once)
//
// # Context
//
// The Context struct carries connection metadata across all handler calls:
//   - SessionID: Unique identifier for this connection
//   - RemoteAddr: Client's network address
//   - Path: Path of the upgrade request
//   - Cert: Client leaf certificate
//   - TLS: Negotiated TLS session state
//
// # Example
//
//	type Router struct {
//		queue chan<- handler.Message
//	}
//
//	func (r *Router) OnMessage(ctx context.Context, hctx *handler.Context, msg handler.Message) error {
//		r.queue <- msg
//		return nil
//	}
package handler
