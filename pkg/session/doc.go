// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session manages promoted WebSocket connections.
//
// Every connection handed to Manager.Attach gets two goroutines. The reader
// is the only caller of ReadMessage and turns the socket into a stream of
// events (message, error, close); the dispatcher consumes that stream in
// order and drives the state machine:
//
//	Open    --message--> Open     OnMessage
//	Open    --error----> Closing  OnError
//	Open    --close----> Closed   OnClose
//	Closing --close----> Closed   OnClose
//
// Closed is terminal. Messages that arrive after the connection left Open
// are dropped. OnClose is called exactly once and nothing is delivered
// after it.
//
// Read errors are classified as socket failures (abnormal closure, transport
// errors) or protocol errors (framing violations). A close frame from the
// peer, and any transport error after the server started closing, end the
// connection without an error notification.
package session
