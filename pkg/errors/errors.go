// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the gateway.
//
// Every failure is scoped to a single connection. The sentinel kinds below
// classify where in the connection's life the failure happened; GatewayError
// attaches the connection metadata and keeps both the kind and the cause
// reachable through errors.Is.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds
var (
	// ErrHandshakeFailure indicates TLS negotiation failed (untrusted or
	// missing client certificate, no common cipher suite, deadline exceeded).
	ErrHandshakeFailure = errors.New("tls handshake failure")

	// ErrSocketFailure indicates a transport-level error on an established connection.
	ErrSocketFailure = errors.New("socket failure")

	// ErrUpgradeRejected indicates the upgrade request arrived on a TLS session
	// without a usable peer certificate.
	ErrUpgradeRejected = errors.New("upgrade rejected")

	// ErrProtocolError indicates a malformed upgrade request or a framing error
	// after the upgrade.
	ErrProtocolError = errors.New("protocol error")
)

var kinds = []error{ErrHandshakeFailure, ErrSocketFailure, ErrUpgradeRejected, ErrProtocolError}

// GatewayError wraps an error with connection context.
type GatewayError struct {
	Op         string // Operation that failed
	Kind       error  // One of the Err* kinds
	SessionID  string // Session identifier, empty before the upgrade
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s: %s [%s] %s: %v", e.Kind, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap exposes both the kind and the underlying error.
func (e *GatewayError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// New creates a new GatewayError. It returns nil if err is nil.
func New(kind error, op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Op:         op,
		Kind:       kind,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Kind returns a short label for the kind of err, suitable for metric labels.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k) {
			switch k {
			case ErrHandshakeFailure:
				return "handshake_failure"
			case ErrSocketFailure:
				return "socket_failure"
			case ErrUpgradeRejected:
				return "upgrade_rejected"
			case ErrProtocolError:
				return "protocol_error"
			}
		}
	}
	return "unknown"
}
