// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds the mutual TLS configuration of the gateway listener.
//
// # Configuration
//
// Config is parsed from the environment with the same prefix as the
// listener (see the root package):
//
//   - SERVER_CERT_FILE: PEM server certificate chain
//   - SERVER_KEY_FILE: PEM server private key
//   - CLIENT_CA_FILE: PEM trusted root(s) for client certificates
//   - CIPHER_SUITES: comma separated allow-list, IANA or OpenSSL names
//   - MIN_VERSION: 1.2 or 1.3
//   - TICKET_ROTATION: session ticket key rotation interval
//   - TICKET_KEYS: number of ticket keys kept for resumption
//
// Load always produces a configuration with ClientAuth set to
// tls.RequireAndVerifyClientCert, so a handshake without a certificate
// chaining to CLIENT_CA_FILE fails.
//
// # Cipher Suites
//
// crypto/tls negotiates TLS 1.0-1.2 suites only from Config.CipherSuites and
// picks among them with server-side preference. TLS 1.3 suites cannot be
// selected individually, so the presence of any TLS 1.3 name in the
// allow-list enables TLS 1.3; without one the listener is capped at TLS 1.2.
//
// # Session Tickets
//
// TicketRotator generates ticket keys from crypto/rand when the process
// starts and replaces them periodically, keeping a few previous keys so
// recently issued tickets still resume.
package tls
