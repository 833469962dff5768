// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gate decides which HTTP requests become managed WebSocket
// connections.
//
// # Decision
//
//  1. Requests without a Connection: upgrade token get 404
//  2. Upgrade requests whose TLS session has no client certificate, or an
//     empty one, get the bare status line "HTTP/1.1 401 Unauthorized\r\n"
//     written on the raw socket, which is then closed
//  3. Malformed upgrade requests (missing Sec-WebSocket-Key, wrong version)
//     are logged as protocol errors and the socket is closed silently
//  4. Everything else is upgraded with gorilla/websocket and handed to the
//     session manager, which creates exactly one managed connection
//
// Only the presence of a certificate is checked. Chain validation already
// happened during the TLS handshake.
package gate
