// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gwerrors "github.com/thanaParis/everest-demo/pkg/errors"
	"github.com/thanaParis/everest-demo/pkg/handler"
	"github.com/thanaParis/everest-demo/pkg/metrics"
	"github.com/thanaParis/everest-demo/pkg/session"
	"golang.org/x/net/http/httpguts"
)

// UnauthorizedResponse is written verbatim to a rejected connection before
// it is closed.
const UnauthorizedResponse = "HTTP/1.1 401 Unauthorized\r\n"

// Sessions takes ownership of upgraded connections.
type Sessions interface {
	Attach(ws *websocket.Conn, hctx *handler.Context) (*session.Conn, error)
}

// Config holds the upgrade gate configuration.
type Config struct {
	// UpgradeTimeout bounds writing the upgrade response.
	UpgradeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Gate is the http.Handler every request on a handshaken connection goes
// through. It promotes upgrade requests from connections that presented a
// client certificate and refuses the rest.
type Gate struct {
	upgrader websocket.Upgrader
	sessions Sessions
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

var _ http.Handler = (*Gate)(nil)

// New creates an upgrade gate that hands accepted connections to sessions.
func New(cfg Config, sessions Sessions) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Gate{
		sessions: sessions,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	g.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.UpgradeTimeout,
		// Charge points are not browsers; the client certificate is the
		// only admission check.
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		Error: g.upgradeError,
	}

	return g
}

// ServeHTTP implements http.Handler interface.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") {
		g.logger.Info("ignoring non-upgrade request",
			slog.String("remote", r.RemoteAddr),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))
		http.NotFound(w, r)
		return
	}

	cert := PeerCertificate(r.TLS)
	if IsEmptyCertificate(cert) {
		g.reject(w, r)
		return
	}

	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
		Cert:       cert,
		TLS:        r.TLS,
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The socket was already closed by upgradeError or the upgrader.
		g.metrics.Upgrade(metrics.UpgradeFailed)
		return
	}
	hctx.ConnectedAt = time.Now()

	if _, err := g.sessions.Attach(ws, hctx); err != nil {
		g.logger.Warn("failed to attach connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		g.metrics.Upgrade(metrics.UpgradeFailed)
		return
	}

	g.metrics.Upgrade(metrics.UpgradeAccepted)
	g.logger.Debug("connection upgraded",
		slog.String("session_id", hctx.SessionID),
		slog.String("remote", r.RemoteAddr),
		slog.String("subject", hctx.Subject()))
}

// reject answers with the bare 401 status line on the raw socket and closes it.
func (g *Gate) reject(w http.ResponseWriter, r *http.Request) {
	err := gwerrors.New(gwerrors.ErrUpgradeRejected, "upgrade", "", r.RemoteAddr, errMissingCertificate)
	g.logger.Warn("rejecting upgrade request", slog.String("error", err.Error()))
	g.metrics.Upgrade(metrics.UpgradeRejected)

	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, _, herr := hj.Hijack()
	if herr != nil {
		g.logger.Error("failed to hijack connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", herr.Error()))
		return
	}
	defer conn.Close()

	if _, werr := conn.Write([]byte(UnauthorizedResponse)); werr != nil {
		g.logger.Debug("failed to write rejection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", werr.Error()))
	}
}

// upgradeError handles malformed upgrade requests: the socket is closed
// without a response.
func (g *Gate) upgradeError(w http.ResponseWriter, r *http.Request, status int, reason error) {
	err := gwerrors.New(gwerrors.ErrProtocolError, "upgrade", "", r.RemoteAddr, reason)
	g.logger.Warn("malformed upgrade request",
		slog.Int("status", status),
		slog.String("error", err.Error()))

	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, herr := hj.Hijack(); herr == nil {
			conn.Close()
			return
		}
	}
	http.Error(w, http.StatusText(status), status)
}

// PeerCertificate returns the leaf client certificate of a TLS session, or nil.
func PeerCertificate(state *tls.ConnectionState) *x509.Certificate {
	if state == nil || len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

// IsEmptyCertificate reports whether cert is absent or carries no decoded
// attributes at all.
func IsEmptyCertificate(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return len(cert.Raw) == 0 &&
		cert.Subject.String() == "" &&
		cert.Issuer.String() == "" &&
		cert.SerialNumber == nil
}
