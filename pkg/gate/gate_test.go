// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/thanaParis/everest-demo/internal/pkitest"
	"github.com/thanaParis/everest-demo/pkg/handler"
	"github.com/thanaParis/everest-demo/pkg/metrics"
	"github.com/thanaParis/everest-demo/pkg/session"
)

const upgradeRequest = "GET /ocpp/CP001 HTTP/1.1\r\n" +
	"Host: localhost\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

type messageRecorder struct {
	handler.NoopHandler

	mu       sync.Mutex
	subjects []string
	payloads []string
}

func (r *messageRecorder) OnOpen(ctx context.Context, hctx *handler.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, hctx.Cert.Subject.CommonName)
	return nil
}

func (r *messageRecorder) OnMessage(ctx context.Context, hctx *handler.Context, msg handler.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(msg.Payload))
	return nil
}

func (r *messageRecorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

type fixture struct {
	pki      *pkitest.PKI
	addr     string
	sessions *session.Manager
	recorder *messageRecorder
	metrics  *metrics.Metrics
}

// newFixture serves a Gate over TLS. Client certificates are requested but
// not required so the gate itself sees connections without one.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	pki := pkitest.New(t)
	logger := slog.New(slog.DiscardHandler)
	m := metrics.New("test", prometheus.NewRegistry())
	rec := &messageRecorder{}
	sessions := session.New(session.Config{Logger: logger, Metrics: m}, rec)

	g := New(Config{UpgradeTimeout: time.Second, Logger: logger, Metrics: m}, sessions)

	srv := httptest.NewUnstartedServer(g)
	srv.TLS = pki.ServerTLSConfig(tls.RequestClientCert)
	srv.StartTLS()
	t.Cleanup(func() {
		sessions.Shutdown(context.Background())
		srv.Close()
	})

	return &fixture{
		pki:      pki,
		addr:     srv.Listener.Addr().String(),
		sessions: sessions,
		recorder: rec,
		metrics:  m,
	}
}

func (f *fixture) dialWebSocket(t *testing.T, cert *tls.Certificate) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{
		TLSClientConfig:  f.pki.ClientTLSConfig(cert),
		HandshakeTimeout: 5 * time.Second,
	}
	return dialer.Dial("wss://"+f.addr+"/ocpp/CP001", nil)
}

// exchange writes a raw request on a TLS connection and returns every byte
// the server sends before closing it.
func (f *fixture) exchange(t *testing.T, cert *tls.Certificate, request string) string {
	t.Helper()

	conn, err := tls.Dial("tcp", f.addr, f.pki.ClientTLSConfig(cert))
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, request)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(resp)
}

func TestGate_AcceptsClientWithCertificate(t *testing.T) {
	f := newFixture(t)
	cert := f.pki.ClientCert(t, "CP001")

	ws, resp, err := f.dialWebSocket(t, &cert)
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return f.sessions.Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Eventually(t, func() bool {
		return len(f.recorder.messages()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"ping"}, f.recorder.messages())

	f.recorder.mu.Lock()
	require.Equal(t, []string{"CP001"}, f.recorder.subjects)
	f.recorder.mu.Unlock()

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return f.sessions.Len() == 0 }, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpgradesTotal.WithLabelValues(metrics.UpgradeAccepted)))
}

func TestGate_RejectsClientWithoutCertificate(t *testing.T) {
	f := newFixture(t)

	resp := f.exchange(t, nil, upgradeRequest)

	require.Equal(t, UnauthorizedResponse, resp)
	require.Equal(t, 0, f.sessions.Len())
	require.Empty(t, f.recorder.messages())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpgradesTotal.WithLabelValues(metrics.UpgradeRejected)))
}

func TestGate_RejectsWebSocketDialWithoutCertificate(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.dialWebSocket(t, nil)
	require.Error(t, err)
	require.Equal(t, 0, f.sessions.Len())
}

func TestGate_PlainRequest(t *testing.T) {
	f := newFixture(t)
	cert := f.pki.ClientCert(t, "CP001")

	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: f.pki.ClientTLSConfig(&cert)},
		Timeout:   5 * time.Second,
	}
	resp, err := client.Get("https://" + f.addr + "/ocpp/CP001")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, 0, f.sessions.Len())
}

func TestGate_MalformedUpgrade(t *testing.T) {
	f := newFixture(t)
	cert := f.pki.ClientCert(t, "CP001")

	request := strings.Replace(upgradeRequest, "Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n", "", 1)
	resp := f.exchange(t, &cert, request)

	require.Empty(t, resp)
	require.Equal(t, 0, f.sessions.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpgradesTotal.WithLabelValues(metrics.UpgradeFailed)))
}

func TestIsEmptyCertificate(t *testing.T) {
	pki := pkitest.New(t)
	leaf := pki.ClientCert(t, "CP001").Leaf

	cases := []struct {
		desc  string
		cert  *x509.Certificate
		empty bool
	}{
		{desc: "nil", cert: nil, empty: true},
		{desc: "zero value", cert: &x509.Certificate{}, empty: true},
		{desc: "subject only", cert: &x509.Certificate{Subject: pkix.Name{CommonName: "CP001"}}, empty: false},
		{desc: "serial only", cert: &x509.Certificate{SerialNumber: big.NewInt(1)}, empty: false},
		{desc: "issued certificate", cert: leaf, empty: false},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.empty, IsEmptyCertificate(tc.cert))
		})
	}
}

func TestPeerCertificate(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "CP001"}}
	intermediate := &x509.Certificate{Subject: pkix.Name{CommonName: "Sub CA"}}

	require.Nil(t, PeerCertificate(nil))
	require.Nil(t, PeerCertificate(&tls.ConnectionState{}))
	require.Same(t, leaf, PeerCertificate(&tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{leaf, intermediate},
	}))
}
