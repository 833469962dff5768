// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pkitest generates throwaway certificate authorities, server and
// client certificates for tests.
package pkitest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// PKI is a root CA plus a server certificate issued by it.
type PKI struct {
	CA     *x509.Certificate
	CAKey  *ecdsa.PrivateKey
	CAPEM  []byte
	Pool   *x509.CertPool
	Server tls.Certificate

	serverCertPEM []byte
	serverKeyPEM  []byte
	serial        int64
}

// New creates a root CA and a server certificate valid for localhost and 127.0.0.1.
func New(t testing.TB) *PKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"EVerest Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	p := &PKI{
		CA:     ca,
		CAKey:  caKey,
		CAPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Pool:   x509.NewCertPool(),
		serial: 1,
	}
	p.Pool.AddCert(ca)

	serverTmpl := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "localhost"},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	p.Server, p.serverCertPEM, p.serverKeyPEM = p.issue(t, serverTmpl)

	return p
}

// ClientCert issues a client certificate with the given common name.
func (p *PKI) ClientCert(t testing.TB, commonName string) tls.Certificate {
	t.Helper()

	cert, _, _ := p.issue(t, &x509.Certificate{
		Subject:     pkix.Name{CommonName: commonName, Organization: []string{"EVerest Test"}},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	return cert
}

// ServerTLSConfig returns a server configuration trusting the CA for client
// certificates with the given client authentication policy.
func (p *PKI) ServerTLSConfig(auth tls.ClientAuthType) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{p.Server},
		ClientCAs:    p.Pool,
		ClientAuth:   auth,
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}
}

// ClientTLSConfig returns a client configuration trusting the CA. A nil cert
// produces a client that presents no certificate.
func (p *PKI) ClientTLSConfig(cert *tls.Certificate) *tls.Config {
	cfg := &tls.Config{
		RootCAs:    p.Pool,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg
}

// WriteFiles writes the server chain, server key and CA certificate as PEM
// files into dir and returns their paths.
func (p *PKI) WriteFiles(t testing.TB, dir string) (certFile, keyFile, caFile string) {
	t.Helper()

	certFile = filepath.Join(dir, "certChain.pem")
	keyFile = filepath.Join(dir, "leafKey.pem")
	caFile = filepath.Join(dir, "rootCertificate.pem")

	chain := append(append([]byte{}, p.serverCertPEM...), p.CAPEM...)
	require.NoError(t, os.WriteFile(certFile, chain, 0o600))
	require.NoError(t, os.WriteFile(keyFile, p.serverKeyPEM, 0o600))
	require.NoError(t, os.WriteFile(caFile, p.CAPEM, 0o600))

	return certFile, keyFile, caFile
}

func (p *PKI) issue(t testing.TB, tmpl *x509.Certificate) (tls.Certificate, []byte, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	p.serial++
	tmpl.SerialNumber = big.NewInt(p.serial)
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature

	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.CA, &key.PublicKey, p.CAKey)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	cert.Leaf, err = x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert, certPEM, keyPEM
}
