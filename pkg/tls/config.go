// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	gwerrors "github.com/thanaParis/everest-demo/pkg/errors"
)

var (
	// ErrVersionConflict is returned when the allow-list cannot be negotiated
	// with the configured minimum version.
	ErrVersionConflict = errors.New("cipher suite allow-list has no suite for the minimum TLS version")

	errNoCertificates = errors.New("no certificates found")
)

// Config holds the mutual TLS settings of the listener.
type Config struct {
	CertFile       string        `env:"SERVER_CERT_FILE" envDefault:"certificates/certChain.pem"`
	KeyFile        string        `env:"SERVER_KEY_FILE"  envDefault:"certificates/leafKey.pem"`
	ClientCAFile   string        `env:"CLIENT_CA_FILE"   envDefault:"certificates/rootCertificate.pem"`
	CipherSuites   []string      `env:"CIPHER_SUITES"    envDefault:"TLS_AES_128_GCM_SHA256,ECDHE-ECDSA-AES128-GCM-SHA256,ECDHE-ECDSA-AES256-GCM-SHA384,RSA-AES128-GCM-SHA256" envSeparator:","`
	MinVersion     string        `env:"MIN_VERSION"      envDefault:"1.2"`
	TicketRotation time.Duration `env:"TICKET_ROTATION"  envDefault:"1h"`
	TicketKeys     int           `env:"TICKET_KEYS"      envDefault:"3"`
}

// Policy resolves the cipher suite allow-list.
func (c Config) Policy() (CipherPolicy, error) {
	return ParseCipherSuites(c.CipherSuites)
}

// Load reads the key material and builds a server configuration that
// requires and verifies a client certificate chaining to the trusted roots.
func (c Config) Load() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, gwerrors.Wrap(err, "failed to load server key pair")
	}

	roots, err := loadCertPool(c.ClientCAFile)
	if err != nil {
		return nil, err
	}

	policy, err := c.Policy()
	if err != nil {
		return nil, err
	}

	minVersion, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    roots,
		MinVersion:   minVersion,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: policy.Suites,
		NextProtos:   []string{"http/1.1"},
	}

	// A list without TLS 1.3 suites caps the protocol at 1.2 so only
	// allow-listed suites can be negotiated.
	if !policy.TLS13 {
		if minVersion == tls.VersionTLS13 {
			return nil, ErrVersionConflict
		}
		cfg.MaxVersion = tls.VersionTLS12
	}
	if len(policy.Suites) == 0 {
		cfg.MinVersion = tls.VersionTLS13
	}

	return cfg, nil
}

func loadCertPool(file string) (*x509.CertPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, gwerrors.Wrap(err, "failed to read trusted root file")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w in %s", errNoCertificates, file)
	}
	return pool, nil
}
