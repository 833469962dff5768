// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"fmt"
	"slices"
	"strings"
)

// openSSLNames maps OpenSSL cipher names to their IANA names.
var openSSLNames = map[string]string{
	"ECDHE-ECDSA-AES128-GCM-SHA256": "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	"ECDHE-ECDSA-AES256-GCM-SHA384": "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	"ECDHE-RSA-AES128-GCM-SHA256":   "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"ECDHE-RSA-AES256-GCM-SHA384":   "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"ECDHE-ECDSA-CHACHA20-POLY1305": "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	"ECDHE-RSA-CHACHA20-POLY1305":   "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	"AES128-GCM-SHA256":             "TLS_RSA_WITH_AES_128_GCM_SHA256",
	"AES256-GCM-SHA384":             "TLS_RSA_WITH_AES_256_GCM_SHA384",
	"RSA-AES128-GCM-SHA256":         "TLS_RSA_WITH_AES_128_GCM_SHA256",
	"RSA-AES256-GCM-SHA384":         "TLS_RSA_WITH_AES_256_GCM_SHA384",
}

// CipherPolicy is a resolved cipher suite allow-list.
type CipherPolicy struct {
	// Suites lists the TLS 1.0-1.2 suites in allow-list order.
	Suites []uint16

	// TLS13 reports whether at least one TLS 1.3 suite was allowed.
	// crypto/tls does not allow selecting individual TLS 1.3 suites.
	TLS13 bool
}

// ParseCipherSuites resolves IANA or OpenSSL cipher names to suite IDs.
// Unknown and duplicate suites are rejected, as are suites crypto/tls marks
// insecure unless they use AES-GCM (the RSA key exchange suites).
func ParseCipherSuites(names []string) (CipherPolicy, error) {
	known := make(map[string]*tls.CipherSuite)
	for _, cs := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
		known[cs.Name] = cs
	}

	var (
		policy CipherPolicy
		seen   []uint16
	)
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if alias, ok := openSSLNames[strings.ToUpper(name)]; ok {
			name = alias
		}

		cs, ok := known[strings.ToUpper(name)]
		if !ok {
			return CipherPolicy{}, fmt.Errorf("unsupported cipher suite %q", raw)
		}
		if cs.Insecure && !strings.Contains(cs.Name, "_GCM_") {
			return CipherPolicy{}, fmt.Errorf("insecure cipher suite %q", raw)
		}

		if slices.Contains(seen, cs.ID) {
			return CipherPolicy{}, fmt.Errorf("duplicate cipher suite %q", raw)
		}
		seen = append(seen, cs.ID)

		if slices.Contains(cs.SupportedVersions, tls.VersionTLS13) {
			policy.TLS13 = true
			continue
		}
		policy.Suites = append(policy.Suites, cs.ID)
	}

	if len(policy.Suites) == 0 && !policy.TLS13 {
		return CipherPolicy{}, fmt.Errorf("cipher suite allow-list is empty")
	}

	return policy, nil
}

// Names returns the IANA names of the TLS 1.0-1.2 suites.
func (p CipherPolicy) Names() []string {
	names := make([]string, 0, len(p.Suites))
	for _, id := range p.Suites {
		names = append(names, tls.CipherSuiteName(id))
	}
	return names
}

func parseVersion(v string) (uint16, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "1.2", "TLS1.2", "":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported minimum TLS version %q", v)
	}
}
