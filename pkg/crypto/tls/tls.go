// Package tls builds the TLS configurations used by the registry server and
// the CLI's remote mode. Key exchange prefers the X25519MLKEM768 hybrid.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var ErrNoCertificates = errors.New("tls: no certificates in CA file")

// HybridPQCConfig returns a TLS 1.3 config preferring X25519MLKEM768 with a
// classical X25519 fallback.
func HybridPQCConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{
			tls.X25519MLKEM768,
			tls.X25519,
		},
	}
}

// ServerConfig loads the registry's certificate. Session tickets are off so
// every connection does a full key exchange.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load registry certificate: %w", err)
	}
	config := HybridPQCConfig()
	config.Certificates = []tls.Certificate{cert}
	config.SessionTicketsDisabled = true
	return config, nil
}

// ClientConfig returns a client config for talking to a registry. A non-empty
// caFile replaces the system roots with the PEM certificates it holds.
func ClientConfig(caFile string) (*tls.Config, error) {
	config := HybridPQCConfig()
	if caFile == "" {
		return config, nil
	}
	pem, err := os.ReadFile(caFile) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificates, caFile)
	}
	config.RootCAs = pool
	return config, nil
}
