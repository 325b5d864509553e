package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// PrometheusTLS builds a *tls.Config for the metering query endpoint.
// Returns nil, nil if neither a CA nor a client certificate is configured.
func (c *Config) PrometheusTLS() (*tls.Config, error) {
	if c.PrometheusTLSCA == "" && c.PrometheusTLSCert == "" && c.PrometheusTLSKey == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.PrometheusTLSCert != "" || c.PrometheusTLSKey != "" {
		cert, err := tls.LoadX509KeyPair(c.PrometheusTLSCert, c.PrometheusTLSKey)
		if err != nil {
			return nil, fmt.Errorf("load prometheus client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if c.PrometheusTLSCA != "" {
		caPEM, err := os.ReadFile(c.PrometheusTLSCA)
		if err != nil {
			return nil, fmt.Errorf("read prometheus CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse prometheus CA cert")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
