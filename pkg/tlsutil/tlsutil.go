// Package tlsutil builds client TLS configurations for the bus
// connection from file-based material.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
)

// Config is the declarative TLS section of the bus configuration.
type Config struct {
	Enabled bool `json:"enabled"`
	// CAFiles are PEM files appended to the system root pool. Set when
	// the bus presents a certificate from a private CA.
	CAFiles []string `json:"caFiles,omitempty"`
	// CertFile and KeyFile supply a client certificate for mutual TLS.
	// Both must be set together.
	CertFile string `json:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty"`
	// MinVersion is "1.2" or "1.3". Defaults to 1.2.
	MinVersion string `json:"minVersion,omitempty"`
	// InsecureSkipVerify disables server certificate verification.
	// Intentional opt-in for development environments only.
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty"`
}

// LoadClient builds a *tls.Config from cfg. Returns nil when TLS is
// disabled.
func LoadClient(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	minVersion, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		MinVersion:         minVersion,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapValidation(err, "tlsutil", "LoadClient", "read CA file")
		}
		if !rootCAs.AppendCertsFromPEM(pem) {
			return nil, errors.WrapValidation(
				fmt.Errorf("no certificates found in %s", caFile),
				"tlsutil", "LoadClient", "parse CA file")
		}
	}
	tlsConfig.RootCAs = rootCAs

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.WrapValidation(
				fmt.Errorf("certFile and keyFile must be set together"),
				"tlsutil", "LoadClient", "validate client certificate")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapValidation(err, "tlsutil", "LoadClient", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, errors.WrapValidation(
			fmt.Errorf("unsupported TLS version %q", v),
			"tlsutil", "LoadClient", "parse minimum version")
	}
}
