package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrTLSCertFileRequired = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("transport: tls key file required")
	ErrTLSCAParse          = errors.New("transport: parse tls ca bundle")
)

// TLSConfig customizes the client side of wss connections. The zero value uses
// the system roots.
type TLSConfig struct {
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

func (c TLSConfig) empty() bool {
	return strings.TrimSpace(c.CAFile) == "" &&
		strings.TrimSpace(c.CertFile) == "" &&
		strings.TrimSpace(c.KeyFile) == "" &&
		strings.TrimSpace(c.ServerName) == "" &&
		!c.InsecureSkipVerify
}

func (c TLSConfig) Validate() error {
	cert := strings.TrimSpace(c.CertFile) != ""
	key := strings.TrimSpace(c.KeyFile) != ""
	if cert && !key {
		return ErrTLSKeyFileRequired
	}
	if key && !cert {
		return ErrTLSCertFileRequired
	}
	return nil
}

// Build returns nil when nothing was customized.
func (c TLSConfig) Build() (*tls.Config, error) {
	if c.empty() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
		ServerName:         strings.TrimSpace(c.ServerName),
	}
	if caPath := strings.TrimSpace(c.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("%w: %s", ErrTLSCAParse, caPath)
		}
		cfg.RootCAs = pool
	}
	if strings.TrimSpace(c.CertFile) != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
