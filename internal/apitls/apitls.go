// Package apitls builds the TLS settings for the management API, on both the
// daemon and the client side.
package apitls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/proxyvisor/internal/config"
)

// File names used inside TLSConfig.Dir.
const (
	CertName = "tls.crt"
	KeyName  = "tls.key"
	CAName   = "tls_ca.crt"
)

var ErrNoCertificate = errors.New("tls enabled but no certificate configured")

// Paths resolves the certificate and key the daemon serves.
func Paths(c config.TLSConfig) (cert, key string) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile
	}
	return filepath.Join(c.Dir, CertName), filepath.Join(c.Dir, KeyName)
}

// CAPath is the certificate a client should trust for an auto-generated pair.
// It is empty when explicit cert files are configured.
func CAPath(c config.TLSConfig) string {
	if c.CertFile != "" || c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, CAName)
}

// ServerConfig returns nil when TLS is disabled. With AutoGenerate a missing
// pair in Dir is generated first. The pair is re-read on every handshake so
// a renewed certificate is picked up without a restart.
func ServerConfig(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	certPath, keyPath := Paths(c)
	if c.CertFile == "" {
		if c.Dir == "" {
			return nil, ErrNoCertificate
		}
		if !exists(certPath) || !exists(keyPath) {
			if !c.AutoGenerate {
				return nil, fmt.Errorf("%w: %s not found", ErrNoCertificate, certPath)
			}
			validDays := c.ValidDays
			if validDays <= 0 {
				validDays = 365
			}
			err := GenerateSelfSigned(CertOptions{
				Hosts:    c.Hosts,
				NotAfter: time.Now().AddDate(0, 0, validDays),
				CertPath: certPath,
				KeyPath:  keyPath,
				CAPath:   filepath.Join(c.Dir, CAName),
			})
			if err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion: minVersion(c.MinVersion),
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}, nil
}

// ClientConfig trusts only caFile when it is set and the system roots
// otherwise. insecure skips verification.
func ClientConfig(caFile, serverName string, insecure bool) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if insecure {
		tc.InsecureSkipVerify = true // #nosec G402 opt-in via --insecure
		return tc, nil
	}
	if caFile == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	tc.RootCAs = pool
	return tc, nil
}

func minVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
