// Package tlsutil adapts the teacher's certificate reload pattern (tlsconfig/certreloader.go) to
// this system's SIGHUP hot-reload (§4.14) and mTLS SAN-based authorization (§4.2).
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// CertReloader loads and reloads a TLS certificate pair from disk. GetCertificate hooks into
// tls.Config so a server can pick up a renewed certificate without restarting (§4.14 SIGHUP).
type CertReloader struct {
	mu          sync.Mutex
	certificate *tls.Certificate
	certPath    string
	keyPath     string
}

// NewCertReloader loads the cert immediately so certPath/keyPath are validated at construction.
func NewCertReloader(certPath, keyPath string) (*CertReloader, error) {
	cr := &CertReloader{certPath: certPath, keyPath: keyPath}
	if err := cr.Reload(); err != nil {
		return nil, err
	}
	return cr, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (cr *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.certificate, nil
}

// Reload re-reads the certificate and key from disk. On failure the previous certificate is kept
// in place and the error is returned for the caller to log (§4.14: "A bad reload is logged and
// the previous config retained").
func (cr *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(cr.certPath, cr.keyPath)
	if err != nil {
		return errors.Wrap(err, "loading X509 key pair")
	}
	cr.mu.Lock()
	cr.certificate = &cert
	cr.mu.Unlock()
	return nil
}

// LoadClientCAPool reads a PEM-encoded CA bundle from path for verifying client certificates
// under mTLS (§4.2).
func LoadClientCAPool(path string) (*x509.CertPool, error) {
	if path == "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		return pool, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("reading CA bundle %s", path))
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tlsutil: no certificates found in %s", path)
	}
	return pool, nil
}

// ServiceSANsFromCert extracts the SANs this system treats as authorized service IDs: every URI
// SAN of scheme "ztna-service" (e.g. "ztna-service:echo-service"), per §4.2's "documented scheme",
// plus every DNS SAN as-is.
func ServiceSANsFromCert(cert *x509.Certificate) map[string]struct{} {
	const scheme = "ztna-service:"
	out := make(map[string]struct{})
	for _, u := range cert.URIs {
		s := u.String()
		if len(s) > len(scheme) && s[:len(scheme)] == scheme {
			out[s[len(scheme):]] = struct{}{}
		}
	}
	for _, name := range cert.DNSNames {
		out[name] = struct{}{}
	}
	return out
}
