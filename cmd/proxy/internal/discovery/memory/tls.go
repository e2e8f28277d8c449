package memory

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync"
)

// MemoryTLSProvider keeps the certificate in process. It suits development
// and single-replica setups where a self-signed certificate per start is fine.
type MemoryTLSProvider struct {
	cert    *tls.Certificate
	certPEM []byte
	mu      sync.RWMutex
}

func NewMemoryTLSProvider() *MemoryTLSProvider {
	return &MemoryTLSProvider{}
}

// GetCertificate returns os.ErrNotExist until Store succeeds.
func (p *MemoryTLSProvider) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cert == nil {
		return nil, os.ErrNotExist
	}
	return p.cert, nil
}

func (p *MemoryTLSProvider) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to parse x509 key pair: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cert = &cert
	p.certPEM = append([]byte(nil), certPEM...)
	return nil
}

// CertificatePEM returns the stored certificate chain, or nil.
func (p *MemoryTLSProvider) CertificatePEM() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.certPEM
}
