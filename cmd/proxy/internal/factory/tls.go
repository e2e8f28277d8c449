package factory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	k8s "k8s.io/client-go/kubernetes"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/certgen"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/discovery/memory"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/storage/filesystem"
)

// TLSFactory creates TLS providers based on configuration
type TLSFactory struct {
	cfg *config.Config
	now func() time.Time
}

// NewTLSFactory creates a new TLS factory
func NewTLSFactory(cfg *config.Config) *TLSFactory {
	return &TLSFactory{cfg: cfg, now: time.Now}
}

// Create creates a TLS provider based on configuration
func (f *TLSFactory) Create(ctx context.Context, clientset k8s.Interface) (core.TLSProvider, error) {
	switch f.cfg.TLSMode {
	case config.TLSModeFile:
		return f.createFileProvider()
	case config.TLSModeKubernetes:
		return f.createKubernetesProvider(clientset)
	case config.TLSModeMemory:
		return f.createMemoryProvider()
	default:
		return nil, fmt.Errorf("unknown TLS mode: %s", f.cfg.TLSMode)
	}
}

func (f *TLSFactory) createFileProvider() (core.TLSProvider, error) {
	logger.Info("Creating File-based TLS Provider",
		"cert", f.cfg.TLSCertFile,
		"key", f.cfg.TLSKeyFile)
	return filesystem.NewFileTLSProvider(f.cfg.TLSCertFile, f.cfg.TLSKeyFile), nil
}

func (f *TLSFactory) createKubernetesProvider(clientset k8s.Interface) (core.TLSProvider, error) {
	if clientset == nil {
		return nil, fmt.Errorf("kubernetes TLS mode requires kubernetes client (provide KUBECONFIG or run in-cluster)")
	}

	logger.Info("Creating Kubernetes TLS Provider",
		"namespace", f.cfg.Namespace,
		"secret", f.cfg.TLSSecretName)

	return kubernetes.NewK8sTLSProvider(clientset, f.cfg.Namespace, f.cfg.TLSSecretName), nil
}

func (f *TLSFactory) createMemoryProvider() (core.TLSProvider, error) {
	logger.Info("Creating Memory TLS Provider")
	return memory.NewMemoryTLSProvider(), nil
}

// EnsureCertificate ensures a valid certificate exists
func (f *TLSFactory) EnsureCertificate(ctx context.Context, provider core.TLSProvider) error {
	cert, err := provider.GetCertificate(ctx)

	// Certificate doesn't exist
	if err != nil {
		if !f.cfg.TLSAutoGenerate {
			return fmt.Errorf("certificate not found and TLS_AUTO_GENERATE=false: %w", err)
		}
		logger.Info("Certificate not found. Generating new self-signed certificate...")
		return f.generateAndStoreCertificate(ctx, provider)
	}

	// Certificate exists - validate it
	if err := f.validateCertificate(ctx, cert, provider); err != nil {
		return err
	}

	logger.Info("Certificate loaded and validated successfully")
	return nil
}

func (f *TLSFactory) validateCertificate(ctx context.Context, cert *tls.Certificate, provider core.TLSProvider) error {
	if !f.cfg.TLSAutoRenew {
		logger.Info("Certificate validation skipped (TLS_AUTO_RENEW=false)")
		return nil
	}

	expiring, notAfter, err := CertificateExpiring(cert, f.cfg.TLSRenewalThresholdDays, f.now())
	if err != nil {
		logger.Warn("Certificate could not be parsed, regenerating", "error", err)
		return f.generateAndStoreCertificate(ctx, provider)
	}
	if expiring {
		logger.Info("Certificate expires within renewal threshold, regenerating",
			"not_after", notAfter,
			"threshold_days", f.cfg.TLSRenewalThresholdDays)
		return f.generateAndStoreCertificate(ctx, provider)
	}

	logger.Info("Certificate validation passed", "not_after", notAfter)
	return nil
}

func (f *TLSFactory) generateAndStoreCertificate(ctx context.Context, provider core.TLSProvider) error {
	certPEM, keyPEM, err := certgen.GenerateSelfSignedCert()
	if err != nil {
		return fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}

	// Store the certificate (handles race condition for Kubernetes secrets)
	if err := provider.Store(ctx, certPEM, keyPEM); err != nil {
		// If store fails (possibly due to race condition), try to load again
		logger.Warn("Failed to store certificate, attempting to load existing cert", "error", err)
		_, loadErr := provider.GetCertificate(ctx)
		if loadErr != nil {
			return fmt.Errorf("failed to load certificate after store failure: %w", loadErr)
		}
		logger.Info("Successfully loaded certificate created by another instance")
		return nil
	}

	logger.Info("Successfully generated and stored self-signed certificate")
	return nil
}

// ServerTLSConfig builds the server TLS context from the provider. ALPN is
// left to the secure transport.
func (f *TLSFactory) ServerTLSConfig(ctx context.Context, provider core.TLSProvider) (*tls.Config, error) {
	cert, err := provider.GetCertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// CertificateExpiring reports whether the leaf certificate expires within
// thresholdDays of now.
func CertificateExpiring(cert *tls.Certificate, thresholdDays int, now time.Time) (bool, time.Time, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return false, time.Time{}, errors.New("certificate chain is empty")
		}
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return false, time.Time{}, fmt.Errorf("failed to parse certificate: %w", err)
		}
		leaf = parsed
	}

	threshold := now.AddDate(0, 0, thresholdDays)
	isExpiring := leaf.NotAfter.Before(threshold)

	return isExpiring, leaf.NotAfter, nil
}
