package control

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// CertificateInstaller stores a validated client certificate and its key.
type CertificateInstaller interface {
	Install(ctx context.Context, pemData []byte, cert *x509.Certificate) error
}

// FileInstaller writes the certificate and key to a PEM file.
type FileInstaller struct {
	Path string
}

// Install implements CertificateInstaller.
func (f FileInstaller) Install(_ context.Context, pemData []byte, _ *x509.Certificate) error {
	if f.Path == "" {
		return errors.New("control: certificate path is empty")
	}
	return writeFileAtomic(f.Path, pemData, 0600)
}

// DefaultCertificatePath is where FileInstaller keeps the client
// certificate inside the data directory.
func DefaultCertificatePath(dataDir string) string {
	return filepath.Join(dataDir, "certs", "client.pem")
}

// parseCertificate accepts PEM text either raw or as a JSON string. The
// text must hold a certificate and its matching private key, and the
// certificate must be valid at now.
func parseCertificate(data []byte, now time.Time) ([]byte, *x509.Certificate, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return nil, nil, fmt.Errorf("%w: certificate: %v", ErrInvalidPayload, err)
		}
		trimmed = s
	}
	if trimmed == "" {
		return nil, nil, fmt.Errorf("%w: certificate is empty", ErrInvalidPayload)
	}
	pemData := []byte(trimmed)

	pair, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return nil, nil, fmt.Errorf("control: certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, nil, fmt.Errorf("control: certificate: %w", err)
	}
	if now.Before(cert.NotBefore) {
		return nil, nil, fmt.Errorf("control: certificate not valid before %s", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return nil, nil, fmt.Errorf("control: certificate expired at %s", cert.NotAfter.Format(time.RFC3339))
	}
	return pemData, cert, nil
}

func thumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func certificateInfo(cert *x509.Certificate, at time.Time) *model.CertificateInfo {
	return &model.CertificateInfo{
		Subject:     cert.Subject.String(),
		Thumbprint:  thumbprint(cert),
		NotAfter:    cert.NotAfter.UTC(),
		InstalledAt: at.UTC(),
	}
}
