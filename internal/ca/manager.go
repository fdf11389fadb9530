// Package ca owns the root signing key pair and turns certificate signing
// requests into device leaf certificates.
package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meshid/api/internal/models"
)

var (
	ErrInvalidRequest = errors.New("invalid certificate signing request")
	ErrInvalidRoot    = errors.New("invalid ca key material")
)

type Config struct {
	ValidityDays int
	RootValidity time.Duration
	KeyBits      int
	Subject      pkix.Name
}

type Manager struct {
	store KeyStore
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time

	mu       sync.Mutex
	rootCert *x509.Certificate
	rootKey  crypto.Signer
	rootPEM  []byte

	serialMu   sync.Mutex
	lastSerial *big.Int
}

func NewManager(store KeyStore, cfg Config, log zerolog.Logger) *Manager {
	if cfg.KeyBits < 2048 {
		cfg.KeyBits = 2048
	}
	if cfg.RootValidity <= 0 {
		cfg.RootValidity = 10 * 365 * 24 * time.Hour
	}
	return &Manager{
		store:      store,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		lastSerial: big.NewInt(0),
	}
}

// EnsureRoot loads the root pair, generating and persisting it first when
// none exists. It is safe to call concurrently from several processes.
func (m *Manager) EnsureRoot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rootCert != nil {
		return nil
	}

	material, err := m.store.Load(ctx)
	if errors.Is(err, ErrKeyMaterialNotFound) {
		material, err = m.generateLocked(ctx)
	}
	if err != nil {
		return err
	}

	return m.install(material)
}

func (m *Manager) generateLocked(ctx context.Context) (KeyMaterial, error) {
	release, err := m.store.Lock(ctx)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("lock ca generation: %w", err)
	}
	defer release()

	// Another process may have finished generation while we waited.
	material, err := m.store.Load(ctx)
	if err == nil {
		return material, nil
	}
	if !errors.Is(err, ErrKeyMaterialNotFound) {
		return KeyMaterial{}, err
	}

	material, err = m.generateRoot()
	if err != nil {
		return KeyMaterial{}, err
	}
	if err := m.store.Save(ctx, material); err != nil {
		return KeyMaterial{}, err
	}

	m.log.Info().Str("subject", m.cfg.Subject.CommonName).Msg("generated ca root")
	return material, nil
}

func (m *Manager) generateRoot() (KeyMaterial, error) {
	key, err := rsa.GenerateKey(rand.Reader, m.cfg.KeyBits)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("generate ca key: %w", err)
	}

	now := m.now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               m.cfg.Subject,
		NotBefore:             now,
		NotAfter:              now.Add(m.cfg.RootValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign |
			x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("self-sign ca: %w", err)
	}

	return KeyMaterial{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	}, nil
}

func (m *Manager) install(material KeyMaterial) error {
	certBlock, _ := pem.Decode(material.CertPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return fmt.Errorf("%w: certificate pem", ErrInvalidRoot)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	keyBlock, _ := pem.Decode(material.KeyPEM)
	if keyBlock == nil {
		return fmt.Errorf("%w: key pem", ErrInvalidRoot)
	}
	signer, err := parseSigner(keyBlock)
	if err != nil {
		return err
	}

	m.rootCert = cert
	m.rootKey = signer
	m.rootPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	return nil
}

func parseSigner(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported key type", ErrInvalidRoot)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("%w: unexpected key block %q", ErrInvalidRoot, block.Type)
	}
}

// RootCertificatePEM returns the PEM of the loaded root certificate.
func (m *Manager) RootCertificatePEM(ctx context.Context) ([]byte, error) {
	if err := m.EnsureRoot(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootPEM, nil
}

// SignRequest verifies the CSR and issues a leaf certificate for the mesh
// username. The chain is the leaf followed by the root.
func (m *Manager) SignRequest(ctx context.Context, csrPEM string, meshUsername string) (models.IssuedCertificate, error) {
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return models.IssuedCertificate{}, err
	}

	if err := m.EnsureRoot(ctx); err != nil {
		return models.IssuedCertificate{}, err
	}

	m.mu.Lock()
	rootCert, rootKey, rootPEM := m.rootCert, m.rootKey, m.rootPEM
	m.mu.Unlock()

	now := m.now()
	template := &x509.Certificate{
		SerialNumber:          m.nextSerial(now),
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, m.cfg.ValidityDays),
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{meshUsername},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, rootCert, csr.PublicKey, rootKey)
	if err != nil {
		return models.IssuedCertificate{}, fmt.Errorf("sign certificate: %w", err)
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return models.IssuedCertificate{
		ChainPEM:    string(leafPEM) + string(rootPEM),
		Fingerprint: Fingerprint(der),
		NotBefore:   template.NotBefore,
		NotAfter:    template.NotAfter,
	}, nil
}

// IssueDeviceCertificate signs a CSR on behalf of a device.
func (m *Manager) IssueDeviceCertificate(ctx context.Context, meshUsername string, csrPEM string) (models.IssuedCertificate, error) {
	return m.SignRequest(ctx, csrPEM, meshUsername)
}

func parseCSR(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(csrPEM)))
	if block == nil || (block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST") {
		return nil, fmt.Errorf("%w: not a csr pem block", ErrInvalidRequest)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if csr.PublicKey == nil {
		return nil, fmt.Errorf("%w: missing public key", ErrInvalidRequest)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return csr, nil
}

// nextSerial combines the issue time with random bits and never repeats or
// goes backwards within this process.
func (m *Manager) nextSerial(now time.Time) *big.Int {
	random, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		random = big.NewInt(0)
	}
	serial := new(big.Int).Lsh(big.NewInt(now.UnixNano()), 62)
	serial.Or(serial, random)

	m.serialMu.Lock()
	defer m.serialMu.Unlock()
	if serial.Cmp(m.lastSerial) <= 0 {
		serial = new(big.Int).Add(m.lastSerial, big.NewInt(1))
	}
	m.lastSerial = serial
	return new(big.Int).Set(serial)
}

// Fingerprint is the uppercase hex SHA-1 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha1.Sum(der)
	return fmt.Sprintf("%X", sum[:])
}
