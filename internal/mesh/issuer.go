package mesh

import (
	"context"
	"encoding/pem"
	"fmt"
	"time"

	"meshid/api/internal/ca"
	"meshid/api/internal/models"
)

// PermitIssuer issues device certificates through the root agent. The
// agent is the signer; the local CA is not involved.
type PermitIssuer struct {
	client       *Client
	validityDays int
	now          func() time.Time
}

func NewPermitIssuer(client *Client, validityDays int) *PermitIssuer {
	return &PermitIssuer{client: client, validityDays: validityDays, now: time.Now}
}

func (p *PermitIssuer) IssueDeviceCertificate(ctx context.Context, meshUsername string, publicKeyPEM string) (models.IssuedCertificate, error) {
	permit, err := p.client.CreatePermit(ctx, meshUsername, publicKeyPEM)
	if err != nil {
		return models.IssuedCertificate{}, err
	}

	block, _ := pem.Decode([]byte(permit.CertificatePEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return models.IssuedCertificate{}, fmt.Errorf("%w: permit certificate is not pem", ErrAgentUnavailable)
	}

	now := p.now()
	return models.IssuedCertificate{
		ChainPEM:    permit.CertificatePEM,
		Fingerprint: ca.Fingerprint(block.Bytes),
		NotBefore:   now,
		NotAfter:    now.AddDate(0, 0, p.validityDays),
	}, nil
}
