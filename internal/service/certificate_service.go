package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"meshid/api/internal/models"
	"meshid/api/internal/repository"
)

// CertificateService exposes a user's certificates. Revocation and expiry
// are status changes only; nothing is pushed to the mesh agent.
type CertificateService struct {
	store repository.Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewCertificateService(store repository.Store, log zerolog.Logger) *CertificateService {
	return &CertificateService{store: store, log: log, now: time.Now}
}

func (s *CertificateService) List(ctx context.Context, userID string) ([]models.Certificate, error) {
	certs, err := s.store.Certificates().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	return certs, nil
}

type CertificateStatus struct {
	Certificate models.Certificate
	MeshState   models.MeshState
}

// Status returns the certificate with its mesh state. An active certificate
// found past its validity window is flipped to EXPIRED on the way.
func (s *CertificateService) Status(ctx context.Context, userID, certificateID string) (CertificateStatus, error) {
	cert, err := s.owned(ctx, userID, certificateID)
	if err != nil {
		return CertificateStatus{}, err
	}

	if cert.Status == models.CertificateStatusActive && cert.NotAfter.Before(s.now()) {
		if cert, err = s.store.Certificates().UpdateStatus(ctx, cert.ID, models.CertificateStatusExpired); err != nil {
			return CertificateStatus{}, storeError(err, "certificate")
		}
	}

	return CertificateStatus{Certificate: cert, MeshState: cert.MeshState()}, nil
}

func (s *CertificateService) Revoke(ctx context.Context, certificateID, userID string) (models.Certificate, error) {
	cert, err := s.owned(ctx, userID, certificateID)
	if err != nil {
		return models.Certificate{}, err
	}
	switch cert.Status {
	case models.CertificateStatusRevoked:
		return cert, nil
	case models.CertificateStatusExpired:
		return models.Certificate{}, invalid("certificate has expired")
	}

	cert, err = s.store.Certificates().UpdateStatus(ctx, certificateID, models.CertificateStatusRevoked)
	if err != nil {
		return models.Certificate{}, storeError(err, "certificate")
	}

	s.log.Info().Str("certificate_id", certificateID).Str("user_id", userID).Msg("certificate revoked")
	return cert, nil
}

func (s *CertificateService) owned(ctx context.Context, userID, certificateID string) (models.Certificate, error) {
	cert, err := s.store.Certificates().GetByID(ctx, certificateID)
	if err != nil {
		return models.Certificate{}, storeError(err, "certificate")
	}
	if cert.UserID != userID {
		return models.Certificate{}, fmt.Errorf("%w: certificate", ErrNotFound)
	}
	return cert, nil
}
