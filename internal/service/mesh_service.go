package service

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meshid/api/internal/config"
	"meshid/api/internal/ids"
	"meshid/api/internal/metrics"
	"meshid/api/internal/models"
	"meshid/api/internal/repository"
)

const (
	NextActionSendPermit    = "send_permit"
	NextActionImportPermit  = "import_permit"
	NextActionAlreadyJoined = "device_already_joined"
)

// MeshService drives a device identity through upload, permit delivery and
// mesh membership.
type MeshService struct {
	store    repository.Store
	agent    MeshAgent
	issuer   CertificateIssuer
	notifier Notifier
	cfg      *config.AppConfig
	log      zerolog.Logger
	now      func() time.Time
}

func NewMeshService(
	store repository.Store,
	agent MeshAgent,
	issuer CertificateIssuer,
	notifier Notifier,
	cfg *config.AppConfig,
	log zerolog.Logger,
) *MeshService {
	return &MeshService{
		store:    store,
		agent:    agent,
		issuer:   issuer,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

type UploadResult struct {
	Certificate   models.Certificate
	NextAction    string
	AlreadyJoined bool
	DebugPermit   string
}

// UploadIdentity has the mesh agent sign the device public key and stores
// the result under the user's mesh username. An identity that is already
// joined is returned unchanged.
func (s *MeshService) UploadIdentity(ctx context.Context, userID, deviceID, publicKeyPEM string) (UploadResult, error) {
	if deviceID == "" {
		return UploadResult{}, invalid("device id is required, log in with device information")
	}

	user, err := s.store.Users().GetByID(ctx, userID)
	if err != nil {
		return UploadResult{}, storeError(err, "user")
	}
	device, err := s.store.Devices().GetByID(ctx, deviceID)
	if err != nil {
		return UploadResult{}, storeError(err, "device")
	}
	if device.UserID != userID {
		return UploadResult{}, fmt.Errorf("%w: device", ErrNotFound)
	}

	if !s.agent.CheckConnectivity(ctx) {
		return UploadResult{}, ErrAgentUnavailable
	}

	if err := validatePublicKey(publicKeyPEM); err != nil {
		return UploadResult{}, err
	}

	username := userID
	existing, err := s.store.Certificates().GetByZTMUsername(ctx, username)
	switch {
	case err == nil && existing.Status == models.CertificateStatusActive && existing.IsJoinedMesh:
		s.log.Info().Str("certificate_id", existing.ID).Msg("identity already joined, skipping upload")
		return UploadResult{
			Certificate:   existing,
			NextAction:    NextActionAlreadyJoined,
			AlreadyJoined: true,
		}, nil
	case err != nil && !errors.Is(err, repository.ErrCertificateNotFound):
		return UploadResult{}, err
	}

	issued, err := s.issuer.IssueDeviceCertificate(ctx, username, publicKeyPEM)
	if err != nil {
		return UploadResult{}, issuerError(err)
	}

	cert, err := s.store.Certificates().Upsert(ctx, models.Certificate{
		ID:               ids.New(),
		UserID:           userID,
		DeviceID:         deviceID,
		ZTMUsername:      username,
		Status:           models.CertificateStatusActive,
		Fingerprint:      issued.Fingerprint,
		NotBefore:        issued.NotBefore,
		NotAfter:         issued.NotAfter,
		CertificateChain: issued.ChainPEM,
	})
	if err != nil {
		return UploadResult{}, storeError(err, "certificate")
	}

	metrics.CertificatesIssued.WithLabelValues("agent").Inc()
	s.log.Info().
		Str("user_id", userID).
		Str("device_id", deviceID).
		Str("certificate_id", cert.ID).
		Msg("identity uploaded")

	result := UploadResult{Certificate: cert, NextAction: NextActionSendPermit}
	if s.cfg.DebugMode {
		permit, err := s.buildPermit(ctx, cert, user)
		if err != nil {
			return UploadResult{}, err
		}
		result.DebugPermit = permit
		result.NextAction = NextActionImportPermit
	}
	return result, nil
}

func validatePublicKey(material string) error {
	material = strings.TrimSpace(material)
	block, _ := pem.Decode([]byte(material))
	if block == nil || block.Type != "PUBLIC KEY" {
		return ErrInvalidIdentity
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return nil
}

type permitAgent struct {
	Certificate string `json:"certificate"`
	Name        string `json:"name"`
}

type permitDocument struct {
	CA         string      `json:"ca"`
	Agent      permitAgent `json:"agent"`
	Bootstraps []string    `json:"bootstraps"`
}

func (s *MeshService) buildPermit(ctx context.Context, cert models.Certificate, user models.User) (string, error) {
	info, err := s.agent.GetMeshInfo(ctx)
	if err != nil {
		return "", issuerError(err)
	}

	doc := permitDocument{
		CA: info.CA,
		Agent: permitAgent{
			Certificate: cert.CertificateChain,
			Name:        user.Nickname,
		},
		Bootstraps: []string{s.cfg.ZTM.HubAddress},
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode permit: %w", err)
	}
	return string(raw), nil
}

type PermitResult struct {
	Certificate models.Certificate
	Email       string
	NextAction  string
	DebugPermit string
}

// SendPermit emails the permit for a certificate and marks it sent and
// joined. Mail delivery is not awaited.
func (s *MeshService) SendPermit(ctx context.Context, certificateID, userID string) (PermitResult, error) {
	if certificateID == "" {
		return PermitResult{}, invalid("certificate id is required")
	}

	cert, err := s.store.Certificates().GetByID(ctx, certificateID)
	if err != nil {
		return PermitResult{}, storeError(err, "certificate")
	}
	if cert.UserID != userID {
		return PermitResult{}, fmt.Errorf("%w: certificate", ErrNotFound)
	}

	user, err := s.store.Users().GetByID(ctx, userID)
	if err != nil {
		return PermitResult{}, storeError(err, "user")
	}
	if user.Email == "" {
		return PermitResult{}, fmt.Errorf("%w: user email", ErrNotFound)
	}

	permit, err := s.buildPermit(ctx, cert, user)
	if err != nil {
		return PermitResult{}, err
	}

	result := PermitResult{Email: user.Email, NextAction: NextActionImportPermit}
	if s.cfg.DebugMode {
		result.DebugPermit = permit
	} else {
		s.notifier.SendPermit(ctx, user.Email, user.Nickname, cert.DeviceID, cert.ID, permit)
	}

	cert, err = s.store.Certificates().MarkPermitSent(ctx, cert.ID, user.Email, s.now())
	if err != nil {
		return PermitResult{}, storeError(err, "certificate")
	}
	result.Certificate = cert

	s.log.Info().
		Str("user_id", userID).
		Str("certificate_id", cert.ID).
		Str("device_id", cert.DeviceID).
		Msg("permit sent")
	return result, nil
}

func (s *MeshService) deviceCertificate(ctx context.Context, certificateID, userID, deviceID string) (models.Certificate, error) {
	if certificateID == "" {
		return models.Certificate{}, invalid("certificate id is required")
	}
	if deviceID == "" {
		return models.Certificate{}, invalid("device id is required")
	}

	cert, err := s.store.Certificates().GetByID(ctx, certificateID)
	if err != nil {
		return models.Certificate{}, storeError(err, "certificate")
	}
	if cert.UserID != userID || cert.DeviceID != deviceID {
		return models.Certificate{}, fmt.Errorf("%w: certificate", ErrNotFound)
	}
	return cert, nil
}

// LeaveMesh takes the calling device out of the mesh and stops remembering
// it. Leaving twice is a no-op.
func (s *MeshService) LeaveMesh(ctx context.Context, certificateID, userID, deviceID string) (models.Certificate, error) {
	cert, err := s.deviceCertificate(ctx, certificateID, userID, deviceID)
	if err != nil {
		return models.Certificate{}, err
	}
	if !cert.IsJoinedMesh && !cert.RememberDevice {
		return cert, nil
	}

	cert, err = s.store.Certificates().SetMembership(ctx, cert.ID, false, false)
	if err != nil {
		return models.Certificate{}, storeError(err, "certificate")
	}

	s.log.Info().Str("certificate_id", cert.ID).Str("device_id", deviceID).Msg("device left mesh")
	return cert, nil
}

func (s *MeshService) UpdateDeviceSettings(ctx context.Context, certificateID, userID, deviceID string, rememberDevice bool) (models.Certificate, error) {
	cert, err := s.deviceCertificate(ctx, certificateID, userID, deviceID)
	if err != nil {
		return models.Certificate{}, err
	}

	cert, err = s.store.Certificates().SetRememberDevice(ctx, cert.ID, rememberDevice)
	if err != nil {
		return models.Certificate{}, storeError(err, "certificate")
	}
	return cert, nil
}
