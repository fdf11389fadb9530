package service

import (
	"context"
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
	"meshid/api/internal/security"
)

const (
	otpDigits      = 6
	otpMintRetries = 3
	csrSuffixLen   = 8
)

// EnrollmentService runs the passwordless enrollment flows: magic links and
// one-time codes bound to a device nonce, and CSR issuance against the
// local CA.
type EnrollmentService struct {
	store    repository.Store
	notifier Notifier
	issuer   CertificateIssuer
	cfg      *config.AppConfig
	log      zerolog.Logger
	now      func() time.Time
}

func NewEnrollmentService(
	store repository.Store,
	notifier Notifier,
	issuer CertificateIssuer,
	cfg *config.AppConfig,
	log zerolog.Logger,
) *EnrollmentService {
	return &EnrollmentService{
		store:    store,
		notifier: notifier,
		issuer:   issuer,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

type EnrollmentRequestResult struct {
	ExpiresAt time.Time
	// DebugToken is only set in debug mode.
	DebugToken string
}

func (s *EnrollmentService) RequestMagicLink(ctx context.Context, emailOrPhone, deviceNonce string) (EnrollmentRequestResult, error) {
	return s.request(ctx, emailOrPhone, deviceNonce, models.TokenTypeMagicLink)
}

func (s *EnrollmentService) RequestOTP(ctx context.Context, emailOrPhone, deviceNonce string) (EnrollmentRequestResult, error) {
	return s.request(ctx, emailOrPhone, deviceNonce, models.TokenTypeOTP)
}

func (s *EnrollmentService) request(ctx context.Context, contact, deviceNonce string, kind models.TokenType) (EnrollmentRequestResult, error) {
	contact = strings.TrimSpace(contact)
	if contact == "" || deviceNonce == "" {
		return EnrollmentRequestResult{}, invalid("contact and device nonce are required")
	}

	user, err := s.findUser(ctx, contact)
	if err != nil {
		return EnrollmentRequestResult{}, err
	}
	if err := checkLoginStatus(user); err != nil {
		return EnrollmentRequestResult{}, err
	}

	token, err := s.mint(ctx, user.ID, deviceNonce, kind)
	if err != nil {
		return EnrollmentRequestResult{}, err
	}

	s.log.Info().Str("user_id", user.ID).Str("type", string(kind)).Msg("enrollment token issued")

	result := EnrollmentRequestResult{ExpiresAt: token.ExpiresAt}
	if s.cfg.DebugMode {
		result.DebugToken = token.Token
		return result, nil
	}

	ttl := s.cfg.EnrollmentToken.TTL
	switch kind {
	case models.TokenTypeOTP:
		s.notifier.SendOTP(ctx, user.Email, user.Nickname, token.Token, ttl)
	default:
		s.notifier.SendMagicLink(ctx, user.Email, user.Nickname, token.Token, deviceNonce, ttl)
	}
	return result, nil
}

func (s *EnrollmentService) findUser(ctx context.Context, contact string) (models.User, error) {
	users := s.store.Users()
	user, err := users.FindByEmail(ctx, normalizeEmail(contact))
	if errors.Is(err, repository.ErrUserNotFound) {
		user, err = users.FindByPhone(ctx, contact)
	}
	if err != nil {
		return models.User{}, storeError(err, "user")
	}
	return user, nil
}

// mint stores a fresh token. Short numeric codes can collide with a live
// code, so OTP minting retries on a unique violation.
func (s *EnrollmentService) mint(ctx context.Context, userID, deviceNonce string, kind models.TokenType) (models.EnrollmentToken, error) {
	for attempt := 0; ; attempt++ {
		value := security.NewOpaqueToken()
		if kind == models.TokenTypeOTP {
			code, err := security.NewOTP(otpDigits)
			if err != nil {
				return models.EnrollmentToken{}, err
			}
			value = code
		}

		token := models.EnrollmentToken{
			ID:          ids.New(),
			UserID:      userID,
			DeviceNonce: deviceNonce,
			Token:       value,
			Type:        kind,
			ExpiresAt:   s.now().Add(s.cfg.EnrollmentToken.TTL),
		}
		err := s.store.EnrollmentTokens().Create(ctx, token)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) || attempt+1 >= otpMintRetries {
			return models.EnrollmentToken{}, fmt.Errorf("store enrollment token: %w", err)
		}
	}
}

// Verify checks that token exists, is unused, has not expired and was minted
// for deviceNonce. Every failed check is counted separately; the first one
// in that order is returned.
func (s *EnrollmentService) Verify(ctx context.Context, token, deviceNonce string) (models.EnrollmentToken, error) {
	et, err := s.store.EnrollmentTokens().GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrEnrollmentNotFound) {
			metrics.EnrollmentVerifications.WithLabelValues("not_found").Inc()
			return models.EnrollmentToken{}, ErrTokenInvalid
		}
		return models.EnrollmentToken{}, err
	}

	var failures []error
	if et.Used {
		metrics.EnrollmentVerifications.WithLabelValues("already_used").Inc()
		failures = append(failures, ErrTokenAlreadyUsed)
	}
	if et.ExpiresAt.Before(s.now()) {
		metrics.EnrollmentVerifications.WithLabelValues("expired").Inc()
		failures = append(failures, ErrTokenExpired)
	}
	if et.DeviceNonce != deviceNonce {
		metrics.EnrollmentVerifications.WithLabelValues("nonce_mismatch").Inc()
		failures = append(failures, fmt.Errorf("%w: device mismatch", ErrTokenInvalid))
	}

	if len(failures) > 0 {
		s.log.Warn().Str("token_id", et.ID).Int("failed_checks", len(failures)).Msg("enrollment token rejected")
		return models.EnrollmentToken{}, failures[0]
	}

	metrics.EnrollmentVerifications.WithLabelValues("valid").Inc()
	return et, nil
}

// MarkUsed consumes a verified token. Only one concurrent caller wins.
func (s *EnrollmentService) MarkUsed(ctx context.Context, token string) error {
	return markUsed(ctx, s.store.EnrollmentTokens(), token, s.now())
}

func markUsed(ctx context.Context, tokens repository.EnrollmentTokenStore, token string, at time.Time) error {
	err := tokens.MarkUsed(ctx, token, at)
	switch {
	case errors.Is(err, repository.ErrStaleState):
		return ErrTokenAlreadyUsed
	case errors.Is(err, repository.ErrEnrollmentNotFound):
		return ErrTokenInvalid
	}
	return err
}

// Exchange trades a verified enrollment token for a session on the device
// bound to deviceNonce. The session is committed together with marking the
// token used.
func (s *EnrollmentService) Exchange(ctx context.Context, token, deviceNonce string) (SessionResult, error) {
	et, err := s.Verify(ctx, token, deviceNonce)
	if err != nil {
		return SessionResult{}, err
	}

	user, err := s.store.Users().GetByID(ctx, et.UserID)
	if err != nil {
		return SessionResult{}, storeError(err, "user")
	}
	if err := checkLoginStatus(user); err != nil {
		return SessionResult{}, err
	}

	deviceID := deviceNonce
	device, err := s.store.Devices().GetByNonce(ctx, deviceNonce)
	switch {
	case err == nil && device.UserID != user.ID:
		return SessionResult{}, fmt.Errorf("%w: device", ErrNotFound)
	case err == nil:
		deviceID = device.ID
	case !errors.Is(err, repository.ErrDeviceNotFound):
		return SessionResult{}, err
	}

	now := s.now()
	var result SessionResult
	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		r, err := newSession(ctx, tx.Sessions(), s.cfg.Security, user, deviceID, "", "", now)
		if err != nil {
			return err
		}
		if err := markUsed(ctx, tx.EnrollmentTokens(), token, now); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return SessionResult{}, err
	}

	s.log.Info().Str("user_id", user.ID).Str("device_id", deviceID).Msg("enrollment token exchanged")
	return result, nil
}

type IssueCertificateInput struct {
	UserID          string
	DeviceNonce     string
	CSR             string
	EnrollmentToken string
}

// IssueCertificate signs a device CSR with the local CA. The enrollment
// token must belong to the caller and is consumed with the certificate
// write.
func (s *EnrollmentService) IssueCertificate(ctx context.Context, input IssueCertificateInput) (models.Certificate, error) {
	if input.CSR == "" || input.DeviceNonce == "" || input.EnrollmentToken == "" {
		return models.Certificate{}, invalid("csr, device nonce and enrollment token are required")
	}

	et, err := s.Verify(ctx, input.EnrollmentToken, input.DeviceNonce)
	if err != nil {
		return models.Certificate{}, err
	}
	if et.UserID != input.UserID {
		return models.Certificate{}, ErrTokenInvalid
	}

	device, err := s.store.Devices().GetByNonce(ctx, input.DeviceNonce)
	if err != nil {
		return models.Certificate{}, storeError(err, "device")
	}
	if device.UserID != input.UserID {
		return models.Certificate{}, fmt.Errorf("%w: device", ErrNotFound)
	}

	username := csrMeshUsername(input.UserID, device.ID)
	issued, err := s.issuer.IssueDeviceCertificate(ctx, username, input.CSR)
	if err != nil {
		return models.Certificate{}, issuerError(err)
	}

	var cert models.Certificate
	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		c, err := tx.Certificates().Upsert(ctx, models.Certificate{
			ID:               ids.New(),
			UserID:           input.UserID,
			DeviceID:         device.ID,
			ZTMUsername:      username,
			Status:           models.CertificateStatusActive,
			Fingerprint:      issued.Fingerprint,
			NotBefore:        issued.NotBefore,
			NotAfter:         issued.NotAfter,
			CertificateChain: issued.ChainPEM,
		})
		if err != nil {
			return storeError(err, "certificate")
		}
		if err := markUsed(ctx, tx.EnrollmentTokens(), input.EnrollmentToken, s.now()); err != nil {
			return err
		}
		cert = c
		return nil
	})
	if err != nil {
		return models.Certificate{}, err
	}

	metrics.CertificatesIssued.WithLabelValues("csr").Inc()
	s.log.Info().
		Str("user_id", input.UserID).
		Str("device_id", device.ID).
		Str("ztm_username", username).
		Msg("certificate issued")
	return cert, nil
}

// csrMeshUsername derives the mesh username for CSR-issued certificates.
// Identifiers are time-ordered at the front, so the random tail is used.
func csrMeshUsername(userID, deviceID string) string {
	return fmt.Sprintf("user_%s_%s", tail(userID, csrSuffixLen), tail(deviceID, csrSuffixLen))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
