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
	"meshid/api/internal/models"
	"meshid/api/internal/repository"
	"meshid/api/internal/security"
)

const (
	minResetPasswordLength = 8

	autoDeviceOS           = "Unknown"
	autoDeviceArch         = "Unknown"
	autoDeviceAgentVersion = "1.0.0"
)

type meshLeaver interface {
	LeaveMesh(ctx context.Context, certificateID, userID, deviceID string) (models.Certificate, error)
}

type AuthService struct {
	store    repository.Store
	notifier Notifier
	mesh     meshLeaver
	cfg      *config.AppConfig
	log      zerolog.Logger
	now      func() time.Time
}

func NewAuthService(
	store repository.Store,
	notifier Notifier,
	mesh meshLeaver,
	cfg *config.AppConfig,
	log zerolog.Logger,
) *AuthService {
	return &AuthService{
		store:    store,
		notifier: notifier,
		mesh:     mesh,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

type RegisterInput struct {
	Email    string
	Phone    string
	Nickname string
	Password string
}

type RegisterResult struct {
	User models.User
	// DebugActivationToken is only set in debug mode, where activation
	// email is not sent.
	DebugActivationToken string
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AuthService) Register(ctx context.Context, input RegisterInput) (RegisterResult, error) {
	input.Email = normalizeEmail(input.Email)
	input.Phone = strings.TrimSpace(input.Phone)
	input.Nickname = strings.TrimSpace(input.Nickname)

	if input.Email == "" && input.Phone == "" {
		return RegisterResult{}, invalid("email or phone is required")
	}
	if input.Nickname == "" {
		return RegisterResult{}, invalid("nickname is required")
	}

	if err := s.ensureUnregistered(ctx, input.Email, input.Phone); err != nil {
		return RegisterResult{}, err
	}

	var passwordHash []byte
	if input.Password != "" {
		hash, err := security.HashPassword(input.Password)
		if err != nil {
			return RegisterResult{}, err
		}
		passwordHash = hash
	}

	now := s.now()
	user := models.User{
		ID:           ids.New(),
		Email:        input.Email,
		Phone:        input.Phone,
		Nickname:     input.Nickname,
		PasswordHash: passwordHash,
		Status:       models.UserStatusPending,
	}
	activation := models.AccountActivation{
		ID:        ids.New(),
		UserID:    user.ID,
		Token:     security.NewOpaqueToken(),
		ExpiresAt: now.Add(s.cfg.ActivationToken.TTL),
	}

	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		if err := tx.Users().Create(ctx, user); err != nil {
			return storeError(err, "user")
		}
		return tx.Activations().Replace(ctx, activation)
	})
	if err != nil {
		return RegisterResult{}, err
	}

	created, err := s.store.Users().GetByID(ctx, user.ID)
	if err != nil {
		return RegisterResult{}, storeError(err, "user")
	}

	s.log.Info().Str("user_id", user.ID).Msg("user registered, pending activation")

	result := RegisterResult{User: created}
	if s.cfg.DebugMode {
		result.DebugActivationToken = activation.Token
		return result, nil
	}
	s.notifier.SendActivation(ctx, created.Email, created.Nickname, activation.Token, s.cfg.ActivationToken.TTL)
	return result, nil
}

func (s *AuthService) ensureUnregistered(ctx context.Context, email, phone string) error {
	users := s.store.Users()
	if email != "" {
		if _, err := users.FindByEmail(ctx, email); err == nil {
			return fmt.Errorf("%w: email already registered", ErrConflict)
		} else if !errors.Is(err, repository.ErrUserNotFound) {
			return err
		}
	}
	if phone != "" {
		if _, err := users.FindByPhone(ctx, phone); err == nil {
			return fmt.Errorf("%w: phone already registered", ErrConflict)
		} else if !errors.Is(err, repository.ErrUserNotFound) {
			return err
		}
	}
	return nil
}

// Activate consumes an activation token and moves the user to ACTIVE. An
// expired token is deleted on detection and reported as expired.
func (s *AuthService) Activate(ctx context.Context, token string) error {
	if token == "" {
		return invalid("activation token is required")
	}

	now := s.now()
	expired := false
	var userID string

	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		activation, err := tx.Activations().Consume(ctx, token)
		if err != nil {
			if errors.Is(err, repository.ErrActivationNotFound) {
				return ErrTokenInvalid
			}
			return err
		}
		userID = activation.UserID

		if activation.ExpiresAt.Before(now) {
			expired = true
			return nil
		}

		err = tx.Users().UpdateStatus(ctx, activation.UserID, models.UserStatusPending, models.UserStatusActive)
		switch {
		case errors.Is(err, repository.ErrStaleState):
			return ErrUserInactive
		case errors.Is(err, repository.ErrUserNotFound):
			return ErrTokenInvalid
		}
		return err
	})
	if err != nil {
		return err
	}
	if expired {
		s.log.Info().Str("user_id", userID).Msg("activation token expired")
		return ErrTokenExpired
	}

	s.log.Info().Str("user_id", userID).Msg("account activated")
	return nil
}

type ResendResult struct {
	DebugActivationToken string
}

func (s *AuthService) ResendActivation(ctx context.Context, email string) (ResendResult, error) {
	email = normalizeEmail(email)
	if email == "" {
		return ResendResult{}, invalid("email is required")
	}

	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		return ResendResult{}, storeError(err, "user")
	}
	switch user.Status {
	case models.UserStatusPending:
	case models.UserStatusActive:
		return ResendResult{}, invalid("account is already activated")
	default:
		return ResendResult{}, invalid("account cannot be activated")
	}

	activation := models.AccountActivation{
		ID:        ids.New(),
		UserID:    user.ID,
		Token:     security.NewOpaqueToken(),
		ExpiresAt: s.now().Add(s.cfg.ActivationToken.TTL),
	}
	if err := s.store.Activations().Replace(ctx, activation); err != nil {
		return ResendResult{}, fmt.Errorf("store activation: %w", err)
	}

	if s.cfg.DebugMode {
		return ResendResult{DebugActivationToken: activation.Token}, nil
	}
	s.notifier.SendActivation(ctx, user.Email, user.Nickname, activation.Token, s.cfg.ActivationToken.TTL)
	return ResendResult{}, nil
}

type LoginInput struct {
	Email     string
	Phone     string
	Password  string
	DeviceID  string
	IPAddress string
	UserAgent string
}

func (s *AuthService) findByContact(ctx context.Context, email, phone string) (models.User, error) {
	users := s.store.Users()
	if email = normalizeEmail(email); email != "" {
		return users.FindByEmail(ctx, email)
	}
	if phone = strings.TrimSpace(phone); phone != "" {
		return users.FindByPhone(ctx, phone)
	}
	return models.User{}, repository.ErrUserNotFound
}

func checkLoginStatus(user models.User) error {
	switch user.Status {
	case models.UserStatusActive:
		return nil
	case models.UserStatusPending:
		return ErrPendingActivation
	default:
		return ErrUserInactive
	}
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (SessionResult, error) {
	user, err := s.findByContact(ctx, input.Email, input.Phone)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return SessionResult{}, ErrInvalidCredentials
		}
		return SessionResult{}, err
	}

	if err := checkLoginStatus(user); err != nil {
		return SessionResult{}, err
	}

	if len(user.PasswordHash) > 0 {
		if input.Password == "" {
			return SessionResult{}, ErrInvalidCredentials
		}
		ok, err := security.VerifyPassword(input.Password, user.PasswordHash)
		if err != nil || !ok {
			return SessionResult{}, ErrInvalidCredentials
		}
	}

	if input.DeviceID != "" {
		if err := s.ensureDevice(ctx, user.ID, input.DeviceID); err != nil {
			return SessionResult{}, err
		}
	}

	result, err := newSession(ctx, s.store.Sessions(), s.cfg.Security, user, input.DeviceID, input.IPAddress, input.UserAgent, s.now())
	if err != nil {
		return SessionResult{}, err
	}

	s.log.Info().Str("user_id", user.ID).Str("device_id", input.DeviceID).Msg("user logged in")
	return result, nil
}

// ensureDevice creates a placeholder device record for a client-supplied
// device id seen for the first time.
func (s *AuthService) ensureDevice(ctx context.Context, userID, deviceID string) error {
	device, err := s.store.Devices().GetByID(ctx, deviceID)
	if err == nil {
		if device.UserID != userID {
			return fmt.Errorf("%w: device", ErrNotFound)
		}
		return nil
	}
	if !errors.Is(err, repository.ErrDeviceNotFound) {
		return err
	}

	_, err = s.store.Devices().Create(ctx, models.Device{
		ID:           deviceID,
		UserID:       userID,
		OS:           autoDeviceOS,
		Arch:         autoDeviceArch,
		AgentVersion: autoDeviceAgentVersion,
		DeviceNonce:  security.NewOpaqueToken(),
	})
	if err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return fmt.Errorf("create device: %w", err)
	}
	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("auto-created device on login")
	return nil
}

func newSession(
	ctx context.Context,
	sessions repository.SessionStore,
	cfg config.SecurityConfig,
	user models.User,
	deviceID string,
	ipAddress string,
	userAgent string,
	now time.Time,
) (SessionResult, error) {
	sessionID := ids.New()
	token, err := security.GenerateSessionToken(cfg.JWTSecret, sessionID, user.ID, deviceID, now, cfg.SessionTTL)
	if err != nil {
		return SessionResult{}, err
	}

	session := models.Session{
		ID:        sessionID,
		UserID:    user.ID,
		DeviceID:  deviceID,
		Token:     token,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		ExpiresAt: now.Add(cfg.SessionTTL),
	}
	if err := sessions.Create(ctx, session); err != nil {
		return SessionResult{}, fmt.Errorf("store session: %w", err)
	}

	return SessionResult{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		User:      user,
		DeviceID:  deviceID,
	}, nil
}

// Logout deletes the session. When the session's device does not want to be
// remembered its certificate leaves the mesh first; a failure there is
// logged and does not block the logout.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	session, err := s.store.Sessions().GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrUnauthorized
		}
		return err
	}

	if session.DeviceID != "" {
		s.leaveOnLogout(ctx, session)
	}

	if err := s.store.Sessions().DeleteByToken(ctx, token); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}

	s.log.Info().Str("user_id", session.UserID).Str("session_id", session.ID).Msg("user logged out")
	return nil
}

func (s *AuthService) leaveOnLogout(ctx context.Context, session models.Session) {
	cert, err := s.store.Certificates().FindLatestByDevice(ctx, session.DeviceID)
	if err != nil {
		if !errors.Is(err, repository.ErrCertificateNotFound) {
			s.log.Warn().Err(err).Str("device_id", session.DeviceID).Msg("look up certificate on logout")
		}
		return
	}
	if cert.UserID != session.UserID || cert.RememberDevice {
		return
	}

	if _, err := s.mesh.LeaveMesh(ctx, cert.ID, session.UserID, session.DeviceID); err != nil {
		s.log.Warn().Err(err).Str("certificate_id", cert.ID).Msg("leave mesh on logout failed")
		return
	}
	s.log.Info().Str("certificate_id", cert.ID).Str("device_id", session.DeviceID).Msg("device left mesh on logout")
}

// VerifySession requires both a valid signature and a live session row.
func (s *AuthService) VerifySession(ctx context.Context, token string) (Identity, error) {
	now := s.now()
	claims, err := security.ParseSessionToken(token, s.cfg.Security.JWTSecret, now)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}

	session, err := s.store.Sessions().GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, err
	}
	if !session.ExpiresAt.After(now) || session.UserID != claims.UserID {
		return Identity{}, ErrUnauthorized
	}

	return Identity{
		UserID:    session.UserID,
		DeviceID:  session.DeviceID,
		SessionID: session.ID,
	}, nil
}

func (s *AuthService) GetProfile(ctx context.Context, userID string) (models.User, error) {
	user, err := s.store.Users().GetByID(ctx, userID)
	if err != nil {
		return models.User{}, storeError(err, "user")
	}
	return user, nil
}

type ProfileUpdate struct {
	Nickname *string
	Avatar   *string
}

func (s *AuthService) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (models.User, error) {
	if update.Nickname != nil {
		nickname := strings.TrimSpace(*update.Nickname)
		if nickname == "" {
			return models.User{}, invalid("nickname must not be empty")
		}
		update.Nickname = &nickname
	}

	user, err := s.store.Users().UpdateProfile(ctx, userID, update.Nickname, update.Avatar)
	if err != nil {
		return models.User{}, storeError(err, "user")
	}
	return user, nil
}

// Deactivate moves an active account to INACTIVE and ends all its sessions.
func (s *AuthService) Deactivate(ctx context.Context, userID string) error {
	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		err := tx.Users().UpdateStatus(ctx, userID, models.UserStatusActive, models.UserStatusInactive)
		if errors.Is(err, repository.ErrStaleState) {
			return invalid("account is not active")
		}
		if err != nil {
			return storeError(err, "user")
		}
		_, err = tx.Sessions().DeleteByUser(ctx, userID)
		return err
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("user_id", userID).Msg("account deactivated")
	return nil
}

type PasswordResetResult struct {
	DebugResetToken string
}

func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) (PasswordResetResult, error) {
	contact := strings.TrimSpace(email)
	if contact == "" {
		return PasswordResetResult{}, invalid("email is required")
	}

	user, err := s.findByContact(ctx, contact, "")
	if errors.Is(err, repository.ErrUserNotFound) {
		user, err = s.findByContact(ctx, "", contact)
	}
	if err != nil {
		return PasswordResetResult{}, storeError(err, "user")
	}
	if user.Email == "" {
		return PasswordResetResult{}, fmt.Errorf("%w: user email", ErrNotFound)
	}

	reset := models.PasswordReset{
		ID:        ids.New(),
		UserID:    user.ID,
		Token:     security.NewOpaqueToken(),
		ExpiresAt: s.now().Add(s.cfg.Security.PasswordResetTTL),
	}
	if err := s.store.PasswordResets().Create(ctx, reset); err != nil {
		return PasswordResetResult{}, fmt.Errorf("store password reset: %w", err)
	}

	s.log.Info().Str("user_id", user.ID).Msg("password reset requested")

	if s.cfg.DebugMode {
		return PasswordResetResult{DebugResetToken: reset.Token}, nil
	}
	s.notifier.SendPasswordReset(ctx, user.Email, user.Nickname, reset.Token, s.cfg.Security.PasswordResetTTL)
	return PasswordResetResult{}, nil
}

// ResetPassword consumes a reset token, replaces the password hash and ends
// every session of the user.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return invalid("reset token is required")
	}
	if len(newPassword) < minResetPasswordLength {
		return invalid(fmt.Sprintf("password must be at least %d characters long", minResetPasswordLength))
	}

	hash, err := security.HashPassword(newPassword)
	if err != nil {
		return err
	}

	now := s.now()
	expired := false
	var userID string

	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		reset, err := tx.PasswordResets().Consume(ctx, token)
		if err != nil {
			if errors.Is(err, repository.ErrPasswordResetNotFound) {
				return ErrTokenInvalid
			}
			return err
		}
		userID = reset.UserID

		if reset.ExpiresAt.Before(now) {
			expired = true
			return nil
		}

		if err := tx.Users().UpdatePassword(ctx, reset.UserID, hash); err != nil {
			return storeError(err, "user")
		}
		_, err = tx.Sessions().DeleteByUser(ctx, reset.UserID)
		return err
	})
	if err != nil {
		return err
	}
	if expired {
		return ErrTokenExpired
	}

	s.log.Info().Str("user_id", userID).Msg("password reset")
	return nil
}
