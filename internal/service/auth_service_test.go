package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshid/api/internal/models"
	"meshid/api/internal/repository"
)

func TestRegisterActivateLoginScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.auth.Register(ctx, RegisterInput{Email: " A@x.com ", Nickname: "n", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, models.UserStatusPending, res.User.Status)
	assert.Equal(t, "a@x.com", res.User.Email)
	assert.Empty(t, res.DebugActivationToken)

	mail := h.notifier.last("activation")
	require.NotEmpty(t, mail.token)
	assert.Equal(t, "a@x.com", mail.to)

	_, err = h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrPendingActivation)

	h.clock.advance(179 * time.Second)
	require.NoError(t, h.auth.Activate(ctx, mail.token))

	user, err := h.auth.GetProfile(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UserStatusActive, user.Status)

	// The activation row is gone.
	assert.ErrorIs(t, h.auth.Activate(ctx, mail.token), ErrTokenInvalid)

	session, err := h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, h.clock.now().Add(h.cfg.Security.SessionTTL), session.ExpiresAt)

	identity, err := h.auth.VerifySession(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, identity.UserID)
}

func TestActivateExpiredTokenIsDeleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.auth.Register(ctx, RegisterInput{Email: "a@x.com", Nickname: "n"})
	require.NoError(t, err)
	token := h.notifier.last("activation").token

	h.clock.advance(181 * time.Second)
	assert.ErrorIs(t, h.auth.Activate(ctx, token), ErrTokenExpired)
	assert.ErrorIs(t, h.auth.Activate(ctx, token), ErrTokenInvalid)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activeUser(t, "taken@x.com")

	tests := []struct {
		name  string
		input RegisterInput
		want  error
	}{
		{name: "no contact", input: RegisterInput{Nickname: "n"}, want: ErrInvalidRequest},
		{name: "no nickname", input: RegisterInput{Email: "b@x.com"}, want: ErrInvalidRequest},
		{name: "duplicate email", input: RegisterInput{Email: "TAKEN@x.com", Nickname: "n"}, want: ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.auth.Register(ctx, tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	res, err := h.auth.Register(ctx, RegisterInput{Phone: "+100200", Nickname: "p"})
	require.NoError(t, err)
	assert.Empty(t, res.User.Email)
	_, err = h.auth.Register(ctx, RegisterInput{Phone: "+100200", Nickname: "p"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegisterDebugModeReturnsToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cfg.DebugMode = true

	res, err := h.auth.Register(ctx, RegisterInput{Email: "a@x.com", Nickname: "n"})
	require.NoError(t, err)
	require.NotEmpty(t, res.DebugActivationToken)
	assert.Empty(t, h.notifier.sent)
	assert.NoError(t, h.auth.Activate(ctx, res.DebugActivationToken))
}

func TestResendActivation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.auth.Register(ctx, RegisterInput{Email: "a@x.com", Nickname: "n"})
	require.NoError(t, err)
	first := h.notifier.last("activation").token

	_, err = h.auth.ResendActivation(ctx, "a@x.com")
	require.NoError(t, err)
	second := h.notifier.last("activation").token
	require.NotEqual(t, first, second)

	assert.ErrorIs(t, h.auth.Activate(ctx, first), ErrTokenInvalid)
	require.NoError(t, h.auth.Activate(ctx, second))

	_, err = h.auth.ResendActivation(ctx, "a@x.com")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.auth.ResendActivation(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoginFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activeUser(t, "a@x.com")

	tests := []struct {
		name  string
		input LoginInput
	}{
		{name: "unknown user", input: LoginInput{Email: "b@x.com", Password: "secret1"}},
		{name: "wrong password", input: LoginInput{Email: "a@x.com", Password: "nope"}},
		{name: "missing password", input: LoginInput{Email: "a@x.com"}},
		{name: "no contact", input: LoginInput{Password: "secret1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.auth.Login(ctx, tt.input)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestLoginAutoCreatesDevice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.activeUser(t, "a@x.com")

	session, err := h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1", DeviceID: "client-device-1"})
	require.NoError(t, err)
	assert.Equal(t, "client-device-1", session.DeviceID)

	device, err := h.store.Devices().GetByID(ctx, "client-device-1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, device.UserID)
	assert.Equal(t, "Unknown", device.OS)
	assert.Equal(t, "Unknown", device.Arch)
	assert.Equal(t, "1.0.0", device.AgentVersion)
	assert.NotEmpty(t, device.DeviceNonce)

	// A second login reuses the device.
	_, err = h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1", DeviceID: "client-device-1"})
	require.NoError(t, err)

	// Another account cannot claim it.
	h.activeUser(t, "b@x.com")
	_, err = h.auth.Login(ctx, LoginInput{Email: "b@x.com", Password: "secret1", DeviceID: "client-device-1"})
	assert.ErrorIs(t, err, ErrNotFound)

	identity, err := h.auth.VerifySession(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, "client-device-1", identity.DeviceID)
}

func TestSessionRevocationIsImmediate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activeUser(t, "a@x.com")

	session, err := h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)
	other, err := h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)
	require.NotEqual(t, session.Token, other.Token)

	require.NoError(t, h.store.Sessions().DeleteByToken(ctx, session.Token))
	_, err = h.auth.VerifySession(ctx, session.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.auth.VerifySession(ctx, other.Token)
	assert.NoError(t, err)

	require.NoError(t, h.auth.Logout(ctx, other.Token))
	_, err = h.auth.VerifySession(ctx, other.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, h.auth.Logout(ctx, other.Token), ErrUnauthorized)
}

func TestVerifySessionRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activeUser(t, "a@x.com")

	session, err := h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = h.auth.VerifySession(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)

	h.clock.advance(h.cfg.Security.SessionTTL + time.Second)
	_, err = h.auth.VerifySession(ctx, session.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func joinedCertificate(t *testing.T, h *harness, user models.User, device models.Device) models.Certificate {
	t.Helper()
	ctx := context.Background()
	up, err := h.mesh.UploadIdentity(ctx, user.ID, device.ID, publicKeyPEM(t))
	require.NoError(t, err)
	permit, err := h.mesh.SendPermit(ctx, up.Certificate.ID, user.ID)
	require.NoError(t, err)
	require.True(t, permit.Certificate.IsJoinedMesh)
	return permit.Certificate
}

func TestLogoutLeavesMeshUnlessRemembered(t *testing.T) {
	tests := []struct {
		name       string
		remember   bool
		wantJoined bool
	}{
		{name: "forgotten device leaves", remember: false, wantJoined: false},
		{name: "remembered device stays", remember: true, wantJoined: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			user := h.activeUser(t, "a@x.com")
			device := h.device(t, user.ID)
			cert := joinedCertificate(t, h, user, device)

			_, err := h.mesh.UpdateDeviceSettings(ctx, cert.ID, user.ID, device.ID, tt.remember)
			require.NoError(t, err)

			session, err := h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1", DeviceID: device.ID})
			require.NoError(t, err)
			require.NoError(t, h.auth.Logout(ctx, session.Token))

			got, err := h.store.Certificates().GetByID(ctx, cert.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantJoined, got.IsJoinedMesh)

			_, err = h.auth.VerifySession(ctx, session.Token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

type failingLeaver struct{ calls int }

func (f *failingLeaver) LeaveMesh(ctx context.Context, certificateID, userID, deviceID string) (models.Certificate, error) {
	f.calls++
	return models.Certificate{}, errors.New("store unavailable")
}

func TestLogoutSucceedsWhenLeaveFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.activeUser(t, "a@x.com")
	device := h.device(t, user.ID)
	cert := joinedCertificate(t, h, user, device)
	_, err := h.mesh.UpdateDeviceSettings(ctx, cert.ID, user.ID, device.ID, false)
	require.NoError(t, err)

	leaver := &failingLeaver{}
	h.auth.mesh = leaver

	session, err := h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1", DeviceID: device.ID})
	require.NoError(t, err)
	require.NoError(t, h.auth.Logout(ctx, session.Token))
	assert.Equal(t, 1, leaver.calls)

	_, err = h.store.Sessions().GetByToken(ctx, session.Token)
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func TestUpdateProfileAndDeactivate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.activeUser(t, "a@x.com")

	nickname := "  renamed "
	avatar := "https://img/a.png"
	updated, err := h.auth.UpdateProfile(ctx, user.ID, ProfileUpdate{Nickname: &nickname, Avatar: &avatar})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Nickname)
	require.NotNil(t, updated.Avatar)
	assert.Equal(t, avatar, *updated.Avatar)

	empty := " "
	_, err = h.auth.UpdateProfile(ctx, user.ID, ProfileUpdate{Nickname: &empty})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	session, err := h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)

	require.NoError(t, h.auth.Deactivate(ctx, user.ID))
	_, err = h.auth.VerifySession(ctx, session.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrUserInactive)
	assert.ErrorIs(t, h.auth.Deactivate(ctx, user.ID), ErrInvalidRequest)
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activeUser(t, "a@x.com")

	session, err := h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = h.auth.RequestPasswordReset(ctx, "a@x.com")
	require.NoError(t, err)
	token := h.notifier.last("reset").token
	require.NotEmpty(t, token)

	assert.ErrorIs(t, h.auth.ResetPassword(ctx, token, "short"), ErrInvalidRequest)
	require.NoError(t, h.auth.ResetPassword(ctx, token, "new-password"))
	assert.ErrorIs(t, h.auth.ResetPassword(ctx, token, "new-password"), ErrTokenInvalid)

	_, err = h.auth.VerifySession(ctx, session.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = h.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "new-password"})
	assert.NoError(t, err)
}

func TestPasswordResetExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activeUser(t, "a@x.com")
	h.cfg.DebugMode = true

	res, err := h.auth.RequestPasswordReset(ctx, "a@x.com")
	require.NoError(t, err)
	require.NotEmpty(t, res.DebugResetToken)

	h.clock.advance(h.cfg.Security.PasswordResetTTL + time.Second)
	assert.ErrorIs(t, h.auth.ResetPassword(ctx, res.DebugResetToken, "new-password"), ErrTokenExpired)
	assert.ErrorIs(t, h.auth.ResetPassword(ctx, res.DebugResetToken, "new-password"), ErrTokenInvalid)
}
