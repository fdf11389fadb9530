package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshid/api/internal/mesh"
	"meshid/api/internal/models"
)

func TestMeshLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.activeUser(t, "a@x.com")
	device := h.device(t, user.ID)
	key := publicKeyPEM(t)

	up, err := h.mesh.UploadIdentity(ctx, user.ID, device.ID, key)
	require.NoError(t, err)
	assert.Equal(t, NextActionSendPermit, up.NextAction)
	assert.False(t, up.AlreadyJoined)
	assert.False(t, up.Certificate.IsJoinedMesh)
	assert.Equal(t, user.ID, up.Certificate.ZTMUsername)
	assert.Equal(t, models.MeshStateIdentityUploaded, up.Certificate.MeshState())
	assert.Equal(t, h.clock.now().AddDate(0, 0, 90), up.Certificate.NotAfter)
	assert.Equal(t, 1, h.permits.calls)

	sent, err := h.mesh.SendPermit(ctx, up.Certificate.ID, user.ID)
	require.NoError(t, err)
	assert.True(t, sent.Certificate.IsJoinedMesh)
	assert.True(t, sent.Certificate.PermitSent)
	require.NotNil(t, sent.Certificate.PermitSentAt)
	require.NotNil(t, sent.Certificate.PermitEmail)
	assert.Equal(t, "a@x.com", *sent.Certificate.PermitEmail)
	assert.Equal(t, "a@x.com", sent.Email)

	again, err := h.mesh.UploadIdentity(ctx, user.ID, device.ID, key)
	require.NoError(t, err)
	assert.True(t, again.AlreadyJoined)
	assert.Equal(t, NextActionAlreadyJoined, again.NextAction)
	assert.Equal(t, sent.Certificate, again.Certificate)
	assert.Equal(t, 1, h.permits.calls, "no agent call while joined")

	left, err := h.mesh.LeaveMesh(ctx, up.Certificate.ID, user.ID, device.ID)
	require.NoError(t, err)
	assert.False(t, left.IsJoinedMesh)
	assert.False(t, left.RememberDevice)
	assert.Equal(t, models.MeshStateLeft, left.MeshState())

	// Leaving twice is a no-op.
	_, err = h.mesh.LeaveMesh(ctx, up.Certificate.ID, user.ID, device.ID)
	require.NoError(t, err)

	reup, err := h.mesh.UploadIdentity(ctx, user.ID, device.ID, key)
	require.NoError(t, err)
	assert.False(t, reup.AlreadyJoined)
	assert.False(t, reup.Certificate.IsJoinedMesh)
	assert.False(t, reup.Certificate.PermitSent)
	assert.True(t, reup.Certificate.RememberDevice)
	assert.Equal(t, up.Certificate.ID, reup.Certificate.ID, "upsert keeps one row per mesh username")
	assert.NotEqual(t, up.Certificate.Fingerprint, reup.Certificate.Fingerprint)
	assert.Equal(t, 2, h.permits.calls)

	certs, err := h.certificates.List(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, certs, 1)
}

func TestUploadIdentityReissuesInactiveJoinedCertificate(t *testing.T) {
	cases := []struct {
		name       string
		deactivate func(t *testing.T, h *harness, cert models.Certificate, userID string)
	}{
		{
			name: "expired",
			deactivate: func(t *testing.T, h *harness, _ models.Certificate, _ string) {
				h.clock.advance(91 * 24 * time.Hour)
				n, err := h.store.Certificates().ExpireActive(context.Background(), h.clock.now())
				require.NoError(t, err)
				require.EqualValues(t, 1, n)
			},
		},
		{
			name: "revoked",
			deactivate: func(t *testing.T, h *harness, cert models.Certificate, userID string) {
				revoked, err := h.certificates.Revoke(context.Background(), cert.ID, userID)
				require.NoError(t, err)
				require.Equal(t, models.CertificateStatusRevoked, revoked.Status)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			user := h.activeUser(t, "a@x.com")
			device := h.device(t, user.ID)
			key := publicKeyPEM(t)

			up, err := h.mesh.UploadIdentity(ctx, user.ID, device.ID, key)
			require.NoError(t, err)
			sent, err := h.mesh.SendPermit(ctx, up.Certificate.ID, user.ID)
			require.NoError(t, err)
			require.True(t, sent.Certificate.IsJoinedMesh)

			tc.deactivate(t, h, sent.Certificate, user.ID)

			again, err := h.mesh.UploadIdentity(ctx, user.ID, device.ID, key)
			require.NoError(t, err)
			assert.False(t, again.AlreadyJoined)
			assert.Equal(t, NextActionSendPermit, again.NextAction)
			assert.Equal(t, models.CertificateStatusActive, again.Certificate.Status)
			assert.False(t, again.Certificate.IsJoinedMesh)
			assert.Equal(t, up.Certificate.ID, again.Certificate.ID)
			assert.Equal(t, 2, h.permits.calls)
		})
	}
}

func TestSendPermitDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.activeUser(t, "a@x.com")
	device := h.device(t, user.ID)

	up, err := h.mesh.UploadIdentity(ctx, user.ID, device.ID, publicKeyPEM(t))
	require.NoError(t, err)
	_, err = h.mesh.SendPermit(ctx, up.Certificate.ID, user.ID)
	require.NoError(t, err)

	mail := h.notifier.last("permit")
	assert.Equal(t, "a@x.com", mail.to)
	assert.True(t, strings.HasPrefix(mail.body, "{\n  \"ca\": "), "permit is indented with two spaces")

	var doc struct {
		CA    string `json:"ca"`
		Agent struct {
			Certificate string `json:"certificate"`
			Name        string `json:"name"`
		} `json:"agent"`
		Bootstraps []string `json:"bootstraps"`
	}
	require.NoError(t, json.Unmarshal([]byte(mail.body), &doc))
	assert.Equal(t, h.agent.info.CA, doc.CA)
	assert.Equal(t, up.Certificate.CertificateChain, doc.Agent.Certificate)
	assert.Equal(t, "nick", doc.Agent.Name)
	assert.Equal(t, []string{"hub:8888"}, doc.Bootstraps)
}

func TestUploadIdentityPreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.activeUser(t, "a@x.com")
	device := h.device(t, user.ID)
	other := h.activeUser(t, "b@x.com")
	otherDevice := h.device(t, other.ID)
	key := publicKeyPEM(t)

	tests := []struct {
		name     string
		setup    func()
		userID   string
		deviceID string
		material string
		want     error
	}{
		{name: "missing device", userID: user.ID, material: key, want: ErrInvalidRequest},
		{name: "unknown user", userID: "ghost", deviceID: device.ID, material: key, want: ErrNotFound},
		{name: "unknown device", userID: user.ID, deviceID: "ghost", material: key, want: ErrNotFound},
		{name: "device of another user", userID: user.ID, deviceID: otherDevice.ID, material: key, want: ErrNotFound},
		{name: "agent down", setup: func() { h.agent.down = true }, userID: user.ID, deviceID: device.ID, material: key, want: ErrAgentUnavailable},
		{name: "not pem", userID: user.ID, deviceID: device.ID, material: "ssh-rsa AAAA", want: ErrInvalidIdentity},
		{name: "wrong pem type", userID: user.ID, deviceID: device.ID, material: "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n", want: ErrInvalidIdentity},
		{name: "garbage key", userID: user.ID, deviceID: device.ID, material: "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n", want: ErrInvalidIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.agent.down = false
			if tt.setup != nil {
				tt.setup()
			}
			_, err := h.mesh.UploadIdentity(ctx, tt.userID, tt.deviceID, tt.material)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, h.permits.calls)
}

func TestUploadIdentityAgentFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.activeUser(t, "a@x.com")
	device := h.device(t, user.ID)

	h.permits.err = fmt.Errorf("%w: status 502", mesh.ErrAgentUnavailable)
	_, err := h.mesh.UploadIdentity(ctx, user.ID, device.ID, publicKeyPEM(t))
	assert.ErrorIs(t, err, ErrAgentUnavailable)

	_, err = h.store.Certificates().GetByZTMUsername(ctx, user.ID)
	assert.Error(t, err)
}

func TestUploadIdentityDebugModeReturnsPermit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.activeUser(t, "a@x.com")
	device := h.device(t, user.ID)
	h.cfg.DebugMode = true

	up, err := h.mesh.UploadIdentity(ctx, user.ID, device.ID, publicKeyPEM(t))
	require.NoError(t, err)
	assert.Equal(t, NextActionImportPermit, up.NextAction)
	assert.Contains(t, up.DebugPermit, `"bootstraps": [`)

	sent, err := h.mesh.SendPermit(ctx, up.Certificate.ID, user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, sent.DebugPermit)
	assert.True(t, sent.Certificate.IsJoinedMesh)
	assert.Empty(t, h.notifier.last("permit").to)
}

func TestSendPermitRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.activeUser(t, "a@x.com")
	device := h.device(t, user.ID)
	other := h.activeUser(t, "b@x.com")

	up, err := h.mesh.UploadIdentity(ctx, user.ID, device.ID, publicKeyPEM(t))
	require.NoError(t, err)

	_, err = h.mesh.SendPermit(ctx, up.Certificate.ID, other.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.mesh.SendPermit(ctx, "missing", user.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	h.agent.infoErr = mesh.ErrMeshNotFound
	_, err = h.mesh.SendPermit(ctx, up.Certificate.ID, user.ID)
	assert.ErrorIs(t, err, ErrMeshNotFound)

	cert, err := h.store.Certificates().GetByID(ctx, up.Certificate.ID)
	require.NoError(t, err)
	assert.False(t, cert.PermitSent)
}

func TestSendPermitRequiresEmail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res, err := h.auth.Register(ctx, RegisterInput{Phone: "+1555", Nickname: "p"})
	require.NoError(t, err)
	require.NoError(t, h.auth.Activate(ctx, h.notifier.last("activation").token))
	device := h.device(t, res.User.ID)

	up, err := h.mesh.UploadIdentity(ctx, res.User.ID, device.ID, publicKeyPEM(t))
	require.NoError(t, err)
	_, err = h.mesh.SendPermit(ctx, up.Certificate.ID, res.User.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLeaveMeshAndSettingsRequireCallingDevice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.activeUser(t, "a@x.com")
	device := h.device(t, user.ID)
	second := h.device(t, user.ID)
	cert := joinedCertificate(t, h, user, device)

	_, err := h.mesh.LeaveMesh(ctx, cert.ID, user.ID, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.mesh.UpdateDeviceSettings(ctx, cert.ID, user.ID, second.ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.mesh.LeaveMesh(ctx, cert.ID, user.ID, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	updated, err := h.mesh.UpdateDeviceSettings(ctx, cert.ID, user.ID, device.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.RememberDevice)
	assert.True(t, updated.IsJoinedMesh, "settings never change membership")
}
