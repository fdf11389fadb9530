package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshid/api/internal/config"
	"meshid/api/internal/mesh"
	"meshid/api/internal/models"
	"meshid/api/internal/repository/memstore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentMail struct {
	kind  string
	to    string
	token string
	body  string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMail
}

func (n *fakeNotifier) record(m sentMail) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
}

func (n *fakeNotifier) SendActivation(ctx context.Context, to, nickname, token string, ttl time.Duration) {
	n.record(sentMail{kind: "activation", to: to, token: token})
}

func (n *fakeNotifier) SendPasswordReset(ctx context.Context, to, nickname, token string, ttl time.Duration) {
	n.record(sentMail{kind: "reset", to: to, token: token})
}

func (n *fakeNotifier) SendMagicLink(ctx context.Context, to, nickname, token, deviceNonce string, ttl time.Duration) {
	n.record(sentMail{kind: "magic_link", to: to, token: token})
}

func (n *fakeNotifier) SendOTP(ctx context.Context, to, nickname, code string, ttl time.Duration) {
	n.record(sentMail{kind: "otp", to: to, token: code})
}

func (n *fakeNotifier) SendPermit(ctx context.Context, to, nickname, device, certificateID, permitJSON string) {
	n.record(sentMail{kind: "permit", to: to, body: permitJSON})
}

func (n *fakeNotifier) last(kind string) sentMail {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].kind == kind {
			return n.sent[i]
		}
	}
	return sentMail{}
}

type fakeIssuer struct {
	mu        sync.Mutex
	calls     int
	usernames []string
	err       error
	clock     *clock
}

func (f *fakeIssuer) IssueDeviceCertificate(ctx context.Context, meshUsername string, material string) (models.IssuedCertificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.usernames = append(f.usernames, meshUsername)
	if f.err != nil {
		return models.IssuedCertificate{}, f.err
	}
	now := f.clock.now()
	return models.IssuedCertificate{
		ChainPEM:    fmt.Sprintf("-----BEGIN CERTIFICATE-----\n%d\n-----END CERTIFICATE-----\n", f.calls),
		Fingerprint: fmt.Sprintf("%040X", f.calls),
		NotBefore:   now,
		NotAfter:    now.AddDate(0, 0, 90),
	}, nil
}

type fakeAgent struct {
	down    bool
	info    mesh.Info
	infoErr error
}

func (a *fakeAgent) CheckConnectivity(ctx context.Context) bool { return !a.down }

func (a *fakeAgent) GetMeshInfo(ctx context.Context) (mesh.Info, error) {
	if a.infoErr != nil {
		return mesh.Info{}, a.infoErr
	}
	return a.info, nil
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Environment:     "test",
		Security:        config.SecurityConfig{JWTSecret: "test-secret", SessionTTL: 24 * time.Hour, PasswordResetTTL: time.Hour},
		ActivationToken: config.TokenConfig{TTL: 180 * time.Second},
		EnrollmentToken: config.TokenConfig{TTL: 300 * time.Second},
		CA:              config.CAConfig{ValidityDays: 90},
		ZTM:             config.ZTMConfig{MeshName: "hub:8888", HubAddress: "hub:8888"},
	}
}

type harness struct {
	clock        *clock
	store        *memstore.Store
	cfg          *config.AppConfig
	notifier     *fakeNotifier
	agent        *fakeAgent
	permits      *fakeIssuer
	csrs         *fakeIssuer
	auth         *AuthService
	enrollment   *EnrollmentService
	mesh         *MeshService
	devices      *DeviceService
	certificates *CertificateService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    newClock(),
		cfg:      testConfig(),
		notifier: &fakeNotifier{},
		agent:    &fakeAgent{info: mesh.Info{Name: "hub:8888", CA: "-----BEGIN CERTIFICATE-----\nca\n-----END CERTIFICATE-----\n"}},
	}
	h.store = memstore.New().WithClock(h.clock.now)
	h.permits = &fakeIssuer{clock: h.clock}
	h.csrs = &fakeIssuer{clock: h.clock}
	log := zerolog.Nop()

	h.mesh = NewMeshService(h.store, h.agent, h.permits, h.notifier, h.cfg, log)
	h.mesh.now = h.clock.now
	h.auth = NewAuthService(h.store, h.notifier, h.mesh, h.cfg, log)
	h.auth.now = h.clock.now
	h.enrollment = NewEnrollmentService(h.store, h.notifier, h.csrs, h.cfg, log)
	h.enrollment.now = h.clock.now
	h.devices = NewDeviceService(h.store, log)
	h.devices.now = h.clock.now
	h.certificates = NewCertificateService(h.store, log)
	h.certificates.now = h.clock.now
	return h
}

// activeUser registers and activates a user with a password.
func (h *harness) activeUser(t *testing.T, email string) models.User {
	t.Helper()
	ctx := context.Background()
	res, err := h.auth.Register(ctx, RegisterInput{Email: email, Nickname: "nick", Password: "secret1"})
	require.NoError(t, err)
	require.NoError(t, h.auth.Activate(ctx, h.notifier.last("activation").token))
	user, err := h.store.Users().GetByID(ctx, res.User.ID)
	require.NoError(t, err)
	return user
}

func (h *harness) device(t *testing.T, userID string) models.Device {
	t.Helper()
	device, err := h.devices.Create(context.Background(), userID, CreateDeviceInput{OS: "linux", Arch: "amd64", AgentVersion: "1.2.0"})
	require.NoError(t, err)
	return device
}

func publicKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrPendingActivation, "pending_activation"},
		{fmt.Errorf("%w: user", ErrNotFound), "not_found"},
		{invalid("bad"), "invalid_request"},
		{fmt.Errorf("wrapped: %w", ErrTokenAlreadyUsed), "token_already_used"},
		{issuerError(mesh.ErrAgentUnavailable), "agent_unavailable"},
		{issuerError(mesh.ErrMeshNotFound), "mesh_not_found"},
		{fmt.Errorf("boom"), "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}
