// Package service implements account, enrollment and mesh identity flows on
// top of the credential store, the local CA and the mesh agent.
package service

import (
	"context"
	"time"

	"meshid/api/internal/mesh"
	"meshid/api/internal/models"
)

// Notifier sends account and enrollment email. Delivery is fire-and-forget.
type Notifier interface {
	SendActivation(ctx context.Context, to, nickname, token string, ttl time.Duration)
	SendPasswordReset(ctx context.Context, to, nickname, token string, ttl time.Duration)
	SendMagicLink(ctx context.Context, to, nickname, token, deviceNonce string, ttl time.Duration)
	SendOTP(ctx context.Context, to, nickname, code string, ttl time.Duration)
	SendPermit(ctx context.Context, to, nickname, device, certificateID, permitJSON string)
}

// CertificateIssuer issues a device certificate for a mesh username. The
// local CA takes a CSR; the mesh agent takes a raw public key.
type CertificateIssuer interface {
	IssueDeviceCertificate(ctx context.Context, meshUsername string, material string) (models.IssuedCertificate, error)
}

type MeshAgent interface {
	CheckConnectivity(ctx context.Context) bool
	GetMeshInfo(ctx context.Context) (mesh.Info, error)
}

// Identity is the caller resolved from a session token.
type Identity struct {
	UserID    string
	DeviceID  string
	SessionID string
}

type SessionResult struct {
	Token     string
	ExpiresAt time.Time
	User      models.User
	DeviceID  string
}
