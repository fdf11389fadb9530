package models

import "time"

type CertificateStatus string

const (
	CertificateStatusActive  CertificateStatus = "ACTIVE"
	CertificateStatusPending CertificateStatus = "PENDING"
	CertificateStatusRevoked CertificateStatus = "REVOKED"
	CertificateStatusExpired CertificateStatus = "EXPIRED"
)

// MeshState is the position of a certificate in the device mesh lifecycle.
type MeshState string

const (
	MeshStateNoIdentity       MeshState = "NO_IDENTITY"
	MeshStateIdentityUploaded MeshState = "IDENTITY_UPLOADED"
	MeshStateJoined           MeshState = "JOINED"
	MeshStateLeft             MeshState = "LEFT"
)

type Certificate struct {
	ID               string
	UserID           string
	DeviceID         string
	ZTMUsername      string
	Status           CertificateStatus
	Fingerprint      string
	NotBefore        time.Time
	NotAfter         time.Time
	CertificateChain string
	PermitSent       bool
	PermitSentAt     *time.Time
	PermitEmail      *string
	IsJoinedMesh     bool
	RememberDevice   bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MeshState derives the lifecycle state from the stored flags. A permit
// that was sent but is no longer joined means the device left the mesh;
// re-uploading an identity clears permitSent and starts a new cycle.
func (c Certificate) MeshState() MeshState {
	switch {
	case c.IsJoinedMesh:
		return MeshStateJoined
	case c.PermitSent:
		return MeshStateLeft
	default:
		return MeshStateIdentityUploaded
	}
}

// IssuedCertificate is the output of either issuance path: the local CA
// signing a CSR or the mesh agent minting a certificate for a public key.
type IssuedCertificate struct {
	ChainPEM    string
	Fingerprint string
	NotBefore   time.Time
	NotAfter    time.Time
}
