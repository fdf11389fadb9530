package models

import "time"

type Device struct {
	ID           string
	UserID       string
	OS           string
	Arch         string
	AgentVersion string
	DeviceNonce  string
	LastSeen     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeviceUpdate carries the optional fields a client may change on its own
// device record. Nil fields are left untouched.
type DeviceUpdate struct {
	OS           *string
	Arch         *string
	AgentVersion *string
}

type TokenType string

const (
	TokenTypeMagicLink TokenType = "MAGIC_LINK"
	TokenTypeOTP       TokenType = "OTP"
)

type EnrollmentToken struct {
	ID          string
	UserID      string
	DeviceNonce string
	Token       string
	Type        TokenType
	ExpiresAt   time.Time
	Used        bool
	UsedAt      *time.Time
	CreatedAt   time.Time
}
