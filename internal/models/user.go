package models

import "time"

type UserStatus string

const (
	UserStatusPending   UserStatus = "PENDING"
	UserStatusActive    UserStatus = "ACTIVE"
	UserStatusInactive  UserStatus = "INACTIVE"
	UserStatusSuspended UserStatus = "SUSPENDED"
)

// CanTransitionTo reports whether the status machine allows moving from s to
// next. A user never returns to PENDING once activated.
func (s UserStatus) CanTransitionTo(next UserStatus) bool {
	switch s {
	case UserStatusPending:
		return next == UserStatusActive
	case UserStatusActive:
		return next == UserStatusInactive || next == UserStatusSuspended
	default:
		return false
	}
}

type User struct {
	ID           string
	Email        string
	Phone        string
	Nickname     string
	Avatar       *string
	PasswordHash []byte
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Session struct {
	ID        string
	UserID    string
	DeviceID  string
	Token     string
	IPAddress string
	UserAgent string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type AccountActivation struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type PasswordReset struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}
