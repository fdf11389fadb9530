package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"meshid/api/internal/models"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrDeviceNotFound        = errors.New("device not found")
	ErrCertificateNotFound   = errors.New("certificate not found")
	ErrEnrollmentNotFound    = errors.New("enrollment token not found")
	ErrSessionNotFound       = errors.New("session not found")
	ErrActivationNotFound    = errors.New("activation not found")
	ErrPasswordResetNotFound = errors.New("password reset not found")

	// ErrDuplicate is returned when a write violates a unique constraint.
	ErrDuplicate = errors.New("duplicate record")
	// ErrStaleState is returned by conditional updates whose guard no longer
	// holds, such as marking an already used token or activating a user who
	// is no longer pending.
	ErrStaleState = errors.New("record state changed")
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type UserStore interface {
	Create(ctx context.Context, user models.User) error
	GetByID(ctx context.Context, id string) (models.User, error)
	FindByEmail(ctx context.Context, email string) (models.User, error)
	FindByPhone(ctx context.Context, phone string) (models.User, error)
	UpdateStatus(ctx context.Context, id string, from, to models.UserStatus) error
	UpdatePassword(ctx context.Context, id string, hash []byte) error
	UpdateProfile(ctx context.Context, id string, nickname *string, avatar *string) (models.User, error)
	DeletePending(ctx context.Context, ids []string) (int64, error)
}

type DeviceStore interface {
	Create(ctx context.Context, device models.Device) (models.Device, error)
	GetByID(ctx context.Context, id string) (models.Device, error)
	GetByNonce(ctx context.Context, nonce string) (models.Device, error)
	ListByUser(ctx context.Context, userID string) ([]models.Device, error)
	UpdateByNonce(ctx context.Context, nonce string, update models.DeviceUpdate, seenAt time.Time) (models.Device, error)
	Delete(ctx context.Context, id string) error
	DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error)
}

type CertificateStore interface {
	// Upsert inserts the certificate or overwrites the row holding the same
	// ztm username, resetting its permit and membership flags.
	Upsert(ctx context.Context, cert models.Certificate) (models.Certificate, error)
	GetByID(ctx context.Context, id string) (models.Certificate, error)
	GetByZTMUsername(ctx context.Context, username string) (models.Certificate, error)
	FindLatestByDevice(ctx context.Context, deviceID string) (models.Certificate, error)
	ListByUser(ctx context.Context, userID string) ([]models.Certificate, error)
	ListActiveByUser(ctx context.Context, userID string) ([]models.Certificate, error)
	MarkPermitSent(ctx context.Context, id string, email string, at time.Time) (models.Certificate, error)
	SetMembership(ctx context.Context, id string, joined bool, rememberDevice bool) (models.Certificate, error)
	SetRememberDevice(ctx context.Context, id string, rememberDevice bool) (models.Certificate, error)
	UpdateStatus(ctx context.Context, id string, status models.CertificateStatus) (models.Certificate, error)
	RevokeActiveByDevice(ctx context.Context, deviceID string) (int64, error)
	ExpireActive(ctx context.Context, now time.Time) (int64, error)
}

type EnrollmentTokenStore interface {
	Create(ctx context.Context, token models.EnrollmentToken) error
	GetByToken(ctx context.Context, token string) (models.EnrollmentToken, error)
	// MarkUsed flips used only while it is still false. ErrStaleState is
	// returned when another caller already consumed the token.
	MarkUsed(ctx context.Context, token string, at time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type SessionStore interface {
	Create(ctx context.Context, session models.Session) error
	GetByToken(ctx context.Context, token string) (models.Session, error)
	DeleteByToken(ctx context.Context, token string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type ActivationStore interface {
	// Replace stores the activation as the only one for its user.
	Replace(ctx context.Context, activation models.AccountActivation) error
	// Consume deletes the activation holding token and returns it.
	Consume(ctx context.Context, token string) (models.AccountActivation, error)
	// DeleteExpired removes expired activations and returns their user ids.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

type PasswordResetStore interface {
	Create(ctx context.Context, reset models.PasswordReset) error
	Consume(ctx context.Context, token string) (models.PasswordReset, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store is the credential store. Every accessor shares the transaction
// scope of the Store it was obtained from.
type Store interface {
	Users() UserStore
	Devices() DeviceStore
	Certificates() CertificateStore
	EnrollmentTokens() EnrollmentTokenStore
	Sessions() SessionStore
	Activations() ActivationStore
	PasswordResets() PasswordResetStore

	// WithinTx runs fn against a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(Store) error) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
