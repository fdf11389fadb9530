package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type PostgresStore struct {
	db DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Users() UserStore {
	return &UserRepository{db: s.db}
}

func (s *PostgresStore) Devices() DeviceStore {
	return &DeviceRepository{db: s.db}
}

func (s *PostgresStore) Certificates() CertificateStore {
	return &CertificateRepository{db: s.db}
}

func (s *PostgresStore) EnrollmentTokens() EnrollmentTokenStore {
	return &EnrollmentTokenRepository{db: s.db}
}

func (s *PostgresStore) Sessions() SessionStore {
	return &SessionRepository{db: s.db}
}

func (s *PostgresStore) Activations() ActivationStore {
	return &ActivationRepository{db: s.db}
}

func (s *PostgresStore) PasswordResets() PasswordResetStore {
	return &PasswordResetRepository{db: s.db}
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(NewPostgresStore(tx))
	})
}
