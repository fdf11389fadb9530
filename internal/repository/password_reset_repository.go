package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"meshid/api/internal/models"
)

type PasswordResetRepository struct {
	db DBTX
}

func NewPasswordResetRepository(db DBTX) *PasswordResetRepository {
	return &PasswordResetRepository{db: db}
}

func (r *PasswordResetRepository) Create(ctx context.Context, reset models.PasswordReset) error {
	const query = `
		INSERT INTO password_resets (id, user_id, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	_, err := r.db.Exec(ctx, query, reset.ID, reset.UserID, reset.Token, reset.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PasswordResetRepository) Consume(ctx context.Context, token string) (models.PasswordReset, error) {
	const query = `
		DELETE FROM password_resets
		WHERE token = $1
		RETURNING id, user_id, token, expires_at, created_at
	`

	var reset models.PasswordReset
	if err := r.db.QueryRow(ctx, query, token).Scan(
		&reset.ID,
		&reset.UserID,
		&reset.Token,
		&reset.ExpiresAt,
		&reset.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PasswordReset{}, ErrPasswordResetNotFound
		}
		return models.PasswordReset{}, err
	}
	return reset, nil
}

func (r *PasswordResetRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM password_resets WHERE expires_at < $1`
	cmd, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
