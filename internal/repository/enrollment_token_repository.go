package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"meshid/api/internal/models"
)

type EnrollmentTokenRepository struct {
	db DBTX
}

func NewEnrollmentTokenRepository(db DBTX) *EnrollmentTokenRepository {
	return &EnrollmentTokenRepository{db: db}
}

func (r *EnrollmentTokenRepository) Create(ctx context.Context, token models.EnrollmentToken) error {
	const query = `
		INSERT INTO enrollment_tokens (
			id, user_id, device_nonce, token, type, expires_at, used, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, FALSE, NOW()
		)
	`

	_, err := r.db.Exec(ctx, query,
		token.ID,
		token.UserID,
		token.DeviceNonce,
		token.Token,
		token.Type,
		token.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *EnrollmentTokenRepository) GetByToken(ctx context.Context, token string) (models.EnrollmentToken, error) {
	const query = `
		SELECT id, user_id, device_nonce, token, type, expires_at, used, used_at, created_at
		FROM enrollment_tokens
		WHERE token = $1
	`

	var et models.EnrollmentToken
	if err := r.db.QueryRow(ctx, query, token).Scan(
		&et.ID,
		&et.UserID,
		&et.DeviceNonce,
		&et.Token,
		&et.Type,
		&et.ExpiresAt,
		&et.Used,
		&et.UsedAt,
		&et.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EnrollmentToken{}, ErrEnrollmentNotFound
		}
		return models.EnrollmentToken{}, err
	}
	return et, nil
}

func (r *EnrollmentTokenRepository) MarkUsed(ctx context.Context, token string, at time.Time) error {
	const query = `UPDATE enrollment_tokens SET used = TRUE, used_at = $2 WHERE token = $1 AND used = FALSE`
	cmd, err := r.db.Exec(ctx, query, token, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.GetByToken(ctx, token); err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

func (r *EnrollmentTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM enrollment_tokens WHERE expires_at < $1`
	cmd, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
