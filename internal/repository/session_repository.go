package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"meshid/api/internal/models"
)

type SessionRepository struct {
	db DBTX
}

func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, session models.Session) error {
	const query = `
		INSERT INTO sessions (
			id, user_id, device_id, token, ip_address, user_agent, expires_at, created_at
		) VALUES (
			$1, $2, NULLIF($3, ''), $4, $5, $6, $7, NOW()
		)
	`

	_, err := r.db.Exec(ctx, query,
		session.ID,
		session.UserID,
		session.DeviceID,
		session.Token,
		session.IPAddress,
		session.UserAgent,
		session.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *SessionRepository) GetByToken(ctx context.Context, token string) (models.Session, error) {
	const query = `
		SELECT id, user_id, COALESCE(device_id, ''), token, ip_address, user_agent, expires_at, created_at
		FROM sessions
		WHERE token = $1
	`

	var session models.Session
	if err := r.db.QueryRow(ctx, query, token).Scan(
		&session.ID,
		&session.UserID,
		&session.DeviceID,
		&session.Token,
		&session.IPAddress,
		&session.UserAgent,
		&session.ExpiresAt,
		&session.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

func (r *SessionRepository) DeleteByToken(ctx context.Context, token string) error {
	const query = `DELETE FROM sessions WHERE token = $1`
	cmd, err := r.db.Exec(ctx, query, token)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	const query = `DELETE FROM sessions WHERE user_id = $1`
	cmd, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM sessions WHERE expires_at < $1`
	cmd, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
