package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"meshid/api/internal/models"
)

type UserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, COALESCE(email, ''), COALESCE(phone, ''), nickname, avatar, password_hash, status, created_at, updated_at`

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Phone,
		&user.Nickname,
		&user.Avatar,
		&user.PasswordHash,
		&user.Status,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *UserRepository) Create(ctx context.Context, user models.User) error {
	const query = `
		INSERT INTO users (
			id, email, phone, nickname, avatar, password_hash, status, created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, NOW(), NOW()
		)
	`

	_, err := r.db.Exec(ctx, query,
		user.ID,
		user.Email,
		user.Phone,
		user.Nickname,
		user.Avatar,
		user.PasswordHash,
		user.Status,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, query, id))
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.QueryRow(ctx, query, email))
}

func (r *UserRepository) FindByPhone(ctx context.Context, phone string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE phone = $1`
	return scanUser(r.db.QueryRow(ctx, query, phone))
}

// UpdateStatus moves the user from one status to another. It reports
// ErrStaleState when the user exists but is no longer in the from status.
func (r *UserRepository) UpdateStatus(ctx context.Context, id string, from, to models.UserStatus) error {
	const query = `UPDATE users SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`
	cmd, err := r.db.Exec(ctx, query, id, from, to)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id string, hash []byte) error {
	const query = `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`
	cmd, err := r.db.Exec(ctx, query, id, hash)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, id string, nickname *string, avatar *string) (models.User, error) {
	query := `
		UPDATE users
		SET nickname = COALESCE($2, nickname),
		    avatar = COALESCE($3, avatar),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns
	return scanUser(r.db.QueryRow(ctx, query, id, nickname, avatar))
}

// DeletePending removes the listed users that are still pending.
func (r *UserRepository) DeletePending(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const query = `DELETE FROM users WHERE id = ANY($1) AND status = $2`
	cmd, err := r.db.Exec(ctx, query, ids, models.UserStatusPending)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
