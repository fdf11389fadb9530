package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"meshid/api/internal/models"
)

type ActivationRepository struct {
	db DBTX
}

func NewActivationRepository(db DBTX) *ActivationRepository {
	return &ActivationRepository{db: db}
}

func (r *ActivationRepository) Replace(ctx context.Context, activation models.AccountActivation) error {
	const query = `
		INSERT INTO account_activations (id, user_id, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET
			id = EXCLUDED.id,
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at,
			created_at = NOW()
	`

	_, err := r.db.Exec(ctx, query,
		activation.ID,
		activation.UserID,
		activation.Token,
		activation.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Consume deletes the activation and returns the removed row, so two
// concurrent activations of the same token have a single winner.
func (r *ActivationRepository) Consume(ctx context.Context, token string) (models.AccountActivation, error) {
	const query = `
		DELETE FROM account_activations
		WHERE token = $1
		RETURNING id, user_id, token, expires_at, created_at
	`

	var activation models.AccountActivation
	if err := r.db.QueryRow(ctx, query, token).Scan(
		&activation.ID,
		&activation.UserID,
		&activation.Token,
		&activation.ExpiresAt,
		&activation.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AccountActivation{}, ErrActivationNotFound
		}
		return models.AccountActivation{}, err
	}
	return activation, nil
}

func (r *ActivationRepository) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	const query = `DELETE FROM account_activations WHERE expires_at < $1 RETURNING user_id`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}
