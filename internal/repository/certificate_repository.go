package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"meshid/api/internal/models"
)

type CertificateRepository struct {
	db DBTX
}

func NewCertificateRepository(db DBTX) *CertificateRepository {
	return &CertificateRepository{db: db}
}

const certificateColumns = `
	id, user_id, device_id, ztm_username, status, fingerprint, not_before, not_after,
	certificate_chain, permit_sent, permit_sent_at, permit_email, is_joined_mesh,
	remember_device, created_at, updated_at`

func scanCertificate(row pgx.Row) (models.Certificate, error) {
	var cert models.Certificate
	if err := row.Scan(
		&cert.ID,
		&cert.UserID,
		&cert.DeviceID,
		&cert.ZTMUsername,
		&cert.Status,
		&cert.Fingerprint,
		&cert.NotBefore,
		&cert.NotAfter,
		&cert.CertificateChain,
		&cert.PermitSent,
		&cert.PermitSentAt,
		&cert.PermitEmail,
		&cert.IsJoinedMesh,
		&cert.RememberDevice,
		&cert.CreatedAt,
		&cert.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Certificate{}, ErrCertificateNotFound
		}
		return models.Certificate{}, err
	}
	return cert, nil
}

func (r *CertificateRepository) list(ctx context.Context, query string, args ...any) ([]models.Certificate, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var certs []models.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, rows.Err()
}

func (r *CertificateRepository) Upsert(ctx context.Context, cert models.Certificate) (models.Certificate, error) {
	query := `
		INSERT INTO certificates (
			id, user_id, device_id, ztm_username, status, fingerprint, not_before, not_after,
			certificate_chain, permit_sent, is_joined_mesh, remember_device, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, FALSE, TRUE, NOW(), NOW()
		)
		ON CONFLICT (ztm_username)
		DO UPDATE SET
			user_id = EXCLUDED.user_id,
			device_id = EXCLUDED.device_id,
			status = EXCLUDED.status,
			fingerprint = EXCLUDED.fingerprint,
			not_before = EXCLUDED.not_before,
			not_after = EXCLUDED.not_after,
			certificate_chain = EXCLUDED.certificate_chain,
			permit_sent = FALSE,
			permit_sent_at = NULL,
			permit_email = NULL,
			is_joined_mesh = FALSE,
			remember_device = TRUE,
			updated_at = NOW()
		RETURNING ` + certificateColumns

	return scanCertificate(r.db.QueryRow(ctx, query,
		cert.ID,
		cert.UserID,
		cert.DeviceID,
		cert.ZTMUsername,
		cert.Status,
		cert.Fingerprint,
		cert.NotBefore,
		cert.NotAfter,
		cert.CertificateChain,
	))
}

func (r *CertificateRepository) GetByID(ctx context.Context, id string) (models.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE id = $1`
	return scanCertificate(r.db.QueryRow(ctx, query, id))
}

func (r *CertificateRepository) GetByZTMUsername(ctx context.Context, username string) (models.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE ztm_username = $1`
	return scanCertificate(r.db.QueryRow(ctx, query, username))
}

func (r *CertificateRepository) FindLatestByDevice(ctx context.Context, deviceID string) (models.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE device_id = $1 ORDER BY updated_at DESC LIMIT 1`
	return scanCertificate(r.db.QueryRow(ctx, query, deviceID))
}

func (r *CertificateRepository) ListByUser(ctx context.Context, userID string) ([]models.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE user_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, userID)
}

func (r *CertificateRepository) ListActiveByUser(ctx context.Context, userID string) ([]models.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC`
	return r.list(ctx, query, userID, models.CertificateStatusActive)
}

func (r *CertificateRepository) MarkPermitSent(ctx context.Context, id string, email string, at time.Time) (models.Certificate, error) {
	query := `
		UPDATE certificates
		SET permit_sent = TRUE,
		    permit_sent_at = $2,
		    permit_email = $3,
		    is_joined_mesh = TRUE,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + certificateColumns
	return scanCertificate(r.db.QueryRow(ctx, query, id, at, email))
}

func (r *CertificateRepository) SetMembership(ctx context.Context, id string, joined bool, rememberDevice bool) (models.Certificate, error) {
	query := `
		UPDATE certificates
		SET is_joined_mesh = $2 AND permit_sent,
		    remember_device = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + certificateColumns
	return scanCertificate(r.db.QueryRow(ctx, query, id, joined, rememberDevice))
}

func (r *CertificateRepository) SetRememberDevice(ctx context.Context, id string, rememberDevice bool) (models.Certificate, error) {
	query := `
		UPDATE certificates
		SET remember_device = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + certificateColumns
	return scanCertificate(r.db.QueryRow(ctx, query, id, rememberDevice))
}

func (r *CertificateRepository) UpdateStatus(ctx context.Context, id string, status models.CertificateStatus) (models.Certificate, error) {
	query := `
		UPDATE certificates
		SET status = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + certificateColumns
	return scanCertificate(r.db.QueryRow(ctx, query, id, status))
}

func (r *CertificateRepository) RevokeActiveByDevice(ctx context.Context, deviceID string) (int64, error) {
	const query = `UPDATE certificates SET status = $2, updated_at = NOW() WHERE device_id = $1 AND status = $3`
	cmd, err := r.db.Exec(ctx, query, deviceID, models.CertificateStatusRevoked, models.CertificateStatusActive)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// ExpireActive flips every active certificate whose validity ended before
// now to EXPIRED.
func (r *CertificateRepository) ExpireActive(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE certificates SET status = $2, updated_at = NOW() WHERE status = $3 AND not_after < $1`
	cmd, err := r.db.Exec(ctx, query, now, models.CertificateStatusExpired, models.CertificateStatusActive)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
