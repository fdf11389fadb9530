package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"meshid/api/internal/models"
)

type DeviceRepository struct {
	db DBTX
}

func NewDeviceRepository(db DBTX) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `id, user_id, os, arch, agent_version, device_nonce, last_seen, created_at, updated_at`

func scanDevice(row pgx.Row) (models.Device, error) {
	var device models.Device
	if err := row.Scan(
		&device.ID,
		&device.UserID,
		&device.OS,
		&device.Arch,
		&device.AgentVersion,
		&device.DeviceNonce,
		&device.LastSeen,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Device{}, ErrDeviceNotFound
		}
		return models.Device{}, err
	}
	return device, nil
}

func (r *DeviceRepository) Create(ctx context.Context, device models.Device) (models.Device, error) {
	query := `
		INSERT INTO devices (
			id, user_id, os, arch, agent_version, device_nonce, last_seen, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, NOW(), NOW(), NOW()
		)
		RETURNING ` + deviceColumns

	created, err := scanDevice(r.db.QueryRow(ctx, query,
		device.ID,
		device.UserID,
		device.OS,
		device.Arch,
		device.AgentVersion,
		device.DeviceNonce,
	))
	if isUniqueViolation(err) {
		return models.Device{}, ErrDuplicate
	}
	return created, err
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	return scanDevice(r.db.QueryRow(ctx, query, id))
}

func (r *DeviceRepository) GetByNonce(ctx context.Context, nonce string) (models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_nonce = $1`
	return scanDevice(r.db.QueryRow(ctx, query, nonce))
}

func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 ORDER BY last_seen DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func (r *DeviceRepository) UpdateByNonce(ctx context.Context, nonce string, update models.DeviceUpdate, seenAt time.Time) (models.Device, error) {
	query := `
		UPDATE devices
		SET os = COALESCE($2, os),
		    arch = COALESCE($3, arch),
		    agent_version = COALESCE($4, agent_version),
		    last_seen = $5,
		    updated_at = NOW()
		WHERE device_nonce = $1
		RETURNING ` + deviceColumns
	return scanDevice(r.db.QueryRow(ctx, query, nonce, update.OS, update.Arch, update.AgentVersion, seenAt))
}

func (r *DeviceRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM devices WHERE id = $1`
	cmd, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// DeleteInactive removes devices not seen since cutoff that hold no active
// certificate.
func (r *DeviceRepository) DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM devices d
		WHERE d.last_seen < $1
		  AND NOT EXISTS (
			SELECT 1 FROM certificates c
			WHERE c.device_id = d.id AND c.status = $2
		  )
	`
	cmd, err := r.db.Exec(ctx, query, cutoff, models.CertificateStatusActive)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
