package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meshid/api/internal/ids"
	"meshid/api/internal/models"
	"meshid/api/internal/repository"
	"meshid/api/internal/security"
)

const defaultInactiveDays = 90

type DeviceService struct {
	store repository.Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewDeviceService(store repository.Store, log zerolog.Logger) *DeviceService {
	return &DeviceService{store: store, log: log, now: time.Now}
}

type CreateDeviceInput struct {
	OS           string
	Arch         string
	AgentVersion string
}

func (s *DeviceService) Create(ctx context.Context, userID string, input CreateDeviceInput) (models.Device, error) {
	if strings.TrimSpace(input.OS) == "" || strings.TrimSpace(input.Arch) == "" {
		return models.Device{}, invalid("os and arch are required")
	}

	device, err := s.store.Devices().Create(ctx, models.Device{
		ID:           ids.New(),
		UserID:       userID,
		OS:           input.OS,
		Arch:         input.Arch,
		AgentVersion: input.AgentVersion,
		DeviceNonce:  security.NewOpaqueToken(),
	})
	if err != nil {
		return models.Device{}, storeError(err, "device")
	}

	s.log.Info().Str("user_id", userID).Str("device_id", device.ID).Msg("device created")
	return device, nil
}

type DeviceWithCertificates struct {
	Device       models.Device
	Certificates []models.Certificate
}

// List returns the user's devices, most recently seen first, each with its
// active certificates.
func (s *DeviceService) List(ctx context.Context, userID string) ([]DeviceWithCertificates, error) {
	devices, err := s.store.Devices().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	certs, err := s.store.Certificates().ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}

	byDevice := make(map[string][]models.Certificate, len(devices))
	for _, cert := range certs {
		byDevice[cert.DeviceID] = append(byDevice[cert.DeviceID], cert)
	}

	out := make([]DeviceWithCertificates, 0, len(devices))
	for _, device := range devices {
		out = append(out, DeviceWithCertificates{Device: device, Certificates: byDevice[device.ID]})
	}
	return out, nil
}

func (s *DeviceService) GetByNonce(ctx context.Context, userID, nonce string) (models.Device, error) {
	device, err := s.store.Devices().GetByNonce(ctx, nonce)
	if err != nil {
		return models.Device{}, storeError(err, "device")
	}
	if device.UserID != userID {
		return models.Device{}, fmt.Errorf("%w: device", ErrNotFound)
	}
	return device, nil
}

// UpdateByNonce applies the update and records the device as seen now.
func (s *DeviceService) UpdateByNonce(ctx context.Context, userID, nonce string, update models.DeviceUpdate) (models.Device, error) {
	if _, err := s.GetByNonce(ctx, userID, nonce); err != nil {
		return models.Device{}, err
	}
	device, err := s.store.Devices().UpdateByNonce(ctx, nonce, update, s.now())
	if err != nil {
		return models.Device{}, storeError(err, "device")
	}
	return device, nil
}

// Revoke marks the device's active certificates revoked and deletes the
// device in one transaction.
func (s *DeviceService) Revoke(ctx context.Context, deviceID, userID string) error {
	var revoked int64
	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		device, err := tx.Devices().GetByID(ctx, deviceID)
		if err != nil {
			return storeError(err, "device")
		}
		if device.UserID != userID {
			return fmt.Errorf("%w: device", ErrNotFound)
		}

		if revoked, err = tx.Certificates().RevokeActiveByDevice(ctx, deviceID); err != nil {
			return fmt.Errorf("revoke certificates: %w", err)
		}
		if err := tx.Devices().Delete(ctx, deviceID); err != nil {
			return storeError(err, "device")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("device_id", deviceID).Int64("revoked", revoked).Msg("device revoked")
	return nil
}

// CleanupInactive deletes devices unseen for days that hold no active
// certificate.
func (s *DeviceService) CleanupInactive(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = defaultInactiveDays
	}
	cutoff := s.now().AddDate(0, 0, -days)
	n, err := s.store.Devices().DeleteInactive(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup inactive devices: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Int("days", days).Msg("inactive devices removed")
	}
	return n, nil
}
