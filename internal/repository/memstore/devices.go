package memstore

import (
	"context"
	"sort"
	"time"

	"meshid/api/internal/models"
	"meshid/api/internal/repository"
)

type deviceStore struct{ s *Store }

func (r deviceStore) Create(ctx context.Context, device models.Device) (models.Device, error) {
	defer r.s.lock()()
	d := r.s.state()

	if _, ok := d.users[device.UserID]; !ok {
		return models.Device{}, repository.ErrUserNotFound
	}
	if _, ok := d.devices[device.ID]; ok {
		return models.Device{}, repository.ErrDuplicate
	}
	for _, existing := range d.devices {
		if existing.DeviceNonce == device.DeviceNonce {
			return models.Device{}, repository.ErrDuplicate
		}
	}

	now := r.s.now()
	device.LastSeen = now
	device.CreatedAt = now
	device.UpdatedAt = now
	d.devices[device.ID] = device
	d.stamp(device.ID)
	return device, nil
}

func (r deviceStore) GetByID(ctx context.Context, id string) (models.Device, error) {
	defer r.s.lock()()
	device, ok := r.s.state().devices[id]
	if !ok {
		return models.Device{}, repository.ErrDeviceNotFound
	}
	return device, nil
}

func (r deviceStore) byNonce(nonce string) (models.Device, bool) {
	for _, device := range r.s.state().devices {
		if device.DeviceNonce == nonce {
			return device, true
		}
	}
	return models.Device{}, false
}

func (r deviceStore) GetByNonce(ctx context.Context, nonce string) (models.Device, error) {
	defer r.s.lock()()
	device, ok := r.byNonce(nonce)
	if !ok {
		return models.Device{}, repository.ErrDeviceNotFound
	}
	return device, nil
}

func (r deviceStore) ListByUser(ctx context.Context, userID string) ([]models.Device, error) {
	defer r.s.lock()()
	var devices []models.Device
	for _, device := range r.s.state().devices {
		if device.UserID == userID {
			devices = append(devices, device)
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastSeen.After(devices[j].LastSeen)
	})
	return devices, nil
}

func (r deviceStore) UpdateByNonce(ctx context.Context, nonce string, update models.DeviceUpdate, seenAt time.Time) (models.Device, error) {
	defer r.s.lock()()
	device, ok := r.byNonce(nonce)
	if !ok {
		return models.Device{}, repository.ErrDeviceNotFound
	}
	if update.OS != nil {
		device.OS = *update.OS
	}
	if update.Arch != nil {
		device.Arch = *update.Arch
	}
	if update.AgentVersion != nil {
		device.AgentVersion = *update.AgentVersion
	}
	device.LastSeen = seenAt
	device.UpdatedAt = r.s.now()
	r.s.state().devices[device.ID] = device
	return device, nil
}

func (r deviceStore) Delete(ctx context.Context, id string) error {
	defer r.s.lock()()
	d := r.s.state()
	if _, ok := d.devices[id]; !ok {
		return repository.ErrDeviceNotFound
	}
	d.deleteDevice(id)
	return nil
}

func (r deviceStore) DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	defer r.s.lock()()
	d := r.s.state()

	active := map[string]bool{}
	for _, cert := range d.certificates {
		if cert.Status == models.CertificateStatusActive {
			active[cert.DeviceID] = true
		}
	}

	var n int64
	for id, device := range d.devices {
		if device.LastSeen.Before(cutoff) && !active[id] {
			d.deleteDevice(id)
			n++
		}
	}
	return n, nil
}
