package memstore

import (
	"context"
	"sort"
	"time"

	"meshid/api/internal/models"
	"meshid/api/internal/repository"
)

type certificateStore struct{ s *Store }

func (r certificateStore) Upsert(ctx context.Context, cert models.Certificate) (models.Certificate, error) {
	defer r.s.lock()()
	d := r.s.state()

	if _, ok := d.users[cert.UserID]; !ok {
		return models.Certificate{}, repository.ErrUserNotFound
	}
	if _, ok := d.devices[cert.DeviceID]; !ok {
		return models.Certificate{}, repository.ErrDeviceNotFound
	}

	now := r.s.now()
	for id, existing := range d.certificates {
		if existing.ZTMUsername != cert.ZTMUsername {
			continue
		}
		existing.UserID = cert.UserID
		existing.DeviceID = cert.DeviceID
		existing.Status = cert.Status
		existing.Fingerprint = cert.Fingerprint
		existing.NotBefore = cert.NotBefore
		existing.NotAfter = cert.NotAfter
		existing.CertificateChain = cert.CertificateChain
		existing.PermitSent = false
		existing.PermitSentAt = nil
		existing.PermitEmail = nil
		existing.IsJoinedMesh = false
		existing.RememberDevice = true
		existing.UpdatedAt = now
		d.certificates[id] = existing
		return existing, nil
	}

	cert.PermitSent = false
	cert.PermitSentAt = nil
	cert.PermitEmail = nil
	cert.IsJoinedMesh = false
	cert.RememberDevice = true
	cert.CreatedAt = now
	cert.UpdatedAt = now
	d.certificates[cert.ID] = cert
	d.stamp(cert.ID)
	return cert, nil
}

func (r certificateStore) GetByID(ctx context.Context, id string) (models.Certificate, error) {
	defer r.s.lock()()
	cert, ok := r.s.state().certificates[id]
	if !ok {
		return models.Certificate{}, repository.ErrCertificateNotFound
	}
	return cert, nil
}

func (r certificateStore) GetByZTMUsername(ctx context.Context, username string) (models.Certificate, error) {
	defer r.s.lock()()
	for _, cert := range r.s.state().certificates {
		if cert.ZTMUsername == username {
			return cert, nil
		}
	}
	return models.Certificate{}, repository.ErrCertificateNotFound
}

func (r certificateStore) FindLatestByDevice(ctx context.Context, deviceID string) (models.Certificate, error) {
	defer r.s.lock()()
	d := r.s.state()
	var (
		latest models.Certificate
		found  bool
	)
	for _, cert := range d.certificates {
		if cert.DeviceID != deviceID {
			continue
		}
		newer := cert.UpdatedAt.After(latest.UpdatedAt) ||
			(cert.UpdatedAt.Equal(latest.UpdatedAt) && d.order[cert.ID] > d.order[latest.ID])
		if !found || newer {
			latest = cert
			found = true
		}
	}
	if !found {
		return models.Certificate{}, repository.ErrCertificateNotFound
	}
	return latest, nil
}

func (r certificateStore) listWhere(match func(models.Certificate) bool) []models.Certificate {
	d := r.s.state()
	var certs []models.Certificate
	for _, cert := range d.certificates {
		if match(cert) {
			certs = append(certs, cert)
		}
	}
	sort.Slice(certs, func(i, j int) bool {
		return d.order[certs[i].ID] > d.order[certs[j].ID]
	})
	return certs
}

func (r certificateStore) ListByUser(ctx context.Context, userID string) ([]models.Certificate, error) {
	defer r.s.lock()()
	return r.listWhere(func(c models.Certificate) bool { return c.UserID == userID }), nil
}

func (r certificateStore) ListActiveByUser(ctx context.Context, userID string) ([]models.Certificate, error) {
	defer r.s.lock()()
	return r.listWhere(func(c models.Certificate) bool {
		return c.UserID == userID && c.Status == models.CertificateStatusActive
	}), nil
}

func (r certificateStore) update(id string, fn func(*models.Certificate)) (models.Certificate, error) {
	defer r.s.lock()()
	d := r.s.state()
	cert, ok := d.certificates[id]
	if !ok {
		return models.Certificate{}, repository.ErrCertificateNotFound
	}
	fn(&cert)
	cert.UpdatedAt = r.s.now()
	d.certificates[id] = cert
	return cert, nil
}

func (r certificateStore) MarkPermitSent(ctx context.Context, id string, email string, at time.Time) (models.Certificate, error) {
	return r.update(id, func(c *models.Certificate) {
		sentAt := at
		to := email
		c.PermitSent = true
		c.PermitSentAt = &sentAt
		c.PermitEmail = &to
		c.IsJoinedMesh = true
	})
}

func (r certificateStore) SetMembership(ctx context.Context, id string, joined bool, rememberDevice bool) (models.Certificate, error) {
	return r.update(id, func(c *models.Certificate) {
		c.IsJoinedMesh = joined && c.PermitSent
		c.RememberDevice = rememberDevice
	})
}

func (r certificateStore) SetRememberDevice(ctx context.Context, id string, rememberDevice bool) (models.Certificate, error) {
	return r.update(id, func(c *models.Certificate) {
		c.RememberDevice = rememberDevice
	})
}

func (r certificateStore) UpdateStatus(ctx context.Context, id string, status models.CertificateStatus) (models.Certificate, error) {
	return r.update(id, func(c *models.Certificate) {
		c.Status = status
	})
}

func (r certificateStore) flip(match func(models.Certificate) bool, to models.CertificateStatus) int64 {
	defer r.s.lock()()
	d := r.s.state()
	now := r.s.now()
	var n int64
	for id, cert := range d.certificates {
		if match(cert) {
			cert.Status = to
			cert.UpdatedAt = now
			d.certificates[id] = cert
			n++
		}
	}
	return n
}

func (r certificateStore) RevokeActiveByDevice(ctx context.Context, deviceID string) (int64, error) {
	return r.flip(func(c models.Certificate) bool {
		return c.DeviceID == deviceID && c.Status == models.CertificateStatusActive
	}, models.CertificateStatusRevoked), nil
}

func (r certificateStore) ExpireActive(ctx context.Context, now time.Time) (int64, error) {
	return r.flip(func(c models.Certificate) bool {
		return c.Status == models.CertificateStatusActive && c.NotAfter.Before(now)
	}, models.CertificateStatusExpired), nil
}
