// Package memstore is an in-memory repository.Store. It enforces the same
// unique keys, conditional updates and cascades as the Postgres schema and
// serializes transactions behind a single lock.
package memstore

import (
	"context"
	"maps"
	"sync"
	"time"

	"meshid/api/internal/models"
	"meshid/api/internal/repository"
)

type data struct {
	seq          int64
	users        map[string]models.User
	devices      map[string]models.Device
	certificates map[string]models.Certificate
	enrollments  map[string]models.EnrollmentToken
	sessions     map[string]models.Session
	activations  map[string]models.AccountActivation
	resets       map[string]models.PasswordReset
	order        map[string]int64
}

func newData() *data {
	return &data{
		users:        map[string]models.User{},
		devices:      map[string]models.Device{},
		certificates: map[string]models.Certificate{},
		enrollments:  map[string]models.EnrollmentToken{},
		sessions:     map[string]models.Session{},
		activations:  map[string]models.AccountActivation{},
		resets:       map[string]models.PasswordReset{},
		order:        map[string]int64{},
	}
}

func (d *data) clone() *data {
	return &data{
		seq:          d.seq,
		users:        maps.Clone(d.users),
		devices:      maps.Clone(d.devices),
		certificates: maps.Clone(d.certificates),
		enrollments:  maps.Clone(d.enrollments),
		sessions:     maps.Clone(d.sessions),
		activations:  maps.Clone(d.activations),
		resets:       maps.Clone(d.resets),
		order:        maps.Clone(d.order),
	}
}

// stamp records insertion order so "newest first" listings stay stable when
// timestamps collide.
func (d *data) stamp(id string) {
	d.seq++
	d.order[id] = d.seq
}

type Store struct {
	mu   *sync.Mutex
	db   **data
	inTx bool
	now  func() time.Time
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	d := newData()
	return &Store{mu: &sync.Mutex{}, db: &d, now: time.Now}
}

// WithClock overrides the clock used for created/updated timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) state() *data {
	return *s.db
}

func (s *Store) Users() repository.UserStore                       { return userStore{s} }
func (s *Store) Devices() repository.DeviceStore                   { return deviceStore{s} }
func (s *Store) Certificates() repository.CertificateStore         { return certificateStore{s} }
func (s *Store) EnrollmentTokens() repository.EnrollmentTokenStore { return enrollmentStore{s} }
func (s *Store) Sessions() repository.SessionStore                 { return sessionStore{s} }
func (s *Store) Activations() repository.ActivationStore           { return activationStore{s} }
func (s *Store) PasswordResets() repository.PasswordResetStore     { return resetStore{s} }

func (s *Store) WithinTx(ctx context.Context, fn func(repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state().clone()
	tx := &Store{mu: s.mu, db: s.db, inTx: true, now: s.now}
	if err := fn(tx); err != nil {
		*s.db = snapshot
		return err
	}
	return nil
}

// deleteUser removes a user with everything that references it.
func (d *data) deleteUser(id string) {
	delete(d.users, id)
	for k, v := range d.devices {
		if v.UserID == id {
			d.deleteDevice(k)
		}
	}
	for k, v := range d.certificates {
		if v.UserID == id {
			delete(d.certificates, k)
		}
	}
	for k, v := range d.enrollments {
		if v.UserID == id {
			delete(d.enrollments, k)
		}
	}
	for k, v := range d.sessions {
		if v.UserID == id {
			delete(d.sessions, k)
		}
	}
	for k, v := range d.activations {
		if v.UserID == id {
			delete(d.activations, k)
		}
	}
	for k, v := range d.resets {
		if v.UserID == id {
			delete(d.resets, k)
		}
	}
}

func (d *data) deleteDevice(id string) {
	delete(d.devices, id)
	for k, v := range d.certificates {
		if v.DeviceID == id {
			delete(d.certificates, k)
		}
	}
}
