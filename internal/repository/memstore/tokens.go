package memstore

import (
	"context"
	"time"

	"meshid/api/internal/models"
	"meshid/api/internal/repository"
)

type enrollmentStore struct{ s *Store }

func (r enrollmentStore) Create(ctx context.Context, token models.EnrollmentToken) error {
	defer r.s.lock()()
	d := r.s.state()
	if _, ok := d.users[token.UserID]; !ok {
		return repository.ErrUserNotFound
	}
	for _, existing := range d.enrollments {
		if existing.Token == token.Token {
			return repository.ErrDuplicate
		}
	}
	token.Used = false
	token.UsedAt = nil
	token.CreatedAt = r.s.now()
	d.enrollments[token.ID] = token
	return nil
}

func (r enrollmentStore) GetByToken(ctx context.Context, token string) (models.EnrollmentToken, error) {
	defer r.s.lock()()
	for _, et := range r.s.state().enrollments {
		if et.Token == token {
			return et, nil
		}
	}
	return models.EnrollmentToken{}, repository.ErrEnrollmentNotFound
}

func (r enrollmentStore) MarkUsed(ctx context.Context, token string, at time.Time) error {
	defer r.s.lock()()
	d := r.s.state()
	for id, et := range d.enrollments {
		if et.Token != token {
			continue
		}
		if et.Used {
			return repository.ErrStaleState
		}
		usedAt := at
		et.Used = true
		et.UsedAt = &usedAt
		d.enrollments[id] = et
		return nil
	}
	return repository.ErrEnrollmentNotFound
}

func (r enrollmentStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	defer r.s.lock()()
	d := r.s.state()
	var n int64
	for id, et := range d.enrollments {
		if et.ExpiresAt.Before(now) {
			delete(d.enrollments, id)
			n++
		}
	}
	return n, nil
}

type sessionStore struct{ s *Store }

func (r sessionStore) Create(ctx context.Context, session models.Session) error {
	defer r.s.lock()()
	d := r.s.state()
	if _, ok := d.users[session.UserID]; !ok {
		return repository.ErrUserNotFound
	}
	for _, existing := range d.sessions {
		if existing.Token == session.Token {
			return repository.ErrDuplicate
		}
	}
	session.CreatedAt = r.s.now()
	d.sessions[session.ID] = session
	return nil
}

func (r sessionStore) GetByToken(ctx context.Context, token string) (models.Session, error) {
	defer r.s.lock()()
	for _, session := range r.s.state().sessions {
		if session.Token == token {
			return session, nil
		}
	}
	return models.Session{}, repository.ErrSessionNotFound
}

func (r sessionStore) DeleteByToken(ctx context.Context, token string) error {
	defer r.s.lock()()
	d := r.s.state()
	for id, session := range d.sessions {
		if session.Token == token {
			delete(d.sessions, id)
			return nil
		}
	}
	return repository.ErrSessionNotFound
}

func (r sessionStore) deleteWhere(match func(models.Session) bool) int64 {
	defer r.s.lock()()
	d := r.s.state()
	var n int64
	for id, session := range d.sessions {
		if match(session) {
			delete(d.sessions, id)
			n++
		}
	}
	return n
}

func (r sessionStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	return r.deleteWhere(func(s models.Session) bool { return s.UserID == userID }), nil
}

func (r sessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.deleteWhere(func(s models.Session) bool { return s.ExpiresAt.Before(now) }), nil
}

type activationStore struct{ s *Store }

func (r activationStore) Replace(ctx context.Context, activation models.AccountActivation) error {
	defer r.s.lock()()
	d := r.s.state()
	if _, ok := d.users[activation.UserID]; !ok {
		return repository.ErrUserNotFound
	}
	for id, existing := range d.activations {
		if existing.UserID == activation.UserID {
			delete(d.activations, id)
		} else if existing.Token == activation.Token {
			return repository.ErrDuplicate
		}
	}
	activation.CreatedAt = r.s.now()
	d.activations[activation.ID] = activation
	return nil
}

func (r activationStore) Consume(ctx context.Context, token string) (models.AccountActivation, error) {
	defer r.s.lock()()
	d := r.s.state()
	for id, activation := range d.activations {
		if activation.Token == token {
			delete(d.activations, id)
			return activation, nil
		}
	}
	return models.AccountActivation{}, repository.ErrActivationNotFound
}

func (r activationStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	defer r.s.lock()()
	d := r.s.state()
	var userIDs []string
	for id, activation := range d.activations {
		if activation.ExpiresAt.Before(now) {
			delete(d.activations, id)
			userIDs = append(userIDs, activation.UserID)
		}
	}
	return userIDs, nil
}

type resetStore struct{ s *Store }

func (r resetStore) Create(ctx context.Context, reset models.PasswordReset) error {
	defer r.s.lock()()
	d := r.s.state()
	if _, ok := d.users[reset.UserID]; !ok {
		return repository.ErrUserNotFound
	}
	for _, existing := range d.resets {
		if existing.Token == reset.Token {
			return repository.ErrDuplicate
		}
	}
	reset.CreatedAt = r.s.now()
	d.resets[reset.ID] = reset
	return nil
}

func (r resetStore) Consume(ctx context.Context, token string) (models.PasswordReset, error) {
	defer r.s.lock()()
	d := r.s.state()
	for id, reset := range d.resets {
		if reset.Token == token {
			delete(d.resets, id)
			return reset, nil
		}
	}
	return models.PasswordReset{}, repository.ErrPasswordResetNotFound
}

func (r resetStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	defer r.s.lock()()
	d := r.s.state()
	var n int64
	for id, reset := range d.resets {
		if reset.ExpiresAt.Before(now) {
			delete(d.resets, id)
			n++
		}
	}
	return n, nil
}
