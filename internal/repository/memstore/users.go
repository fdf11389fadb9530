package memstore

import (
	"context"

	"meshid/api/internal/models"
	"meshid/api/internal/repository"
)

type userStore struct{ s *Store }

func (r userStore) Create(ctx context.Context, user models.User) error {
	defer r.s.lock()()
	d := r.s.state()

	if _, ok := d.users[user.ID]; ok {
		return repository.ErrDuplicate
	}
	for _, u := range d.users {
		if user.Email != "" && u.Email == user.Email {
			return repository.ErrDuplicate
		}
		if user.Phone != "" && u.Phone == user.Phone {
			return repository.ErrDuplicate
		}
	}

	now := r.s.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	d.users[user.ID] = user
	d.stamp(user.ID)
	return nil
}

func (r userStore) GetByID(ctx context.Context, id string) (models.User, error) {
	defer r.s.lock()()
	user, ok := r.s.state().users[id]
	if !ok {
		return models.User{}, repository.ErrUserNotFound
	}
	return user, nil
}

func (r userStore) find(match func(models.User) bool) (models.User, error) {
	defer r.s.lock()()
	for _, u := range r.s.state().users {
		if match(u) {
			return u, nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (r userStore) FindByEmail(ctx context.Context, email string) (models.User, error) {
	return r.find(func(u models.User) bool { return email != "" && u.Email == email })
}

func (r userStore) FindByPhone(ctx context.Context, phone string) (models.User, error) {
	return r.find(func(u models.User) bool { return phone != "" && u.Phone == phone })
}

func (r userStore) UpdateStatus(ctx context.Context, id string, from, to models.UserStatus) error {
	defer r.s.lock()()
	d := r.s.state()
	user, ok := d.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	if user.Status != from {
		return repository.ErrStaleState
	}
	user.Status = to
	user.UpdatedAt = r.s.now()
	d.users[id] = user
	return nil
}

func (r userStore) UpdatePassword(ctx context.Context, id string, hash []byte) error {
	defer r.s.lock()()
	d := r.s.state()
	user, ok := d.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.PasswordHash = hash
	user.UpdatedAt = r.s.now()
	d.users[id] = user
	return nil
}

func (r userStore) UpdateProfile(ctx context.Context, id string, nickname *string, avatar *string) (models.User, error) {
	defer r.s.lock()()
	d := r.s.state()
	user, ok := d.users[id]
	if !ok {
		return models.User{}, repository.ErrUserNotFound
	}
	if nickname != nil {
		user.Nickname = *nickname
	}
	if avatar != nil {
		v := *avatar
		user.Avatar = &v
	}
	user.UpdatedAt = r.s.now()
	d.users[id] = user
	return user, nil
}

func (r userStore) DeletePending(ctx context.Context, ids []string) (int64, error) {
	defer r.s.lock()()
	d := r.s.state()
	var n int64
	for _, id := range ids {
		if user, ok := d.users[id]; ok && user.Status == models.UserStatusPending {
			d.deleteUser(id)
			n++
		}
	}
	return n, nil
}
