package ca

import (
	"context"
	"errors"
	"fmt"

	"meshid/api/internal/storage"
)

type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// ObjectKeyStore keeps the root pair in an object storage bucket so several
// API replicas share one CA. Generation is serialized by a distributed lock.
type ObjectKeyStore struct {
	blobs   Blobs
	locker  Locker
	certKey string
	keyKey  string
}

func NewObjectKeyStore(blobs Blobs, locker Locker, certKey, keyKey string) *ObjectKeyStore {
	return &ObjectKeyStore{blobs: blobs, locker: locker, certKey: certKey, keyKey: keyKey}
}

func (s *ObjectKeyStore) Load(ctx context.Context) (KeyMaterial, error) {
	certPEM, err := s.blobs.Get(ctx, s.certKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return KeyMaterial{}, ErrKeyMaterialNotFound
	}
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("load ca cert: %w", err)
	}

	keyPEM, err := s.blobs.Get(ctx, s.keyKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return KeyMaterial{}, ErrKeyMaterialNotFound
	}
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("load ca key: %w", err)
	}

	return KeyMaterial{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

func (s *ObjectKeyStore) Save(ctx context.Context, material KeyMaterial) error {
	if err := s.blobs.Put(ctx, s.keyKey, material.KeyPEM, "application/x-pem-file"); err != nil {
		return fmt.Errorf("save ca key: %w", err)
	}
	if err := s.blobs.Put(ctx, s.certKey, material.CertPEM, "application/x-pem-file"); err != nil {
		return fmt.Errorf("save ca cert: %w", err)
	}
	return nil
}

func (s *ObjectKeyStore) Lock(ctx context.Context) (func(), error) {
	return s.locker.Lock(ctx)
}
