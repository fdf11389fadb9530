package ca

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrKeyMaterialNotFound = errors.New("ca key material not found")

// KeyMaterial is the PEM encoded root certificate and private key.
type KeyMaterial struct {
	CertPEM []byte
	KeyPEM  []byte
}

// KeyStore persists the root key pair. Lock guards the one-time generation
// path across processes.
type KeyStore interface {
	Load(ctx context.Context) (KeyMaterial, error)
	Save(ctx context.Context, material KeyMaterial) error
	Lock(ctx context.Context) (release func(), err error)
}

// FileKeyStore keeps the root pair on local disk and uses an exclusive lock
// file next to the key.
type FileKeyStore struct {
	certPath   string
	keyPath    string
	staleAfter time.Duration
	poll       time.Duration
}

func NewFileKeyStore(certPath, keyPath string) *FileKeyStore {
	return &FileKeyStore{
		certPath:   certPath,
		keyPath:    keyPath,
		staleAfter: time.Minute,
		poll:       50 * time.Millisecond,
	}
}

func (s *FileKeyStore) Load(ctx context.Context) (KeyMaterial, error) {
	certPEM, err := os.ReadFile(s.certPath)
	if errors.Is(err, os.ErrNotExist) {
		return KeyMaterial{}, ErrKeyMaterialNotFound
	}
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("read ca cert: %w", err)
	}

	keyPEM, err := os.ReadFile(s.keyPath)
	if errors.Is(err, os.ErrNotExist) {
		return KeyMaterial{}, ErrKeyMaterialNotFound
	}
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("read ca key: %w", err)
	}

	return KeyMaterial{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// Save writes the key before the certificate so a reader that finds the
// certificate always finds a matching key.
func (s *FileKeyStore) Save(ctx context.Context, material KeyMaterial) error {
	if err := writeFileAtomic(s.keyPath, material.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write ca key: %w", err)
	}
	if err := writeFileAtomic(s.certPath, material.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write ca cert: %w", err)
	}
	return nil
}

func (s *FileKeyStore) Lock(ctx context.Context) (func(), error) {
	lockPath := s.keyPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create ca dir: %w", err)
	}

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		// A holder that crashed leaves the file behind.
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > s.staleAfter {
			_ = os.Remove(lockPath)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for ca lock: %w", ctx.Err())
		case <-time.After(s.poll):
		}
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
