package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

const (
	dirPerm  os.FileMode = 0o700
	filePerm os.FileMode = 0o600
)

// FileBackend keeps one JSON file per key inside dir.
type FileBackend struct {
	dir  string
	seal *sealer
}

type FileOption func(*FileBackend)

// WithPassphrase seals every value with a key derived from passphrase.
func WithPassphrase(passphrase []byte) FileOption {
	return func(b *FileBackend) {
		if len(passphrase) == 0 {
			return
		}
		b.seal = newSealer(passphrase, DefaultKDF)
	}
}

func NewFileBackend(dir string, opts ...FileOption) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("store: empty directory")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}
	b := &FileBackend{dir: dir}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, key+".json")
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}
	if b.seal != nil {
		return b.seal.open(key, raw)
	}
	return raw, nil
}

func (b *FileBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if b.seal != nil {
		sealed, err := b.seal.seal(key, value)
		if err != nil {
			return err
		}
		value = sealed
	}
	return atomicWriteFile(b.path(key), value)
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "remove %s", key)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }

// atomicWriteFile writes through a temp file in the same directory, syncs it, then
// renames it over path.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return errors.Wrap(err, "open tmp")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(err, "write tmp")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(err, "sync tmp")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "close tmp")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "rename")
	}
	return nil
}
