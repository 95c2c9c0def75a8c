// Package store persists the daemon's state as whole JSON values under string keys.
//
// A Backend only moves bytes. Value[T] layers a typed, atomically published cell on
// top of a Backend key so readers never take a lock and writers persist before they
// publish.
package store

import (
	"context"
	"regexp"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound   = errors.New("store: key not found")
	ErrInvalidKey = errors.New("store: invalid key")
)

// Backend is the byte-level storage a Value is persisted to.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	return nil
}
