package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Value is a typed whole-value cell persisted under one backend key.
//
// Load never blocks. Replace and Update are serialized; each persists first and only
// then publishes, so the in-memory value never runs ahead of what is on disk.
type Value[T any] struct {
	backend Backend
	key     string

	mu  sync.Mutex
	cur atomic.Pointer[T]
}

func NewValue[T any](backend Backend, key string) *Value[T] {
	return &Value[T]{backend: backend, key: key}
}

// Init loads the stored value, seeding defaults when the key does not exist yet.
// A stored value that does not decode is returned as an error.
func (v *Value[T]) Init(ctx context.Context, defaults T) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := v.backend.Get(ctx, v.key)
	if errors.Is(err, ErrNotFound) {
		if err := v.persist(ctx, defaults); err != nil {
			return err
		}
		v.cur.Store(&defaults)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load %s", v.key)
	}

	var loaded T
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return errors.Wrapf(err, "decode %s", v.key)
	}
	v.cur.Store(&loaded)
	return nil
}

// Load returns the current value. Before Init it returns the zero value.
func (v *Value[T]) Load() T {
	if p := v.cur.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

func (v *Value[T]) Replace(ctx context.Context, next T) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.persist(ctx, next); err != nil {
		return err
	}
	v.cur.Store(&next)
	return nil
}

// Update applies fn to the current value. When fn returns an error nothing is written.
// fn must not retain or mutate shared backing storage of its argument.
func (v *Value[T]) Update(ctx context.Context, fn func(T) (T, error)) (T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	next, err := fn(v.Load())
	if err != nil {
		return v.Load(), err
	}
	if err := v.persist(ctx, next); err != nil {
		return v.Load(), err
	}
	v.cur.Store(&next)
	return next, nil
}

func (v *Value[T]) persist(ctx context.Context, val T) error {
	raw, err := json.MarshalIndent(val, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", v.key)
	}
	if err := v.backend.Put(ctx, v.key, raw); err != nil {
		return errors.Wrapf(err, "persist %s", v.key)
	}
	return nil
}
