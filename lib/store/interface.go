// Package store is the key/value cache behind upstream lookups, such as
// project claim windows. Backends register themselves by name and are
// selected by the policy file.
//
// Proof-of-work challenges never go through this package. They live in the
// process-local challenge.Store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the store implementation cannot find the value
	// for a given key.
	ErrNotFound = errors.New("store: key not found")

	// ErrCantDecode is returned when a store adaptor cannot decode the store format
	// to a value used by the code.
	ErrCantDecode = errors.New("store: can't decode value")

	// ErrCantEncode is returned when a store adaptor cannot encode the value into
	// the format that the store uses.
	ErrCantEncode = errors.New("store: can't encode value")

	// ErrBadConfig is returned when a store adaptor's configuration is invalid.
	ErrBadConfig = errors.New("store: configuration is invalid")

	// ErrCantCache is returned by JSON.Fetch together with a freshly loaded
	// value when that value could not be written back to the store.
	ErrCantCache = errors.New("store: can't cache value")
)

// Interface is a byte-oriented cache with per-key expiry.
type Interface interface {
	// Delete removes a value from the store by key.
	Delete(ctx context.Context, key string) error

	// Get returns the value of a key assuming that value exists and has not expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set puts a value into the store that expires according to its expiry.
	Set(ctx context.Context, key string, value []byte, expiry time.Duration) error
}

func zero[T any]() T { return *new(T) }

// JSON stores values of type T as JSON documents under Prefix+key.
type JSON[T any] struct {
	Underlying Interface
	Prefix     string
}

func (j *JSON[T]) key(key string) string {
	return j.Prefix + key
}

func (j *JSON[T]) Delete(ctx context.Context, key string) error {
	return j.Underlying.Delete(ctx, j.key(key))
}

func (j *JSON[T]) Get(ctx context.Context, key string) (T, error) {
	data, err := j.Underlying.Get(ctx, j.key(key))
	if err != nil {
		return zero[T](), err
	}

	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return zero[T](), fmt.Errorf("%w: %w", ErrCantDecode, err)
	}

	return result, nil
}

func (j *JSON[T]) Set(ctx context.Context, key string, value T, expiry time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCantEncode, err)
	}

	return j.Underlying.Set(ctx, j.key(key), data, expiry)
}

// Fetch returns the cached value for key or, on a miss, calls load and caches
// its result for expiry. Any read failure counts as a miss so that a broken
// backend degrades to calling load every time. Errors from load are returned
// as-is and nothing is cached. A failed write is reported as ErrCantCache
// alongside the loaded value.
func (j *JSON[T]) Fetch(ctx context.Context, key string, expiry time.Duration, load func(context.Context) (T, error)) (T, error) {
	if result, err := j.Get(ctx, key); err == nil {
		return result, nil
	}

	result, err := load(ctx)
	if err != nil {
		return zero[T](), err
	}

	if err := j.Set(ctx, key, result, expiry); err != nil {
		return result, fmt.Errorf("%w %q: %w", ErrCantCache, key, err)
	}

	return result, nil
}
