// Package memory is the process-local cache store backend.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/TecharoHQ/powgate/decaymap"
	"github.com/TecharoHQ/powgate/lib/store"
)

// DefaultCleanupInterval is how often expired entries are reclaimed.
const DefaultCleanupInterval = 5 * time.Minute

type factory struct{}

func (factory) Build(ctx context.Context, data json.RawMessage) (store.Interface, error) {
	config, err := parse(data)
	if err != nil {
		return nil, err
	}

	return newWithInterval(ctx, time.Duration(config.CleanupInterval)), nil
}

func (factory) Valid(data json.RawMessage) error {
	_, err := parse(data)
	return err
}

func init() {
	store.Register("memory", factory{})
}

// Config is the memory backend configuration. Every field is optional.
type Config struct {
	CleanupInterval duration `json:"cleanup_interval,omitempty"`
}

func parse(data json.RawMessage) (Config, error) {
	var config Config
	if len(data) == 0 || string(data) == "null" {
		return config, nil
	}

	if err := json.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	if config.CleanupInterval < 0 {
		return config, fmt.Errorf("%w: cleanup_interval must not be negative", store.ErrBadConfig)
	}

	return config, nil
}

// duration accepts "90s" style strings in JSON.
type duration time.Duration

func (d *duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = duration(v)
	return nil
}

type impl struct {
	store *decaymap.Impl[string, []byte]
}

func (i *impl) Delete(_ context.Context, key string) error {
	if !i.store.Delete(key) {
		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return nil
}

func (i *impl) Get(_ context.Context, key string) ([]byte, error) {
	result, ok := i.store.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return result, nil
}

func (i *impl) Set(_ context.Context, key string, value []byte, expiry time.Duration) error {
	i.store.Set(key, value, expiry)
	return nil
}

func (i *impl) cleanupThread(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := i.store.Cleanup(); n != 0 {
				slog.Debug("reclaimed expired cache entries", "backend", "memory", "count", n)
			}
		}
	}
}

// New creates an in-memory store. Entries are not shared between gate
// instances; use the valkey backend for that.
func New(ctx context.Context) store.Interface {
	return newWithInterval(ctx, 0)
}

func newWithInterval(ctx context.Context, interval time.Duration) store.Interface {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	result := &impl{
		store: decaymap.New[string, []byte](),
	}

	go result.cleanupThread(ctx, interval)

	return result
}
