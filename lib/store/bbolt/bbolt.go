package bbolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TecharoHQ/powgate/lib/store"
	"go.etcd.io/bbolt"
)

// Sentinel error values used for testing and in admin-visible error messages.
var (
	ErrBucketDoesNotExist = errors.New("bbolt: bucket does not exist")
	ErrShortRecord        = errors.New("bbolt: record is shorter than its header")
)

// headerLen is the size of the expiry prefix of every record.
const headerLen = 8

// Store implements store.Interface backed by bbolt[1].
//
// All values live in one bucket. Each record is the expiry as big-endian
// unix nanoseconds followed by the raw value, so cleanup only has to read
// the first eight bytes of a record to decide whether to drop it.
//
// bbolt takes an exclusive file lock. Gate instances that share a cache must
// use the valkey backend instead.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb    *bbolt.DB
	bucket []byte
}

func encode(expires time.Time, value []byte) []byte {
	result := make([]byte, headerLen+len(value))
	binary.BigEndian.PutUint64(result, uint64(expires.UnixNano()))
	copy(result[headerLen:], value)
	return result
}

func decode(record []byte) (time.Time, []byte, error) {
	if len(record) < headerLen {
		return time.Time{}, nil, ErrShortRecord
	}

	expires := time.Unix(0, int64(binary.BigEndian.Uint64(record)))
	return expires, record[headerLen:], nil
}

// Delete a key from the datastore. If the key does not exist, return an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(s.bucket)
		if bkt == nil {
			return fmt.Errorf("%w: %q", ErrBucketDoesNotExist, s.bucket)
		}

		if bkt.Get([]byte(key)) == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		return bkt.Delete([]byte(key))
	})
}

// Get a value from the datastore. Expired records are reported as missing
// and deleted in the background.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(s.bucket)
		if bkt == nil {
			return fmt.Errorf("%w: %q", ErrBucketDoesNotExist, s.bucket)
		}

		record := bkt.Get([]byte(key))
		if record == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		expires, data, err := decode(record)
		if err != nil {
			return fmt.Errorf("[unexpected] %w: %q: %w", store.ErrCantDecode, key, err)
		}

		if time.Now().After(expires) {
			go s.Delete(context.Background(), key)
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		// data is only valid for the life of the transaction
		result = make([]byte, len(data))
		copy(result, data)

		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// Set a value into the store with a given expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	record := encode(time.Now().Add(expiry), value)

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(s.bucket)
		if bkt == nil {
			return fmt.Errorf("%w: %q", ErrBucketDoesNotExist, s.bucket)
		}

		if err := bkt.Put([]byte(key), record); err != nil {
			return fmt.Errorf("%w: %q: %w", store.ErrCantEncode, key, err)
		}

		return nil
	})
}

func (s *Store) cleanup() (int, error) {
	now := time.Now()
	removed := 0

	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(s.bucket)
		if bkt == nil {
			return fmt.Errorf("%w: %q", ErrBucketDoesNotExist, s.bucket)
		}

		var stale [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			expires, _, err := decode(v)
			if err != nil {
				slog.Warn("dropping undecodable cache record", "key", string(k), "err", err)
			}

			if err != nil || now.After(expires) {
				// keys are only valid for the life of the transaction, which
				// outlives this loop
				stale = append(stale, k)
			}

			return nil
		}); err != nil {
			return err
		}

		// deleting while iterating makes the cursor skip records
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			removed++
		}

		return nil
	})

	return removed, err
}

func (s *Store) cleanupThread(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.bdb.Close(); err != nil {
				slog.Error("can't close bbolt database", "err", err)
			}
			return
		case <-t.C:
			n, err := s.cleanup()
			if err != nil {
				slog.Error("error during bbolt cleanup", "err", err)
				continue
			}
			if n != 0 {
				slog.Debug("reclaimed expired cache entries", "backend", "bbolt", "count", n)
			}
		}
	}
}
