package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TecharoHQ/powgate/internal"
)

// DefaultShards is the number of independently locked partitions in a Store.
const DefaultShards = 32

// Store is the in-memory registry of issued challenges.
//
// Tokens are spread over shards by hash. Every operation on a token holds
// exactly one shard lock, so consumers of unrelated tokens and the sweeper
// do not wait on each other for longer than one shard's critical section.
//
// Store is local to the process. Multiple gate instances behind one load
// balancer will reject solutions to challenges issued by a sibling.
type Store struct {
	shards []*shard
}

type shard struct {
	lock    sync.Mutex
	entries map[string]*Challenge
}

// NewStore creates an empty store with n shards. n <= 0 selects DefaultShards.
func NewStore(n int) *Store {
	if n <= 0 {
		n = DefaultShards
	}

	result := &Store{
		shards: make([]*shard, n),
	}

	for i := range result.shards {
		result.shards[i] = &shard{entries: map[string]*Challenge{}}
	}

	return result
}

func (s *Store) shardFor(token string) *shard {
	return s.shards[internal.FastHash64(token)%uint64(len(s.shards))]
}

// Put registers a fresh, unused challenge.
func (s *Store) Put(token string, issuedAt, expiresAt time.Time) error {
	sh := s.shardFor(token)

	sh.lock.Lock()
	defer sh.lock.Unlock()

	if _, ok := sh.entries[token]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateToken, token)
	}

	sh.entries[token] = &Challenge{
		Token:     token,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
	challengesStored.Inc()

	return nil
}

// Get returns a copy of the challenge registered under token.
func (s *Store) Get(token string) (Challenge, bool) {
	sh := s.shardFor(token)

	sh.lock.Lock()
	defer sh.lock.Unlock()

	c, ok := sh.entries[token]
	if !ok {
		return Challenge{}, false
	}

	return *c, true
}

// TryConsume marks the challenge as used if it exists, has not expired at
// now and was not used before. It returns ReasonNone on success and the
// reason for refusal otherwise. At most one caller ever gets ReasonNone for
// a given token.
func (s *Store) TryConsume(token string, now time.Time) Reason {
	sh := s.shardFor(token)

	sh.lock.Lock()
	defer sh.lock.Unlock()

	c, ok := sh.entries[token]
	switch {
	case !ok:
		return ReasonUnknown
	case c.Expired(now):
		return ReasonExpired
	case c.Used:
		return ReasonAlreadyUsed
	}

	c.Used = true
	return ReasonNone
}

// Sweep removes every challenge that expired before now and returns how many
// were removed.
func (s *Store) Sweep(now time.Time) int {
	removed := 0

	for _, sh := range s.shards {
		sh.lock.Lock()
		for token, c := range sh.entries {
			if c.ExpiresAt.Before(now) {
				delete(sh.entries, token)
				removed++
			}
		}
		sh.lock.Unlock()
	}

	if removed != 0 {
		challengesStored.Sub(float64(removed))
		challengesSwept.Add(float64(removed))
	}

	return removed
}

// Len returns the number of challenges currently held, expired or not.
func (s *Store) Len() int {
	result := 0

	for _, sh := range s.shards {
		sh.lock.Lock()
		result += len(sh.entries)
		sh.lock.Unlock()
	}

	return result
}

// Run sweeps the store every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Sweep(now); n != 0 {
				slog.Debug("swept expired challenges", "count", n)
			}
		}
	}
}
