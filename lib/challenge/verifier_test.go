package challenge_test

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/lib/challenge"
	"github.com/TecharoHQ/powgate/lib/challenge/challengetest"
	"github.com/TecharoHQ/powgate/lib/pow"
)

func TestVerifyKnownSolution(t *testing.T) {
	s := challenge.NewStore(0)
	now := time.Now()

	if err := s.Put("abc123", now, now.Add(powgate.ChallengeTTL)); err != nil {
		t.Fatal(err)
	}

	v := challenge.NewVerifier(s, pow.FromHexPrefix(4))

	out := v.Verify(slog.Default(), "abc123", "193903")
	if !out.Accepted {
		t.Fatalf("known solution was rejected: %q", out.Reason)
	}

	if out.Nonce != 193903 {
		t.Errorf("wrong nonce in outcome: %d", out.Nonce)
	}

	out = v.Verify(slog.Default(), "abc123", "193903")
	if out.Accepted {
		t.Fatal("solution was accepted twice")
	}

	if out.Reason != challenge.ReasonAlreadyUsed {
		t.Errorf("wanted %q, got: %q", challenge.ReasonAlreadyUsed, out.Reason)
	}

	if !errors.Is(out.Err(), challenge.ErrAlreadyUsedChallenge) {
		t.Errorf("outcome error does not wrap ErrAlreadyUsedChallenge: %v", out.Err())
	}
}

func TestVerifyRejections(t *testing.T) {
	const d = pow.Difficulty(8)

	for _, tt := range []struct {
		name  string
		token func(t *testing.T, s *challenge.Store) string
		nonce func(t *testing.T, token string) string
		want  challenge.Reason
	}{
		{
			name:  "missing",
			token: func(t *testing.T, s *challenge.Store) string { return "" },
			nonce: func(t *testing.T, token string) string { return "1" },
			want:  challenge.ReasonMissing,
		},
		{
			name:  "unknown",
			token: func(t *testing.T, s *challenge.Store) string { return "1_deadbeef" },
			nonce: func(t *testing.T, token string) string { return "1" },
			want:  challenge.ReasonUnknown,
		},
		{
			name: "not a number",
			token: func(t *testing.T, s *challenge.Store) string {
				return challengetest.New(t, s, time.Minute).Token
			},
			nonce: func(t *testing.T, token string) string { return "forty-two" },
			want:  challenge.ReasonBadNonce,
		},
		{
			name: "negative",
			token: func(t *testing.T, s *challenge.Store) string {
				return challengetest.New(t, s, time.Minute).Token
			},
			nonce: func(t *testing.T, token string) string { return "-1" },
			want:  challenge.ReasonBadNonce,
		},
		{
			name: "wrong nonce",
			token: func(t *testing.T, s *challenge.Store) string {
				return challengetest.New(t, s, time.Minute).Token
			},
			nonce: func(t *testing.T, token string) string {
				return strconv.FormatUint(challengetest.Unsolve(t, token, d), 10)
			},
			want: challenge.ReasonBadSolution,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := challenge.NewStore(0)
			v := challenge.NewVerifier(s, d)

			token := tt.token(t, s)
			out := v.Verify(nil, token, tt.nonce(t, token))

			if out.Accepted {
				t.Fatal("verification unexpectedly succeeded")
			}

			if out.Reason != tt.want {
				t.Errorf("wanted %q, got: %q", tt.want, out.Reason)
			}

			var cerr *challenge.Error
			if !errors.As(out.Err(), &cerr) {
				t.Fatalf("outcome error is not a *challenge.Error: %v", out.Err())
			}

			if cerr.PublicReason != powgate.MsgInvalidSolution {
				t.Errorf("wrong public reason: %q", cerr.PublicReason)
			}
		})
	}
}

func TestVerifyBadNonceBurnsToken(t *testing.T) {
	const d = pow.Difficulty(8)

	s := challenge.NewStore(0)
	v := challenge.NewVerifier(s, d)
	chall := challengetest.New(t, s, time.Minute)

	bad := challengetest.Unsolve(t, chall.Token, d)
	if out := v.Verify(nil, chall.Token, strconv.FormatUint(bad, 10)); out.Accepted {
		t.Fatal("bad nonce accepted")
	}

	good := challengetest.Solve(t, chall.Token, d)
	out := v.Verify(nil, chall.Token, strconv.FormatUint(good, 10))
	if out.Accepted {
		t.Fatal("token was reusable after a failed attempt")
	}

	if out.Reason != challenge.ReasonAlreadyUsed {
		t.Errorf("wanted %q, got: %q", challenge.ReasonAlreadyUsed, out.Reason)
	}
}

func TestVerifyExpiry(t *testing.T) {
	const d = pow.Difficulty(8)
	issued := time.Now()
	ttl := time.Minute

	for _, tt := range []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{name: "just issued", offset: 0, ok: true},
		{name: "half way", offset: ttl / 2, ok: true},
		{name: "at expiry", offset: ttl, ok: true},
		{name: "after expiry", offset: ttl + time.Nanosecond},
		{name: "long after expiry", offset: 24 * time.Hour},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := challenge.NewStore(0)
			if err := s.Put("tok", issued, issued.Add(ttl)); err != nil {
				t.Fatal(err)
			}

			v := challenge.NewVerifier(s, d)
			v.Now = func() time.Time { return issued.Add(tt.offset) }

			nonce := challengetest.Solve(t, "tok", d)
			out := v.Verify(nil, "tok", strconv.FormatUint(nonce, 10))

			if out.Accepted != tt.ok {
				t.Fatalf("wanted accepted=%v, got: %v (%q)", tt.ok, out.Accepted, out.Reason)
			}

			if !tt.ok && out.Reason != challenge.ReasonExpired {
				t.Errorf("wanted %q, got: %q", challenge.ReasonExpired, out.Reason)
			}
		})
	}
}

func TestVerifyConcurrentSubmissions(t *testing.T) {
	const d = pow.Difficulty(8)
	const workers = 32

	s := challenge.NewStore(0)
	v := challenge.NewVerifier(s, d)
	chall := challengetest.New(t, s, time.Minute)
	nonce := strconv.FormatUint(challengetest.Solve(t, chall.Token, d), 10)

	var accepted, replayed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			out := v.Verify(nil, chall.Token, nonce)
			switch {
			case out.Accepted:
				accepted.Add(1)
			case out.Reason == challenge.ReasonAlreadyUsed:
				replayed.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Errorf("wanted exactly one acceptance, got %d", got)
	}

	if got := replayed.Load(); got != workers-1 {
		t.Errorf("wanted %d replays, got %d", workers-1, got)
	}
}
