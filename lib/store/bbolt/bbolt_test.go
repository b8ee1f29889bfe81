package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/TecharoHQ/powgate/lib/store"
	"github.com/TecharoHQ/powgate/lib/store/storetest"
)

func TestImpl(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	t.Log(path)
	data, err := json.Marshal(Config{
		Path: path,
	})
	if err != nil {
		t.Fatal(err)
	}

	storetest.Common(t, Factory{}, json.RawMessage(data))
}

func TestCleanup(t *testing.T) {
	data, err := json.Marshal(Config{
		Path:   filepath.Join(t.TempDir(), "db"),
		Bucket: "windows",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	st, err := Factory{}.Build(ctx, json.RawMessage(data))
	if err != nil {
		t.Fatal(err)
	}
	s := st.(*Store)

	for i, key := range []string{"a", "b", "c", "d"} {
		expiry := time.Hour
		if i%2 == 0 {
			expiry = -time.Second
		}

		if err := s.Set(t.Context(), key, []byte(key), expiry); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.cleanup()
	if err != nil {
		t.Fatal(err)
	}

	if n != 2 {
		t.Errorf("wanted 2 records removed, got %d", n)
	}

	for _, key := range []string{"b", "d"} {
		if _, err := s.Get(t.Context(), key); err != nil {
			t.Errorf("live key %q lost: %v", key, err)
		}
	}

	if err := s.Delete(t.Context(), "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired key %q survived cleanup: %v", "a", err)
	}
}

func TestDecode(t *testing.T) {
	now := time.Unix(1700000000, 42)

	expires, data, err := decode(encode(now, []byte("hello")))
	if err != nil {
		t.Fatal(err)
	}

	if !expires.Equal(now) || string(data) != "hello" {
		t.Errorf("got (%v, %q)", expires, data)
	}

	if _, _, err := decode([]byte{1, 2, 3}); !errors.Is(err, ErrShortRecord) {
		t.Errorf("wanted ErrShortRecord, got: %v", err)
	}
}
