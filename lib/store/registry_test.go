package store_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/TecharoHQ/powgate/lib/store"
	_ "github.com/TecharoHQ/powgate/lib/store/all"
)

func TestMethods(t *testing.T) {
	got := store.Methods()
	for _, want := range []string{"bbolt", "memory", "valkey"} {
		if !slices.Contains(got, want) {
			t.Errorf("backend %q is not registered, have: %v", want, got)
		}
	}
}

func TestBuildUnknown(t *testing.T) {
	if _, err := store.Build(t.Context(), "carrier-pigeon", nil); !errors.Is(err, store.ErrBadConfig) {
		t.Errorf("wanted ErrBadConfig, got: %v", err)
	}
}
