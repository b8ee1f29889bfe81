package memory

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/TecharoHQ/powgate/lib/store"
	"github.com/TecharoHQ/powgate/lib/store/storetest"
)

func TestImpl(t *testing.T) {
	storetest.Common(t, factory{}, json.RawMessage(`{"cleanup_interval": "50ms"}`))
}

func TestFactoryValid(t *testing.T) {
	for _, tt := range []struct {
		name string
		data string
		err  error
	}{
		{name: "empty", data: ``},
		{name: "null", data: `null`},
		{name: "empty object", data: `{}`},
		{name: "interval", data: `{"cleanup_interval": "1m"}`},
		{name: "garbage", data: `}`, err: store.ErrBadConfig},
		{name: "bad interval", data: `{"cleanup_interval": "soon"}`, err: store.ErrBadConfig},
		{name: "negative interval", data: `{"cleanup_interval": "-1s"}`, err: store.ErrBadConfig},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := (factory{}).Valid(json.RawMessage(tt.data)); !errors.Is(err, tt.err) {
				t.Errorf("wanted %v, got: %v", tt.err, err)
			}
		})
	}
}
