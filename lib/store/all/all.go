// Package all imports every cache store backend so that they register
// themselves with the store package.
package all

import (
	_ "github.com/TecharoHQ/powgate/lib/store/bbolt"
	_ "github.com/TecharoHQ/powgate/lib/store/memory"
	_ "github.com/TecharoHQ/powgate/lib/store/valkey"
)
