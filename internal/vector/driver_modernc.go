//go:build !sqlite_vec

package vector

import (
	// Registers the cgo-free "sqlite" driver.
	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"
