//go:build !sqlite_vec

package metadata

import (
	// Registers the cgo-free "sqlite" driver.
	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"
