//go:build sqlite_vec && cgo

package metadata

import (
	// Registers the cgo "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
)

const sqliteDriver = "sqlite3"
