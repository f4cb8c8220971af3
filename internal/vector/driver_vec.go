//go:build sqlite_vec && cgo

package vector

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	// Registers the cgo "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
)

const sqliteDriver = "sqlite3"

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3
	// driver. SQLiteStore detects it at open and shadows each
	// collection with a vec0 table for KNN search.
	vec.Auto()
}
