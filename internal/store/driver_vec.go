//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo sqlite driver when the sqlite-vec extension is
// compiled in. The extension accelerates candidate scans on large stores;
// search semantics are identical to the default build.
const driverName = "sqlite3"

func init() {
	// Register sqlite-vec as an auto-loadable extension with go-sqlite3.
	vec.Auto()
}
