//go:build !sqlite_vec

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go sqlite driver by default.
const driverName = "sqlite"
