// Package cache is the sqlite-backed local replica of conversation
// history. The in-memory store stays authoritative for the live session;
// the cache warms it on startup and absorbs write-throughs so history
// survives restarts. Cache failures are never fatal to the caller.
package cache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite connection for the app-owned cache.db.
type DB struct {
	*sql.DB
}

// Open creates a sqlite connection with WAL mode and busy timeout set.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}
	return &DB{db}, nil
}
