package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps the per-profile SQLite database that holds the durable client-side keyspaces.
type DB struct {
	*sql.DB
	path string
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// OpenOrReset opens and migrates the database at path. If the file cannot be used
// (not a database, unreadable schema, dirty migration) it is moved aside and a fresh
// database is created in its place. The bool result reports whether a reset happened.
func OpenOrReset(path string, logger *zap.Logger) (*DB, bool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openMigrated(path)
	if err == nil {
		return db, false, nil
	}

	logger.Warn("profile database unusable, starting from an empty one",
		zap.String("path", path), zap.Error(err))

	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if renameErr := os.Rename(path, aside); renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
		return nil, false, fmt.Errorf("move corrupt db aside: %w", renameErr)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}

	db, err = openMigrated(path)
	if err != nil {
		return nil, false, err
	}
	return db, true, nil
}

func openMigrated(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Dirty {
		_ = db.Close()
		return nil, fmt.Errorf("migration version %d is dirty", result.Version)
	}
	return db, nil
}
