package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Durable keyspaces. Each one can be cleared without touching the others.
const (
	NamespaceDiscoveredChats = "discovered_chats"
	NamespaceDevices         = "devices"
	NamespaceSettings        = "settings"
)

// Put inserts or replaces the value stored under namespace/key.
func (db *DB) Put(namespace, key string, value []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		namespace, key, string(value), now)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get returns the value under namespace/key. The bool is false when the key is absent.
func (db *DB) Get(namespace, key string) ([]byte, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return []byte(value), true, nil
}

// List returns every key/value pair in a namespace.
func (db *DB) List(namespace string) (map[string][]byte, error) {
	rows, err := db.Query(`SELECT key, value FROM kv WHERE namespace = ? ORDER BY updated_at DESC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]byte)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = []byte(v)
	}
	return out, rows.Err()
}

// Delete removes namespace/key. Deleting a missing key is not an error.
func (db *DB) Delete(namespace, key string) error {
	if _, err := db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// ClearNamespace drops every key of one namespace and returns how many were removed.
func (db *DB) ClearNamespace(namespace string) (int64, error) {
	res, err := db.Exec(`DELETE FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", namespace, err)
	}
	return res.RowsAffected()
}
