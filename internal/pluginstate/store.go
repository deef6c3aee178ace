// Package pluginstate is a namespaced key-value store for
// instance-owned plugin state: per-bridge adoption tables, poller
// high-water marks, and other lightweight data a plugin instance needs
// to survive restarts without deserving its own schema (spec.md §6
// "Instance-owned states"). Grounded directly on opstate.Store
// (internal/opstate/store.go), same schema and query shapes, adapted
// from a generic namespace string to the
// "<instanceRoot>.<PluginType>.<instanceId>.*" layout the core
// documents for plugin-owned state.
package pluginstate

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) a plugin-state database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("pluginstate: open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pluginstate: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS plugin_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

// Namespace builds the "<instanceRoot>.<PluginType>.<instanceId>"
// prefix a plugin instance's keys live under (no trailing dot).
func Namespace(instanceRoot, pluginType, instanceID string) string {
	return instanceRoot + "." + pluginType + "." + instanceID
}

// Get returns the stored value for a namespace/key pair, or "" if
// absent.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM plugin_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pluginstate: get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO plugin_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("pluginstate: set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a namespace/key entry. No error if absent.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM plugin_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("pluginstate: delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes every entry under namespace, used when a
// plugin instance is deleted (admin.plugins.deleteInstance).
func (s *Store) DeleteNamespace(namespace string) error {
	_, err := s.db.Exec(`DELETE FROM plugin_state WHERE namespace = ?`, namespace)
	if err != nil {
		return fmt.Errorf("pluginstate: delete namespace %s: %w", namespace, err)
	}
	return nil
}

// List returns every key/value pair under namespace.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM plugin_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("pluginstate: list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("pluginstate: scan %s: %w", namespace, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
