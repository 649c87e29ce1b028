package store

import (
	"database/sql"
	"fmt"
)

// SetMetadata upserts one key in the metadata table. Used for small
// bookkeeping values that belong with the store file (last session id,
// schema markers) rather than in the config.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.conn.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return nil
}

// GetMetadata returns the value stored under key, with ok=false when the
// key has never been set.
func (s *Store) GetMetadata(key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata %q: %w", key, err)
	}
	return value, true, nil
}
