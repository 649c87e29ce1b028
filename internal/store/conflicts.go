package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// ConflictRecord is one row of the sync_conflicts diagnostic table:
// a remote write that overwrote a local value the server hadn't
// acknowledged yet. Conflict resolution stays last-writer-wins per
// attribute; this table only records that the rule fired, it never
// changes the outcome.
type ConflictRecord struct {
	EntityID      string
	Attribute     string
	LocalValue    any
	RemoteValue   any
	OverwrittenAt int64
}

// recordConflicts inspects the retract/add pairs a single remote
// operation produced and, for every (entity, attribute) where the
// retracted triple belonged to a local transaction the server had not
// yet synced, inserts a sync_conflicts row noting which local value was
// overwritten and by what remote value. Runs inside the same sqlTx as
// the apply it's diagnosing.
func recordConflicts(tx *sql.Tx, createdAt int64, changes []TripleChange) error {
	for _, change := range changes {
		if change.Kind != ChangeRetract {
			continue
		}
		origin, status, ok, err := txOriginStatus(tx, change.Triple.TxID)
		if err != nil {
			return err
		}
		if !ok || origin != OriginLocal || status == StatusSynced {
			continue
		}

		remoteValue, hasRemote := findMatchingAdd(changes, change.Triple.EntityID, change.Triple.Attribute)
		if !hasRemote {
			continue
		}
		// Redelivery of an identical value retracts and re-adds but
		// overwrites nothing worth reporting.
		if valuesEqual(change.Triple.Value, remoteValue) {
			continue
		}

		localEncoded, err := encodeValue(change.Triple.Value)
		if err != nil {
			return fmt.Errorf("encode conflict local value: %w", err)
		}
		remoteEncoded, err := encodeValue(remoteValue)
		if err != nil {
			return fmt.Errorf("encode conflict remote value: %w", err)
		}

		if _, err := tx.Exec(
			`INSERT INTO sync_conflicts (entity_id, attribute, local_value, remote_value, overwritten_at)
			 VALUES (?, ?, ?, ?, ?)`,
			change.Triple.EntityID, change.Triple.Attribute, string(localEncoded), string(remoteEncoded), createdAt,
		); err != nil {
			return fmt.Errorf("insert sync_conflicts row: %w", err)
		}
		slog.Warn("sync: remote write overwrote unsynced local value",
			"entity", change.Triple.EntityID, "attribute", change.Triple.Attribute)
	}
	return nil
}

func findMatchingAdd(changes []TripleChange, entityID, attr string) (any, bool) {
	for _, c := range changes {
		if c.Kind == ChangeAdd && c.Triple.EntityID == entityID && c.Triple.Attribute == attr {
			return c.Triple.Value, true
		}
	}
	return nil, false
}

func txOriginStatus(tx *sql.Tx, txID string) (origin TxOrigin, status TxStatus, ok bool, err error) {
	var o, s string
	err = tx.QueryRow(`SELECT origin, status FROM transactions WHERE id = ?`, txID).Scan(&o, &s)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("lookup transaction origin: %w", err)
	}
	return TxOrigin(o), TxStatus(s), true, nil
}

// RecentConflicts returns the most recently recorded overwrites, newest
// first, for diagnostic surfacing (e.g. a UI "this value was just
// overwritten by the server" toast). limit <= 0 means no cap.
func (s *Store) RecentConflicts(limit int) ([]ConflictRecord, error) {
	query := `SELECT entity_id, attribute, local_value, remote_value, overwritten_at
	          FROM sync_conflicts ORDER BY overwritten_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync_conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		var rec ConflictRecord
		var localRaw, remoteRaw string
		if err := rows.Scan(&rec.EntityID, &rec.Attribute, &localRaw, &remoteRaw, &rec.OverwrittenAt); err != nil {
			return nil, fmt.Errorf("scan sync_conflicts row: %w", err)
		}
		rec.LocalValue, err = decodeValue([]byte(localRaw))
		if err != nil {
			return nil, fmt.Errorf("decode conflict local value: %w", err)
		}
		rec.RemoteValue, err = decodeValue([]byte(remoteRaw))
		if err != nil {
			return nil, fmt.Errorf("decode conflict remote value: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
