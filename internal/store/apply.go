package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidOperation marks apply failures caused by a malformed
// operation payload rather than by the storage layer: callers can
// errors.Is against it to tell a non-retryable validation rejection
// apart from an I/O failure.
var ErrInvalidOperation = errors.New("store: invalid operation")

// ApplyResult summarizes the outcome of Apply. Applied is false when the
// call was an idempotent no-op (the transaction ID was already recorded).
type ApplyResult struct {
	Applied bool
}

// Apply is the triple store's single mutation entry point.
// It is idempotent on tx.ID: a second apply of the same transaction ID is
// a no-op. All operations in the transaction land atomically, or none do.
func (s *Store) Apply(tx Transaction) (ApplyResult, error) {
	if tx.ID == "" {
		return ApplyResult{}, fmt.Errorf("apply: transaction has no id")
	}
	if tx.Timestamp == 0 {
		tx.Timestamp = nowMillis(time.Now())
	}

	var result ApplyResult
	var changes []TripleChange

	err := s.withWriteLock(func() error {
		sqlTx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer sqlTx.Rollback() //nolint:errcheck

		var existing string
		err = sqlTx.QueryRow(`SELECT id FROM transactions WHERE id = ?`, tx.ID).Scan(&existing)
		if err == nil {
			// Idempotent no-op: already applied.
			return sqlTx.Commit()
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("lookup transaction: %w", err)
		}

		serialized, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("serialize transaction: %w", err)
		}

		status := tx.Status
		if status == "" {
			if tx.Origin == OriginRemote {
				status = StatusSynced
			} else {
				status = StatusCommitted
			}
		}
		synced := 0
		if status == StatusSynced {
			synced = 1
		}

		if _, err := sqlTx.Exec(
			`INSERT INTO transactions (id, timestamp, status, origin, synced, serialized) VALUES (?, ?, ?, ?, ?, ?)`,
			tx.ID, tx.Timestamp, status, tx.Origin, synced, string(serialized),
		); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		for i, op := range tx.Ops {
			opChanges, err := applyOperation(sqlTx, tx.ID, tx.Timestamp, op)
			if err != nil {
				return fmt.Errorf("apply op %d (%s): %w", i, op.Kind, err)
			}
			if tx.Origin == OriginRemote {
				if err := recordConflicts(sqlTx, tx.Timestamp, opChanges); err != nil {
					return fmt.Errorf("record conflicts for op %d: %w", i, err)
				}
			}
			changes = append(changes, opChanges...)
		}

		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		result.Applied = true
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}

	if len(changes) > 0 {
		s.changes.publish(changes)
	}
	return result, nil
}

// applyOperation dispatches one Operation and returns the TripleChange
// events it produced, in order:
// Add inserts; Update retracts-then-inserts; Delete retracts everything
// for the entity; Retract targets one value; Link/Unlink maintain a
// multi-valued attribute with scalar->list promotion; Merge deep-merges
// and re-applies as per-attribute Updates.
func applyOperation(tx *sql.Tx, txID string, createdAt int64, op Operation) ([]TripleChange, error) {
	switch op.Kind {
	case OpAdd:
		entityID, ok := normalizeEntityID(op.EntityID)
		if !ok {
			return nil, fmt.Errorf("%w: add: unparseable entity id %q", ErrInvalidOperation, op.EntityID)
		}
		if op.Attr == "" {
			return nil, fmt.Errorf("%w: add: empty attribute", ErrInvalidOperation)
		}
		t, err := insertTriple(tx, entityID, op.Attr, op.Value, txID, createdAt)
		if err != nil {
			return nil, err
		}
		return []TripleChange{{Kind: ChangeAdd, Triple: t}}, nil

	case OpUpdate:
		entityID, ok := normalizeEntityID(op.EntityID)
		if !ok {
			return nil, fmt.Errorf("%w: update: unparseable entity id %q", ErrInvalidOperation, op.EntityID)
		}
		if op.Attr == "" {
			return nil, fmt.Errorf("%w: update: empty attribute", ErrInvalidOperation)
		}
		return updateAttribute(tx, entityID, op.Attr, op.Value, txID, createdAt)

	case OpDelete:
		entityID, ok := normalizeEntityID(op.EntityID)
		if !ok {
			return nil, fmt.Errorf("%w: delete: unparseable entity id %q", ErrInvalidOperation, op.EntityID)
		}
		return retractAllForEntity(tx, entityID)

	case OpRetract:
		entityID, ok := normalizeEntityID(op.EntityID)
		if !ok {
			return nil, fmt.Errorf("%w: retract: unparseable entity id %q", ErrInvalidOperation, op.EntityID)
		}
		return retractValue(tx, entityID, op.Attr, op.Value)

	case OpLink:
		return applyLink(tx, op, txID, createdAt)

	case OpUnlink:
		return applyUnlink(tx, op, txID, createdAt)

	case OpMerge:
		entityID, ok := normalizeEntityID(op.EntityID)
		if !ok {
			return nil, fmt.Errorf("%w: merge: unparseable entity id %q", ErrInvalidOperation, op.EntityID)
		}
		return applyMerge(tx, entityID, op.Partial, txID, createdAt)

	default:
		return nil, fmt.Errorf("%w: unknown operation kind %q", ErrInvalidOperation, op.Kind)
	}
}

// insertTriple appends a new non-retracted fact.
func insertTriple(tx *sql.Tx, entityID, attr string, value any, txID string, createdAt int64) (Triple, error) {
	encoded, err := encodeValue(value)
	if err != nil {
		return Triple{}, fmt.Errorf("encode value: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO triples (entity_id, attribute, value, tx_id, created_at, retracted) VALUES (?, ?, ?, ?, ?, 0)`,
		entityID, attr, string(encoded), txID, createdAt,
	); err != nil {
		return Triple{}, fmt.Errorf("insert triple: %w", err)
	}
	return Triple{EntityID: entityID, Attribute: attr, Value: value, TxID: txID, CreatedAt: createdAt}, nil
}

// retractNonRetracted marks every current (non-retracted) triple for
// (entityID, attr) as retracted and returns one TripleChange per row
// retracted.
func retractNonRetracted(tx *sql.Tx, entityID, attr string) ([]TripleChange, error) {
	rows, err := tx.Query(
		`SELECT rowid, value, tx_id, created_at FROM triples WHERE entity_id = ? AND attribute = ? AND retracted = 0`,
		entityID, attr,
	)
	if err != nil {
		return nil, fmt.Errorf("select current triples: %w", err)
	}
	type row struct {
		rowid     int64
		value     string
		txID      string
		createdAt int64
	}
	var toRetract []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.rowid, &r.value, &r.txID, &r.createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan triple: %w", err)
		}
		toRetract = append(toRetract, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var changes []TripleChange
	for _, r := range toRetract {
		if _, err := tx.Exec(`UPDATE triples SET retracted = 1 WHERE rowid = ?`, r.rowid); err != nil {
			return nil, fmt.Errorf("retract triple: %w", err)
		}
		val, err := decodeValue([]byte(r.value))
		if err != nil {
			slog.Warn("retract: decode old value", "entity", entityID, "attr", attr, "err", err)
		}
		changes = append(changes, TripleChange{
			Kind:   ChangeRetract,
			Triple: Triple{EntityID: entityID, Attribute: attr, Value: val, TxID: r.txID, CreatedAt: r.createdAt, Retracted: true},
		})
	}
	return changes, nil
}

// updateAttribute retracts all prior non-retracted triples for (entity,
// attr) then inserts the new value, keeping the newest non-retracted
// triple the single current one.
func updateAttribute(tx *sql.Tx, entityID, attr string, value any, txID string, createdAt int64) ([]TripleChange, error) {
	changes, err := retractNonRetracted(tx, entityID, attr)
	if err != nil {
		return nil, err
	}
	t, err := insertTriple(tx, entityID, attr, value, txID, createdAt)
	if err != nil {
		return nil, err
	}
	return append(changes, TripleChange{Kind: ChangeAdd, Triple: t}), nil
}

// retractAllForEntity retracts every non-retracted triple belonging to an
// entity in one pass, which is what Delete means here.
func retractAllForEntity(tx *sql.Tx, entityID string) ([]TripleChange, error) {
	rows, err := tx.Query(`SELECT DISTINCT attribute FROM triples WHERE entity_id = ? AND retracted = 0`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	var attrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			rows.Close()
			return nil, err
		}
		attrs = append(attrs, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var changes []TripleChange
	for _, attr := range attrs {
		c, err := retractNonRetracted(tx, entityID, attr)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c...)
	}
	return changes, nil
}

// retractValue retracts every current triple for (entity, attr) whose
// value deep-equals the given value, if any.
func retractValue(tx *sql.Tx, entityID, attr string, value any) ([]TripleChange, error) {
	rows, err := tx.Query(
		`SELECT rowid, value, tx_id, created_at FROM triples WHERE entity_id = ? AND attribute = ? AND retracted = 0`,
		entityID, attr,
	)
	if err != nil {
		return nil, fmt.Errorf("select current triples: %w", err)
	}
	defer rows.Close()

	target, err := encodeValue(value)
	if err != nil {
		return nil, fmt.Errorf("encode target value: %w", err)
	}

	var changes []TripleChange
	for rows.Next() {
		var rowid int64
		var rawValue, txID string
		var createdAt int64
		if err := rows.Scan(&rowid, &rawValue, &txID, &createdAt); err != nil {
			return nil, err
		}
		if rawValue != string(target) {
			continue
		}
		decoded, _ := decodeValue([]byte(rawValue))
		changes = append(changes, TripleChange{
			Kind:   ChangeRetract,
			Triple: Triple{EntityID: entityID, Attribute: attr, Value: decoded, TxID: txID, CreatedAt: createdAt, Retracted: true},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for range changes {
		if _, err := tx.Exec(
			`UPDATE triples SET retracted = 1 WHERE entity_id = ? AND attribute = ? AND retracted = 0 AND value = ?`,
			entityID, attr, string(target),
		); err != nil {
			return nil, fmt.Errorf("retract value: %w", err)
		}
		break // the single UPDATE above already retracts every matching row
	}
	return changes, nil
}
