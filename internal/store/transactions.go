package store

import (
	"encoding/json"
	"fmt"
)

// Rollback marks a transaction failed and retracts every triple that
// still bears its tx_id. It is the store
// side of the optimistic-apply-then-reject path: the sync engine calls
// this when the server answers a transact with an error.
func (s *Store) Rollback(txID string) error {
	var changes []TripleChange
	err := s.withWriteLock(func() error {
		sqlTx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer sqlTx.Rollback() //nolint:errcheck

		rows, err := sqlTx.Query(
			`SELECT rowid, entity_id, attribute, value, created_at FROM triples WHERE tx_id = ? AND retracted = 0`,
			txID,
		)
		if err != nil {
			return fmt.Errorf("select triples for rollback: %w", err)
		}
		type row struct {
			rowid              int64
			entityID, attr, raw string
			createdAt          int64
		}
		var toRetract []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.rowid, &r.entityID, &r.attr, &r.raw, &r.createdAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan triple: %w", err)
			}
			toRetract = append(toRetract, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, r := range toRetract {
			if _, err := sqlTx.Exec(`UPDATE triples SET retracted = 1 WHERE rowid = ?`, r.rowid); err != nil {
				return fmt.Errorf("retract triple: %w", err)
			}
			val, _ := decodeValue([]byte(r.raw))
			changes = append(changes, TripleChange{
				Kind: ChangeRetract,
				Triple: Triple{
					EntityID: r.entityID, Attribute: r.attr, Value: val,
					TxID: txID, CreatedAt: r.createdAt, Retracted: true,
				},
			})
		}

		if _, err := sqlTx.Exec(`UPDATE transactions SET status = ?, synced = 0 WHERE id = ?`, StatusFailed, txID); err != nil {
			return fmt.Errorf("mark transaction failed: %w", err)
		}
		return sqlTx.Commit()
	})
	if err != nil {
		return err
	}
	if len(changes) > 0 {
		s.changes.publish(changes)
	}
	return nil
}

// PendingTransactions returns every non-synced, non-failed transaction in
// timestamp order.
func (s *Store) PendingTransactions() ([]Transaction, error) {
	rows, err := s.conn.Query(
		`SELECT serialized FROM transactions WHERE status NOT IN (?, ?) ORDER BY timestamp ASC`,
		StatusSynced, StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var serialized string
		if err := rows.Scan(&serialized); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		var tx Transaction
		if err := json.Unmarshal([]byte(serialized), &tx); err != nil {
			return nil, fmt.Errorf("deserialize transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// MarkSynced transitions a transaction to synced after the server has
// acknowledged it.
func (s *Store) MarkSynced(txID string) error {
	_, err := s.conn.Exec(`UPDATE transactions SET status = ?, synced = 1 WHERE id = ?`, StatusSynced, txID)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// MarkFailed transitions a batch of transactions to failed, without
// touching their triples (used by the corruption guard, where the
// triples were never applied in the first place).
func (s *Store) MarkFailed(txIDs []string) error {
	if len(txIDs) == 0 {
		return nil
	}
	sqlTx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	stmt, err := sqlTx.Prepare(`UPDATE transactions SET status = ?, synced = 0 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range txIDs {
		if _, err := stmt.Exec(StatusFailed, id); err != nil {
			return fmt.Errorf("mark failed %q: %w", id, err)
		}
	}
	return sqlTx.Commit()
}
