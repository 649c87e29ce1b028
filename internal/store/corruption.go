package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// failUnparseableTransactions scans every transaction not already marked
// failed and auto-fails any whose operations reference an entity ID that
// normalizeEntityID cannot recover. Run once
// at Open so a store that picked up malformed data from an old client
// build doesn't wedge on it forever.
func (s *Store) failUnparseableTransactions() error {
	rows, err := s.conn.Query(`SELECT id, serialized FROM transactions WHERE status != ?`, StatusFailed)
	if err != nil {
		return fmt.Errorf("scan transactions: %w", err)
	}
	type row struct {
		id, serialized string
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.serialized); err != nil {
			rows.Close()
			return fmt.Errorf("scan transaction row: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	var toFail []string
	for _, r := range all {
		var tx Transaction
		if err := json.Unmarshal([]byte(r.serialized), &tx); err != nil {
			slog.Warn("corruption guard: transaction failed to deserialize, failing it", "tx", r.id, "err", err)
			toFail = append(toFail, r.id)
			continue
		}
		if !transactionEntityIDsParseable(tx) {
			slog.Warn("corruption guard: transaction references an unparseable entity id, failing it", "tx", r.id)
			toFail = append(toFail, r.id)
		}
	}
	if len(toFail) == 0 {
		return nil
	}
	return s.MarkFailed(toFail)
}

func transactionEntityIDsParseable(tx Transaction) bool {
	for _, op := range tx.Ops {
		if op.EntityID != "" {
			if _, ok := normalizeEntityID(op.EntityID); !ok {
				return false
			}
		}
		if op.FromEntity != "" {
			if _, ok := normalizeEntityID(op.FromEntity); !ok {
				return false
			}
		}
		if op.ToEntity != "" {
			if _, ok := normalizeEntityID(op.ToEntity); !ok {
				return false
			}
		}
	}
	return true
}
