package store

import (
	"database/sql"
	"fmt"
)

// currentAttributes returns the newest non-retracted value per attribute
// for entityID. Used by Merge and by the query engine's entity loader.
func currentAttributes(tx *sql.Tx, entityID string) (map[string]any, error) {
	rows, err := tx.Query(
		`SELECT attribute, value, created_at, rowid FROM triples WHERE entity_id = ? AND retracted = 0`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("select attributes: %w", err)
	}
	defer rows.Close()

	type best struct {
		raw       string
		createdAt int64
		rowid     int64
	}
	bestByAttr := make(map[string]best)
	for rows.Next() {
		var attr, raw string
		var createdAt, rowid int64
		if err := rows.Scan(&attr, &raw, &createdAt, &rowid); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		cur, ok := bestByAttr[attr]
		if !ok || createdAt > cur.createdAt || (createdAt == cur.createdAt && rowid > cur.rowid) {
			bestByAttr[attr] = best{raw: raw, createdAt: createdAt, rowid: rowid}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(bestByAttr))
	for attr, b := range bestByAttr {
		v, err := decodeValue([]byte(b.raw))
		if err != nil {
			return nil, fmt.Errorf("decode attribute %q: %w", attr, err)
		}
		out[attr] = v
	}
	return out, nil
}

// deepMerge merges partial into a copy of existing: nested objects merge
// key by key; everything else (scalars, arrays) in partial replaces the
// corresponding key wholesale — merging onto a scalar current value
// replaces it rather than erroring.
func deepMerge(existing, partial map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(partial))
	for k, v := range existing {
		out[k] = v
	}
	for _, k := range sortedKeys(partial) {
		pv := partial[k]
		ev, hasExisting := out[k]
		existingObj, existingIsObj := ev.(map[string]any)
		partialObj, partialIsObj := pv.(map[string]any)
		if hasExisting && existingIsObj && partialIsObj {
			out[k] = deepMerge(existingObj, partialObj)
		} else {
			out[k] = pv
		}
	}
	return out
}

// applyMerge deep-merges partial into entityID's current attribute map
// and re-applies the result as a per-attribute Update for every attribute
// whose value actually changed, so untouched attributes produce no
// spurious change events.
func applyMerge(tx *sql.Tx, entityID string, partial map[string]any, txID string, createdAt int64) ([]TripleChange, error) {
	current, err := currentAttributes(tx, entityID)
	if err != nil {
		return nil, err
	}

	var changes []TripleChange
	for _, key := range sortedKeys(partial) {
		partialVal := partial[key]
		curVal, exists := current[key]

		var newVal any
		if exists {
			if curObj, ok := curVal.(map[string]any); ok {
				if partialObj, ok := partialVal.(map[string]any); ok {
					newVal = deepMerge(curObj, partialObj)
				} else {
					newVal = partialVal
				}
			} else {
				newVal = partialVal
			}
		} else {
			newVal = partialVal
		}

		if exists && valuesEqual(curVal, newVal) {
			continue
		}
		c, err := updateAttribute(tx, entityID, key, newVal, txID, createdAt)
		if err != nil {
			return nil, fmt.Errorf("merge attribute %q: %w", key, err)
		}
		changes = append(changes, c...)
	}
	return changes, nil
}
