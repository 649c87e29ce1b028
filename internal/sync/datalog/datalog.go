// Package datalog decodes the "join-rows" wire shape carried by
// add-query-ok/query-response/refresh/refresh-ok messages: a possibly
// doubly nested list of [entity_id, attribute_id, value, timestamp]
// tuples.
package datalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/triplesync/core/internal/store"
)

// AttributeResolver maps an opaque server attribute identifier to its
// (namespace, attr_name), mirroring the Sync Engine's attribute cache.
// Resolve's second return is false on a cache miss.
type AttributeResolver interface {
	Resolve(attrID string) (namespace, attr string, ok bool)
}

// Row is one decoded join-rows tuple.
type Row struct {
	EntityID    string
	AttributeID string
	Value       any
	Timestamp   int64
}

// Decoded is the result of decoding one datalog payload: entity objects
// keyed by ID, each a flat attribute map including "id", and "__type"
// when the payload carries one or a root type was given.
type Decoded struct {
	Entities map[string]map[string]any
	Hash     string
}

// Decode runs the full decode pipeline: flatten, normalize entity IDs,
// resolve attributes (inferring on miss via inferAttr), group by entity,
// assign rootType to any entity missing __type, and hash the result for
// duplicate-payload detection.
func Decode(raw any, rootType string, attrs AttributeResolver) (Decoded, error) {
	rows, err := flatten(raw)
	if err != nil {
		return Decoded{}, err
	}

	entities := make(map[string]map[string]any)
	for _, r := range rows {
		entityID, ok := normalizeEntityID(r.EntityID)
		if !ok {
			slog.Warn("datalog: unparseable entity id, skipping row", "entity_id", r.EntityID)
			continue
		}
		_, attr, ok := attrs.Resolve(r.AttributeID)
		if !ok {
			_, attr, ok = inferAttr(r.AttributeID, r.Value, rootType)
			if !ok {
				slog.Warn("datalog: unresolved attribute, skipping row", "attribute_id", r.AttributeID)
				continue
			}
		}
		obj, exists := entities[entityID]
		if !exists {
			obj = map[string]any{"id": entityID}
			entities[entityID] = obj
		}
		obj[attr] = r.Value
	}

	// Only the requested root type may fill in a missing __type — with no
	// root type known, leave it unset rather than guess.
	if rootType != "" {
		for _, obj := range entities {
			if _, ok := obj[store.TypeAttr]; !ok {
				obj[store.TypeAttr] = rootType
			}
		}
	}

	h, err := hashEntities(entities)
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{Entities: entities, Hash: h}, nil
}

// flatten accepts either a flat []any of 4-element rows or a nested
// []any of such lists, unwrapping the outer layer when the first element
// is itself a list of rows.
func flatten(raw any) ([]Row, error) {
	top, ok := raw.([]any)
	if !ok {
		if top == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("datalog: join-rows is not a list: %T", raw)
	}
	if len(top) == 0 {
		return nil, nil
	}

	isNested := false
	if first, ok := top[0].([]any); ok && len(first) > 0 {
		if _, inner := first[0].([]any); inner {
			isNested = true
		}
	}

	var flat []any
	if isNested {
		for _, group := range top {
			rows, ok := group.([]any)
			if !ok {
				continue
			}
			flat = append(flat, rows...)
		}
	} else {
		flat = top
	}

	rows := make([]Row, 0, len(flat))
	for _, item := range flat {
		tuple, ok := item.([]any)
		if !ok || len(tuple) < 3 {
			slog.Warn("datalog: malformed row, skipping", "row", item)
			continue
		}
		row := Row{Value: tuple[2]}
		if s, ok := tuple[0].(string); ok {
			row.EntityID = s
		} else {
			row.EntityID = fmt.Sprintf("%v", tuple[0])
		}
		if s, ok := tuple[1].(string); ok {
			row.AttributeID = s
		} else {
			row.AttributeID = fmt.Sprintf("%v", tuple[1])
		}
		if len(tuple) >= 4 {
			if ts, ok := tuple[3].(float64); ok {
				row.Timestamp = int64(ts)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// normalizeEntityID unwraps a single-element array shape ("[<uuid>]")
// down to the bare ID, matching the store's own normalization.
func normalizeEntityID(raw string) (string, bool) {
	id, ok := store.NormalizeEntityID(raw)
	return id, ok
}

// inferAttr falls back to value-type heuristics when an attribute ID is
// not in the cache. A boolean value is assumed
// to be the root type's canonical "completed"-like flag; anything else
// cannot be inferred.
func inferAttr(attrID string, value any, rootType string) (namespace, attr string, ok bool) {
	if _, isBool := value.(bool); isBool {
		return rootType, "done", true
	}
	return "", "", false
}

func hashEntities(entities map[string]map[string]any) (string, error) {
	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ordered := make(map[string]any, len(entities))
	for _, id := range ids {
		ordered[id] = entities[id]
	}
	encoded, err := store.CanonicalJSON(ordered)
	if err != nil {
		return "", fmt.Errorf("hash entities: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
