package sync

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/triplesync/core/internal/store"
	"github.com/triplesync/core/internal/sync/datalog"
)

// decodeTransactSteps turns the tx-steps array of an inbound transact
// message into a list of store Operations, registering any add-attr
// steps into the attribute cache as a side effect.
func (e *Engine) decodeTransactSteps(steps []any) []store.Operation {
	var ops []store.Operation
	for _, raw := range steps {
		step, ok := raw.([]any)
		if !ok || len(step) == 0 {
			continue
		}
		name, _ := step[0].(string)
		switch name {
		case "add-attr":
			if len(step) < 2 {
				continue
			}
			e.decodeAddAttr(step[1])

		case "add-triple":
			if len(step) < 4 {
				continue
			}
			entityID, _ := step[1].(string)
			attrID, _ := step[2].(string)
			value := step[3]
			entityID, ok := store.NormalizeEntityID(entityID)
			if !ok {
				slog.Warn("sync: unparseable entity id in add-triple, skipping", "entity_id", step[1])
				continue
			}
			_, attr, resolved := e.attrs.Resolve(attrID)
			if !resolved {
				_, attr, resolved = e.inferAttr(attrID, value)
				if !resolved {
					slog.Warn("sync: unresolved attribute in add-triple, skipping", "attribute_id", attrID)
					continue
				}
			}
			// A remote add-triple carries the attribute's new current value,
			// so it lands as an Update: any prior current triple for the
			// same (entity, attribute) must be retracted, not left alongside.
			ops = append(ops, store.Operation{Kind: store.OpUpdate, EntityID: entityID, Attr: attr, Value: value})

		case "delete-entity":
			if len(step) < 2 {
				continue
			}
			entityID, _ := step[1].(string)
			entityID, ok := store.NormalizeEntityID(entityID)
			if !ok {
				slog.Warn("sync: unparseable entity id in delete-entity, skipping", "entity_id", step[1])
				continue
			}
			ops = append(ops, store.Operation{Kind: store.OpDelete, EntityID: entityID})

		default:
			slog.Warn("sync: unknown tx-step, skipping", "step", name)
		}
	}
	return ops
}

// decodeAddAttr registers a server-assigned attribute identifier. The
// payload shape is {id, forward-identity: [_, namespace, attr_name], ...}.
func (e *Engine) decodeAddAttr(raw any) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return
	}
	id, _ := obj["id"].(string)
	forward, _ := obj["forward-identity"].([]any)
	if id == "" || len(forward) < 3 {
		slog.Warn("sync: malformed add-attr, skipping", "payload", raw)
		return
	}
	namespace, _ := forward[1].(string)
	attrName, _ := forward[2].(string)
	if namespace == "" || attrName == "" {
		return
	}
	e.attrs.Register(namespace, attrName, id)
}

// inferAttr falls back to value-type heuristics for an unresolved
// attribute id: a boolean is assumed to be the entity's completion
// flag; a string that already names a type this engine has seen is
// assumed to be __type.
func (e *Engine) inferAttr(attrID string, value any) (namespace, attr string, ok bool) {
	switch v := value.(type) {
	case bool:
		return "", "done", true
	case string:
		if e.knownTypes.Contains(v) {
			return "", store.TypeAttr, true
		}
	}
	return "", "", false
}

// applySnapshot decodes a bootstrap init-ok's snapshot_triples — a flat
// list of [entity_id, attribute_id, value, ts] rows, the same shape as a
// datalog join-row but spanning every entity type in one dump — and
// applies it as a single synthetic synced transaction. Unlike datalog
// decode there is no single "root type" to fall back to: a row whose
// attribute can neither be resolved nor inferred (inferAttr) is skipped.
func (e *Engine) applySnapshot(raw any) error {
	rows, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("sync: snapshot_triples is not a list: %T", raw)
	}

	var ops []store.Operation
	for _, item := range rows {
		tuple, ok := item.([]any)
		if !ok || len(tuple) < 3 {
			slog.Warn("sync: malformed snapshot row, skipping", "row", item)
			continue
		}
		entityIDRaw, _ := tuple[0].(string)
		attrID, _ := tuple[1].(string)
		value := tuple[2]

		entityID, ok := store.NormalizeEntityID(entityIDRaw)
		if !ok {
			slog.Warn("sync: unparseable entity id in snapshot row, skipping", "entity_id", entityIDRaw)
			continue
		}
		_, attr, resolved := e.attrs.Resolve(attrID)
		if !resolved {
			_, attr, resolved = e.inferAttr(attrID, value)
			if !resolved {
				slog.Warn("sync: unresolved attribute in snapshot row, skipping", "attribute_id", attrID)
				continue
			}
		}
		// Update, not Add: a reconnect bootstrap redelivers attributes the
		// store may already hold, and the prior triples must be retracted.
		ops = append(ops, store.Operation{Kind: store.OpUpdate, EntityID: entityID, Attr: attr, Value: value})
	}

	return e.applyRemoteTransaction(ops)
}

// applyRemoteTransaction constructs a synthetic, already-synced
// Transaction from decoded ops and applies it to the store.
func (e *Engine) applyRemoteTransaction(ops []store.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	tx := store.Transaction{
		ID:     uuid.New().String(),
		Origin: store.OriginRemote,
		Status: store.StatusSynced,
		Ops:    ops,
	}
	if _, err := e.store.Apply(tx); err != nil {
		return fmt.Errorf("apply remote transaction: %w", err)
	}
	return nil
}

// applyDatalogResult turns a decoded datalog payload into synthetic
// Update operations — one per attribute of every entity, retracting
// whatever the store already held for it — and applies them, skipping
// payloads whose hash was already seen.
func (e *Engine) applyDatalogResult(d datalog.Decoded) error {
	if e.seenPayloads.Contains(d.Hash) {
		return nil
	}
	var ops []store.Operation
	for id, attrs := range d.Entities {
		if typ, ok := attrs[store.TypeAttr].(string); ok && typ != "" {
			e.knownTypes.Add(typ)
		}
		for attr, value := range attrs {
			if attr == "id" {
				continue
			}
			ops = append(ops, store.Operation{Kind: store.OpUpdate, EntityID: id, Attr: attr, Value: value})
		}
	}
	if err := e.applyRemoteTransaction(ops); err != nil {
		return err
	}
	e.seenPayloads.Add(d.Hash)
	return nil
}
