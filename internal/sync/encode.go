package sync

import (
	"log/slog"

	"github.com/triplesync/core/internal/store"
	"github.com/triplesync/core/internal/sync/wire"
)

// transactionNamespace resolves the namespace for a transaction from its
// own __type operation; callers fall back to each op's entity type when
// the transaction carries none.
func transactionNamespace(tx store.Transaction) (string, bool) {
	for _, op := range tx.Ops {
		if op.Attr == store.TypeAttr {
			if ns, ok := op.Value.(string); ok {
				return ns, true
			}
		}
	}
	return "", false
}

// encodeTransact builds the outbound transact{} wire message for a local
// transaction. encodeTransact runs after the transaction has already been
// applied to the local store, so for every op whose wire value isn't
// simply its own input field, the resulting value is read back from the
// store rather than derived from the op:
//   - Add/Update: insertTriple writes op.Value verbatim, so it is also
//     the wire value; resolve the server attribute id for (namespace,
//     attr) and if unresolved, send the namespaced attribute name and let
//     the server mint an identifier and return it on a later add-attr.
//   - Delete: emit delete-entity.
//   - Retract/Link/Unlink/Merge: the wire grammar has no step shapes of
//     their own for these. Each one's net
//     effect on the attribute can differ from the op's own fields — Link
//     may promote a scalar to a list, Unlink/Retract may leave another
//     surviving value or none, Merge's result is a deep-merged object —
//     so they are encoded as whatever the store actually holds for that
//     attribute post-apply, via encodeResultingValue.
func (e *Engine) encodeTransact(tx store.Transaction) wire.Message {
	namespace, _ := transactionNamespace(tx)

	steps := make([]any, 0, len(tx.Ops))
	for _, op := range tx.Ops {
		ns := namespace
		if ns == "" {
			ns = op.EntityType
		}
		switch op.Kind {
		case store.OpAdd, store.OpUpdate:
			if op.Attr == "" {
				continue
			}
			steps = append(steps, e.encodeAddTriple(ns, op.EntityID, op.Attr, op.Value))
		case store.OpRetract:
			if op.Attr == "" {
				continue
			}
			steps = append(steps, e.encodeResultingValue(ns, op.EntityID, op.Attr))
		case store.OpDelete:
			steps = append(steps, []any{"delete-entity", op.EntityID, ns})
		case store.OpLink:
			steps = append(steps, e.encodeResultingValue(ns, op.FromEntity, op.Relation))
		case store.OpUnlink:
			steps = append(steps, e.encodeResultingValue(ns, op.FromEntity, op.Relation))
		case store.OpMerge:
			for k := range op.Partial {
				steps = append(steps, e.encodeResultingValue(ns, op.EntityID, k))
			}
		}
	}

	return wire.Message{
		"op":              "transact",
		"tx_steps":        steps,
		"client_event_id": tx.ID,
		"created_ms":      tx.Timestamp,
	}
}

// encodeResultingValue reads back (entityID, attr)'s current value from
// the store and encodes it as an add-triple step. A missing value —
// whether because the attribute was retracted down to nothing or because
// the lookup failed — is encoded as a null add-triple rather than
// dropped: tx-steps only come in add-triple and delete-entity shapes,
// and $isNull already treats an absent attribute the same as a
// present-and-null one, so a null add-triple is a faithful wire encoding
// of "nothing remains" within that grammar.
func (e *Engine) encodeResultingValue(namespace, entityID, attr string) []any {
	value, _, err := e.store.CurrentValue(entityID, attr)
	if err != nil {
		slog.Warn("sync: read current value for encoding", "entity", entityID, "attr", attr, "err", err)
	}
	return e.encodeAddTriple(namespace, entityID, attr, value)
}

func (e *Engine) encodeAddTriple(namespace, entityID, attr string, value any) []any {
	if serverID, ok := e.attrs.ServerID(namespace, attr); ok {
		return []any{"add-triple", entityID, serverID, value}
	}
	return []any{"add-triple", entityID, namespace + "." + attr, value}
}
