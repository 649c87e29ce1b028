// Package query implements the reactive query engine: it parses a nested
// declarative query tree, materializes results from the triple store,
// caches them keyed by canonical query shape, and invalidates/recomputes
// on relevant store deltas.
package query

import "github.com/triplesync/core/internal/store"

// Node is one level of a query tree: a root entity type (or, nested
// under Include, a related type) plus the same where/order/limit/offset
// shape the store's QuerySpec takes, and a map of nested includes.
//
// Relation resolution convention: a plural include key ("comments")
// fetches the singular entity type ("comment") filtered by the foreign
// key `{parent_type}_id` equal to the parent's id (a to-many lookup); a
// singular include key ("author") performs a to-one lookup by reading
// `{name}_id` off the parent and fetching that entity by id.
type Node struct {
	EntityType string
	Where      map[string]any
	OrderBy    []store.OrderTerm
	Limit      *int // nil means no limit; an explicit 0 returns no rows
	Offset     int
	Include    map[string]*Node
}

// Tree is a full query: one root Node per top-level key, e.g.
// {"todos": {...}} materializes to {"todos": [...]}.
type Tree map[string]*Node
