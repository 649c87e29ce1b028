package client

import "github.com/triplesync/core/internal/store"

// ChunkBuilder is the fluent operation-chunk builder exposed as
// `tx().entity(type, id).update|merge|link|unlink|delete(...)`: purely
// compositional, accumulating Operations until Commit calls
// TransactChunk.
type ChunkBuilder struct {
	client *Client
	ops    []store.Operation
}

// Entity scopes subsequent calls to one (entity_type, entity_id) pair.
func (b *ChunkBuilder) Entity(entityType, entityID string) *EntityScope {
	return &EntityScope{builder: b, entityType: entityType, entityID: entityID}
}

// Commit builds the transaction from every operation accumulated across
// all Entity(...) scopes and applies it as one chunk.
func (b *ChunkBuilder) Commit() (TransactionResult, error) {
	return b.client.TransactChunk(b.ops)
}

// EntityScope accumulates operations against one entity within a
// ChunkBuilder. Every method returns the same scope so calls chain.
type EntityScope struct {
	builder    *ChunkBuilder
	entityType string
	entityID   string
}

// Add appends an Add operation for attr/value.
func (s *EntityScope) Add(attr string, value any) *EntityScope {
	s.builder.ops = append(s.builder.ops, store.Operation{
		Kind: store.OpAdd, EntityType: s.entityType, EntityID: s.entityID, Attr: attr, Value: value,
	})
	return s
}

// Update appends an Update operation for attr/value.
func (s *EntityScope) Update(attr string, value any) *EntityScope {
	s.builder.ops = append(s.builder.ops, store.Operation{
		Kind: store.OpUpdate, EntityType: s.entityType, EntityID: s.entityID, Attr: attr, Value: value,
	})
	return s
}

// Merge appends a Merge operation deep-merging partial into the
// entity's current attributes.
func (s *EntityScope) Merge(partial map[string]any) *EntityScope {
	s.builder.ops = append(s.builder.ops, store.Operation{
		Kind: store.OpMerge, EntityType: s.entityType, EntityID: s.entityID, Partial: partial,
	})
	return s
}

// Link appends a Link operation from this entity to toID via relation.
func (s *EntityScope) Link(relation, toID string) *EntityScope {
	s.builder.ops = append(s.builder.ops, store.Operation{
		Kind: store.OpLink, FromEntity: s.entityID, Relation: relation, ToEntity: toID,
	})
	return s
}

// Unlink appends an Unlink operation removing toID from relation.
func (s *EntityScope) Unlink(relation, toID string) *EntityScope {
	s.builder.ops = append(s.builder.ops, store.Operation{
		Kind: store.OpUnlink, FromEntity: s.entityID, Relation: relation, ToEntity: toID,
	})
	return s
}

// Delete appends a Delete operation retracting every attribute of this
// entity.
func (s *EntityScope) Delete() *EntityScope {
	s.builder.ops = append(s.builder.ops, store.Operation{
		Kind: store.OpDelete, EntityType: s.entityType, EntityID: s.entityID,
	})
	return s
}

// Entity starts a new scope within the same chunk, for chaining multiple
// entities before a single Commit.
func (s *EntityScope) Entity(entityType, entityID string) *EntityScope {
	return s.builder.Entity(entityType, entityID)
}

// Commit finalizes the whole chunk built across one or more Entity
// scopes.
func (s *EntityScope) Commit() (TransactionResult, error) {
	return s.builder.Commit()
}
