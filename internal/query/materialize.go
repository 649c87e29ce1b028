package query

import (
	"fmt"
	"strings"

	"github.com/triplesync/core/internal/store"
)

// Materialize runs the materialization pass for every root key in tree
// and returns {type_key: [entity_object, ...]}.
func Materialize(s *store.Store, tree Tree) (map[string]any, error) {
	out := make(map[string]any, len(tree))
	for key, node := range tree {
		entities, err := materializeNode(s, node)
		if err != nil {
			return nil, fmt.Errorf("materialize %q: %w", key, err)
		}
		out[key] = entities
	}
	return out, nil
}

func materializeNode(s *store.Store, node *Node) ([]store.EntityObject, error) {
	spec := store.QuerySpec{
		EntityType: node.EntityType,
		Where:      node.Where,
		OrderBy:    node.OrderBy,
		Limit:      node.Limit,
		Offset:     node.Offset,
	}
	entities, err := s.QueryEntities(spec)
	if err != nil {
		return nil, err
	}
	if err := applyIncludes(s, node.EntityType, entities, node.Include); err != nil {
		return nil, err
	}
	return entities, nil
}

// applyIncludes resolves every include key against each entity in
// entities, mutating each entity's map in place to add the nested
// result under that key following the relation resolution convention.
func applyIncludes(s *store.Store, parentType string, entities []store.EntityObject, include map[string]*Node) error {
	for key, child := range include {
		for _, entity := range entities {
			if isPlural(key) {
				nested, err := materializeToMany(s, parentType, key, entity, child)
				if err != nil {
					return fmt.Errorf("include %q: %w", key, err)
				}
				entity[key] = nested
			} else {
				nested, err := materializeToOne(s, key, entity, child)
				if err != nil {
					return fmt.Errorf("include %q: %w", key, err)
				}
				entity[key] = nested
			}
		}
	}
	return nil
}

// materializeToMany fetches child entities whose {parentType}_id foreign
// key equals the parent's id — the plural-include convention.
func materializeToMany(s *store.Store, parentType, key string, parent store.EntityObject, child *Node) ([]store.EntityObject, error) {
	childType := child.EntityType
	if childType == "" {
		childType = singularize(key)
	}
	where := mergeWhere(child.Where, map[string]any{singularize(parentType) + "_id": parent["id"]})
	spec := store.QuerySpec{
		EntityType: childType,
		Where:      where,
		OrderBy:    child.OrderBy,
		Limit:      child.Limit,
		Offset:     child.Offset,
	}
	nested, err := s.QueryEntities(spec)
	if err != nil {
		return nil, err
	}
	if err := applyIncludes(s, childType, nested, child.Include); err != nil {
		return nil, err
	}
	return nested, nil
}

// materializeToOne performs a to-one lookup: the parent's {key}_id
// attribute names the target entity directly.
func materializeToOne(s *store.Store, key string, parent store.EntityObject, child *Node) (store.EntityObject, error) {
	targetID, ok := parent[key+"_id"]
	if !ok || targetID == nil {
		return nil, nil
	}
	id, ok := targetID.(string)
	if !ok {
		return nil, fmt.Errorf("foreign key %q is not a string id", key+"_id")
	}
	childType := child.EntityType
	if childType == "" {
		childType = key
	}
	where := mergeWhere(child.Where, map[string]any{"id": id})
	nested, err := s.QueryEntities(store.QuerySpec{EntityType: childType, Where: where})
	if err != nil {
		return nil, err
	}
	if len(nested) == 0 {
		return nil, nil
	}
	result := nested[0]
	if err := applyIncludes(s, childType, []store.EntityObject{result}, child.Include); err != nil {
		return nil, err
	}
	return result, nil
}

func mergeWhere(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// isPlural applies the relation naming convention literally: a plural
// key ends in "s".
func isPlural(key string) bool {
	return strings.HasSuffix(key, "s")
}

func singularize(key string) string {
	return strings.TrimSuffix(key, "s")
}
