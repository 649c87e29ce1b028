package store

import "testing"

func TestRemoteOverwriteOfUnsyncedLocalValueIsRecordedAsConflict(t *testing.T) {
	s := openTestStore(t)
	id := newID()

	localTxID := newID()
	local := Transaction{
		ID:     localTxID,
		Origin: OriginLocal,
		Ops: []Operation{
			{Kind: OpAdd, EntityType: "todos", EntityID: id, Attr: TypeAttr, Value: "todos"},
			{Kind: OpAdd, EntityType: "todos", EntityID: id, Attr: "title", Value: "local edit"},
		},
	}
	if _, err := s.Apply(local); err != nil {
		t.Fatalf("apply local: %v", err)
	}
	// localTxID is still "committed", never marked synced: the server
	// hasn't acknowledged it yet when the remote delta below lands.

	remote := Transaction{
		ID:     newID(),
		Origin: OriginRemote,
		Status: StatusSynced,
		Ops: []Operation{
			{Kind: OpUpdate, EntityID: id, Attr: "title", Value: "server edit"},
		},
	}
	if _, err := s.Apply(remote); err != nil {
		t.Fatalf("apply remote: %v", err)
	}

	conflicts, err := s.RecentConflicts(0)
	if err != nil {
		t.Fatalf("RecentConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("want 1 recorded conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.EntityID != id || c.Attribute != "title" {
		t.Fatalf("want conflict on (%s, title), got (%s, %s)", id, c.EntityID, c.Attribute)
	}
	if c.LocalValue != "local edit" || c.RemoteValue != "server edit" {
		t.Fatalf("want local=%q remote=%q, got local=%v remote=%v",
			"local edit", "server edit", c.LocalValue, c.RemoteValue)
	}

	entities, err := s.QueryEntities(QuerySpec{EntityType: "todos"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entities) != 1 || entities[0]["title"] != "server edit" {
		t.Fatalf("want last-writer-wins to leave the remote value in place, got %v", entities)
	}
}

func TestIdenticalRemoteRedeliveryIsNotRecordedAsConflict(t *testing.T) {
	s := openTestStore(t)
	id := newID()

	local := Transaction{
		ID:     newID(),
		Origin: OriginLocal,
		Ops: []Operation{
			{Kind: OpAdd, EntityType: "todos", EntityID: id, Attr: TypeAttr, Value: "todos"},
			{Kind: OpAdd, EntityType: "todos", EntityID: id, Attr: "title", Value: "same"},
		},
	}
	if _, err := s.Apply(local); err != nil {
		t.Fatalf("apply local: %v", err)
	}

	remote := Transaction{
		ID:     newID(),
		Origin: OriginRemote,
		Status: StatusSynced,
		Ops: []Operation{
			{Kind: OpUpdate, EntityID: id, Attr: "title", Value: "same"},
		},
	}
	if _, err := s.Apply(remote); err != nil {
		t.Fatalf("apply remote: %v", err)
	}

	conflicts, err := s.RecentConflicts(0)
	if err != nil {
		t.Fatalf("RecentConflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("want no conflict for an identical redelivered value, got %d", len(conflicts))
	}

	entities, err := s.QueryEntities(QuerySpec{EntityType: "todos"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entities) != 1 || entities[0]["title"] != "same" {
		t.Fatalf("want the value still queryable, got %#v", entities)
	}
}

func TestSyncedLocalValueOverwrittenByRemoteIsNotAConflict(t *testing.T) {
	s := openTestStore(t)
	id := newID()

	localTxID := newID()
	local := Transaction{
		ID:     localTxID,
		Origin: OriginLocal,
		Ops: []Operation{
			{Kind: OpAdd, EntityType: "todos", EntityID: id, Attr: TypeAttr, Value: "todos"},
			{Kind: OpAdd, EntityType: "todos", EntityID: id, Attr: "title", Value: "local edit"},
		},
	}
	if _, err := s.Apply(local); err != nil {
		t.Fatalf("apply local: %v", err)
	}
	if err := s.MarkSynced(localTxID); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	remote := Transaction{
		ID:     newID(),
		Origin: OriginRemote,
		Status: StatusSynced,
		Ops: []Operation{
			{Kind: OpUpdate, EntityID: id, Attr: "title", Value: "server edit"},
		},
	}
	if _, err := s.Apply(remote); err != nil {
		t.Fatalf("apply remote: %v", err)
	}

	conflicts, err := s.RecentConflicts(0)
	if err != nil {
		t.Fatalf("RecentConflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("want no conflict once the local value had already synced, got %d", len(conflicts))
	}
}
