package client

import (
	"testing"
	"time"

	"github.com/triplesync/core/internal/config"
	"github.com/triplesync/core/internal/query"
	"github.com/triplesync/core/internal/store"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := Init("testapp", config.Config{PersistenceDir: t.TempDir()})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { c.Dispose() })
	return c
}

func TestInitRequiresAppID(t *testing.T) {
	if _, err := Init("", config.Config{PersistenceDir: t.TempDir()}); err == nil {
		t.Fatal("want error for empty app id")
	}
}

func TestOptimisticCreateIsImmediatelyQueryable(t *testing.T) {
	c := newTestClient(t)
	id := c.ID()

	result, err := c.Transact([]store.Operation{
		{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: "text", Value: "hello"},
		{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: store.TypeAttr, Value: "todos"},
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if result.Status != store.StatusCommitted {
		t.Fatalf("want committed status, got %v", result.Status)
	}

	rows := c.QueryOnce(query.Tree{"todos": {EntityType: "todos"}})
	if rows.Status != query.Success {
		t.Fatalf("want success, got %v (%v)", rows.Status, rows.Err)
	}
	todos := rows.Data["todos"].([]store.EntityObject)
	if len(todos) != 1 || todos[0]["text"] != "hello" {
		t.Fatalf("want 1 todo with text hello, got %#v", todos)
	}
}

func TestTransactRejectsEmptyOperations(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.Transact(nil); err != ErrEmptyOperations {
		t.Fatalf("want ErrEmptyOperations, got %v", err)
	}
}

func TestTransactRejectsMissingEntityID(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Transact([]store.Operation{{Kind: store.OpAdd, Attr: "text", Value: "x"}})
	if err != ErrMissingEntityID {
		t.Fatalf("want ErrMissingEntityID, got %v", err)
	}
}

func TestFluentChunkBuilderCommitsAsOneTransaction(t *testing.T) {
	c := newTestClient(t)
	id := c.ID()

	_, err := c.Tx().
		Entity("todos", id).
		Add("text", "from builder").
		Add(store.TypeAttr, "todos").
		Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	rows := c.QueryOnce(query.Tree{"todos": {EntityType: "todos"}})
	todos := rows.Data["todos"].([]store.EntityObject)
	if len(todos) != 1 || todos[0]["text"] != "from builder" {
		t.Fatalf("want 1 todo from builder, got %#v", todos)
	}
}

func TestSubscribeQueryTracksStoreChanges(t *testing.T) {
	c := newTestClient(t)
	sub, err := c.SubscribeQuery(query.Tree{"todos": {EntityType: "todos"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	<-sub.C // initial loading/success snapshot

	id := c.ID()
	if _, err := c.Transact([]store.Operation{
		{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: store.TypeAttr, Value: "todos"},
	}); err != nil {
		t.Fatalf("transact: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-sub.C:
			if r.Status == query.Success {
				if todos, ok := r.Data["todos"].([]store.EntityObject); ok && len(todos) == 1 {
					return
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for subscription to observe the new todo")
		}
	}
}

func TestValidationFailureDoesNotDegradeClient(t *testing.T) {
	c := newTestClient(t)

	// An array-shaped entity id with no recoverable UUID passes the
	// facade's shallow checks but is rejected by the store's apply path.
	_, err := c.Transact([]store.Operation{
		{Kind: store.OpAdd, EntityType: "todos", EntityID: "[nope]", Attr: store.TypeAttr, Value: "todos"},
	})
	if err == nil {
		t.Fatal("want validation error for unparseable entity id")
	}

	id := c.ID()
	if _, err := c.Transact([]store.Operation{
		{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: store.TypeAttr, Value: "todos"},
	}); err != nil {
		t.Fatalf("want client still writable after validation failure, got %v", err)
	}
}

func TestStorageFailureEntersDegradedReadOnlyMode(t *testing.T) {
	c := newTestClient(t)

	// Simulate a storage failure by closing the store out from under the
	// client.
	c.store.Close()

	id := c.ID()
	op := []store.Operation{{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: store.TypeAttr, Value: "todos"}}
	if _, err := c.Transact(op); err == nil {
		t.Fatal("want storage error from transact against a closed store")
	}
	if _, err := c.Transact(op); err != ErrReadOnly {
		t.Fatalf("want ErrReadOnly once degraded, got %v", err)
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	c, err := Init("testapp", config.Config{PersistenceDir: t.TempDir()})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if err := c.Dispose(); err != nil {
		t.Fatalf("second dispose: %v", err)
	}
	if _, err := c.Transact([]store.Operation{{Kind: store.OpDelete, EntityID: "x"}}); err != ErrDisposed {
		t.Fatalf("want ErrDisposed after dispose, got %v", err)
	}
}
