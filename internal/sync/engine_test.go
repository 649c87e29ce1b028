package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/triplesync/core/internal/query"
	"github.com/triplesync/core/internal/store"
	"github.com/triplesync/core/internal/sync/datalog"
	"github.com/triplesync/core/internal/sync/wire"
)

// fakeConn is an in-memory wire.Conn: Send appends to sent, Recv blocks
// on a channel the test feeds from the server side.
type fakeConn struct {
	sent   chan wire.Message
	inbox  chan wire.Message
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:   make(chan wire.Message, 32),
		inbox:  make(chan wire.Message, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(m wire.Message) error {
	select {
	case c.sent <- m:
		return nil
	case <-c.closed:
		return context.Canceled
	}
}

func (c *fakeConn) Recv() (wire.Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.closed:
		return nil, context.Canceled
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

type fakeDialer struct {
	conn *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (wire.Conn, error) {
	return d.conn, nil
}

func waitForSent(t *testing.T, conn *fakeConn, op string) wire.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-conn.sent:
			if m.Op() == op {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outbound op %q", op)
			return nil
		}
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), "testapp")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func startReadyEngine(t *testing.T) (*Engine, *fakeConn) {
	t.Helper()
	s := openTestStore(t)
	qe := query.NewEngine(s)
	t.Cleanup(qe.Close)

	conn := newFakeConn()
	e := NewEngine(s, qe, &fakeDialer{conn: conn}, Config{AppID: "testapp", BaseURL: "https://example.test"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		e.Close()
	})
	e.Start(ctx)

	waitForSent(t, conn, "init")
	conn.inbox <- wire.Message{"op": "init-ok", "session_id": "sess-1", "attrs": []any{}}

	deadline := time.After(2 * time.Second)
	for e.State() != StateReady {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Ready state")
		case <-time.After(5 * time.Millisecond):
		}
	}
	return e, conn
}

func TestHandshakeReachesReady(t *testing.T) {
	e, _ := startReadyEngine(t)
	if e.State() != StateReady {
		t.Fatalf("want Ready, got %v", e.State())
	}
}

func TestInitErrorMovesToAuthFailed(t *testing.T) {
	s := openTestStore(t)
	conn := newFakeConn()
	e := NewEngine(s, nil, &fakeDialer{conn: conn}, Config{AppID: "testapp", BaseURL: "https://example.test"})

	var mu sync.Mutex
	var seen []State
	e.OnStateChange(func(cs ConnectionStatus) {
		mu.Lock()
		seen = append(seen, cs.State)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer e.Close()
	e.Start(ctx)

	waitForSent(t, conn, "init")
	conn.inbox <- wire.Message{"op": "init-error"}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		hit := false
		for _, st := range seen {
			if st == StateAuthFailed {
				hit = true
			}
		}
		mu.Unlock()
		if hit {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for AuthFailed transition, saw %v", seen)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLocalTransactionEncodedAndAckApplied(t *testing.T) {
	e, conn := startReadyEngine(t)

	id := uuid.New().String()
	txID := uuid.New().String()
	tx := store.Transaction{
		ID:     txID,
		Origin: store.OriginLocal,
		Status: store.StatusCommitted,
		Ops: []store.Operation{
			{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: store.TypeAttr, Value: "todos"},
			{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: "text", Value: "hello"},
		},
	}
	if _, err := e.store.Apply(tx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	e.NotifyLocalTransaction(tx)

	msg := waitForSent(t, conn, "transact")
	if msg["client_event_id"] != txID {
		t.Fatalf("want client_event_id %q, got %v", txID, msg["client_event_id"])
	}

	conn.inbox <- wire.Message{"op": "transact-ok", "client-event-id": txID}

	deadline := time.After(2 * time.Second)
	for {
		pending, err := e.store.PendingTransactions()
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for transaction to be marked synced")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEchoSuppressionDropsOwnTransaction(t *testing.T) {
	e, conn := startReadyEngine(t)

	id := uuid.New().String()
	txID := uuid.New().String()
	tx := store.Transaction{
		ID:     txID,
		Origin: store.OriginLocal,
		Status: store.StatusCommitted,
		Ops: []store.Operation{
			{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: store.TypeAttr, Value: "todos"},
		},
	}
	if _, err := e.store.Apply(tx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	e.NotifyLocalTransaction(tx)
	waitForSent(t, conn, "transact")

	// Server echoes the same transaction back; it must produce no new
	// triples beyond what the local apply already wrote.
	conn.inbox <- wire.Message{
		"op":              "transact",
		"client-event-id": txID,
		"tx-steps":        []any{[]any{"add-triple", id, "todos.text", "should not apply"}},
	}

	time.Sleep(30 * time.Millisecond)

	rows, err := e.store.QueryEntities(store.QuerySpec{EntityType: "todos"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("want 1 todo, got %d", len(rows))
	}
	if _, ok := rows[0]["text"]; ok {
		t.Fatalf("echoed transaction must not apply, got text=%v", rows[0]["text"])
	}
}

func TestServerRejectionRollsBackLocalTransaction(t *testing.T) {
	e, conn := startReadyEngine(t)

	id := uuid.New().String()
	tx := applyAndNotify(t, e,
		store.Operation{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: store.TypeAttr, Value: "todos"},
		store.Operation{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: "text", Value: "doomed"},
	)
	waitForSent(t, conn, "transact")

	conn.inbox <- wire.Message{"op": "error", "client_event_id": tx.ID}

	deadline := time.After(2 * time.Second)
	for {
		rows, err := e.store.QueryEntities(store.QuerySpec{EntityType: "todos"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(rows) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for rollback, still %d rows", len(rows))
		case <-time.After(5 * time.Millisecond):
		}
	}

	pending, err := e.store.PendingTransactions()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	for _, p := range pending {
		if p.ID == tx.ID {
			t.Fatalf("rejected transaction must not remain pending")
		}
	}
}

func TestRemoteTransactWithAttributeRegistration(t *testing.T) {
	e, conn := startReadyEngine(t)
	_ = conn

	entityID := uuid.New().String()
	conn.inbox <- wire.Message{
		"op": "transact",
		"tx-steps": []any{
			[]any{"add-attr", map[string]any{"id": "A1", "forward-identity": []any{"_", "todos", "done"}}},
			[]any{"add-attr", map[string]any{"id": "TYPE_ATTR", "forward-identity": []any{"_", "todos", store.TypeAttr}}},
			[]any{"add-triple", entityID, "A1", true},
			[]any{"add-triple", entityID, "TYPE_ATTR", "todos"},
		},
	}

	deadline := time.After(2 * time.Second)
	for {
		rows, err := e.store.QueryEntities(store.QuerySpec{EntityType: "todos", Where: map[string]any{"done": true}})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(rows) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for remote delta to apply")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// seedLocalTodo applies an unsynced local transaction giving entity id a
// __type of "todos" and a title, the starting state for the redelivery
// tests below.
func seedLocalTodo(t *testing.T, e *Engine, id, title string) {
	t.Helper()
	applyAndNotify(t, e,
		store.Operation{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: store.TypeAttr, Value: "todos"},
		store.Operation{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: "title", Value: title},
	)
}

// expectTitleConflict asserts that exactly one overwrite was recorded,
// for the title attribute, with the given local/remote values.
func expectTitleConflict(t *testing.T, e *Engine, localVal, remoteVal string) {
	t.Helper()
	conflicts, err := e.store.RecentConflicts(0)
	if err != nil {
		t.Fatalf("RecentConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("want 1 recorded overwrite, got %d (%#v)", len(conflicts), conflicts)
	}
	c := conflicts[0]
	if c.Attribute != "title" || c.LocalValue != localVal || c.RemoteValue != remoteVal {
		t.Fatalf("want title overwrite %q -> %q, got %#v", localVal, remoteVal, c)
	}
}

func TestRemoteAddTripleRetractsPriorValue(t *testing.T) {
	e, conn := startReadyEngine(t)

	id := uuid.New().String()
	seedLocalTodo(t, e, id, "local edit")
	waitForSent(t, conn, "transact")

	conn.inbox <- wire.Message{
		"op": "transact",
		"tx-steps": []any{
			[]any{"add-attr", map[string]any{"id": "A-title", "forward-identity": []any{"_", "todos", "title"}}},
			[]any{"add-triple", id, "A-title", "server edit"},
		},
	}

	deadline := time.After(2 * time.Second)
	for {
		rows, err := e.store.QueryEntities(store.QuerySpec{EntityType: "todos"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(rows) == 1 && rows[0]["title"] == "server edit" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for remote redelivery to apply, got %#v", rows)
		case <-time.After(5 * time.Millisecond):
		}
	}
	expectTitleConflict(t, e, "local edit", "server edit")
}

func TestSnapshotRedeliveryRetractsPriorValue(t *testing.T) {
	e, _ := startReadyEngine(t)
	e.attrs.Register("todos", "title", "A-title")

	id := uuid.New().String()
	seedLocalTodo(t, e, id, "local edit")

	if err := e.applySnapshot([]any{
		[]any{id, "A-title", "from snapshot", float64(1)},
	}); err != nil {
		t.Fatalf("applySnapshot: %v", err)
	}

	rows, err := e.store.QueryEntities(store.QuerySpec{EntityType: "todos"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0]["title"] != "from snapshot" {
		t.Fatalf("want snapshot value to replace the prior one, got %#v", rows)
	}
	expectTitleConflict(t, e, "local edit", "from snapshot")
}

func TestDatalogRedeliveryRetractsPriorValue(t *testing.T) {
	e, _ := startReadyEngine(t)
	e.attrs.Register("todos", "title", "A-title")

	id := uuid.New().String()
	seedLocalTodo(t, e, id, "local edit")

	d, err := datalog.Decode([]any{
		[]any{id, "A-title", "from refresh", float64(1)},
	}, "todos", e.attrs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := e.applyDatalogResult(d); err != nil {
		t.Fatalf("applyDatalogResult: %v", err)
	}

	rows, err := e.store.QueryEntities(store.QuerySpec{EntityType: "todos"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0]["title"] != "from refresh" {
		t.Fatalf("want refresh value to replace the prior one, got %#v", rows)
	}
	// The payload also redelivers __type with its unchanged value; only
	// the genuine title overwrite may surface.
	expectTitleConflict(t, e, "local edit", "from refresh")
}

func TestDatalogRefreshAppliesEntities(t *testing.T) {
	e, conn := startReadyEngine(t)

	tree := query.Tree{"todos": {EntityType: "todos"}}
	e.subscribeQuery(tree)
	addQueryMsg := waitForSent(t, conn, "add-query")
	queryID := addQueryMsg["query_id"].(string)

	e.attrs.Register("todos", "title", "A-title")
	entityID := uuid.New().String()
	conn.inbox <- wire.Message{
		"op":       "refresh-ok",
		"query_id": queryID,
		"join-rows": []any{
			[]any{entityID, "A-title", "from server", float64(1)},
		},
	}

	deadline := time.After(2 * time.Second)
	for {
		rows, err := e.store.QueryEntities(store.QuerySpec{EntityType: "todos"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(rows) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for datalog refresh to apply, got %d rows", len(rows))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRefreshOKWithNestedComputations(t *testing.T) {
	e, conn := startReadyEngine(t)

	tree := query.Tree{"todos": {EntityType: "todos"}}
	e.subscribeQuery(tree)
	waitForSent(t, conn, "add-query")

	e.attrs.Register("todos", "done", "A1")
	e.attrs.Register("todos", "text", "A2")

	entityID := uuid.New().String()
	// refresh-ok wraps its join-rows inside computations[].instaql-result
	// .datalog-result, with the rows themselves doubly nested, and carries
	// no query_id: the root type comes from the sole subscribed query.
	conn.inbox <- wire.Message{
		"op": "refresh-ok",
		"computations": []any{
			map[string]any{
				"instaql-result": map[string]any{
					"datalog-result": map[string]any{
						"join-rows": []any{
							[]any{
								[]any{entityID, "A1", false, float64(1)},
								[]any{entityID, "A2", "buy milk", float64(1)},
							},
						},
					},
				},
			},
		},
	}

	deadline := time.After(2 * time.Second)
	for {
		rows, err := e.store.QueryEntities(store.QuerySpec{EntityType: "todos"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(rows) == 1 {
			if rows[0]["done"] != false || rows[0]["text"] != "buy milk" {
				t.Fatalf("want done=false text=%q, got %#v", "buy milk", rows[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for nested refresh-ok to apply, got %d rows", len(rows))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDuplicateDatalogPayloadIsDroppedByHash(t *testing.T) {
	e, _ := startReadyEngine(t)

	e.attrs.Register("todos", "title", "A-title")
	entityID := uuid.New().String()
	rows := []any{[]any{entityID, "A-title", "same payload", float64(1)}}

	d, err := datalog.Decode(rows, "todos", e.attrs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := e.applyDatalogResult(d); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !e.seenPayloads.Contains(d.Hash) {
		t.Fatalf("want payload hash recorded after first apply")
	}

	again, err := datalog.Decode(rows, "todos", e.attrs)
	if err != nil {
		t.Fatalf("decode again: %v", err)
	}
	if again.Hash != d.Hash {
		t.Fatalf("want identical payloads to hash identically, got %q vs %q", d.Hash, again.Hash)
	}
	if err := e.applyDatalogResult(again); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	entities, err := e.store.QueryEntities(store.QuerySpec{EntityType: "todos"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("want 1 entity after duplicate payload, got %d", len(entities))
	}
}

func TestEmptyStoreRequestsBootstrapAndAppliesSnapshot(t *testing.T) {
	s := openTestStore(t)
	qe := query.NewEngine(s)
	t.Cleanup(qe.Close)

	conn := newFakeConn()
	e := NewEngine(s, qe, &fakeDialer{conn: conn}, Config{AppID: "testapp", BaseURL: "https://example.test"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		e.Close()
	})
	e.Start(ctx)

	initMsg := waitForSent(t, conn, "init")
	if initMsg["bootstrap"] != true {
		t.Fatalf("want an empty store to request bootstrap, got init=%v", initMsg)
	}

	entityID := uuid.New().String()
	conn.inbox <- wire.Message{
		"op":         "init-ok",
		"session_id": "sess-1",
		"attrs": []any{
			map[string]any{"id": "A-type", "forward-identity": []any{"_", "todos", store.TypeAttr}},
			map[string]any{"id": "A-title", "forward-identity": []any{"_", "todos", "title"}},
		},
		"snapshot_triples": []any{
			[]any{entityID, "A-type", "todos", float64(1)},
			[]any{entityID, "A-title", "from snapshot", float64(1)},
		},
	}

	deadline := time.After(2 * time.Second)
	for {
		rows, err := s.QueryEntities(store.QuerySpec{EntityType: "todos"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(rows) == 1 && rows[0]["title"] == "from snapshot" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for bootstrap snapshot to apply, got %v", rows)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// applyAndNotify is a small helper for tests that want to drive a single
// operation through Apply + NotifyLocalTransaction and then inspect the
// resulting outbound transact{} message.
func applyAndNotify(t *testing.T, e *Engine, ops ...store.Operation) store.Transaction {
	t.Helper()
	tx := store.Transaction{
		ID:     uuid.New().String(),
		Origin: store.OriginLocal,
		Status: store.StatusCommitted,
		Ops:    ops,
	}
	if _, err := e.store.Apply(tx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	e.NotifyLocalTransaction(tx)
	return tx
}

func addTripleStep(t *testing.T, msg wire.Message) []any {
	t.Helper()
	steps, ok := msg["tx_steps"].([]any)
	if !ok || len(steps) == 0 {
		t.Fatalf("want non-empty tx_steps, got %v", msg)
	}
	step, ok := steps[0].([]any)
	if !ok {
		t.Fatalf("want an add-triple step, got %v", steps[0])
	}
	return step
}

func TestLinkTwiceEncodesResultingList(t *testing.T) {
	e, conn := startReadyEngine(t)

	fromID := uuid.New().String()
	toA := uuid.New().String()
	toB := uuid.New().String()

	applyAndNotify(t, e,
		store.Operation{Kind: store.OpAdd, EntityType: "todos", EntityID: fromID, Attr: store.TypeAttr, Value: "todos"},
	)
	waitForSent(t, conn, "transact")

	applyAndNotify(t, e, store.Operation{Kind: store.OpLink, EntityType: "todos", FromEntity: fromID, Relation: "tags", ToEntity: toA})
	msg := waitForSent(t, conn, "transact")
	step := addTripleStep(t, msg)
	if step[3] != toA {
		t.Fatalf("want first link to encode scalar %q, got %v", toA, step[3])
	}

	applyAndNotify(t, e, store.Operation{Kind: store.OpLink, EntityType: "todos", FromEntity: fromID, Relation: "tags", ToEntity: toB})
	msg = waitForSent(t, conn, "transact")
	step = addTripleStep(t, msg)
	list, ok := step[3].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("want second link to encode the promoted two-element list, got %v", step[3])
	}
	if list[0] != toA || list[1] != toB {
		t.Fatalf("want list [%q, %q], got %v", toA, toB, list)
	}
}

func TestUnlinkEncodesResultingValue(t *testing.T) {
	e, conn := startReadyEngine(t)

	fromID := uuid.New().String()
	toID := uuid.New().String()

	applyAndNotify(t, e,
		store.Operation{Kind: store.OpAdd, EntityType: "todos", EntityID: fromID, Attr: store.TypeAttr, Value: "todos"},
		store.Operation{Kind: store.OpLink, EntityType: "todos", FromEntity: fromID, Relation: "tags", ToEntity: toID},
	)
	waitForSent(t, conn, "transact")

	applyAndNotify(t, e, store.Operation{Kind: store.OpUnlink, EntityType: "todos", FromEntity: fromID, Relation: "tags", ToEntity: toID})
	msg := waitForSent(t, conn, "transact")
	step := addTripleStep(t, msg)
	if step[0] != "add-triple" {
		t.Fatalf("want unlink to emit an add-triple step, got %v", step)
	}
	if step[3] != nil {
		t.Fatalf("want unlinking the only edge to encode a null resulting value, got %v", step[3])
	}
}

func TestMergeEncodesDeepMergedResult(t *testing.T) {
	e, conn := startReadyEngine(t)

	id := uuid.New().String()
	applyAndNotify(t, e,
		store.Operation{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: store.TypeAttr, Value: "todos"},
		store.Operation{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: "meta", Value: map[string]any{"color": "blue", "size": "m"}},
	)
	waitForSent(t, conn, "transact")

	applyAndNotify(t, e, store.Operation{
		Kind:       store.OpMerge,
		EntityType: "todos",
		EntityID:   id,
		Partial:    map[string]any{"meta": map[string]any{"size": "l"}},
	})
	msg := waitForSent(t, conn, "transact")
	step := addTripleStep(t, msg)
	merged, ok := step[3].(map[string]any)
	if !ok {
		t.Fatalf("want the merged object encoded, got %v", step[3])
	}
	if merged["color"] != "blue" || merged["size"] != "l" {
		t.Fatalf("want deep-merged {color: blue, size: l}, got %v", merged)
	}
}

func TestRetractEncodesResultingValue(t *testing.T) {
	e, conn := startReadyEngine(t)

	id := uuid.New().String()
	applyAndNotify(t, e,
		store.Operation{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: store.TypeAttr, Value: "todos"},
		store.Operation{Kind: store.OpAdd, EntityType: "todos", EntityID: id, Attr: "title", Value: "keep me"},
	)
	waitForSent(t, conn, "transact")

	applyAndNotify(t, e, store.Operation{Kind: store.OpRetract, EntityType: "todos", EntityID: id, Attr: "title", Value: "keep me"})
	msg := waitForSent(t, conn, "transact")
	step := addTripleStep(t, msg)
	if step[0] != "add-triple" {
		t.Fatalf("want retract to emit an add-triple step, got %v", step)
	}
	if step[3] != nil {
		t.Fatalf("want retracting the only value to encode a null resulting value, got %v", step[3])
	}
}
