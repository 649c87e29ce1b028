// Package sync implements the sync engine: a session state machine
// driving a single long-lived transport connection,
// encoding local transactions onto the wire, decoding remote deltas and
// datalog query results back into the triple store, and keeping query
// subscriptions drained across reconnects.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triplesync/core/internal/query"
	"github.com/triplesync/core/internal/store"
	"github.com/triplesync/core/internal/sync/datalog"
	"github.com/triplesync/core/internal/sync/wire"
)

// ErrAuthFailed is surfaced (via the state callback, not as a function
// result) when the server rejects init, so the embedding application
// can fetch a fresh token before the next reconnect attempt.
var ErrAuthFailed = errors.New("sync: authentication failed")

// Engine drives one app's sync session. It owns the transport, the
// attribute cache, and the set of query subscriptions that must be
// re-submitted on every reconnect.
type Engine struct {
	store *store.Store
	qe    *query.Engine
	cfg   Config

	dialer wire.Dialer
	attrs  *AttributeCache

	sentEvents   *sentEventSet
	seenPayloads *sentEventSet
	knownTypes   *sentEventSet

	mu      sync.Mutex
	state   State
	conn    wire.Conn
	sessID  string
	onState func(ConnectionStatus)
	queries map[string]query.Tree // query_id -> tree
	byKey   map[string]string     // canonical tree key -> query_id

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine constructs a Sync Engine for s, with qe receiving the
// materialized results of queries the engine subscribes to on the
// server's behalf. dialer is typically wire.NewDialer(cfg.BaseURL,
// cfg.AppID).
func NewEngine(s *store.Store, qe *query.Engine, dialer wire.Dialer, cfg Config) *Engine {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	e := &Engine{
		store:        s,
		qe:           qe,
		cfg:          cfg,
		dialer:       dialer,
		attrs:        NewAttributeCache(),
		sentEvents:   newSentEventSet(),
		seenPayloads: newSentEventSet(),
		knownTypes:   newSentEventSet(),
		state:        StateDisconnected,
		queries:      make(map[string]query.Tree),
		byKey:        make(map[string]string),
	}
	if qe != nil {
		qe.OnNewQuery(e.subscribeQuery)
	}
	return e
}

// OnStateChange registers a callback invoked on every session state
// transition — the connection status a UI binding layer consumes.
func (e *Engine) OnStateChange(fn func(ConnectionStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start begins the reconnect loop in the background. Cancelling ctx, or
// calling Close, stops it.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	backoff := &wire.Backoff{Base: e.cfg.ReconnectDelay}
	go func() {
		defer close(e.done)
		wire.Loop(ctx, e.dialer, backoff, func(conn wire.Conn) {
			e.handleConn(ctx, conn)
		})
	}()
}

// Close cancels the reconnect loop and releases the current connection.
// Pending local transactions remain in the store's transaction log with
// status committed and are re-sent on the next Start.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if e.done != nil {
		<-e.done
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		cb(ConnectionStatus{Connected: s == StateReady, State: s})
	}
}

// handleConn drives one transport connection end-to-end: send init,
// wait for init-ok/init-error, then loop reading and dispatching
// messages until the connection drops.
func (e *Engine) handleConn(ctx context.Context, conn wire.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.conn = nil
		e.mu.Unlock()
		e.setState(StateDisconnected)
	}()

	e.setState(StateConnecting)

	eventID := uuid.New().String()
	initMsg := wire.Message{
		"op":             "init",
		"app_id":         e.cfg.AppID,
		"event_id":       eventID,
		"client_version": e.cfg.ClientVersion,
	}
	if e.cfg.RefreshToken != "" {
		initMsg["refresh_token"] = e.cfg.RefreshToken
	}
	// An empty store has nothing to lose by asking for a full snapshot
	// instead of waiting on the normal add-query/refresh round trip. A
	// server that doesn't understand "bootstrap" just ignores the field.
	if empty, err := e.store.IsEmpty(); err == nil && empty {
		initMsg["bootstrap"] = true
	}
	if err := conn.Send(initMsg); err != nil {
		slog.Warn("sync: send init failed", "err", err)
		return
	}
	e.setState(StateInitSent)

	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := conn.Recv()
		if err != nil {
			slog.Warn("sync: transport read failed, disconnecting", "err", err)
			return
		}
		if !e.dispatch(msg) {
			return
		}
	}
}

// dispatch handles one inbound message. A false return tears down the
// connection (an init-error, or a transport-level error: one naming no
// client_event_id). Unknown ops and undecodable payloads are logged and
// skipped; no count of repeated decode errors is kept. A frame that is
// not valid JSON fails conn.Recv and ends the connection in handleConn.
func (e *Engine) dispatch(msg wire.Message) bool {
	switch msg.Op() {
	case "init-ok":
		e.handleInitOK(msg)
	case "init-error":
		slog.Warn("sync: init rejected", "payload", msg)
		e.setState(StateAuthFailed)
		return false
	case "transact-ok":
		e.handleTransactOK(msg)
	case "transact":
		e.handleTransact(msg)
	case "add-query-ok", "query-response", "refresh", "refresh-ok":
		e.handleDatalogMessage(msg)
	case "invalidate-query":
		e.handleInvalidateQuery(msg)
	case "error":
		e.handleError(msg)
		if eventID, _ := msg["client_event_id"].(string); eventID == "" {
			return false
		}
	default:
		slog.Warn("sync: unknown message op, skipping", "op", msg.Op())
	}
	return true
}

func (e *Engine) handleInitOK(msg wire.Message) {
	sessionID, _ := msg["session_id"].(string)
	e.mu.Lock()
	e.sessID = sessionID
	e.mu.Unlock()
	if sessionID != "" {
		if err := e.store.SetMetadata("last_session_id", sessionID); err != nil {
			slog.Warn("sync: record session id failed", "err", err)
		}
	}

	e.attrs.Reset()
	if attrsRaw, ok := msg["attrs"].([]any); ok {
		for _, a := range attrsRaw {
			e.decodeAddAttr(a)
		}
	}

	if snapshot, ok := msg["snapshot_triples"]; ok && snapshot != nil {
		if err := e.applySnapshot(snapshot); err != nil {
			slog.Warn("sync: apply bootstrap snapshot failed", "err", err)
		}
	}

	e.setState(StateReady)
	e.drainPendingQueries()
	e.drainPendingTransactions()
}

// drainPendingQueries re-submits every query subscription the local
// query engine currently has cached.
func (e *Engine) drainPendingQueries() {
	if e.qe == nil {
		return
	}
	for _, tree := range e.qe.CachedTrees() {
		e.subscribeQuery(tree)
	}
}

// drainPendingTransactions re-sends every transaction the store has not
// yet marked synced or failed.
func (e *Engine) drainPendingTransactions() {
	pending, err := e.store.PendingTransactions()
	if err != nil {
		slog.Warn("sync: list pending transactions failed", "err", err)
		return
	}
	for _, tx := range pending {
		e.sendTransaction(tx)
	}
}

// sendTransaction encodes and sends tx, recording its ID in the echo
// suppression set first so a fast server echo can never race ahead of
// local bookkeeping.
func (e *Engine) sendTransaction(tx store.Transaction) {
	e.sentEvents.Add(tx.ID)
	e.mu.Lock()
	conn := e.conn
	ready := e.state == StateReady
	e.mu.Unlock()
	if !ready || conn == nil {
		return
	}
	if err := conn.Send(e.encodeTransact(tx)); err != nil {
		slog.Warn("sync: send transact failed", "tx_id", tx.ID, "err", err)
	}
}

// NotifyLocalTransaction is called by the client facade immediately
// after a local transaction commits. If the session is Ready, it is
// sent now; otherwise it remains in the store's pending set and is
// drained on the next init-ok.
func (e *Engine) NotifyLocalTransaction(tx store.Transaction) {
	e.sendTransaction(tx)
}

func (e *Engine) handleTransactOK(msg wire.Message) {
	eventID, _ := msg["client-event-id"].(string)
	if eventID == "" {
		eventID, _ = msg["client_event_id"].(string)
	}
	if eventID == "" {
		return
	}
	if err := e.store.MarkSynced(eventID); err != nil {
		slog.Warn("sync: mark synced failed", "tx_id", eventID, "err", err)
	}
}

func (e *Engine) handleTransact(msg wire.Message) {
	eventID, _ := msg["client-event-id"].(string)
	if eventID == "" {
		eventID, _ = msg["client_event_id"].(string)
	}
	if eventID != "" && e.sentEvents.Contains(eventID) {
		// Echo of our own transaction: drop without touching the store.
		return
	}
	stepsRaw, _ := msg["tx-steps"].([]any)
	if stepsRaw == nil {
		stepsRaw, _ = msg["tx_steps"].([]any)
	}
	ops := e.decodeTransactSteps(stepsRaw)
	if err := e.applyRemoteTransaction(ops); err != nil {
		slog.Warn("sync: apply remote transaction failed", "err", err)
	}
}

// queryRootType returns the entity type of tree's single root node, used
// to fill in __type for datalog rows the decoder can't otherwise assign.
func queryRootType(tree query.Tree) string {
	for _, node := range tree {
		return node.EntityType
	}
	return ""
}

// extractJoinRows pulls every join-rows payload out of msg: either the
// top-level "join-rows"/"join_rows" field of add-query-ok and
// query-response frames, or the nested
// computations[].instaql-result.datalog-result.join-rows shape that
// refresh-ok carries.
func extractJoinRows(msg wire.Message) []any {
	if rows := msg["join-rows"]; rows != nil {
		return []any{rows}
	}
	if rows := msg["join_rows"]; rows != nil {
		return []any{rows}
	}
	comps, _ := msg["computations"].([]any)
	var out []any
	for _, c := range comps {
		comp, ok := c.(map[string]any)
		if !ok {
			continue
		}
		iq, ok := comp["instaql-result"].(map[string]any)
		if !ok {
			continue
		}
		dr, ok := iq["datalog-result"].(map[string]any)
		if !ok {
			continue
		}
		if rows := dr["join-rows"]; rows != nil {
			out = append(out, rows)
		}
	}
	return out
}

// treeForMessage resolves which subscribed query a datalog-bearing
// message belongs to: by query_id when the server includes one, falling
// back to the sole subscribed query when there is exactly one (refresh-ok
// frames don't always carry a query_id). The tree's root type is what
// fills in __type for rows that arrive without one.
func (e *Engine) treeForMessage(msg wire.Message) query.Tree {
	queryID, _ := msg["query_id"].(string)
	e.mu.Lock()
	defer e.mu.Unlock()
	if tree, ok := e.queries[queryID]; ok {
		return tree
	}
	if len(e.queries) == 1 {
		for _, tree := range e.queries {
			return tree
		}
	}
	return nil
}

func (e *Engine) handleDatalogMessage(msg wire.Message) {
	tree := e.treeForMessage(msg)
	for _, rows := range extractJoinRows(msg) {
		decoded, err := datalog.Decode(rows, queryRootType(tree), e.attrs)
		if err != nil {
			slog.Warn("sync: decode datalog payload failed", "err", err)
			continue
		}
		if err := e.applyDatalogResult(decoded); err != nil {
			slog.Warn("sync: apply datalog result failed", "err", err)
		}
	}
}

func (e *Engine) handleInvalidateQuery(msg wire.Message) {
	if len(extractJoinRows(msg)) > 0 {
		e.handleDatalogMessage(msg)
		return
	}
	queryID, _ := msg["query_id"].(string)
	e.mu.Lock()
	tree := e.queries[queryID]
	e.mu.Unlock()
	if tree == nil || e.qe == nil {
		return
	}
	if err := e.qe.Invalidate(tree); err != nil {
		slog.Warn("sync: invalidate query failed", "err", err)
	}
}

func (e *Engine) handleError(msg wire.Message) {
	eventID, _ := msg["client_event_id"].(string)
	if eventID == "" {
		slog.Warn("sync: transport-level error from server", "payload", msg)
		return
	}
	slog.Warn("sync: transaction rejected by server", "tx_id", eventID)
	if err := e.store.Rollback(eventID); err != nil {
		slog.Warn("sync: rollback after rejection failed", "tx_id", eventID, "err", err)
	}
}

// subscribeQuery sends add-query for tree, assigning it a fresh query
// id (or reusing the existing one for an equivalent tree already
// subscribed). This is the hook wired into the query engine's
// OnNewQuery so every distinct cached query is also submitted to the
// server.
func (e *Engine) subscribeQuery(tree query.Tree) {
	key, err := query.CanonicalKey(tree)
	if err != nil {
		slog.Warn("sync: canonical key for query failed", "err", err)
		return
	}

	e.mu.Lock()
	queryID, exists := e.byKey[key]
	if !exists {
		queryID = uuid.New().String()
		e.byKey[key] = queryID
	}
	e.queries[queryID] = tree
	conn := e.conn
	ready := e.state == StateReady
	e.mu.Unlock()

	if !ready || conn == nil {
		return
	}
	if err := conn.Send(wire.Message{
		"op":       "add-query",
		"query_id": queryID,
		"q":        encodeTreeForWire(tree),
	}); err != nil {
		slog.Warn("sync: send add-query failed", "err", err)
	}
}

// encodeTreeForWire produces a plain JSON-able representation of a query
// tree for the add-query payload.
func encodeTreeForWire(tree query.Tree) map[string]any {
	out := make(map[string]any, len(tree))
	for key, node := range tree {
		out[key] = encodeNodeForWire(node)
	}
	return out
}

func encodeNodeForWire(node *query.Node) map[string]any {
	if node == nil {
		return map[string]any{}
	}
	m := map[string]any{
		"entity_type": node.EntityType,
		"where":       node.Where,
		"limit":       node.Limit,
		"offset":      node.Offset,
	}
	if len(node.Include) > 0 {
		inc := make(map[string]any, len(node.Include))
		for k, child := range node.Include {
			inc[k] = encodeNodeForWire(child)
		}
		m["include"] = inc
	}
	return m
}
