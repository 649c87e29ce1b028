// Package client implements the Client Facade: the single entry point
// an application embeds. It owns the triple store, the query engine,
// and — when sync is enabled — the sync engine, wiring the three
// together and exposing the optimistic transact pipeline and query
// subscription API.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/triplesync/core/internal/config"
	"github.com/triplesync/core/internal/query"
	"github.com/triplesync/core/internal/store"
	"github.com/triplesync/core/internal/sync"
	"github.com/triplesync/core/internal/sync/wire"
)

const defaultPersistenceDir = "."

// TransactionResult is returned immediately from Transact/TransactChunk,
// before the server has acknowledged anything.
type TransactionResult struct {
	TxID   string
	Status store.TxStatus
}

// Client is a ready handle over one app's local-first store.
type Client struct {
	appID string
	cfg   config.Config

	store *store.Store
	qe    *query.Engine
	sync  *sync.Engine

	cancel   context.CancelFunc
	dispose  bool
	degraded bool
}

// Init opens (creating if necessary) the triple store for appID under
// cfg.PersistenceDir, starts the query engine, and — if cfg.SyncEnabled
// — starts the sync engine against cfg.BaseURL. This is the module's
// top-level entry point.
func Init(appID string, cfg config.Config) (*Client, error) {
	if appID == "" {
		return nil, fmt.Errorf("client: init: app_id is required")
	}
	cfg = cfg.WithDefaults()

	persistenceDir := cfg.PersistenceDir
	if persistenceDir == "" {
		persistenceDir = defaultPersistenceDir
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.VerboseLogging)})))

	s, err := store.Open(persistenceDir, appID)
	if err != nil {
		return nil, fmt.Errorf("client: open store: %w", err)
	}
	if err := s.SetCacheSize(cfg.MaxCacheSizeBytes); err != nil {
		s.Close()
		return nil, fmt.Errorf("client: init: %w", err)
	}

	qe := query.NewEngine(s)
	qe.SetMaxCachedQueries(cfg.MaxCachedQueries)

	c := &Client{
		appID: appID,
		cfg:   cfg,
		store: s,
		qe:    qe,
	}

	if cfg.SyncEnabled {
		if cfg.BaseURL == "" {
			qe.Close()
			s.Close()
			return nil, fmt.Errorf("client: init: sync_enabled requires base_url")
		}
		dialer, err := wire.NewDialer(cfg.BaseURL, appID)
		if err != nil {
			qe.Close()
			s.Close()
			return nil, fmt.Errorf("client: init: %w", err)
		}
		engine := sync.NewEngine(s, qe, dialer, sync.Config{
			AppID:          appID,
			BaseURL:        cfg.BaseURL,
			ClientVersion:  "triplesync-core",
			ReconnectDelay: time.Duration(cfg.ReconnectDelayMS) * time.Millisecond,
		})
		ctx, cancel := context.WithCancel(context.Background())
		c.sync = engine
		c.cancel = cancel
		engine.Start(ctx)
	}

	return c, nil
}

// ID generates a random entity identifier: a UUIDv4.
func (c *Client) ID() string {
	return uuid.New().String()
}

// ConnectionStatus reports the sync engine's current state, or a
// permanently-disconnected status when sync is disabled.
func (c *Client) ConnectionStatus() sync.ConnectionStatus {
	if c.sync == nil {
		return sync.ConnectionStatus{Connected: false, State: sync.StateDisconnected}
	}
	return sync.ConnectionStatus{Connected: c.sync.State() == sync.StateReady, State: c.sync.State()}
}

// OnConnectionStatusChange registers a callback for sync state
// transitions. A no-op when sync is disabled.
func (c *Client) OnConnectionStatusChange(fn func(sync.ConnectionStatus)) {
	if c.sync != nil {
		c.sync.OnStateChange(fn)
	}
}

// Transact is the optimistic transact pipeline: assigns a tx_id, applies
// the operations locally immediately, hands the transaction to the sync
// engine (if any), and returns without waiting for server
// acknowledgement.
func (c *Client) Transact(ops []store.Operation) (TransactionResult, error) {
	if c.dispose {
		return TransactionResult{}, ErrDisposed
	}
	if c.degraded {
		return TransactionResult{}, ErrReadOnly
	}
	if err := validateOperations(ops); err != nil {
		return TransactionResult{}, err
	}

	tx := store.Transaction{
		ID:     uuid.New().String(),
		Origin: store.OriginLocal,
		Status: store.StatusCommitted,
		Ops:    ops,
	}
	if _, err := c.store.Apply(tx); err != nil {
		// A storage failure degrades the client to read-only; a malformed
		// operation is the caller's problem and leaves the client usable.
		if !errors.Is(err, store.ErrInvalidOperation) {
			c.degraded = true
		}
		return TransactionResult{}, fmt.Errorf("client: transact: %w", err)
	}

	if c.sync != nil {
		c.sync.NotifyLocalTransaction(tx)
	}

	return TransactionResult{TxID: tx.ID, Status: store.StatusCommitted}, nil
}

// TransactChunk commits the operations accumulated by a ChunkBuilder as
// a single transaction.
func (c *Client) TransactChunk(ops []store.Operation) (TransactionResult, error) {
	return c.Transact(ops)
}

// Tx starts a fluent chunk builder: Tx().Entity("todos",
// id).Update("text", "hi").Commit().
func (c *Client) Tx() *ChunkBuilder {
	return &ChunkBuilder{client: c}
}

// SubscribeQuery returns a live, debounced-invalidation handle for tree.
func (c *Client) SubscribeQuery(tree query.Tree) (*query.Subscription, error) {
	return c.qe.Subscribe(tree)
}

// QueryOnce materializes tree a single time without subscribing.
func (c *Client) QueryOnce(tree query.Tree) query.Result {
	return c.qe.QueryOnce(tree)
}

// Dispose cancels the sync engine's transport task, stops the query
// engine's change-stream consumer, and closes the store. It is
// idempotent.
func (c *Client) Dispose() error {
	if c.dispose {
		return nil
	}
	c.dispose = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.sync != nil {
		c.sync.Close()
	}
	c.qe.Close()
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("client: dispose: %w", err)
	}
	return nil
}

func validateOperations(ops []store.Operation) error {
	if len(ops) == 0 {
		return ErrEmptyOperations
	}
	for _, op := range ops {
		switch op.Kind {
		case store.OpAdd, store.OpUpdate, store.OpRetract:
			if op.EntityID == "" {
				return ErrMissingEntityID
			}
			if op.Attr == "" {
				return ErrMissingAttribute
			}
		case store.OpDelete:
			if op.EntityID == "" {
				return ErrMissingEntityID
			}
		case store.OpLink, store.OpUnlink:
			if op.FromEntity == "" || op.ToEntity == "" {
				return ErrMissingEntityID
			}
			if op.Relation == "" {
				return ErrMissingAttribute
			}
		case store.OpMerge:
			if op.EntityID == "" {
				return ErrMissingEntityID
			}
		default:
			return ErrUnknownOperation
		}
	}
	return nil
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
