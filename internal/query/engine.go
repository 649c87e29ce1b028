package query

import (
	"errors"
	"sync"
	"time"

	"github.com/triplesync/core/internal/store"
)

// ErrTooManyCachedQueries is returned by Subscribe when the configured
// cached-query cap is reached and the tree isn't already cached.
var ErrTooManyCachedQueries = errors.New("query: cached query limit reached")

// Status is the observed state of a cached query result.
type Status string

const (
	Loading Status = "loading"
	Success Status = "success"
	Error   Status = "error"
)

// Result is one value of a subscription handle's stream.
type Result struct {
	Status Status
	Data   map[string]any
	Err    error
}

// DefaultDebounce is the coalescing window applied to invalidations
// before affected queries re-materialize.
const DefaultDebounce = 50 * time.Millisecond

// Subscription is a live handle to a query's result stream. C delivers
// the latest Result; a slow reader only ever sees the newest value, not
// a backlog (the channel is always drained and refilled on publish).
type Subscription struct {
	C           <-chan Result
	Unsubscribe func()
}

type cacheEntry struct {
	mu          sync.Mutex
	tree        Tree
	result      Result
	subscribers map[int]chan Result
	nextSubID   int
}

// Engine owns the cached-result table and subscribes as a reader to the
// store's change stream. It is the sole owner of that table; nothing
// else in the module mutates it directly.
type Engine struct {
	store *store.Store

	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int // 0 means unlimited

	dirtyMu  sync.Mutex
	dirty    map[string]struct{}
	timer    *time.Timer
	debounce time.Duration

	onNewQuery func(Tree)

	changesCh    <-chan store.TripleChange
	unsubChanges func()
	stopOnce     sync.Once
	stop         chan struct{}
}

// NewEngine creates a query engine backed by s, subscribing immediately
// to its change stream.
func NewEngine(s *store.Store) *Engine {
	changes, unsub := s.Changes()
	e := &Engine{
		store:        s,
		entries:      make(map[string]*cacheEntry),
		dirty:        make(map[string]struct{}),
		debounce:     DefaultDebounce,
		changesCh:    changes,
		unsubChanges: unsub,
		stop:         make(chan struct{}),
	}
	go e.consumeChanges()
	return e
}

// OnNewQuery registers the subscription pass-through hook: called once
// per distinct canonical query key, the first time it's subscribed, so
// the sync engine can hand the tree to the server.
func (e *Engine) OnNewQuery(fn func(Tree)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onNewQuery = fn
}

// SetMaxCachedQueries caps the number of distinct cached queries. A new
// Subscribe for an uncached tree fails with ErrTooManyCachedQueries once
// the cap is reached; n <= 0 removes the cap.
func (e *Engine) SetMaxCachedQueries(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxEntries = n
}

// CachedTrees returns every tree currently cached, for re-submission on
// sync connect/reconnect.
func (e *Engine) CachedTrees() []Tree {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Tree, 0, len(e.entries))
	for _, entry := range e.entries {
		out = append(out, entry.tree)
	}
	return out
}

// Close stops the change-stream consumer, disarms any pending debounce
// timer, and releases all subscribers.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.unsubChanges()
		e.dirtyMu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.dirty = make(map[string]struct{})
		e.dirtyMu.Unlock()
	})
}

// Invalidate forces an immediate recompute of tree's cache entry, if one
// exists, bypassing the debounce. Used by the Sync Engine when a server
// invalidate-query arrives without inline data, to force query
// re-materialization.
func (e *Engine) Invalidate(tree Tree) error {
	key, err := CanonicalKey(tree)
	if err != nil {
		return err
	}
	e.mu.Lock()
	entry, ok := e.entries[key]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	e.recompute(key, entry)
	return nil
}

// QueryOnce materializes tree a single time without subscribing or
// touching the cache.
func (e *Engine) QueryOnce(tree Tree) Result {
	data, err := Materialize(e.store, tree)
	if err != nil {
		return Result{Status: Error, Err: err}
	}
	return Result{Status: Success, Data: data}
}

// Subscribe returns a reactive handle for tree. Subscribers sharing a
// canonical key share one cache entry and one computation.
func (e *Engine) Subscribe(tree Tree) (*Subscription, error) {
	key, err := CanonicalKey(tree)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	entry, existed := e.entries[key]
	if !existed {
		if e.maxEntries > 0 && len(e.entries) >= e.maxEntries {
			e.mu.Unlock()
			return nil, ErrTooManyCachedQueries
		}
		entry = &cacheEntry{tree: tree, result: Result{Status: Loading}, subscribers: make(map[int]chan Result)}
		e.entries[key] = entry
	}
	hook := e.onNewQuery
	e.mu.Unlock()

	entry.mu.Lock()
	id := entry.nextSubID
	entry.nextSubID++
	ch := make(chan Result, 1)
	ch <- entry.result
	entry.subscribers[id] = ch
	entry.mu.Unlock()

	unsubscribe := func() {
		entry.mu.Lock()
		delete(entry.subscribers, id)
		empty := len(entry.subscribers) == 0
		entry.mu.Unlock()
		if empty {
			e.mu.Lock()
			if cur, ok := e.entries[key]; ok && cur == entry {
				cur.mu.Lock()
				stillEmpty := len(cur.subscribers) == 0
				cur.mu.Unlock()
				if stillEmpty {
					delete(e.entries, key)
				}
			}
			e.mu.Unlock()
		}
	}

	if !existed {
		if hook != nil {
			hook(tree)
		}
		go e.recompute(key, entry)
	}

	return &Subscription{C: ch, Unsubscribe: unsubscribe}, nil
}

// recompute materializes entry's tree and publishes the result to every
// current subscriber, replacing any stale unread value.
func (e *Engine) recompute(key string, entry *cacheEntry) {
	data, err := Materialize(e.store, entry.tree)
	var result Result
	if err != nil {
		result = Result{Status: Error, Err: err}
	} else {
		result = Result{Status: Success, Data: data}
	}

	entry.mu.Lock()
	entry.result = result
	for _, ch := range entry.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- result
	}
	entry.mu.Unlock()
}

// consumeChanges drains the store's change stream, computes which
// cached queries a change can affect under the minimum-correctness
// invalidation rule, and coalesces invalidations over Engine.debounce
// before re-materializing.
func (e *Engine) consumeChanges() {
	for {
		select {
		case <-e.stop:
			return
		case change, ok := <-e.changesCh:
			if !ok {
				return
			}
			typ := e.affectedType(change)
			if typ == "" {
				continue
			}
			e.markDirty(typ)
		}
	}
}

func (e *Engine) affectedType(change store.TripleChange) string {
	if change.Triple.Attribute == store.TypeAttr {
		if typ, ok := change.Triple.Value.(string); ok {
			return typ
		}
		return ""
	}
	typ, ok, err := e.store.TypeOf(change.Triple.EntityID)
	if err != nil || !ok {
		return ""
	}
	return typ
}

// markDirty records that queries mentioning typ need to recompute, and
// (re)arms the debounce timer.
func (e *Engine) markDirty(typ string) {
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()
	e.dirty[typ] = struct{}{}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, e.flushDirty)
}

func (e *Engine) flushDirty() {
	select {
	case <-e.stop:
		return
	default:
	}
	e.dirtyMu.Lock()
	types := make([]string, 0, len(e.dirty))
	for t := range e.dirty {
		types = append(types, t)
	}
	e.dirty = make(map[string]struct{})
	e.dirtyMu.Unlock()

	e.mu.Lock()
	var toRecompute []struct {
		key   string
		entry *cacheEntry
	}
	for key, entry := range e.entries {
		if treeMentionsAnyType(entry.tree, types) {
			toRecompute = append(toRecompute, struct {
				key   string
				entry *cacheEntry
			}{key, entry})
		}
	}
	e.mu.Unlock()

	for _, r := range toRecompute {
		e.recompute(r.key, r.entry)
	}
}

func treeMentionsAnyType(tree Tree, types []string) bool {
	for _, node := range tree {
		if nodeMentionsAnyType(node, types) {
			return true
		}
	}
	return false
}

func nodeMentionsAnyType(node *Node, types []string) bool {
	if node == nil {
		return false
	}
	for _, t := range types {
		if node.EntityType == t {
			return true
		}
	}
	for _, child := range node.Include {
		if nodeMentionsAnyType(child, types) {
			return true
		}
	}
	return false
}
