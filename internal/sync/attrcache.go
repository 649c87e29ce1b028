package sync

import "sync"

// attrKey is the (namespace, attr) pair the server assigns an opaque
// identifier to.
type attrKey struct {
	namespace string
	attr      string
}

// AttributeCache maps (namespace, attr) to the server-assigned attribute
// identifier and back. Writes happen only on init-ok and add-attr
// decode, on the transport receive loop; reads happen from both the
// receive loop and outbound encoding, so a plain RWMutex-guarded map is
// sufficient even under concurrent encode/decode.
type AttributeCache struct {
	mu      sync.RWMutex
	forward map[attrKey]string
	reverse map[string]attrKey
}

// NewAttributeCache returns an empty cache.
func NewAttributeCache() *AttributeCache {
	return &AttributeCache{
		forward: make(map[attrKey]string),
		reverse: make(map[string]attrKey),
	}
}

// Register records (namespace, attr) ↔ id, overwriting any prior mapping
// for either direction.
func (c *AttributeCache) Register(namespace, attr, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forward[attrKey{namespace, attr}] = id
	c.reverse[id] = attrKey{namespace, attr}
}

// ServerID looks up the server identifier for (namespace, attr).
func (c *AttributeCache) ServerID(namespace, attr string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.forward[attrKey{namespace, attr}]
	return id, ok
}

// Resolve looks up (namespace, attr) for a server identifier, satisfying
// datalog.AttributeResolver.
func (c *AttributeCache) Resolve(id string) (namespace, attr string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.reverse[id]
	return k.namespace, k.attr, ok
}

// Reset clears every mapping (used on a fresh init-ok so a reconnect to
// a different server epoch can't mix stale identifiers with new ones).
func (c *AttributeCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forward = make(map[attrKey]string)
	c.reverse = make(map[string]attrKey)
}
