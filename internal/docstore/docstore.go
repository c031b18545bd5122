// Package docstore defines the shared document store the sync engines
// collaborate through: named key/value maps with transactional mutation,
// change notification, and custom event broadcast. Records are opaque JSON;
// conflict resolution between replicas is last-writer-wins per key, and every
// higher-level merge heuristic lives in the sync layer on top.
package docstore

import (
	"context"
	"encoding/json"
	"sort"
)

// Map names used by the flow sync core. Stores may carry additional maps;
// these are the ones the engine reads and writes.
const (
	MapNodes = "flowNodes"
	MapEdges = "flowEdges"
	MapLocks = "nodeLocks"
)

// Event names broadcast by the sync core. Gateways relay names outside this
// set opaquely (chat messages, artifacts, presence).
const (
	EventNodeLocked      = "node-locked"
	EventNodeUnlocked    = "node-unlocked"
	EventEdgeAdded       = "edge-added"
	EventNodeTransformed = "node-transformed"
	EventNodeDataUpdated = "node-data-updated"
)

// Event is a custom broadcast message. Origin is the participant id of the
// sender; receivers use it to drop their own echoes, since replicated
// transports deliver published events back to the publisher.
type Event struct {
	Name   string          `json:"name"`
	Origin string          `json:"origin,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Map is one named key/value map inside a transaction. Values are treated
// as immutable once passed to Set; callers must not modify a RawMessage
// after storing or reading it.
type Map interface {
	Get(key string) (json.RawMessage, bool)
	Set(key string, value json.RawMessage)
	Delete(key string)
	Len() int
	Keys() []string
	// ForEach visits entries in key order; returning false stops the walk.
	ForEach(fn func(key string, value json.RawMessage) bool)
}

// Txn is the view of the store inside a Mutate or View callback.
type Txn interface {
	Map(name string) Map
}

// Store is a replicated document shared by every participant of a room.
//
// Mutate runs fn transactionally: either every write in the callback is
// applied, or none is. Implementations backed by optimistic transactions may
// run fn more than once, so callbacks must be pure functions of the
// transaction state. View runs fn with the same interface but discards any
// writes.
//
// Subscribe registers a storage-changed callback fired after every committed
// mutation, including the subscriber's own. OnEvent registers a callback for
// broadcast events, also including the subscriber's own (filter on
// Event.Origin). Both return a cancel func.
//
// Ready reports whether the initial snapshot is loaded; mutations before
// that are the caller's problem to stage or drop.
type Store interface {
	Mutate(ctx context.Context, fn func(txn Txn) error) error
	View(ctx context.Context, fn func(txn Txn) error) error
	Subscribe(fn func()) (cancel func())
	Broadcast(ctx context.Context, event Event) error
	OnEvent(fn func(event Event)) (cancel func())
	Ready() bool
	Close() error
}

// trackedMap is the staged state of one named map inside a transaction.
// entries is the working copy; sets and dels record the op log so backends
// can commit the delta instead of the whole map.
type trackedMap struct {
	entries map[string]json.RawMessage
	sets    map[string]json.RawMessage
	dels    map[string]struct{}
}

func newTrackedMap(base map[string]json.RawMessage) *trackedMap {
	entries := make(map[string]json.RawMessage, len(base))
	for k, v := range base {
		entries[k] = v
	}
	return &trackedMap{
		entries: entries,
		sets:    make(map[string]json.RawMessage),
		dels:    make(map[string]struct{}),
	}
}

func (m *trackedMap) Get(key string) (json.RawMessage, bool) {
	v, ok := m.entries[key]
	return v, ok
}

func (m *trackedMap) Set(key string, value json.RawMessage) {
	m.entries[key] = value
	m.sets[key] = value
	delete(m.dels, key)
}

func (m *trackedMap) Delete(key string) {
	if _, ok := m.entries[key]; !ok {
		if _, pending := m.sets[key]; !pending {
			return
		}
	}
	delete(m.entries, key)
	delete(m.sets, key)
	m.dels[key] = struct{}{}
}

func (m *trackedMap) Len() int {
	return len(m.entries)
}

func (m *trackedMap) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *trackedMap) ForEach(fn func(key string, value json.RawMessage) bool) {
	for _, k := range m.Keys() {
		if !fn(k, m.entries[k]) {
			return
		}
	}
}

func (m *trackedMap) dirty() bool {
	return len(m.sets) > 0 || len(m.dels) > 0
}
