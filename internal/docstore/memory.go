package docstore

import (
	"context"
	"encoding/json"
	"sync"

	"loom/internal/domain"
)

// MemoryStore is a process-local Store. It backs tests, the embedded
// single-process server mode, and multi-engine scenarios where every
// participant shares one instance. It is always Ready.
type MemoryStore struct {
	mu        sync.RWMutex
	maps      map[string]map[string]json.RawMessage
	subs      map[int]func()
	eventSubs map[int]func(Event)
	nextSub   int
	closed    bool
}

// NewMemory creates an empty in-process store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		maps:      make(map[string]map[string]json.RawMessage),
		subs:      make(map[int]func()),
		eventSubs: make(map[int]func(Event)),
	}
}

type memTxn struct {
	base   map[string]map[string]json.RawMessage
	staged map[string]*trackedMap
}

func (t *memTxn) Map(name string) Map {
	if m, ok := t.staged[name]; ok {
		return m
	}
	m := newTrackedMap(t.base[name])
	t.staged[name] = m
	return m
}

// Mutate runs fn under the store lock and commits its writes atomically.
// Subscribers are notified after the lock is released, the mutator's own
// subscription included.
func (s *MemoryStore) Mutate(ctx context.Context, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrStoreClosed
	}
	txn := &memTxn{base: s.maps, staged: make(map[string]*trackedMap)}
	if err := fn(txn); err != nil {
		s.mu.Unlock()
		return err
	}
	changed := false
	for name, m := range txn.staged {
		if !m.dirty() {
			continue
		}
		s.maps[name] = m.entries
		changed = true
	}
	subs := s.copySubs()
	s.mu.Unlock()

	if changed {
		for _, notify := range subs {
			notify()
		}
	}
	return nil
}

// View runs fn against a staged copy of the store; any writes fn makes are
// discarded.
func (s *MemoryStore) View(ctx context.Context, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	return fn(&memTxn{base: s.maps, staged: make(map[string]*trackedMap)})
}

// Subscribe registers a storage-changed callback and returns its cancel.
func (s *MemoryStore) Subscribe(fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Broadcast delivers event to every event subscriber, the sender included.
func (s *MemoryStore) Broadcast(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return domain.ErrStoreClosed
	}
	subs := make([]func(Event), 0, len(s.eventSubs))
	for _, fn := range s.eventSubs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, notify := range subs {
		notify(event)
	}
	return nil
}

// OnEvent registers a broadcast-event callback and returns its cancel.
func (s *MemoryStore) OnEvent(fn func(event Event)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.eventSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.eventSubs, id)
	}
}

// Ready always reports true for an open in-process store.
func (s *MemoryStore) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Close drops all subscriptions and rejects further operations.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = make(map[int]func())
	s.eventSubs = make(map[int]func(Event))
	return nil
}

func (s *MemoryStore) copySubs() []func() {
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}
