package flowsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/docstore"
	"loom/internal/domain/models/flow"
	"loom/internal/domain/services"
	"loom/internal/observability"
)

// Engine timing defaults.
const (
	DefaultPositionDebounce = 50 * time.Millisecond
	DefaultSaveDebounce     = time.Second
	DefaultLockSweepEvery   = time.Minute
	DefaultResyncEvery      = 2 * time.Second
)

// Config configures an Engine. Store, ChatID, and Identity are required;
// everything else has defaults. Identity is an injected dependency; the
// engine never reads ambient session state.
type Config struct {
	ChatID   string
	Identity flow.Identity
	Store    docstore.Store

	// Flows persists the graph on a trailing debounce; nil disables
	// persistence.
	Flows services.FlowService

	// Handlers repairs prompt-node bindings after remote merges; nil
	// disables repair.
	Handlers *HandlerRegistry

	Logger  *slog.Logger
	Metrics *observability.Collector

	PositionDebounce time.Duration
	SaveDebounce     time.Duration
	LockTimeout      time.Duration
	LockSweepEvery   time.Duration
	// ResyncEvery is the periodic reconciliation tick, the deliberate
	// liveness backstop behind change notifications. Negative disables it.
	ResyncEvery time.Duration

	// Now is the clock used for timestamps and lock expiry.
	Now func() time.Time
}

// Engine keeps one participant's optimistic graph state converged with the
// shared document store. Local mutations apply synchronously and write
// through in the background; remote commits arrive as snapshots and are
// merged by reconciliation. Mutation entry points are meant to be driven
// by a single UI goroutine, though the engine itself is safe for
// concurrent use.
type Engine struct {
	chatID   string
	identity flow.Identity
	store    docstore.Store
	flows    services.FlowService
	handlers *HandlerRegistry
	logger   *slog.Logger
	metrics  *observability.Collector

	positionDebounce time.Duration
	saveDebounce     time.Duration
	resyncEvery      time.Duration
	sweepEvery       time.Duration
	now              func() time.Time

	locks *LockManager
	queue *LockQueue

	mu              sync.Mutex
	nodes           []flow.Node
	edges           []flow.Edge
	dragging        map[string]bool
	receivingRemote bool
	synced          bool
	closed          bool

	listeners map[int]func()
	eventSubs map[int]func(docstore.Event)
	nextSub   int

	posTimers  map[string]*time.Timer
	pendingPos map[string]pendingPosition
	saveTimer  *time.Timer

	syncCh       chan struct{}
	runCtx       context.Context
	stop         context.CancelFunc
	doneCh       chan struct{}
	cancelSub    func()
	cancelEvents func()
	started      bool
}

type pendingPosition struct {
	pos flow.Position
	rev int64
}

// New creates an engine. Start must be called before the engine observes
// or produces any remote state.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("flowsync: store is required")
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("flowsync: chat id is required")
	}
	if err := cfg.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("flowsync: invalid identity: %w", err)
	}
	if cfg.Identity.Color == "" {
		cfg.Identity.Color = flow.DefaultColor(cfg.Identity.ID)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PositionDebounce <= 0 {
		cfg.PositionDebounce = DefaultPositionDebounce
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = DefaultSaveDebounce
	}
	if cfg.LockSweepEvery <= 0 {
		cfg.LockSweepEvery = DefaultLockSweepEvery
	}
	if cfg.ResyncEvery == 0 {
		cfg.ResyncEvery = DefaultResyncEvery
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{
		chatID:           cfg.ChatID,
		identity:         cfg.Identity,
		store:            cfg.Store,
		flows:            cfg.Flows,
		handlers:         cfg.Handlers,
		logger:           cfg.Logger.With("chat_id", cfg.ChatID, "user_id", cfg.Identity.ID),
		metrics:          cfg.Metrics,
		positionDebounce: cfg.PositionDebounce,
		saveDebounce:     cfg.SaveDebounce,
		resyncEvery:      cfg.ResyncEvery,
		sweepEvery:       cfg.LockSweepEvery,
		now:              cfg.Now,
		queue:            NewLockQueue(),
		dragging:         make(map[string]bool),
		listeners:        make(map[int]func()),
		eventSubs:        make(map[int]func(docstore.Event)),
		posTimers:        make(map[string]*time.Timer),
		pendingPos:       make(map[string]pendingPosition),
		syncCh:           make(chan struct{}, 1),
		doneCh:           make(chan struct{}),
	}
	e.locks = NewLockManager(LockConfig{
		Store:    cfg.Store,
		ChatID:   cfg.ChatID,
		Identity: cfg.Identity,
		Timeout:  cfg.LockTimeout,
		Now:      cfg.Now,
		Logger:   e.logger,
		Metrics:  cfg.Metrics,
	})
	return e, nil
}

// Start loads persisted data, seeds an empty store partition with it, runs
// the first reconciliation, and begins observing the store. The given
// context bounds the engine's background work; Close (or cancelling the
// context) stops it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("flowsync: engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.runCtx, e.stop = context.WithCancel(ctx)

	var persistedNodes []flow.Node
	var persistedEdges []flow.Edge
	if e.flows != nil {
		persistedNodes, persistedEdges = e.flows.LoadFlowData(ctx, e.chatID)
	}

	if e.store.Ready() {
		err := e.store.Mutate(ctx, func(txn docstore.Txn) error {
			nodes, edges, _ := SnapshotGraph(txn, e.chatID)
			if len(nodes) > 0 || len(edges) > 0 {
				return nil
			}
			for _, node := range persistedNodes {
				if err := PutNode(txn.Map(docstore.MapNodes), node); err != nil {
					return err
				}
			}
			for _, edge := range persistedEdges {
				if err := PutEdge(txn.Map(docstore.MapEdges), edge); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			e.logger.Warn("seeding store from persisted data failed", "error", err)
		}
		e.resync(ctx)
	} else {
		e.mu.Lock()
		e.nodes = slices.Clone(persistedNodes)
		e.edges = slices.Clone(persistedEdges)
		e.mu.Unlock()
		e.logger.Warn("store not ready, starting from persisted data",
			"nodes", len(persistedNodes),
			"edges", len(persistedEdges),
		)
	}

	e.cancelSub = e.store.Subscribe(e.requestSync)
	e.cancelEvents = e.store.OnEvent(e.handleEvent)

	go e.run()

	e.logger.Info("sync engine started",
		"nodes", len(e.Nodes()),
		"resync_every", e.resyncEvery,
	)
	return nil
}

// Close stops timers and background work, then flushes one final save so a
// clean shutdown does not lose the debounce window.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed || !e.started {
		e.closed = true
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, t := range e.posTimers {
		t.Stop()
		delete(e.posTimers, id)
	}
	if e.saveTimer != nil {
		e.saveTimer.Stop()
	}
	e.mu.Unlock()

	if e.cancelSub != nil {
		e.cancelSub()
	}
	if e.cancelEvents != nil {
		e.cancelEvents()
	}
	if e.stop != nil {
		e.stop()
		<-e.doneCh
	}

	if e.flows != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.saveNow(ctx)
	}

	e.logger.Info("sync engine closed")
	return nil
}

// StorageLoaded reports whether the shared store has its initial snapshot.
// Mutations before that apply locally and are dropped at the store.
func (e *Engine) StorageLoaded() bool {
	return e.store.Ready()
}

// Identity returns the identity the engine acts as.
func (e *Engine) Identity() flow.Identity {
	return e.identity
}

// Nodes returns a copy of the reconciled node set.
func (e *Engine) Nodes() []flow.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.nodes)
}

// Edges returns a copy of the reconciled edge set.
func (e *Engine) Edges() []flow.Edge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.edges)
}

// OnChange registers a listener fired after every local state change,
// local or remote in origin. Returns its cancel.
func (e *Engine) OnChange(fn func()) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// OnEvent registers a listener for broadcast events from other
// participants. The engine's own events are filtered out.
func (e *Engine) OnEvent(fn func(docstore.Event)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.eventSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.eventSubs, id)
	}
}

// AddNode creates a node. Add is idempotent, not an upsert: a second call
// with the same id is a no-op with a diagnostic, both locally and at the
// store.
func (e *Engine) AddNode(ctx context.Context, node flow.Node) {
	e.mu.Lock()
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if e.findNode(node.ID) >= 0 {
		e.mu.Unlock()
		e.logger.Debug("add node skipped, id exists", "node_id", node.ID)
		return
	}
	e.stampNode(&node)
	e.nodes = append(e.nodes, node)
	echo := e.receivingRemote
	e.mu.Unlock()
	e.notifyListeners()

	if echo {
		return
	}
	e.writeThrough(ctx, "add_node", func(txn docstore.Txn) error {
		_, err := AddNodeRecord(txn, node)
		return err
	})
	e.scheduleSave()
}

// AddEdge creates an edge with the same idempotent semantics as AddNode,
// then broadcasts edge-added so peers whose equality checks would miss the
// change are nudged to re-synchronize.
func (e *Engine) AddEdge(ctx context.Context, edge flow.Edge) {
	e.mu.Lock()
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if e.findEdge(edge.ID) >= 0 {
		e.mu.Unlock()
		e.logger.Debug("add edge skipped, id exists", "edge_id", edge.ID)
		return
	}
	e.stampEdge(&edge)
	e.edges = append(e.edges, edge)
	echo := e.receivingRemote
	e.mu.Unlock()
	e.notifyListeners()

	if echo {
		return
	}
	if !e.writeThrough(ctx, "add_edge", func(txn docstore.Txn) error {
		_, err := AddEdgeRecord(txn, edge)
		return err
	}) {
		return
	}
	e.broadcastEvent(ctx, docstore.EventEdgeAdded, edge)
	e.scheduleSave()
}

// UpdateNodes applies a batch of declarative canvas changes. Surviving
// records are written back wholesale and store records that dropped out of
// the set are deleted, so removal is a derived effect of the batch.
// Mid-drag position changes stay local, select and dimension changes are
// presentation-only.
func (e *Engine) UpdateNodes(ctx context.Context, changes []flow.NodeChange) {
	e.mu.Lock()
	removed, dirty := e.applyNodeChanges(changes)
	echo := e.receivingRemote
	var nodesCopy []flow.Node
	var edgesCopy []flow.Edge
	if dirty && !echo {
		nodesCopy = slices.Clone(e.nodes)
		if len(removed) > 0 {
			edgesCopy = slices.Clone(e.edges)
		}
	}
	e.mu.Unlock()

	if e.handlers != nil {
		for _, id := range removed {
			e.handlers.Unbind(id)
		}
	}
	e.notifyListeners()

	if echo || !dirty {
		return
	}
	e.writeThrough(ctx, "replace_nodes", func(txn docstore.Txn) error {
		if err := ReplaceNodes(txn, e.chatID, nodesCopy); err != nil {
			return err
		}
		if edgesCopy != nil {
			return ReplaceEdges(txn, e.chatID, edgesCopy)
		}
		return nil
	})
	e.scheduleSave()
}

// UpdateEdges applies a batch of edge changes with the same
// apply-then-write-back pattern, scoped to edges.
func (e *Engine) UpdateEdges(ctx context.Context, changes []flow.EdgeChange) {
	e.mu.Lock()
	dirty := false
	for _, ch := range changes {
		if ch.Type != flow.ChangeRemove {
			continue
		}
		if idx := e.findEdge(ch.EdgeID); idx >= 0 {
			e.edges = slices.Delete(e.edges, idx, idx+1)
			dirty = true
		}
	}
	echo := e.receivingRemote
	var edgesCopy []flow.Edge
	if dirty && !echo {
		edgesCopy = slices.Clone(e.edges)
	}
	e.mu.Unlock()
	e.notifyListeners()

	if echo || !dirty {
		return
	}
	e.writeThrough(ctx, "replace_edges", func(txn docstore.Txn) error {
		return ReplaceEdges(txn, e.chatID, edgesCopy)
	})
	e.scheduleSave()
}

// UpdateNodePosition is the debounced fast path for continuous moves. The
// position applies locally at once; the store write trails by the debounce
// so a held-down drag does not amplify into a write per mouse event.
func (e *Engine) UpdateNodePosition(ctx context.Context, nodeID string, pos flow.Position) {
	e.mu.Lock()
	idx := e.findNode(nodeID)
	if idx < 0 {
		e.mu.Unlock()
		e.logger.Debug("position update for unknown node", "node_id", nodeID)
		return
	}
	now := e.now().UTC()
	e.nodes[idx].Position = pos
	e.nodes[idx].Rev++
	e.nodes[idx].UpdatedAt = now
	rev := e.nodes[idx].Rev
	echo := e.receivingRemote
	if !echo && !e.closed {
		e.pendingPos[nodeID] = pendingPosition{pos: pos, rev: rev}
		if t, ok := e.posTimers[nodeID]; ok {
			t.Stop()
		}
		e.posTimers[nodeID] = time.AfterFunc(e.positionDebounce, func() {
			e.flushPosition(nodeID)
		})
	}
	e.mu.Unlock()
	e.notifyListeners()
}

// BeginDrag adds the node to the drag exclusion set: remote position
// updates for it are deferred until the gesture ends.
func (e *Engine) BeginDrag(nodeID string) {
	e.mu.Lock()
	e.dragging[nodeID] = true
	e.mu.Unlock()
}

// EndDrag removes the node from the exclusion set, cancels any pending
// debounced write, and flushes the final position as a direct write.
func (e *Engine) EndDrag(ctx context.Context, nodeID string, finalPos flow.Position) {
	e.mu.Lock()
	delete(e.dragging, nodeID)
	delete(e.pendingPos, nodeID)
	if t, ok := e.posTimers[nodeID]; ok {
		t.Stop()
		delete(e.posTimers, nodeID)
	}
	idx := e.findNode(nodeID)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	now := e.now().UTC()
	e.nodes[idx].Position = finalPos
	e.nodes[idx].Rev++
	e.nodes[idx].UpdatedAt = now
	rev := e.nodes[idx].Rev
	echo := e.receivingRemote
	e.mu.Unlock()
	e.notifyListeners()

	if echo {
		return
	}
	e.writeThrough(ctx, "position", func(txn docstore.Txn) error {
		_, err := WriteNodePosition(txn, nodeID, finalPos, rev, now)
		return err
	})
	e.scheduleSave()
}

// DeleteNode removes the node and every edge touching it in one store
// mutation. The cascade is performed client-side, with the relational
// layer enforcing the same rule independently.
func (e *Engine) DeleteNode(ctx context.Context, nodeID string) {
	e.mu.Lock()
	idx := e.findNode(nodeID)
	if idx >= 0 {
		e.nodes = slices.Delete(e.nodes, idx, idx+1)
	}
	removedEdges := 0
	e.edges = slices.DeleteFunc(e.edges, func(edge flow.Edge) bool {
		if edge.Source == nodeID || edge.Target == nodeID {
			removedEdges++
			return true
		}
		return false
	})
	delete(e.dragging, nodeID)
	delete(e.pendingPos, nodeID)
	if t, ok := e.posTimers[nodeID]; ok {
		t.Stop()
		delete(e.posTimers, nodeID)
	}
	echo := e.receivingRemote
	e.mu.Unlock()

	if e.handlers != nil {
		e.handlers.Unbind(nodeID)
	}
	e.notifyListeners()
	e.logger.Debug("node deleted", "node_id", nodeID, "cascaded_edges", removedEdges)

	if echo {
		return
	}
	e.writeThrough(ctx, "delete_cascade", func(txn docstore.Txn) error {
		DeleteNodeCascade(txn, nodeID)
		return nil
	})
	e.scheduleSave()
}

// UpdateNodeData replaces a node's payload, optionally retyping and
// repositioning it. This is the upsert used by the prompt→answer transformation.
// A node absent from local state is inserted when a position is supplied,
// covering transformations that fire before the initial add round-trips.
func (e *Engine) UpdateNodeData(ctx context.Context, nodeID string, data flow.NodeData, newType *flow.NodeType, pos *flow.Position) {
	e.mu.Lock()
	now := e.now().UTC()
	idx := e.findNode(nodeID)
	transformed := false
	var record flow.Node
	switch {
	case idx >= 0:
		node := &e.nodes[idx]
		if newType != nil && *newType != node.Type {
			transformed = true
			node.Type = *newType
		}
		node.Data = data
		if pos != nil {
			node.Position = *pos
		}
		node.Rev++
		node.UpdatedAt = now
		record = *node
	case pos != nil:
		record = flow.Node{
			ID:       nodeID,
			ChatID:   e.chatID,
			Type:     flow.NodePrompt,
			Position: *pos,
			Data:     data,
			Rev:      1,
		}
		if newType != nil {
			record.Type = *newType
			transformed = *newType == flow.NodeAnswer
		}
		e.stampNode(&record)
		e.nodes = append(e.nodes, record)
	default:
		e.mu.Unlock()
		e.logger.Debug("data update for unknown node without position", "node_id", nodeID)
		return
	}
	echo := e.receivingRemote
	e.mu.Unlock()
	e.notifyListeners()

	if echo {
		return
	}
	if !e.writeThrough(ctx, "upsert_data", func(txn docstore.Txn) error {
		return UpsertNode(txn, record)
	}) {
		return
	}
	event := docstore.EventNodeDataUpdated
	if transformed {
		event = docstore.EventNodeTransformed
	}
	e.broadcastEvent(ctx, event, nodeEvent{NodeID: nodeID, ChatID: e.chatID, Type: record.Type})
	e.scheduleSave()
}

// AcquireLock claims the advisory lock on a node. False means another user
// holds it, a normal negative.
func (e *Engine) AcquireLock(ctx context.Context, nodeID string) bool {
	return e.locks.Acquire(ctx, nodeID)
}

// ReleaseLock gives the lock up if held.
func (e *Engine) ReleaseLock(ctx context.Context, nodeID string) bool {
	released := e.locks.Release(ctx, nodeID)
	if released {
		e.queue.Remove(nodeID, e.identity.ID)
	}
	return released
}

// RenewLock extends a held lock's expiry.
func (e *Engine) RenewLock(ctx context.Context, nodeID string) bool {
	return e.locks.Renew(ctx, nodeID)
}

// GetNodeLock returns the node's unexpired lock, if any.
func (e *Engine) GetNodeLock(ctx context.Context, nodeID string) (flow.NodeLock, bool) {
	return e.locks.Get(ctx, nodeID)
}

// HasLock reports whether this engine's identity holds the node's lock.
func (e *Engine) HasLock(ctx context.Context, nodeID string) bool {
	return e.locks.Has(ctx, nodeID)
}

// NodeLocks returns the chat's unexpired locks keyed by node id.
func (e *Engine) NodeLocks(ctx context.Context) map[string]flow.NodeLock {
	return e.locks.All(ctx)
}

// RequestLock acquires the lock or, when contested, queues a request that
// is replayed when the holder releases. Returns whether the lock was
// acquired now.
func (e *Engine) RequestLock(ctx context.Context, nodeID string) bool {
	if e.locks.Acquire(ctx, nodeID) {
		return true
	}
	e.queue.Enqueue(flow.LockRequest{
		NodeID:      nodeID,
		UserID:      e.identity.ID,
		UserName:    e.identity.Name,
		RequestedAt: e.now().UTC(),
	})
	e.logger.Debug("lock request queued", "node_id", nodeID)
	return false
}

// Resync forces a reconciliation against the current store snapshot.
func (e *Engine) Resync(ctx context.Context) {
	e.resync(ctx)
}

// stampNode fills defaults on a record before its first write. Callers
// hold e.mu.
func (e *Engine) stampNode(node *flow.Node) {
	now := e.now().UTC()
	if node.ChatID == "" {
		node.ChatID = e.chatID
	}
	if node.Type == "" {
		node.Type = flow.NodePrompt
	}
	if node.Rev == 0 {
		node.Rev = 1
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	if node.Data.CreatorID == "" {
		node.Data.CreatorID = e.identity.ID
		node.Data.CreatorName = e.identity.Name
		node.Data.CreatorColor = e.identity.Color
	}
}

// stampEdge fills defaults on an edge before its first write. Callers hold
// e.mu.
func (e *Engine) stampEdge(edge *flow.Edge) {
	if edge.ChatID == "" {
		edge.ChatID = e.chatID
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = e.now().UTC()
	}
	if edge.CreatorID == "" {
		edge.CreatorID = e.identity.ID
		edge.CreatorColor = e.identity.Color
	}
	if edge.Style == (flow.EdgeStyle{}) {
		edge.Style = flow.EdgeStyle{Stroke: edge.CreatorColor, StrokeWidth: 2}
	}
}

// applyNodeChanges applies a change batch to local state, returning the
// removed node ids and whether the batch needs a write-back. Callers hold
// e.mu.
func (e *Engine) applyNodeChanges(changes []flow.NodeChange) (removed []string, dirty bool) {
	now := e.now().UTC()

	for _, ch := range changes {
		switch ch.Type {
		case flow.ChangePosition:
			idx := e.findNode(ch.NodeID)
			if idx < 0 {
				continue
			}
			if ch.Position != nil {
				e.nodes[idx].Position = *ch.Position
			}
			if ch.Dragging {
				e.dragging[ch.NodeID] = true
			} else {
				if e.dragging[ch.NodeID] {
					delete(e.dragging, ch.NodeID)
				}
				e.nodes[idx].Rev++
				e.nodes[idx].UpdatedAt = now
				dirty = true
			}
		case flow.ChangeRemove:
			idx := e.findNode(ch.NodeID)
			if idx < 0 {
				continue
			}
			e.nodes = slices.Delete(e.nodes, idx, idx+1)
			removed = append(removed, ch.NodeID)
			delete(e.dragging, ch.NodeID)
			delete(e.pendingPos, ch.NodeID)
			if t, ok := e.posTimers[ch.NodeID]; ok {
				t.Stop()
				delete(e.posTimers, ch.NodeID)
			}
			dirty = true
		case flow.ChangeSelect, flow.ChangeDimensions:
			// presentation state, never shared
		}
	}

	if len(removed) > 0 {
		e.edges = slices.DeleteFunc(e.edges, func(edge flow.Edge) bool {
			return slices.Contains(removed, edge.Source) || slices.Contains(removed, edge.Target)
		})
	}
	return removed, dirty
}

func (e *Engine) findNode(id string) int {
	return slices.IndexFunc(e.nodes, func(n flow.Node) bool { return n.ID == id })
}

func (e *Engine) findEdge(id string) int {
	return slices.IndexFunc(e.edges, func(ed flow.Edge) bool { return ed.ID == id })
}

// flushPosition commits a debounced position write. Runs on the timer
// goroutine; a node that went back into a drag keeps its pending write
// cancelled until the drag settles.
func (e *Engine) flushPosition(nodeID string) {
	e.mu.Lock()
	pending, ok := e.pendingPos[nodeID]
	delete(e.pendingPos, nodeID)
	if t, tok := e.posTimers[nodeID]; tok {
		t.Stop()
		delete(e.posTimers, nodeID)
	}
	dragging := e.dragging[nodeID]
	closed := e.closed
	e.mu.Unlock()

	if !ok || dragging || closed {
		return
	}
	e.writeThrough(e.runCtx, "position", func(txn docstore.Txn) error {
		_, err := WriteNodePosition(txn, nodeID, pending.pos, pending.rev, e.now().UTC())
		return err
	})
	e.scheduleSave()
}

// writeThrough runs a store mutation, swallowing failures with a warning:
// the store is eventually available and the UI is never blocked or broken
// by it. Returns whether the mutation committed.
func (e *Engine) writeThrough(ctx context.Context, op string, fn func(txn docstore.Txn) error) bool {
	if !e.store.Ready() {
		e.logger.Warn("store not ready, dropping write", "op", op)
		if e.metrics != nil {
			e.metrics.StoreMutations.WithLabelValues(op, observability.StatusError).Inc()
		}
		return false
	}
	err := e.store.Mutate(ctx, fn)
	if err != nil {
		e.logger.Warn("store write failed", "op", op, "error", err)
		if e.metrics != nil {
			e.metrics.StoreMutations.WithLabelValues(op, observability.StatusError).Inc()
		}
		return false
	}
	if e.metrics != nil {
		e.metrics.StoreMutations.WithLabelValues(op, observability.StatusOK).Inc()
	}
	return true
}

func (e *Engine) broadcastEvent(ctx context.Context, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn("marshal event failed", "event", name, "error", err)
		return
	}
	if err := e.store.Broadcast(ctx, docstore.Event{Name: name, Origin: e.identity.ID, Data: data}); err != nil {
		e.logger.Warn("broadcast failed", "event", name, "error", err)
	}
}

// nodeEvent is the payload of node-transformed and node-data-updated.
type nodeEvent struct {
	NodeID string        `json:"nodeId"`
	ChatID string        `json:"chatId"`
	Type   flow.NodeType `json:"type,omitempty"`
}

// requestSync coalesces change notifications into at most one queued
// reconciliation.
func (e *Engine) requestSync() {
	select {
	case e.syncCh <- struct{}{}:
	default:
	}
}

// handleEvent consumes a broadcast event: own echoes are dropped,
// node-unlocked replays queued lock requests, data events nudge a resync,
// and everything is relayed to event listeners.
func (e *Engine) handleEvent(ev docstore.Event) {
	if ev.Origin == e.identity.ID {
		return
	}

	switch ev.Name {
	case docstore.EventNodeUnlocked:
		var payload lockEvent
		if err := json.Unmarshal(ev.Data, &payload); err == nil && payload.NodeID != "" {
			e.replayLockQueue([]string{payload.NodeID})
		}
	case docstore.EventEdgeAdded, docstore.EventNodeTransformed, docstore.EventNodeDataUpdated:
		e.requestSync()
	}

	e.mu.Lock()
	subs := make([]func(docstore.Event), 0, len(e.eventSubs))
	for _, fn := range e.eventSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// replayLockQueue retries this engine's queued lock requests for the given
// nodes, in arrival order.
func (e *Engine) replayLockQueue(nodeIDs []string) {
	for _, nodeID := range nodeIDs {
		req, ok := e.queue.Pop(nodeID)
		if !ok {
			continue
		}
		if req.UserID != e.identity.ID {
			continue
		}
		if e.locks.Acquire(e.runCtx, nodeID) {
			e.logger.Info("queued lock granted", "node_id", nodeID)
			e.notifyListeners()
		} else {
			e.queue.Enqueue(req)
		}
	}
}

func (e *Engine) run() {
	defer close(e.doneCh)

	var resyncC <-chan time.Time
	if e.resyncEvery > 0 {
		resyncTicker := time.NewTicker(e.resyncEvery)
		defer resyncTicker.Stop()
		resyncC = resyncTicker.C
	}
	sweepTicker := time.NewTicker(e.sweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-e.syncCh:
			e.resync(e.runCtx)
		case <-resyncC:
			e.resync(e.runCtx)
		case <-sweepTicker.C:
			if swept := e.locks.Sweep(e.runCtx); len(swept) > 0 {
				e.replayLockQueue(swept)
			}
		}
	}
}

// resync reads the store snapshot and reconciles it into local state. The
// receivingRemote flag is held through merge and listener notification so
// re-entrant mutations triggered by the notification do not echo back into
// the store.
func (e *Engine) resync(ctx context.Context) {
	var remoteNodes []flow.Node
	var remoteEdges []flow.Edge
	malformed := 0
	err := e.store.View(ctx, func(txn docstore.Txn) error {
		remoteNodes, remoteEdges, malformed = SnapshotGraph(txn, e.chatID)
		return nil
	})
	if err != nil {
		e.logger.Warn("resync read failed", "error", err)
		return
	}
	if malformed > 0 {
		e.logger.Warn("skipping malformed store records", "count", malformed)
	}

	e.mu.Lock()
	e.receivingRemote = true
	skipped := (len(remoteNodes) == 0 && len(e.nodes) > 0) || len(e.nodes) > len(remoteNodes)

	var changedNodes, changedEdges bool
	if !e.synced {
		// The first observed snapshot is authoritative: live collaborative
		// state wins over whatever persistence handed us.
		if len(remoteNodes) > 0 || len(remoteEdges) > 0 {
			changedNodes = !slices.Equal(remoteNodes, e.nodes)
			changedEdges = !slices.Equal(remoteEdges, e.edges)
			e.nodes = remoteNodes
			e.edges = remoteEdges
		}
		e.synced = true
		skipped = false
	} else {
		e.nodes, changedNodes = ReconcileNodes(remoteNodes, e.nodes, e.dragging)
		e.edges, changedEdges = ReconcileEdges(remoteEdges, e.edges)
	}
	changed := changedNodes || changedEdges

	listeners := make([]func(), 0, len(e.listeners))
	if changed {
		for _, fn := range e.listeners {
			listeners = append(listeners, fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}

	e.mu.Lock()
	e.receivingRemote = false
	e.mu.Unlock()

	if changed {
		e.repairHandlers()
	}

	if e.metrics != nil {
		outcome := observability.ReconcileUnchanged
		switch {
		case changed:
			outcome = observability.ReconcileMerged
		case skipped:
			outcome = observability.ReconcileSkipped
		}
		e.metrics.Reconciliations.WithLabelValues(outcome).Inc()
	}
}

// repairHandlers binds factory handlers for prompt nodes that arrived over
// the wire without any.
func (e *Engine) repairHandlers() {
	if e.handlers == nil {
		return
	}
	var missing []string
	e.mu.Lock()
	for _, node := range e.nodes {
		if node.IsPrompt() && !e.handlers.Has(node.ID) {
			missing = append(missing, node.ID)
		}
	}
	e.mu.Unlock()
	if len(missing) == 0 {
		return
	}
	if repaired := e.handlers.Repair(missing); repaired > 0 {
		e.logger.Debug("repaired prompt handlers", "count", repaired)
	}
}

func (e *Engine) notifyListeners() {
	e.mu.Lock()
	listeners := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// scheduleSave restarts the trailing persistence debounce after a local
// graph mutation. Remote merges do not schedule saves; the originating
// client persists its own writes.
func (e *Engine) scheduleSave() {
	if e.flows == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.saveTimer != nil {
		e.saveTimer.Stop()
	}
	e.saveTimer = time.AfterFunc(e.saveDebounce, func() {
		e.saveNow(e.runCtx)
	})
}

// saveNow snapshots local state and hands it to the persistence service.
// Failures are the service's to log; the engine only counts outcomes.
func (e *Engine) saveNow(ctx context.Context) {
	if e.flows == nil {
		return
	}
	e.mu.Lock()
	nodes := slices.Clone(e.nodes)
	edges := slices.Clone(e.edges)
	e.mu.Unlock()

	result := e.flows.SaveFlowData(ctx, e.chatID, nodes, edges)
	if e.metrics != nil {
		status := observability.StatusOK
		if !result.Success {
			status = observability.StatusError
		}
		e.metrics.Saves.WithLabelValues(status).Inc()
	}
}
