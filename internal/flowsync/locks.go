package flowsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"loom/internal/docstore"
	"loom/internal/domain/models/flow"
	"loom/internal/observability"
)

// LockConfig configures a LockManager.
type LockConfig struct {
	Store    docstore.Store
	ChatID   string
	Identity flow.Identity
	Timeout  time.Duration // defaults to flow.LockTimeout
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *observability.Collector // optional
}

// LockManager provides advisory, expiring mutual exclusion over nodes. A
// lock signals "being edited" to other participants; nothing at the data
// layer enforces it. All operations report boolean outcomes and swallow
// store failures with a log line: a contested lock is a normal negative,
// not an error.
type LockManager struct {
	store    docstore.Store
	chatID   string
	identity flow.Identity
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.Collector
}

// lockEvent is the payload of node-locked and node-unlocked broadcasts.
type lockEvent struct {
	NodeID   string `json:"nodeId"`
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// NewLockManager creates a lock manager acting as the configured identity.
func NewLockManager(cfg LockConfig) *LockManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = flow.LockTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LockManager{
		store:    cfg.Store,
		chatID:   cfg.ChatID,
		identity: cfg.Identity,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Acquire claims the node lock. It succeeds when no lock exists, the
// existing lock has expired, or the caller already holds it (renew on
// acquire). Success broadcasts node-locked.
func (lm *LockManager) Acquire(ctx context.Context, nodeID string) bool {
	if !lm.store.Ready() {
		lm.logger.Warn("lock acquire skipped, store not ready", "node_id", nodeID)
		return false
	}

	acquired := false
	err := lm.store.Mutate(ctx, func(txn docstore.Txn) error {
		locks := txn.Map(docstore.MapLocks)
		now := lm.now().UTC()
		if existing, ok := GetLock(locks, nodeID); ok && !existing.Expired(now) && !existing.HeldBy(lm.identity.ID) {
			return nil
		}
		acquired = true
		return PutLock(locks, flow.NodeLock{
			NodeID:    nodeID,
			ChatID:    lm.chatID,
			UserID:    lm.identity.ID,
			UserName:  lm.identity.Name,
			LockedAt:  now,
			ExpiresAt: now.Add(lm.timeout),
		})
	})
	if err != nil {
		lm.logger.Warn("lock acquire failed", "node_id", nodeID, "error", err)
		return false
	}

	if acquired {
		if lm.metrics != nil {
			lm.metrics.LocksGranted.Inc()
		}
		lm.broadcast(ctx, docstore.EventNodeLocked, lockEvent{
			NodeID:   nodeID,
			ChatID:   lm.chatID,
			UserID:   lm.identity.ID,
			UserName: lm.identity.Name,
		})
	} else {
		if lm.metrics != nil {
			lm.metrics.LocksDenied.Inc()
		}
		lm.logger.Debug("lock held by another user", "node_id", nodeID)
	}
	return acquired
}

// Renew extends the lock's expiry by the timeout. Holder only; an expired
// or foreign lock is not renewed.
func (lm *LockManager) Renew(ctx context.Context, nodeID string) bool {
	if !lm.store.Ready() {
		lm.logger.Warn("lock renew skipped, store not ready", "node_id", nodeID)
		return false
	}

	renewed := false
	err := lm.store.Mutate(ctx, func(txn docstore.Txn) error {
		locks := txn.Map(docstore.MapLocks)
		now := lm.now().UTC()
		existing, ok := GetLock(locks, nodeID)
		if !ok || existing.Expired(now) || !existing.HeldBy(lm.identity.ID) {
			return nil
		}
		existing.ExpiresAt = now.Add(lm.timeout)
		renewed = true
		return PutLock(locks, existing)
	})
	if err != nil {
		lm.logger.Warn("lock renew failed", "node_id", nodeID, "error", err)
		return false
	}
	return renewed
}

// Release deletes the lock if the caller holds it and broadcasts
// node-unlocked. Releasing an already-expired own lock still succeeds.
func (lm *LockManager) Release(ctx context.Context, nodeID string) bool {
	if !lm.store.Ready() {
		lm.logger.Warn("lock release skipped, store not ready", "node_id", nodeID)
		return false
	}

	released := false
	err := lm.store.Mutate(ctx, func(txn docstore.Txn) error {
		locks := txn.Map(docstore.MapLocks)
		existing, ok := GetLock(locks, nodeID)
		if !ok || !existing.HeldBy(lm.identity.ID) {
			return nil
		}
		locks.Delete(nodeID)
		released = true
		return nil
	})
	if err != nil {
		lm.logger.Warn("lock release failed", "node_id", nodeID, "error", err)
		return false
	}

	if released {
		lm.broadcast(ctx, docstore.EventNodeUnlocked, lockEvent{
			NodeID: nodeID,
			ChatID: lm.chatID,
			UserID: lm.identity.ID,
		})
	}
	return released
}

// Get returns the node's lock if present and unexpired. Expiry is applied
// lazily at read time, independent of the sweep.
func (lm *LockManager) Get(ctx context.Context, nodeID string) (flow.NodeLock, bool) {
	var (
		lock  flow.NodeLock
		found bool
	)
	err := lm.store.View(ctx, func(txn docstore.Txn) error {
		if existing, ok := GetLock(txn.Map(docstore.MapLocks), nodeID); ok && !existing.Expired(lm.now().UTC()) {
			lock = existing
			found = true
		}
		return nil
	})
	if err != nil {
		lm.logger.Warn("lock read failed", "node_id", nodeID, "error", err)
		return flow.NodeLock{}, false
	}
	return lock, found
}

// Has reports whether the caller holds an unexpired lock on the node.
func (lm *LockManager) Has(ctx context.Context, nodeID string) bool {
	lock, ok := lm.Get(ctx, nodeID)
	return ok && lock.HeldBy(lm.identity.ID)
}

// All returns the chat's unexpired locks keyed by node id.
func (lm *LockManager) All(ctx context.Context) map[string]flow.NodeLock {
	live := make(map[string]flow.NodeLock)
	err := lm.store.View(ctx, func(txn docstore.Txn) error {
		now := lm.now().UTC()
		for nodeID, lock := range SnapshotLocks(txn, lm.chatID) {
			if !lock.Expired(now) {
				live[nodeID] = lock
			}
		}
		return nil
	})
	if err != nil {
		lm.logger.Warn("lock snapshot failed", "error", err)
	}
	return live
}

// Sweep deletes every expired lock in the chat partition and broadcasts
// node-unlocked on each former holder's behalf. Returns the swept node ids.
func (lm *LockManager) Sweep(ctx context.Context) []string {
	if !lm.store.Ready() {
		return nil
	}

	var swept []flow.NodeLock
	err := lm.store.Mutate(ctx, func(txn docstore.Txn) error {
		swept = swept[:0]
		locks := txn.Map(docstore.MapLocks)
		now := lm.now().UTC()
		for nodeID, lock := range SnapshotLocks(txn, lm.chatID) {
			if lock.Expired(now) {
				locks.Delete(nodeID)
				swept = append(swept, lock)
			}
		}
		return nil
	})
	if err != nil {
		lm.logger.Warn("lock sweep failed", "error", err)
		return nil
	}

	nodeIDs := make([]string, 0, len(swept))
	for _, lock := range swept {
		nodeIDs = append(nodeIDs, lock.NodeID)
		if lm.metrics != nil {
			lm.metrics.LocksExpired.Inc()
		}
		lm.broadcast(ctx, docstore.EventNodeUnlocked, lockEvent{
			NodeID: lock.NodeID,
			ChatID: lm.chatID,
			UserID: lock.UserID,
		})
		lm.logger.Info("expired lock swept",
			"node_id", lock.NodeID,
			"holder", lock.UserID,
			"expired_at", lock.ExpiresAt,
		)
	}
	return nodeIDs
}

func (lm *LockManager) broadcast(ctx context.Context, name string, payload lockEvent) {
	data, err := json.Marshal(payload)
	if err != nil {
		lm.logger.Warn("marshal lock event failed", "event", name, "error", err)
		return
	}
	if err := lm.store.Broadcast(ctx, docstore.Event{Name: name, Origin: lm.identity.ID, Data: data}); err != nil {
		lm.logger.Warn("broadcast lock event failed", "event", name, "error", err)
	}
}

// LockQueue records contested lock requests per node and replays them in
// FIFO order when the holder releases. It is a client-side convenience for
// a "wait for the lock" UX, fully decoupled from the lock state itself.
type LockQueue struct {
	mu     sync.Mutex
	byNode map[string][]flow.LockRequest
}

// NewLockQueue creates an empty queue.
func NewLockQueue() *LockQueue {
	return &LockQueue{byNode: make(map[string][]flow.LockRequest)}
}

// Enqueue records a pending request. A user already waiting on the node
// keeps their place; only the request time refreshes.
func (q *LockQueue) Enqueue(req flow.LockRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	waiting := q.byNode[req.NodeID]
	for i, w := range waiting {
		if w.UserID == req.UserID {
			waiting[i].RequestedAt = req.RequestedAt
			return
		}
	}
	q.byNode[req.NodeID] = append(waiting, req)
}

// Pop removes and returns the oldest pending request for the node.
func (q *LockQueue) Pop(nodeID string) (flow.LockRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	waiting := q.byNode[nodeID]
	if len(waiting) == 0 {
		return flow.LockRequest{}, false
	}
	head := waiting[0]
	rest := waiting[1:]
	if len(rest) == 0 {
		delete(q.byNode, nodeID)
	} else {
		q.byNode[nodeID] = rest
	}
	return head, true
}

// Remove withdraws a user's pending request for the node.
func (q *LockQueue) Remove(nodeID, userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	waiting := q.byNode[nodeID]
	for i, w := range waiting {
		if w.UserID == userID {
			q.byNode[nodeID] = append(waiting[:i:i], waiting[i+1:]...)
			if len(q.byNode[nodeID]) == 0 {
				delete(q.byNode, nodeID)
			}
			return
		}
	}
}

// Pending reports how many requests wait on the node.
func (q *LockQueue) Pending(nodeID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byNode[nodeID])
}
