package flowsync

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"loom/internal/docstore"
	"loom/internal/domain/models/flow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockFixture wires two lock managers over one store with a shared
// controllable clock.
type lockFixture struct {
	store  *docstore.MemoryStore
	now    time.Time
	alice  *LockManager
	bob    *LockManager
	events []docstore.Event
}

func newLockFixture(t *testing.T) *lockFixture {
	t.Helper()
	f := &lockFixture{
		store: docstore.NewMemory(),
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() { f.store.Close() })

	clock := func() time.Time { return f.now }
	f.alice = NewLockManager(LockConfig{
		Store:    f.store,
		ChatID:   "chat-1",
		Identity: flow.Identity{ID: "alice", Name: "Alice"},
		Timeout:  time.Minute,
		Now:      clock,
		Logger:   discardLogger(),
	})
	f.bob = NewLockManager(LockConfig{
		Store:    f.store,
		ChatID:   "chat-1",
		Identity: flow.Identity{ID: "bob", Name: "Bob"},
		Timeout:  time.Minute,
		Now:      clock,
		Logger:   discardLogger(),
	})
	f.store.OnEvent(func(ev docstore.Event) {
		f.events = append(f.events, ev)
	})
	return f
}

func (f *lockFixture) eventNames() []string {
	names := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		names = append(names, ev.Name)
	}
	return names
}

func TestLockMutualExclusion(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	if !f.alice.Acquire(ctx, "n1") {
		t.Fatal("first acquire must succeed")
	}
	if f.bob.Acquire(ctx, "n1") {
		t.Fatal("second user must be denied while the lock is held")
	}

	// Holder re-acquiring is a refresh, not a conflict.
	if !f.alice.Acquire(ctx, "n1") {
		t.Error("holder re-acquire must succeed")
	}

	lock, ok := f.bob.Get(ctx, "n1")
	if !ok {
		t.Fatal("lock should be visible to other users")
	}
	if lock.UserID != "alice" || lock.UserName != "Alice" {
		t.Errorf("wrong lock attribution: %+v", lock)
	}
	if f.bob.Has(ctx, "n1") {
		t.Error("Has must be false for a non-holder")
	}
	if !f.alice.Has(ctx, "n1") {
		t.Error("Has must be true for the holder")
	}
}

func TestLockExpiryFreesTheNode(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	if !f.alice.Acquire(ctx, "n1") {
		t.Fatal("acquire failed")
	}

	// One minute timeout; at exactly the boundary the lock counts as
	// expired.
	f.now = f.now.Add(time.Minute)

	if _, ok := f.bob.Get(ctx, "n1"); ok {
		t.Error("expired lock must read as absent")
	}
	if !f.bob.Acquire(ctx, "n1") {
		t.Error("expired lock must be acquirable by another user")
	}
}

func TestLockRenew(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	if !f.alice.Acquire(ctx, "n1") {
		t.Fatal("acquire failed")
	}

	f.now = f.now.Add(30 * time.Second)
	if !f.alice.Renew(ctx, "n1") {
		t.Fatal("holder renew must succeed")
	}

	// The renewed expiry runs from renewal time, so the original deadline
	// passing no longer frees the lock.
	f.now = f.now.Add(45 * time.Second)
	if f.bob.Acquire(ctx, "n1") {
		t.Error("renewed lock must still exclude others")
	}

	if f.bob.Renew(ctx, "n1") {
		t.Error("non-holder renew must fail")
	}

	f.now = f.now.Add(time.Minute)
	if f.alice.Renew(ctx, "n1") {
		t.Error("expired lock must not be renewable")
	}
}

func TestLockRelease(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	if f.alice.Release(ctx, "n1") {
		t.Error("releasing an absent lock must report false")
	}

	f.alice.Acquire(ctx, "n1")
	if f.bob.Release(ctx, "n1") {
		t.Error("non-holder release must fail")
	}
	if !f.alice.Release(ctx, "n1") {
		t.Fatal("holder release must succeed")
	}
	if !f.bob.Acquire(ctx, "n1") {
		t.Error("released lock must be acquirable")
	}
}

func TestLockReleaseOwnExpiredLock(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	f.alice.Acquire(ctx, "n1")
	f.now = f.now.Add(2 * time.Minute)

	if !f.alice.Release(ctx, "n1") {
		t.Error("holder may clean up their own expired lock")
	}
}

func TestLockBroadcasts(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	f.alice.Acquire(ctx, "n1")
	f.bob.Acquire(ctx, "n1") // denied, no broadcast
	f.alice.Release(ctx, "n1")

	want := []string{docstore.EventNodeLocked, docstore.EventNodeUnlocked}
	if got := f.eventNames(); !slices.Equal(got, want) {
		t.Errorf("wrong broadcasts: got %v, want %v", got, want)
	}
	for _, ev := range f.events {
		if ev.Origin != "alice" {
			t.Errorf("broadcast origin must be the acting user, got %q", ev.Origin)
		}
	}
}

func TestLockSweep(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	f.alice.Acquire(ctx, "stale-1")
	f.alice.Acquire(ctx, "stale-2")
	f.now = f.now.Add(30 * time.Second)
	f.bob.Acquire(ctx, "fresh")
	f.events = nil

	// Past alice's expiry but within bob's.
	f.now = f.now.Add(45 * time.Second)

	swept := f.bob.Sweep(ctx)
	slices.Sort(swept)
	if !slices.Equal(swept, []string{"stale-1", "stale-2"}) {
		t.Fatalf("wrong sweep result: %v", swept)
	}

	live := f.bob.All(ctx)
	if len(live) != 1 {
		t.Fatalf("expected one live lock after sweep, got %v", live)
	}
	if _, ok := live["fresh"]; !ok {
		t.Error("unexpired lock must survive the sweep")
	}

	// Sweep unlocks on the former holder's behalf.
	unlocked := 0
	for _, ev := range f.events {
		if ev.Name == docstore.EventNodeUnlocked {
			unlocked++
		}
	}
	if unlocked != 2 {
		t.Errorf("expected 2 node-unlocked broadcasts, got %d", unlocked)
	}
}

func TestLockSweepIsIdempotent(t *testing.T) {
	f := newLockFixture(t)
	ctx := context.Background()

	f.alice.Acquire(ctx, "n1")
	f.now = f.now.Add(2 * time.Minute)

	if swept := f.alice.Sweep(ctx); len(swept) != 1 {
		t.Fatalf("first sweep should collect the lock, got %v", swept)
	}
	if swept := f.alice.Sweep(ctx); len(swept) != 0 {
		t.Errorf("second sweep should find nothing, got %v", swept)
	}
}

func TestLockQueueFIFO(t *testing.T) {
	q := NewLockQueue()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	q.Enqueue(flow.LockRequest{NodeID: "n1", UserID: "alice", RequestedAt: base})
	q.Enqueue(flow.LockRequest{NodeID: "n1", UserID: "bob", RequestedAt: base.Add(time.Second)})
	q.Enqueue(flow.LockRequest{NodeID: "n1", UserID: "carol", RequestedAt: base.Add(2 * time.Second)})

	// Re-requesting keeps the original place in line.
	q.Enqueue(flow.LockRequest{NodeID: "n1", UserID: "alice", RequestedAt: base.Add(3 * time.Second)})
	if q.Pending("n1") != 3 {
		t.Fatalf("duplicate enqueue must not grow the queue, got %d", q.Pending("n1"))
	}

	var order []string
	for {
		req, ok := q.Pop("n1")
		if !ok {
			break
		}
		order = append(order, req.UserID)
	}
	if !slices.Equal(order, []string{"alice", "bob", "carol"}) {
		t.Errorf("wrong replay order: %v", order)
	}
}

func TestLockQueueRemove(t *testing.T) {
	q := NewLockQueue()

	q.Enqueue(flow.LockRequest{NodeID: "n1", UserID: "alice"})
	q.Enqueue(flow.LockRequest{NodeID: "n1", UserID: "bob"})
	q.Remove("n1", "alice")

	req, ok := q.Pop("n1")
	if !ok || req.UserID != "bob" {
		t.Errorf("expected bob at the head after removal, got %+v ok=%v", req, ok)
	}
	if _, ok := q.Pop("n1"); ok {
		t.Error("queue should be empty")
	}

	// Removing from an empty queue is a no-op.
	q.Remove("n1", "carol")
}
