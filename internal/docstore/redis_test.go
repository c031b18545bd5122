package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupRedisStore(t *testing.T, mr *miniredis.Miniredis, room string) *RedisStore {
	t.Helper()
	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), room, nil)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func waitForSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRedisMutateAndView(t *testing.T) {
	mr := miniredis.RunT(t)
	store := setupRedisStore(t, mr, "room-1")
	ctx := context.Background()

	err := store.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Set("node-1", json.RawMessage(`{"id":"node-1","rev":1}`))
		txn.Map(MapEdges).Set("edge-1", json.RawMessage(`{"id":"edge-1"}`))
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	err = store.View(ctx, func(txn Txn) error {
		raw, ok := txn.Map(MapNodes).Get("node-1")
		if !ok {
			t.Fatalf("node-1 missing after commit")
		}
		if string(raw) != `{"id":"node-1","rev":1}` {
			t.Errorf("node-1 = %s", raw)
		}
		if txn.Map(MapEdges).Len() != 1 {
			t.Errorf("expected 1 edge, got %d", txn.Map(MapEdges).Len())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestRedisMutateRollsBackOnError(t *testing.T) {
	mr := miniredis.RunT(t)
	store := setupRedisStore(t, mr, "room-1")
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Set("node-1", json.RawMessage(`{}`))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Mutate error = %v, want boom", err)
	}

	_ = store.View(ctx, func(txn Txn) error {
		if txn.Map(MapNodes).Len() != 0 {
			t.Errorf("failed mutation must not commit writes")
		}
		return nil
	})
}

func TestRedisReplicationAcrossStores(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := setupRedisStore(t, mr, "room-1")
	bob := setupRedisStore(t, mr, "room-1")
	ctx := context.Background()

	notified := make(chan struct{}, 4)
	cancel := bob.Subscribe(func() { notified <- struct{}{} })
	defer cancel()

	// Alice commits; Bob observes the data and gets a change notification
	err := alice.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Set("node-1", json.RawMessage(`{"owner":"alice"}`))
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	waitForSignal(t, notified, "storage notification")

	err = bob.View(ctx, func(txn Txn) error {
		raw, ok := txn.Map(MapNodes).Get("node-1")
		if !ok {
			t.Fatalf("bob does not see alice's node")
		}
		if string(raw) != `{"owner":"alice"}` {
			t.Errorf("node-1 = %s", raw)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestRedisBroadcast(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := setupRedisStore(t, mr, "room-1")
	bob := setupRedisStore(t, mr, "room-1")
	ctx := context.Background()

	received := make(chan Event, 4)
	cancel := bob.OnEvent(func(ev Event) { received <- ev })
	defer cancel()

	event := Event{Name: EventNodeUnlocked, Origin: "alice", Data: json.RawMessage(`{"nodeId":"node-1"}`)}
	if err := alice.Broadcast(ctx, event); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Name != EventNodeUnlocked || got.Origin != "alice" {
			t.Errorf("event = %+v", got)
		}
		if string(got.Data) != `{"nodeId":"node-1"}` {
			t.Errorf("event data = %s", got.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast event")
	}
}

func TestRedisRoomIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	roomA := setupRedisStore(t, mr, "room-a")
	roomB := setupRedisStore(t, mr, "room-b")
	ctx := context.Background()

	err := roomA.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Set("node-1", json.RawMessage(`{}`))
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	_ = roomB.View(ctx, func(txn Txn) error {
		if txn.Map(MapNodes).Len() != 0 {
			t.Errorf("room-b sees room-a's data")
		}
		return nil
	})
}

func TestRedisDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	store := setupRedisStore(t, mr, "room-1")
	ctx := context.Background()

	_ = store.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapLocks).Set("node-1", json.RawMessage(`{"userId":"u1"}`))
		return nil
	})
	_ = store.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapLocks).Delete("node-1")
		return nil
	})

	_ = store.View(ctx, func(txn Txn) error {
		if _, ok := txn.Map(MapLocks).Get("node-1"); ok {
			t.Errorf("lock should be deleted")
		}
		return nil
	})
}

func TestRedisClosedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store := setupRedisStore(t, mr, "room-1")
	ctx := context.Background()

	if !store.Ready() {
		t.Fatalf("open store must report ready")
	}
	store.Close()
	if store.Ready() {
		t.Errorf("closed store must not report ready")
	}
	if err := store.Mutate(ctx, func(txn Txn) error { return nil }); err == nil {
		t.Errorf("Mutate on closed store should fail")
	}
}
