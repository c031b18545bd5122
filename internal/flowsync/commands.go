// Package flowsync keeps a client's optimistic canvas graph converged with
// the shared document store other participants write to. It layers merge
// heuristics, mutation commands, and advisory node locks on top of the
// store's plain last-writer-wins maps.
package flowsync

import (
	"encoding/json"
	"fmt"
	"time"

	"loom/internal/docstore"
	"loom/internal/domain/models/flow"
)

// GetNode decodes the node record with the given id. Malformed records are
// treated as absent.
func GetNode(m docstore.Map, id string) (flow.Node, bool) {
	raw, ok := m.Get(id)
	if !ok {
		return flow.Node{}, false
	}
	var node flow.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return flow.Node{}, false
	}
	return node, true
}

// PutNode writes the node record wholesale.
func PutNode(m docstore.Map, node flow.Node) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", node.ID, err)
	}
	m.Set(node.ID, raw)
	return nil
}

// GetEdge decodes the edge record with the given id.
func GetEdge(m docstore.Map, id string) (flow.Edge, bool) {
	raw, ok := m.Get(id)
	if !ok {
		return flow.Edge{}, false
	}
	var edge flow.Edge
	if err := json.Unmarshal(raw, &edge); err != nil {
		return flow.Edge{}, false
	}
	return edge, true
}

// PutEdge writes the edge record wholesale.
func PutEdge(m docstore.Map, edge flow.Edge) error {
	raw, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("marshal edge %s: %w", edge.ID, err)
	}
	m.Set(edge.ID, raw)
	return nil
}

// GetLock decodes the lock record for the given node.
func GetLock(m docstore.Map, nodeID string) (flow.NodeLock, bool) {
	raw, ok := m.Get(nodeID)
	if !ok {
		return flow.NodeLock{}, false
	}
	var lock flow.NodeLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return flow.NodeLock{}, false
	}
	return lock, true
}

// PutLock writes the lock record for its node.
func PutLock(m docstore.Map, lock flow.NodeLock) error {
	raw, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshal lock %s: %w", lock.NodeID, err)
	}
	m.Set(lock.NodeID, raw)
	return nil
}

// AddNodeRecord creates the node unless a record with its id already
// exists. The existence check runs against store state, so concurrent adds
// of the same id from different participants stay idempotent.
func AddNodeRecord(txn docstore.Txn, node flow.Node) (bool, error) {
	nodes := txn.Map(docstore.MapNodes)
	if _, exists := nodes.Get(node.ID); exists {
		return false, nil
	}
	if err := PutNode(nodes, node); err != nil {
		return false, err
	}
	return true, nil
}

// AddEdgeRecord creates the edge unless a record with its id already exists.
func AddEdgeRecord(txn docstore.Txn, edge flow.Edge) (bool, error) {
	edges := txn.Map(docstore.MapEdges)
	if _, exists := edges.Get(edge.ID); exists {
		return false, nil
	}
	if err := PutEdge(edges, edge); err != nil {
		return false, err
	}
	return true, nil
}

// ReplaceNodes writes every given node and deletes records of the chat
// partition absent from the given set. Records of other chats are left
// untouched.
func ReplaceNodes(txn docstore.Txn, chatID string, nodes []flow.Node) error {
	m := txn.Map(docstore.MapNodes)

	keep := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		if err := PutNode(m, node); err != nil {
			return err
		}
		keep[node.ID] = struct{}{}
	}

	for _, id := range stalePartitionKeys(m, chatID, keep) {
		m.Delete(id)
	}
	return nil
}

// ReplaceEdges writes every given edge and deletes records of the chat
// partition absent from the given set.
func ReplaceEdges(txn docstore.Txn, chatID string, edges []flow.Edge) error {
	m := txn.Map(docstore.MapEdges)

	keep := make(map[string]struct{}, len(edges))
	for _, edge := range edges {
		if err := PutEdge(m, edge); err != nil {
			return err
		}
		keep[edge.ID] = struct{}{}
	}

	for _, id := range stalePartitionKeys(m, chatID, keep) {
		m.Delete(id)
	}
	return nil
}

// stalePartitionKeys collects keys of chat-partition records not present in
// keep. Malformed records are skipped rather than deleted.
func stalePartitionKeys(m docstore.Map, chatID string, keep map[string]struct{}) []string {
	var stale []string
	m.ForEach(func(key string, raw json.RawMessage) bool {
		if _, ok := keep[key]; ok {
			return true
		}
		var probe struct {
			ChatID string `json:"chatId"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return true
		}
		if probe.ChatID == chatID {
			stale = append(stale, key)
		}
		return true
	})
	return stale
}

// WriteNodePosition updates position, revision, and update time of an
// existing record, leaving the rest of the record as the store has it. The
// fast path for settled drags and debounced moves. Returns false when the
// node does not exist.
func WriteNodePosition(txn docstore.Txn, nodeID string, pos flow.Position, rev int64, now time.Time) (bool, error) {
	m := txn.Map(docstore.MapNodes)
	node, ok := GetNode(m, nodeID)
	if !ok {
		return false, nil
	}
	node.Position = pos
	if rev > node.Rev {
		node.Rev = rev
	}
	node.UpdatedAt = now
	return true, PutNode(m, node)
}

// UpsertNode writes the record wholesale, inserting or replacing.
func UpsertNode(txn docstore.Txn, node flow.Node) error {
	return PutNode(txn.Map(docstore.MapNodes), node)
}

// DeleteNodeCascade removes the node and every edge touching it in the same
// transaction. Returns the removed edge ids and whether the node existed.
func DeleteNodeCascade(txn docstore.Txn, nodeID string) ([]string, bool) {
	nodes := txn.Map(docstore.MapNodes)
	_, existed := nodes.Get(nodeID)
	nodes.Delete(nodeID)

	edges := txn.Map(docstore.MapEdges)
	var touching []string
	edges.ForEach(func(key string, raw json.RawMessage) bool {
		var probe struct {
			Source string `json:"source"`
			Target string `json:"target"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return true
		}
		if probe.Source == nodeID || probe.Target == nodeID {
			touching = append(touching, key)
		}
		return true
	})
	for _, id := range touching {
		edges.Delete(id)
	}
	return touching, existed
}

// SnapshotGraph decodes the chat partition of the node and edge maps.
// Malformed records are skipped and counted.
func SnapshotGraph(txn docstore.Txn, chatID string) ([]flow.Node, []flow.Edge, int) {
	malformed := 0

	var nodes []flow.Node
	txn.Map(docstore.MapNodes).ForEach(func(key string, raw json.RawMessage) bool {
		var node flow.Node
		if err := json.Unmarshal(raw, &node); err != nil {
			malformed++
			return true
		}
		if node.ChatID == chatID {
			nodes = append(nodes, node)
		}
		return true
	})

	var edges []flow.Edge
	txn.Map(docstore.MapEdges).ForEach(func(key string, raw json.RawMessage) bool {
		var edge flow.Edge
		if err := json.Unmarshal(raw, &edge); err != nil {
			malformed++
			return true
		}
		if edge.ChatID == chatID {
			edges = append(edges, edge)
		}
		return true
	})

	return nodes, edges, malformed
}

// SnapshotLocks decodes the chat's lock records keyed by node id, expired
// entries included; callers apply expiry at their own read time.
func SnapshotLocks(txn docstore.Txn, chatID string) map[string]flow.NodeLock {
	locks := make(map[string]flow.NodeLock)
	txn.Map(docstore.MapLocks).ForEach(func(key string, raw json.RawMessage) bool {
		var lock flow.NodeLock
		if err := json.Unmarshal(raw, &lock); err != nil {
			return true
		}
		if lock.ChatID == chatID {
			locks[key] = lock
		}
		return true
	})
	return locks
}
