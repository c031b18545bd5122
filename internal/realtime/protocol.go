// Package realtime is the WebSocket gateway onto the sync core. Each
// connection gets its own sync engine acting as the connecting user's
// identity; connections to the same chat share that chat's document store
// through a room. Presence (who is here, cursors) is room-local and
// ephemeral and never touches the store.
package realtime

import (
	"encoding/json"
	"fmt"

	"loom/internal/domain/models/flow"
)

// Client → server operations. The set mirrors the sync engine's command
// surface plus presence.
const (
	OpAddNode            = "add-node"
	OpAddEdge            = "add-edge"
	OpUpdateNodes        = "update-nodes"
	OpUpdateEdges        = "update-edges"
	OpUpdateNodePosition = "update-node-position"
	OpBeginDrag          = "begin-drag"
	OpEndDrag            = "end-drag"
	OpDeleteNode         = "delete-node"
	OpUpdateNodeData     = "update-node-data"
	OpAcquireLock        = "acquire-lock"
	OpReleaseLock        = "release-lock"
	OpRenewLock          = "renew-lock"
	OpRequestLock        = "request-lock"
	OpCursor             = "cursor"
)

// Server → client message types.
const (
	MsgWelcome    = "welcome"
	MsgSnapshot   = "snapshot"
	MsgEvent      = "event"
	MsgPresence   = "presence"
	MsgLockResult = "lock-result"
	MsgError      = "error"
)

// Command is a client → server frame. Seq is an optional client-chosen
// correlation id echoed on replies.
type Command struct {
	Op      string          `json:"op"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is a server → client frame.
type ServerMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NodePayload carries a full node record.
type NodePayload struct {
	Node flow.Node `json:"node"`
}

// EdgePayload carries a full edge record.
type EdgePayload struct {
	Edge flow.Edge `json:"edge"`
}

// NodeChangesPayload carries a declarative node change batch.
type NodeChangesPayload struct {
	Changes []flow.NodeChange `json:"changes"`
}

// EdgeChangesPayload carries a declarative edge change batch.
type EdgeChangesPayload struct {
	Changes []flow.EdgeChange `json:"changes"`
}

// PositionPayload addresses one node's position.
type PositionPayload struct {
	NodeID   string        `json:"nodeId"`
	Position flow.Position `json:"position"`
}

// NodeDataPayload is the upsert used by prompt transformation.
type NodeDataPayload struct {
	NodeID   string         `json:"nodeId"`
	Data     flow.NodeData  `json:"data"`
	NewType  *flow.NodeType `json:"newType,omitempty"`
	Position *flow.Position `json:"position,omitempty"`
}

// NodeIDPayload addresses a node by id (locks, drag begin, delete).
type NodeIDPayload struct {
	NodeID string `json:"nodeId"`
}

// CursorPayload is the sender's canvas-space cursor; null hides it.
type CursorPayload struct {
	Cursor *flow.Position `json:"cursor"`
}

// Welcome is the first frame on a new connection.
type Welcome struct {
	ConnectionID string        `json:"connectionId"`
	ChatID       string        `json:"chatId"`
	Identity     flow.Identity `json:"identity"`
}

// Snapshot is the full reconciled graph state pushed after every change.
type Snapshot struct {
	Nodes         []flow.Node              `json:"nodes"`
	Edges         []flow.Edge              `json:"edges"`
	Locks         map[string]flow.NodeLock `json:"locks"`
	StorageLoaded bool                     `json:"storageLoaded"`
}

// LockResult replies to a lock operation.
type LockResult struct {
	Seq     int64  `json:"seq,omitempty"`
	Op      string `json:"op"`
	NodeID  string `json:"nodeId"`
	Granted bool   `json:"granted"`
}

// ErrorMessage reports a rejected frame. The connection stays open.
type ErrorMessage struct {
	Seq     int64  `json:"seq,omitempty"`
	Message string `json:"message"`
}

// encodeMessage wraps data in a ServerMessage frame.
func encodeMessage(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", typ, err)
	}
	return json.Marshal(ServerMessage{Type: typ, Data: raw})
}

// decodePayload unmarshals a command payload, treating an empty payload as
// an error since every op that calls this needs one.
func decodePayload(raw json.RawMessage, dest any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
