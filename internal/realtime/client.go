package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"loom/internal/docstore"
	"loom/internal/flowsync"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Outbound buffer per connection. A client that falls this far behind
	// is dropped rather than allowed to stall the room.
	sendBufferSize = 256
)

// Client is one WebSocket connection: a conn, its pumps, and the sync
// engine acting as the connected user.
type Client struct {
	id      string
	manager *Manager
	room    *Room
	engine  *flowsync.Engine
	conn    *websocket.Conn
	send    chan []byte
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendMu     sync.Mutex
	sendClosed bool

	closeOnce    sync.Once
	cancelChange func()
	cancelEvents func()
}

func newClient(m *Manager, room *Room, engine *flowsync.Engine, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Client{
		id:      id,
		manager: m,
		room:    room,
		engine:  engine,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		logger: m.logger.With(
			"chat_id", room.chatID,
			"connection_id", id,
			"user_id", engine.Identity().ID,
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID reports the connection id.
func (c *Client) ID() string { return c.id }

// start wires the engine's change and event feeds onto the socket, starts
// the pumps, and sends the opening welcome and snapshot frames.
func (c *Client) start() {
	c.cancelChange = c.engine.OnChange(func() {
		c.pushSnapshot()
	})
	c.cancelEvents = c.engine.OnEvent(func(ev docstore.Event) {
		c.pushEvent(ev)
	})

	go c.writePump()
	go c.readPump()

	c.sendMessage(MsgWelcome, Welcome{
		ConnectionID: c.id,
		ChatID:       c.room.chatID,
		Identity:     c.engine.Identity(),
	})
	c.pushSnapshot()
}

// Wait blocks until the connection is torn down.
func (c *Client) Wait() {
	<-c.ctx.Done()
}

// shutdown closes the connection from the server side.
func (c *Client) shutdown() {
	c.teardown()
}

// readPump reads client commands until the connection drops, then tears
// the client down.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handleCommand(raw)
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Drain whatever queued up behind this frame.
			for range len(c.send) {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleCommand dispatches one client frame onto the engine.
func (c *Client) handleCommand(raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.sendError(0, fmt.Sprintf("malformed frame: %v", err))
		return
	}

	switch cmd.Op {
	case OpAddNode:
		var p NodePayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.engine.AddNode(c.ctx, p.Node)

	case OpAddEdge:
		var p EdgePayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.engine.AddEdge(c.ctx, p.Edge)

	case OpUpdateNodes:
		var p NodeChangesPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.engine.UpdateNodes(c.ctx, p.Changes)

	case OpUpdateEdges:
		var p EdgeChangesPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.engine.UpdateEdges(c.ctx, p.Changes)

	case OpUpdateNodePosition:
		var p PositionPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.engine.UpdateNodePosition(c.ctx, p.NodeID, p.Position)

	case OpBeginDrag:
		var p NodeIDPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.engine.BeginDrag(p.NodeID)

	case OpEndDrag:
		var p PositionPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.engine.EndDrag(c.ctx, p.NodeID, p.Position)

	case OpDeleteNode:
		var p NodeIDPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.engine.DeleteNode(c.ctx, p.NodeID)

	case OpUpdateNodeData:
		var p NodeDataPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.engine.UpdateNodeData(c.ctx, p.NodeID, p.Data, p.NewType, p.Position)

	case OpAcquireLock, OpReleaseLock, OpRenewLock, OpRequestLock:
		var p NodeIDPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.handleLock(cmd.Op, cmd.Seq, p.NodeID)

	case OpCursor:
		var p CursorPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			c.sendError(cmd.Seq, err.Error())
			return
		}
		c.room.updateCursor(c.id, p.Cursor)
		c.room.broadcastRoster()

	default:
		c.sendError(cmd.Seq, fmt.Sprintf("unknown op %q", cmd.Op))
	}
}

func (c *Client) handleLock(op string, seq int64, nodeID string) {
	var granted bool
	switch op {
	case OpAcquireLock:
		granted = c.engine.AcquireLock(c.ctx, nodeID)
	case OpReleaseLock:
		granted = c.engine.ReleaseLock(c.ctx, nodeID)
	case OpRenewLock:
		granted = c.engine.RenewLock(c.ctx, nodeID)
	case OpRequestLock:
		granted = c.engine.RequestLock(c.ctx, nodeID)
	}
	c.sendMessage(MsgLockResult, LockResult{
		Seq:     seq,
		Op:      op,
		NodeID:  nodeID,
		Granted: granted,
	})
}

// pushSnapshot sends the engine's current reconciled view.
func (c *Client) pushSnapshot() {
	c.sendMessage(MsgSnapshot, Snapshot{
		Nodes:         c.engine.Nodes(),
		Edges:         c.engine.Edges(),
		Locks:         c.engine.NodeLocks(c.ctx),
		StorageLoaded: c.engine.StorageLoaded(),
	})
}

// pushEvent relays a store broadcast to the client.
func (c *Client) pushEvent(ev docstore.Event) {
	c.sendMessage(MsgEvent, ev)
}

func (c *Client) sendError(seq int64, msg string) {
	c.sendMessage(MsgError, ErrorMessage{Seq: seq, Message: msg})
}

func (c *Client) sendMessage(typ string, data any) {
	frame, err := encodeMessage(typ, data)
	if err != nil {
		c.logger.Warn("encode message failed", "type", typ, "error", err)
		return
	}
	c.push(frame)
}

// push queues a frame without blocking. A full buffer means the client is
// not keeping up; it gets dropped so the rest of the room can proceed.
func (c *Client) push(data []byte) {
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.sendMu.Unlock()
		if c.manager.metrics != nil {
			c.manager.metrics.WSEvents.Inc()
		}
	default:
		c.sendMu.Unlock()
		c.logger.Warn("send buffer full, dropping client")
		go c.teardown()
	}
}

// teardown closes the connection exactly once: engine first, then room
// membership, then the socket.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.cancelChange != nil {
			c.cancelChange()
		}
		if c.cancelEvents != nil {
			c.cancelEvents()
		}
		if err := c.engine.Close(); err != nil {
			c.logger.Warn("engine close failed", "error", err)
		}
		c.manager.leave(c)

		c.sendMu.Lock()
		c.sendClosed = true
		close(c.send)
		c.sendMu.Unlock()

		c.conn.Close()
	})
}
