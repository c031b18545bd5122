package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"loom/internal/docstore"
	"loom/internal/domain/models/flow"
	"loom/internal/domain/services"
	"loom/internal/flowsync"
	"loom/internal/observability"
)

// StoreFactory builds the document store backing one chat's room. The
// manager calls it once per live room and closes the result when the last
// participant leaves.
type StoreFactory func(ctx context.Context, chatID string) (docstore.Store, error)

// ManagerConfig configures a Manager. Stores is required.
type ManagerConfig struct {
	Stores  StoreFactory
	Flows   services.FlowService // optional persistence behind the engines
	Logger  *slog.Logger
	Metrics *observability.Collector
	Now     func() time.Time
}

// Manager tracks the live rooms and joins connections into them. One room
// per chat; one sync engine per connection, all engines of a room sharing
// the room's store.
type Manager struct {
	stores  StoreFactory
	flows   services.FlowService
	logger  *slog.Logger
	metrics *observability.Collector
	now     func() time.Time

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Stores == nil {
		return nil, fmt.Errorf("realtime: store factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		stores:  cfg.Stores,
		flows:   cfg.Flows,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		rooms:   make(map[string]*Room),
	}, nil
}

// Join attaches a WebSocket connection to a chat's room as the given
// identity, creating the room on first join. On success the client's pumps
// are running and the manager owns the connection's lifecycle.
func (m *Manager) Join(ctx context.Context, chatID string, identity flow.Identity, conn *websocket.Conn) (*Client, error) {
	if chatID == "" {
		return nil, fmt.Errorf("realtime: chat id is required")
	}
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("realtime: invalid identity: %w", err)
	}

	room, err := m.room(ctx, chatID)
	if err != nil {
		return nil, err
	}

	engine, err := flowsync.New(flowsync.Config{
		ChatID:   chatID,
		Identity: identity,
		Store:    room.store,
		Flows:    m.flows,
		Logger:   m.logger,
		Metrics:  m.metrics,
		Now:      m.now,
	})
	if err != nil {
		m.releaseIfEmpty(room)
		return nil, err
	}
	// The engine outlives the join request; only teardown stops it.
	if err := engine.Start(context.WithoutCancel(ctx)); err != nil {
		m.releaseIfEmpty(room)
		return nil, err
	}

	client := newClient(m, room, engine, conn)
	room.add(client)
	if m.metrics != nil {
		m.metrics.WSConnections.Inc()
	}
	m.logger.Info("participant joined",
		"chat_id", chatID,
		"user_id", identity.ID,
		"connection_id", client.id,
	)

	client.start()
	room.broadcastRoster()
	return client, nil
}

// room returns the chat's live room, creating it on first use.
func (m *Manager) room(ctx context.Context, chatID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("realtime: manager is closed")
	}
	if room, ok := m.rooms[chatID]; ok {
		return room, nil
	}
	store, err := m.stores(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("open store for chat %s: %w", chatID, err)
	}
	room := &Room{
		chatID:   chatID,
		store:    store,
		logger:   m.logger.With("chat_id", chatID),
		now:      m.now,
		clients:  make(map[*Client]bool),
		presence: make(map[string]*Presence),
	}
	m.rooms[chatID] = room
	m.logger.Info("room opened", "chat_id", chatID)
	return room, nil
}

// leave detaches a client. The last participant closes the room and its
// store.
func (m *Manager) leave(c *Client) {
	c.room.remove(c)
	if m.metrics != nil {
		m.metrics.WSConnections.Dec()
	}
	c.room.broadcastRoster()
	m.releaseIfEmpty(c.room)
	m.logger.Info("participant left",
		"chat_id", c.room.chatID,
		"user_id", c.engine.Identity().ID,
		"connection_id", c.id,
	)
}

func (m *Manager) releaseIfEmpty(room *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room.size() > 0 {
		return
	}
	if m.rooms[room.chatID] != room {
		return
	}
	delete(m.rooms, room.chatID)
	if err := room.store.Close(); err != nil {
		m.logger.Warn("closing room store failed", "chat_id", room.chatID, "error", err)
	}
	m.logger.Info("room closed", "chat_id", room.chatID)
}

// RoomCount reports the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Close tears down every connection and room.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	var clients []*Client
	for _, room := range m.rooms {
		clients = append(clients, room.snapshotClients()...)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
	return nil
}

// Room is one chat's gateway-side state: the shared store, the connected
// clients, and their presence.
type Room struct {
	chatID string
	store  docstore.Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	clients  map[*Client]bool
	presence map[string]*Presence
}

func (r *Room) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = true
	now := r.now().UTC()
	r.presence[c.id] = &Presence{
		ConnectionID: c.id,
		Identity:     c.engine.Identity(),
		JoinedAt:     now,
		LastSeen:     now,
	}
}

func (r *Room) remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
	delete(r.presence, c.id)
}

func (r *Room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) snapshotClients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// updateCursor moves a connection's cursor and refreshes its last-seen
// time. Unknown connections are ignored.
func (r *Room) updateCursor(connID string, cursor *flow.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.presence[connID]
	if !ok {
		return
	}
	p.Cursor = cursor
	p.LastSeen = r.now().UTC()
}

// roster builds the deterministic participant list.
func (r *Room) roster() Roster {
	r.mu.Lock()
	defer r.mu.Unlock()
	participants := make([]Presence, 0, len(r.presence))
	for _, p := range r.presence {
		participants = append(participants, *p)
	}
	sortParticipants(participants)
	return Roster{ChatID: r.chatID, Participants: participants}
}

// broadcastRoster pushes the current roster to every room member.
func (r *Room) broadcastRoster() {
	data, err := encodeMessage(MsgPresence, r.roster())
	if err != nil {
		r.logger.Warn("encode roster failed", "error", err)
		return
	}
	for _, c := range r.snapshotClients() {
		c.push(data)
	}
}
