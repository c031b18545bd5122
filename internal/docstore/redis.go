package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"loom/internal/domain"
)

const (
	// txRetries bounds the optimistic-transaction retry loop. Contention on
	// a single canvas is low; hitting the bound means something is wrong.
	txRetries = 5

	kindStorage = "storage"
	kindEvent   = "event"
)

// DefaultMaps is the map set a flow room replicates. Maps outside the set
// can still be written but start empty inside each transaction and are not
// conflict-checked.
var DefaultMaps = []string{MapNodes, MapEdges, MapLocks}

// RedisStore replicates a room's document maps as Redis hashes, one hash
// per map under `loom:{room}:{map}`. Mutations run as optimistic WATCH
// transactions; storage-changed notifications and broadcast events travel
// over the room's pub/sub channel, so every connected process observes both
// its own and remote commits the same way.
type RedisStore struct {
	client *redis.Client
	room   string
	maps   []string
	logger *slog.Logger

	pubsub *redis.PubSub
	ready  atomic.Bool

	mu        sync.Mutex
	subs      map[int]func()
	eventSubs map[int]func(Event)
	nextSub   int
}

// wireMessage is the pub/sub envelope shared by storage notifications and
// broadcast events.
type wireMessage struct {
	Kind  string `json:"kind"`
	Event *Event `json:"event,omitempty"`
}

// NewRedisStore connects to redisURL and opens the store for the given room.
func NewRedisStore(ctx context.Context, redisURL, room string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(ctx, client, room, logger)
}

// NewRedisStoreWithClient opens a room store on an existing client. The
// caller keeps ownership of the client; Close only tears down the room
// subscription.
func NewRedisStoreWithClient(ctx context.Context, client *redis.Client, room string, logger *slog.Logger) (*RedisStore, error) {
	if room == "" {
		room = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &RedisStore{
		client:    client,
		room:      room,
		maps:      DefaultMaps,
		logger:    logger,
		subs:      make(map[int]func()),
		eventSubs: make(map[int]func(Event)),
	}

	s.pubsub = client.Subscribe(ctx, s.channel())
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe to room channel: %w", err)
	}
	s.ready.Store(true)
	go s.dispatch()

	return s, nil
}

func (s *RedisStore) mapKey(name string) string {
	return "loom:" + s.room + ":" + name
}

func (s *RedisStore) channel() string {
	return "loom:" + s.room + ":events"
}

func (s *RedisStore) watchKeys() []string {
	keys := make([]string, len(s.maps))
	for i, name := range s.maps {
		keys[i] = s.mapKey(name)
	}
	return keys
}

type redisTxn struct {
	staged map[string]*trackedMap
}

func (t *redisTxn) Map(name string) Map {
	if m, ok := t.staged[name]; ok {
		return m
	}
	m := newTrackedMap(nil)
	t.staged[name] = m
	return m
}

func (s *RedisStore) loadTxn(ctx context.Context, cmd redis.Cmdable) (*redisTxn, error) {
	txn := &redisTxn{staged: make(map[string]*trackedMap, len(s.maps))}
	for _, name := range s.maps {
		raw, err := cmd.HGetAll(ctx, s.mapKey(name)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("load map %s: %w", name, err)
		}
		entries := make(map[string]json.RawMessage, len(raw))
		for k, v := range raw {
			entries[k] = json.RawMessage(v)
		}
		txn.staged[name] = &trackedMap{
			entries: entries,
			sets:    make(map[string]json.RawMessage),
			dels:    make(map[string]struct{}),
		}
	}
	return txn, nil
}

// Mutate runs fn inside a WATCH transaction over the room's map keys and
// retries on write conflicts. fn may run more than once and must be a pure
// function of the transaction state.
func (s *RedisStore) Mutate(ctx context.Context, fn func(txn Txn) error) error {
	if !s.ready.Load() {
		return domain.ErrStoreClosed
	}

	var lastErr error
	for attempt := 0; attempt < txRetries; attempt++ {
		changed := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			txn, err := s.loadTxn(ctx, tx)
			if err != nil {
				return err
			}
			if err := fn(txn); err != nil {
				return err
			}

			dirty := make(map[string]*trackedMap)
			for name, m := range txn.staged {
				if m.dirty() {
					dirty[name] = m
				}
			}
			if len(dirty) == 0 {
				return nil
			}
			changed = true

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for name, m := range dirty {
					key := s.mapKey(name)
					if len(m.sets) > 0 {
						args := make([]any, 0, len(m.sets)*2)
						for field, value := range m.sets {
							args = append(args, field, []byte(value))
						}
						pipe.HSet(ctx, key, args...)
					}
					if len(m.dels) > 0 {
						fields := make([]string, 0, len(m.dels))
						for field := range m.dels {
							fields = append(fields, field)
						}
						pipe.HDel(ctx, key, fields...)
					}
				}
				return nil
			})
			return err
		}, s.watchKeys()...)

		if err == nil {
			if changed {
				s.publish(ctx, wireMessage{Kind: kindStorage})
			}
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("mutate store: %w", lastErr)
}

// View loads the room's maps and runs fn against the copy; writes are
// discarded.
func (s *RedisStore) View(ctx context.Context, fn func(txn Txn) error) error {
	if !s.ready.Load() {
		return domain.ErrStoreClosed
	}
	txn, err := s.loadTxn(ctx, s.client)
	if err != nil {
		return err
	}
	return fn(txn)
}

// Subscribe registers a storage-changed callback and returns its cancel.
func (s *RedisStore) Subscribe(fn func()) (cancel func()) {
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

// Broadcast publishes event on the room channel. Every subscribed process
// receives it, the publisher included; receivers filter on Event.Origin.
func (s *RedisStore) Broadcast(ctx context.Context, event Event) error {
	if !s.ready.Load() {
		return domain.ErrStoreClosed
	}
	return s.publish(ctx, wireMessage{Kind: kindEvent, Event: &event})
}

// OnEvent registers a broadcast-event callback and returns its cancel.
func (s *RedisStore) OnEvent(fn func(event Event)) (cancel func()) {
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

// Ready reports whether the room subscription is established.
func (s *RedisStore) Ready() bool {
	return s.ready.Load()
}

// Close tears down the room subscription. The underlying client stays open
// for whoever created it.
func (s *RedisStore) Close() error {
	s.ready.Store(false)
	if err := s.pubsub.Close(); err != nil {
		return fmt.Errorf("close room subscription: %w", err)
	}
	return nil
}

func (s *RedisStore) publish(ctx context.Context, msg wireMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal room message: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel(), payload).Err(); err != nil {
		return fmt.Errorf("publish room message: %w", err)
	}
	return nil
}

func (s *RedisStore) dispatch() {
	for msg := range s.pubsub.Channel() {
		var wm wireMessage
		if err := json.Unmarshal([]byte(msg.Payload), &wm); err != nil {
			s.logger.Warn("dropping malformed room message", "room", s.room, "error", err)
			continue
		}

		switch wm.Kind {
		case kindStorage:
			s.mu.Lock()
			subs := make([]func(), 0, len(s.subs))
			for _, fn := range s.subs {
				subs = append(subs, fn)
			}
			s.mu.Unlock()
			for _, notify := range subs {
				notify()
			}
		case kindEvent:
			if wm.Event == nil {
				continue
			}
			s.mu.Lock()
			subs := make([]func(Event), 0, len(s.eventSubs))
			for _, fn := range s.eventSubs {
				subs = append(subs, fn)
			}
			s.mu.Unlock()
			for _, notify := range subs {
				notify(*wm.Event)
			}
		default:
			s.logger.Warn("dropping room message with unknown kind", "room", s.room, "kind", wm.Kind)
		}
	}
}
