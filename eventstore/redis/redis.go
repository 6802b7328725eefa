// Package redis provides an eventstore.Store backed by Redis Streams, for
// deployments where sessions must survive a process restart or be served by
// more than one node. Event ids are the Redis stream entry ids, which are
// monotonically increasing within a stream.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leehack/mcp-go/eventstore"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// Config configures a Store.
type Config struct {
	// Client is the Redis client to use. A default localhost client is
	// created when nil.
	Client redis.UniversalClient

	// KeyPrefix is prepended to every Redis key. Defaults to "mcp:events:".
	KeyPrefix string

	// BlockInterval is how long one XREAD blocks before rechecking the
	// caller's context. Defaults to one second.
	BlockInterval time.Duration
}

// Store implements eventstore.Store on Redis Streams.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	block     time.Duration
}

var _ eventstore.Store = (*Store)(nil)

// New creates a Redis-backed store.
func New(cfg Config) *Store {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "mcp:events:"
	}
	block := cfg.BlockInterval
	if block <= 0 {
		block = time.Second
	}
	return &Store{client: client, keyPrefix: keyPrefix, block: block}
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) streamKey(sessionID string) string {
	return s.keyPrefix + sessionID
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, sessionID string, payload []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(sessionID),
		Values: map[string]any{"data": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to session %q: %w", sessionID, err)
	}
	return id, nil
}

// Subscribe implements eventstore.Store. An empty lastEventID reads from
// the oldest retained entry; XREAD's open-interval semantics give the
// strictly-after resume for free.
func (s *Store) Subscribe(ctx context.Context, sessionID string, lastEventID string) (eventstore.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	cursor := lastEventID
	if cursor == "" {
		cursor = "0"
	}
	return &stream{
		store:  s,
		key:    s.streamKey(sessionID),
		cursor: cursor,
		done:   make(chan struct{}),
	}, nil
}

// Drop implements eventstore.Store. Subscribers blocked on an XREAD keep
// waiting until their context ends; dropping a session does not interrupt
// them.
func (s *Store) Drop(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.streamKey(sessionID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to drop session %q: %w", sessionID, err)
	}
	return nil
}

type stream struct {
	store  *Store
	key    string
	cursor string

	buffered []eventstore.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func (st *stream) Next(ctx context.Context) (eventstore.Envelope, error) {
	for {
		select {
		case <-st.done:
			return eventstore.Envelope{}, ErrStreamClosed
		default:
		}

		if len(st.buffered) > 0 {
			ev := st.buffered[0]
			st.buffered = st.buffered[1:]
			st.cursor = ev.ID
			return ev, nil
		}

		streams, err := st.store.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{st.key, st.cursor},
			Count:   16,
			Block:   st.store.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Blocking window elapsed with nothing new.
				continue
			}
			if ctx.Err() != nil {
				return eventstore.Envelope{}, ctx.Err()
			}
			return eventstore.Envelope{}, fmt.Errorf("failed to read session stream: %w", err)
		}

		for _, str := range streams {
			for _, msg := range str.Messages {
				data, ok := msg.Values["data"].(string)
				if !ok {
					st.cursor = msg.ID
					continue
				}
				st.buffered = append(st.buffered, eventstore.Envelope{ID: msg.ID, Data: []byte(data)})
			}
		}
	}
}

func (st *stream) Close() error {
	st.closeOnce.Do(func() { close(st.done) })
	return nil
}
