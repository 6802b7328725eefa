// Package memory provides an in-memory eventstore.Store suitable for
// single-node deployments and tests. State is process-local; use the redis
// implementation when sessions must survive the process or span nodes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/leehack/mcp-go/eventstore"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// Store keeps each session's events in an append-only slice. Subscribers
// hold a cursor into the slice rather than a copied queue, so delivery is
// lossless no matter how slowly a consumer drains: replayed backlog and
// live appends come out of the same log, in order, exactly once per stream.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	mu      sync.Mutex
	events  []eventstore.Envelope
	nextID  uint64
	dropped bool
	// wake is closed and replaced on every append so blocked readers can
	// recheck the log.
	wake chan struct{}
}

var _ eventstore.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{sessions: make(map[string]*sessionLog)}
}

func (s *Store) session(sessionID string) *sessionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.sessions[sessionID]
	if !ok {
		log = &sessionLog{nextID: 1, wake: make(chan struct{})}
		s.sessions[sessionID] = log
	}
	return log
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, sessionID string, payload []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	log := s.session(sessionID)

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.dropped {
		return "", fmt.Errorf("session %q has been dropped", sessionID)
	}

	id := strconv.FormatUint(log.nextID, 10)
	log.nextID++
	log.events = append(log.events, eventstore.Envelope{ID: id, Data: payload})

	close(log.wake)
	log.wake = make(chan struct{})
	return id, nil
}

// Subscribe implements eventstore.Store.
func (s *Store) Subscribe(ctx context.Context, sessionID string, lastEventID string) (eventstore.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log := s.session(sessionID)

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.dropped {
		return nil, fmt.Errorf("session %q has been dropped", sessionID)
	}

	cursor := 0
	if lastEventID != "" {
		last, err := strconv.ParseUint(lastEventID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed event id %q", lastEventID)
		}
		// Resume strictly after the acknowledged id.
		for cursor < len(log.events) {
			id, _ := strconv.ParseUint(log.events[cursor].ID, 10, 64)
			if id > last {
				break
			}
			cursor++
		}
	}

	return &stream{log: log, cursor: cursor, done: make(chan struct{})}, nil
}

// Drop implements eventstore.Store.
func (s *Store) Drop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	log, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	log.dropped = true
	log.events = nil
	close(log.wake)
	log.wake = make(chan struct{})
	return nil
}

type stream struct {
	log    *sessionLog
	cursor int

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

		st.log.mu.Lock()
		if st.cursor < len(st.log.events) {
			ev := st.log.events[st.cursor]
			st.cursor++
			st.log.mu.Unlock()
			return ev, nil
		}
		if st.log.dropped {
			st.log.mu.Unlock()
			return eventstore.Envelope{}, io.EOF
		}
		wake := st.log.wake
		st.log.mu.Unlock()

		select {
		case <-wake:
		case <-st.done:
			return eventstore.Envelope{}, ErrStreamClosed
		case <-ctx.Done():
			return eventstore.Envelope{}, ctx.Err()
		}
	}
}

func (st *stream) Close() error {
	st.closeOnce.Do(func() { close(st.done) })
	return nil
}
