// Package sessions tracks the logical connections behind the streaming HTTP
// transport. A Session is created on the first successful initialize, keyed
// by a server-generated opaque id, and lives until it is explicitly deleted
// or evicted by the idle sweep.
package sessions

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leehack/mcp-go/mcp"
)

var (
	// ErrSessionNotFound indicates the presented session id is unknown,
	// expired, or already deleted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRegistryClosed indicates the registry was shut down.
	ErrRegistryClosed = errors.New("session registry closed")
)

// Session is the per-connection state captured during the initialize
// handshake. Fields are written once at creation and read-only afterwards;
// only the access timestamp mutates, under the registry's lock.
type Session struct {
	ID                 string
	ProtocolVersion    string
	ClientInfo         mcp.ImplementationInfo
	ClientCapabilities mcp.ClientCapabilities
	// UserID is the principal attached by the transport's auth hook, empty
	// when the transport runs unauthenticated.
	UserID    string
	CreatedAt time.Time

	lastAccess time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTimeout evicts sessions not touched for d. Zero disables
// eviction.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

// WithSweepInterval sets how often the eviction sweep runs. Defaults to one
// minute.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.sweepInterval = d
	}
}

// WithEvictionCallback registers a hook invoked with the session id after
// an idle eviction. The streaming transport uses it to drop the session's
// event log.
func WithEvictionCallback(fn func(sessionID string)) RegistryOption {
	return func(r *Registry) {
		r.onEvict = fn
	}
}

// WithLogger sets the logger for registry events.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// Registry is the owned collection of live sessions. All access is
// synchronized; sessions progress independently and need no cross-session
// coordination.
type Registry struct {
	idleTimeout   time.Duration
	sweepInterval time.Duration
	onEvict       func(string)
	log           *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewRegistry creates a registry and starts its eviction sweep when an idle
// timeout is configured.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sweepInterval: time.Minute,
		log:           slog.Default(),
		sessions:      make(map[string]*Session),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.idleTimeout > 0 {
		go r.sweepLoop()
	}
	return r
}

// Create allocates a session with a fresh opaque id.
func (r *Registry) Create(protocolVersion string, info mcp.ImplementationInfo, caps mcp.ClientCapabilities, userID string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:                 uuid.NewString(),
		ProtocolVersion:    protocolVersion,
		ClientInfo:         info,
		ClientCapabilities: caps,
		UserID:             userID,
		CreatedAt:          now,
		lastAccess:         now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	r.sessions[sess.ID] = sess
	r.log.Debug("session.create", slog.String("session_id", sess.ID), slog.String("client", info.Name))
	return sess, nil
}

// Get looks a session up and marks it as accessed.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.lastAccess = time.Now().UTC()
	return sess, nil
}

// Delete removes a session. Deleting an unknown id fails with
// ErrSessionNotFound so a DELETE on a stale session id can be reported.
func (r *Registry) Delete(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, sessionID)
	r.log.Debug("session.delete", slog.String("session_id", sessionID))
	return nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops the sweep and rejects further use.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.sessions = make(map[string]*Session)
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.sweep(now.UTC())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var evicted []string
	for id, sess := range r.sessions {
		if now.Sub(sess.lastAccess) > r.idleTimeout {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.log.Info("session.evict", slog.String("session_id", id))
		if r.onEvict != nil {
			r.onEvict(id)
		}
	}
}
