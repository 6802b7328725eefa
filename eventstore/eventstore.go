// Package eventstore defines the per-session ordered log of outbound
// messages behind the streaming HTTP transport's resumption guarantee.
// Every message sent to a session is appended under the next event id
// before it is written to the live stream; a reconnecting client presents
// the last event id it saw and the store replays everything strictly after
// it, in original order.
package eventstore

import "context"

// Envelope wraps one stored message with its event id. Ids are opaque
// strings that order lexically-by-issue within a session; they are never
// comparable across sessions.
type Envelope struct {
	ID   string
	Data []byte
}

// Stream delivers a session's events in order: first the replayed backlog,
// then live appends. A stream is owned by a single consumer.
type Stream interface {
	// Next blocks until the next event is available, the context is
	// cancelled, or the session is dropped (io.EOF).
	Next(ctx context.Context) (Envelope, error)

	// Close releases the stream. Next fails afterwards.
	Close() error
}

// Store is the append-only per-session event log. Events are retained until
// the session is dropped; there is no mid-session truncation.
//
// Implementations must guarantee that an event is visible to replay before
// any subscriber can observe it live, so a reader can never miss an event
// that raced with its subscribe.
type Store interface {
	// Append stores one outbound payload under the session's next event id
	// and wakes any attached subscriber.
	Append(ctx context.Context, sessionID string, payload []byte) (eventID string, err error)

	// Subscribe opens a stream over the session's events. An empty
	// lastEventID starts from the oldest retained event; otherwise delivery
	// resumes strictly after lastEventID.
	Subscribe(ctx context.Context, sessionID string, lastEventID string) (Stream, error)

	// Drop discards the session's log and terminates its subscribers.
	Drop(ctx context.Context, sessionID string) error
}
