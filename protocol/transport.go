// Package protocol implements the transport-agnostic request lifecycle
// manager sitting between a Transport and the Client/Server facades. A Conn
// assigns request ids, tracks pending requests, applies per-request
// timeouts, routes inbound responses, notifications, and requests, and
// supports cooperative cancellation and progress streaming.
package protocol

import (
	"context"

	"github.com/leehack/mcp-go/jsonrpc"
)

// Transport moves raw JSON-RPC payloads between two peers. Implementations
// deliver inbound payloads through the message callback; a payload may be a
// single message or a batch array, decoding is the Conn's job.
//
// Callbacks must be registered before Start. Start fails if called twice;
// Close is idempotent. After the close callback fires no further message
// callbacks are delivered.
type Transport interface {
	// Start begins delivering inbound payloads. The context bounds startup
	// only, not the transport's lifetime.
	Start(ctx context.Context) error

	// Send writes one outbound payload. It fails if the transport was never
	// started or is already closed.
	Send(ctx context.Context, msg jsonrpc.Message) error

	// OnMessage registers the inbound payload callback.
	OnMessage(fn func(msg jsonrpc.Message))

	// OnError registers an optional callback for transport-level faults that
	// do not terminate the connection (write failures, dropped payloads).
	OnError(fn func(err error))

	// OnClose registers a callback invoked exactly once when the transport
	// reaches its terminal state, whether by Close or by a fatal fault.
	OnClose(fn func())

	Close() error
}
