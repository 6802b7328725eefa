// Package streaminghttp implements the streaming HTTP transport: HTTP POST
// for inbound messages, Server-Sent Events for outbound delivery, and
// lossless resumption backed by a per-session event store.
//
// Server side, Handler serves three verbs on one path:
//
//	POST   one JSON-RPC message or a batch. An initialize request with no
//	       session header establishes a new session; the session id comes
//	       back in the Mcp-Session-Id response header. Requests get their
//	       responses in the POST body; notification- and response-only
//	       posts are acknowledged with 202.
//	GET    attaches an SSE stream to the session. A Last-Event-ID header
//	       replays everything strictly after that event before live
//	       delivery resumes.
//	DELETE tears the session down.
//
// Client side, Transport pairs outbound POSTs with an auto-reconnecting
// SSE reader. Reconnects present the last seen event id, so a dropped
// stream never loses server-to-client messages.
package streaminghttp
