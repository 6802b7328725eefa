// Package mcp contains protocol data types and constants shared across
// transports and the client/server facades. It mirrors the wire
// representation of the Model Context Protocol while keeping the surface
// Go-friendly (exported structs with json tags, string constants for method
// names and enumerations).
//
// The package is intentionally free of transport logic: the stdio and
// streaming HTTP transports import these types but implement their own
// framing and session handling. Likewise the client and server facades
// construct requests and results from these concrete types and hand them to
// the protocol core for JSON-RPC serialization.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes
// and ensures a single point of truth if the protocol evolves.
//
// # Capabilities
//
// ClientCapabilities and ServerCapabilities capture negotiated feature sets.
// Capability advertising happens during the initialize exchange; an
// operation may only be invoked once the peer has advertised the matching
// capability.
//
// # Pagination and Metadata
//
// Many list operations use cursor-based pagination. PaginatedRequest and
// PaginatedResult are embedded in request / result envelopes. BaseMetadata
// allows producers to attach implementation-defined metadata under the
// _meta key without inflating every struct with an unused field.
//
// # Compatibility
//
// The LatestProtocolVersion constant is the single protocol version this
// engine targets. A peer advertising a different version fails the
// initialize handshake outright rather than negotiating downward.
package mcp
