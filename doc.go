// Package mcpwire is the connection-oriented transport core of an MCP
// (Model Context Protocol) runtime.
//
// The wire format is deliberately minimal: every message is a length-prefixed
// blob, <4-byte big-endian length><payload>, with payloads capped at 1 MiB.
// What the payload means (JSON-RPC framing, request dispatch, tool calls) is
// the business of layers above; this module only moves bytes and keeps both
// ends of a connection healthy under failure.
//
// Subpackages:
//
//	wire      frame codec, socket dialing/tuning, cancellation-aware I/O
//	pool      fixed-slot buffer pool with validated release, adaptive
//	          object cache
//	tcp       server transport (acceptor, slot table, worker pool, idle
//	          reaper) and client transport (receiver loop, reconnection
//	          supervisor), plus a health-checked connection pool
//	wsclient  WebSocket client transport with synchronous request/response
//	          correlation and keepalive
//
// The root package holds what upstream code needs to wire a transport up:
// configuration, callback types, and the error taxonomy every transport
// reports through.
package mcpwire
