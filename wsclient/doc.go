// Package wsclient implements the WebSocket client transport: framed
// payloads ride in WebSocket messages instead of length-prefixed TCP frames,
// with synchronous request/response correlation by JSON-RPC id, keepalive
// pings, and automatic reconnection.
//
// One goroutine owns all reads and one mutex serializes all writes, which is
// the concurrency discipline the underlying WebSocket implementation
// requires.
package wsclient
