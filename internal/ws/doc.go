// Package ws provides the agent channel: websocket connections from editor
// agents that can supply source files for analysis sessions.
//
// The package implements:
//   - Frame codec: tagged union of request_source, source_response, ping, pong
//     (JSON on text messages, CBOR on binary messages)
//   - Conn: one agent connection with a bounded outbound buffer
//   - Registry: the set of live connections and broadcast
//   - Listener: upgrade, read/write loops, liveness pings, reply routing
//
// Sends never block: a closed connection or full buffer is reported to the
// caller, which evicts the connection through the registry.
package ws
