// Package rpc implements the line-delimited JSON-RPC framing shared by the
// app-server and the process peer.
//
// Every message is one JSON object on one line. Messages are classified by
// the keys they carry, not by a type tag:
// - id plus result or error: a response
// - method plus id: a request
// - method without id: a notification
// - anything else: invalid
//
// Writer serializes outbound lines so concurrent senders never interleave
// partial messages.
package rpc
