// Package peer drives a child process that speaks line-delimited JSON-RPC
// over its standard streams.
//
// A Peer correlates outbound requests with inbound responses by numeric id
// and forwards everything else the child writes to an EventSink. The same
// type serves both directions of the bridge: the workspace registry uses it
// for app-server children and for third-party backends alike.
//
// Lifecycle:
//
//	Spawn -> initialize (bounded by InitTimeout) -> initialized -> Ready
//	Ready -> Kill | stdout closed -> torn down
//
// Tearing a peer down resolves every outstanding request with ErrCanceled.
// Each request therefore ends in exactly one of: a response, ErrTimeout, or
// ErrCanceled.
package peer
