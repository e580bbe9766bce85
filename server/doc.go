// Package server implements the app-server side of the bridge: a
// newline-delimited JSON-RPC server over stdio that keeps threads in memory
// and runs turns through the agent package.
//
// Only protocol lines are written to the output stream. Logs go through the
// configured zap logger, which never targets stdout.
//
// Supported methods:
//   - initialize, model/list, skills/list
//   - thread/start, thread/list, thread/resume, thread/archive
//   - turn/start, thread/sendMessage (legacy), turn/interrupt, thread/interrupt
//   - codex/respondToRequest, account/rateLimits
//
// Turns run on their own goroutine so the read loop keeps serving requests,
// including interrupts, while a turn is in flight. A thread runs at most one
// turn at a time.
package server
