package rpc

import "fmt"

// JSON-RPC reserved codes and the domain band used by the app-server.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeThreadNotFound     = -32000
	CodeAPIError           = -32001
	CodeToolExecutionError = -32002
	CodeWorkspaceNotFound  = -32003
	CodeTurnInProgress     = -32004
)

// Error is the wire error object. It doubles as a Go error so handlers can
// return it directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newError(code int, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

func ParseError(format string, a ...any) *Error {
	return newError(CodeParseError, format, a...)
}

func InvalidRequest(format string, a ...any) *Error {
	return newError(CodeInvalidRequest, format, a...)
}

func MethodNotFound(method string) *Error {
	return newError(CodeMethodNotFound, "Method not found: %s", method)
}

func InvalidParams(format string, a ...any) *Error {
	return newError(CodeInvalidParams, format, a...)
}

func InternalError(format string, a ...any) *Error {
	return newError(CodeInternalError, format, a...)
}

func ThreadNotFound(id string) *Error {
	return newError(CodeThreadNotFound, "Thread not found: %s", id)
}

func WorkspaceNotFound(id string) *Error {
	return newError(CodeWorkspaceNotFound, "Workspace not connected: %s", id)
}

func TurnInProgress(threadID string) *Error {
	return newError(CodeTurnInProgress, "A turn is already running on thread %s", threadID)
}
